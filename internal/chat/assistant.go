// Package chat drives the tool-call conversation loop: send, stream,
// execute requested tools, feed results back, repeat until the model
// answers in plain text or the round-trip bound is hit.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"annailabs/annai/internal/llm"
	"annailabs/annai/internal/message"
	"annailabs/annai/internal/store"
	"annailabs/annai/internal/tools"
)

// Fixed user-facing notices. Tests and the UI rely on the exact strings.
const (
	NoCredentialNotice = "API key not configured. Open settings to add it."
	LoopLimitNotice    = "Tool call limit reached. Try a smaller request."
)

// DefaultMaxToolLoops bounds tool round-trips per user send.
const DefaultMaxToolLoops = 8

// Completer is the completion endpoint as the loop sees it.
type Completer interface {
	StreamCompletion(ctx context.Context, apiKey string, msgs []llm.WireMessage, tools []llm.ToolDeclaration, onContent llm.ContentFunc) (*llm.StreamResult, error)
}

// CredentialSource looks up API keys by provider name.
type CredentialSource interface {
	APIKey(provider string) (string, bool)
}

// Config carries the orchestrator's knobs. No process-wide settings
// object: everything is injected at construction.
type Config struct {
	Provider     string
	SystemPrompt string
	MaxToolLoops int
}

// Callbacks let a UI observe progress. Both are optional and are invoked
// with copies, outside the assistant's locks.
type Callbacks struct {
	// OnAssistant fires whenever the active assistant message changes
	// (streamed content, attached tool calls, notices).
	OnAssistant func(msg message.Message)
	// OnToolCall fires just before a tool batch executes, once per call.
	OnToolCall func(call message.ToolCall)
}

// Assistant owns one conversation. History mutation is single-writer: only
// the in-flight send touches messages, readers get snapshots.
type Assistant struct {
	cfg       Config
	client    Completer
	registry  *tools.Registry
	store     store.Store
	creds     CredentialSource
	callbacks Callbacks

	mu      sync.RWMutex
	history []*message.Message
	busy    bool
	cancel  context.CancelFunc
}

// New builds an assistant and preloads any persisted history from the
// store.
func New(cfg Config, client Completer, registry *tools.Registry, st store.Store, creds CredentialSource, callbacks Callbacks) (*Assistant, error) {
	if cfg.MaxToolLoops <= 0 {
		cfg.MaxToolLoops = DefaultMaxToolLoops
	}
	history, err := st.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return &Assistant{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		store:     st,
		creds:     creds,
		callbacks: callbacks,
		history:   history,
	}, nil
}

// Messages returns a snapshot of the conversation. Safe to call at any
// time, including mid-stream.
func (a *Assistant) Messages() []message.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]message.Message, 0, len(a.history))
	for _, msg := range a.history {
		out = append(out, msg.Clone())
	}
	return out
}

// Busy reports whether a send is in flight.
func (a *Assistant) Busy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.busy
}

// Stop aborts the in-flight turn, if any. The abort is silent: partial
// streamed content stays visible and no error is recorded.
func (a *Assistant) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clear resets the conversation. Rejected while a send is in flight.
func (a *Assistant) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return errors.New("cannot clear while a send is in flight")
	}
	a.history = nil
	return a.store.Clear()
}

// SendMessage runs one full user turn, blocking until the loop settles
// back to idle. Blank input is ignored; a second call while one is in
// flight is a no-op, not queued.
func (a *Assistant) SendMessage(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return
	}
	a.busy = true
	user := message.NewUser(content)
	asst := message.NewAssistantPlaceholder()
	// Both turns land in history before any I/O so the UI reflects the
	// send immediately.
	a.history = append(a.history, user, asst)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.busy = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	if err := a.store.Append(user); err != nil {
		slog.Warn("failed to persist user message", "error", err)
	}
	a.notifyAssistant(asst)

	key, ok := a.creds.APIKey(a.cfg.Provider)
	if !ok || key == "" {
		a.finishWithNotice(asst, NoCredentialNotice)
		return
	}

	a.runLoop(ctx, asst, key)
}

// runLoop is the Sending -> Streaming -> ExecutingTools cycle.
func (a *Assistant) runLoop(ctx context.Context, asst *message.Message, apiKey string) {
	declarations := a.registry.Declarations()

	for loop := 1; loop <= a.cfg.MaxToolLoops; loop++ {
		turnCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()

		wire := a.buildWire(asst)
		slog.Debug("sending completion request", "loop", loop, "messages", len(wire))

		result, err := a.client.StreamCompletion(turnCtx, apiKey, wire, declarations, func(cumulative string) {
			a.updateAssistant(asst, func(m *message.Message) {
				m.Content = cumulative
				m.IsThinking = false
			})
		})
		if err != nil {
			cancel()
			if errors.Is(err, context.Canceled) {
				// User abort: keep whatever streamed, no error text.
				a.updateAssistant(asst, func(m *message.Message) { m.IsThinking = false })
				a.persist(asst)
				return
			}
			slog.Error("completion request failed", "loop", loop, "error", err)
			a.finishWithNotice(asst, "Error: "+err.Error())
			return
		}

		// The assistant turn owns both its text and its tool calls.
		a.updateAssistant(asst, func(m *message.Message) {
			m.Content = result.Content
			m.IsThinking = false
			if len(result.ToolCalls) > 0 {
				m.ToolCalls = result.ToolCalls
			}
		})

		if len(result.ToolCalls) == 0 {
			cancel()
			a.persist(asst)
			return
		}

		results := a.executeTools(turnCtx, result.ToolCalls)
		aborted := turnCtx.Err() != nil
		cancel()
		if aborted {
			// Cancelled fan-out: no tool turns are appended, so the
			// declared calls come off the turn too. A tool_calls turn with
			// no tool replies is rejected when the history is replayed.
			a.updateAssistant(asst, func(m *message.Message) {
				m.ToolCalls = nil
			})
			a.persist(asst)
			return
		}

		lastLoop := loop == a.cfg.MaxToolLoops
		a.updateAssistant(asst, func(m *message.Message) {
			for i := range m.ToolCalls {
				m.ToolCalls[i].Result = results[i]
			}
			if lastLoop && m.Content == "" {
				// Never leave the user looking at a blank bubble.
				m.Content = LoopLimitNotice
			}
		})
		a.persist(asst)

		toolMsgs := make([]*message.Message, 0, len(result.ToolCalls))
		for i, call := range result.ToolCalls {
			toolMsgs = append(toolMsgs, message.NewTool(call.ID, call.Name, encodeResult(results[i])))
		}
		a.mu.Lock()
		a.history = append(a.history, toolMsgs...)
		a.mu.Unlock()
		for _, msg := range toolMsgs {
			if err := a.store.Append(msg); err != nil {
				slog.Warn("failed to persist tool result", "error", err)
			}
		}

		if lastLoop {
			slog.Warn("tool loop bound reached")
			return
		}

		next := message.NewAssistantPlaceholder()
		a.mu.Lock()
		a.history = append(a.history, next)
		a.mu.Unlock()
		asst = next
		a.notifyAssistant(asst)
	}
}

// executeTools fans a turn's calls out concurrently and gathers results in
// declaration order. Completion order never leaks into message order.
func (a *Assistant) executeTools(ctx context.Context, calls []message.ToolCall) []any {
	if a.callbacks.OnToolCall != nil {
		for _, call := range calls {
			a.callbacks.OnToolCall(call)
		}
	}

	results := make([]any, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call message.ToolCall) {
			defer wg.Done()
			results[i] = a.registry.Execute(ctx, call.Name, call.Args)
		}(i, call)
	}
	wg.Wait()
	return results
}

// buildWire flattens history to wire messages, excluding the active
// placeholder, with the system prompt prepended.
func (a *Assistant) buildWire(placeholder *message.Message) []llm.WireMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := make([]*message.Message, 0, len(a.history))
	for _, msg := range a.history {
		if msg == placeholder {
			continue
		}
		history = append(history, msg)
	}
	return llm.BuildConversation(a.cfg.SystemPrompt, history)
}

func (a *Assistant) updateAssistant(asst *message.Message, mutate func(*message.Message)) {
	a.mu.Lock()
	mutate(asst)
	a.mu.Unlock()
	a.notifyAssistant(asst)
}

func (a *Assistant) notifyAssistant(asst *message.Message) {
	if a.callbacks.OnAssistant == nil {
		return
	}
	a.mu.RLock()
	snapshot := asst.Clone()
	a.mu.RUnlock()
	a.callbacks.OnAssistant(snapshot)
}

func (a *Assistant) finishWithNotice(asst *message.Message, notice string) {
	a.updateAssistant(asst, func(m *message.Message) {
		m.Content = notice
		m.IsThinking = false
	})
	a.persist(asst)
}

func (a *Assistant) persist(asst *message.Message) {
	if err := a.store.Append(asst); err != nil {
		slog.Warn("failed to persist assistant message", "error", err)
	}
}

func encodeResult(result any) string {
	if result == nil {
		return "{}"
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}
