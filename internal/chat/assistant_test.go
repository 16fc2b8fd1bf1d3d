package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"annailabs/annai/internal/llm"
	"annailabs/annai/internal/message"
	"annailabs/annai/internal/store"
	"annailabs/annai/internal/tools"
)

type staticCreds map[string]string

func (c staticCreds) APIKey(provider string) (string, bool) {
	key, ok := c[provider]
	return key, ok
}

// scriptedCompleter plays back one scripted response per completion
// request. The last script entry repeats if the loop asks for more.
type scriptedCompleter struct {
	mu       sync.Mutex
	calls    int
	requests [][]llm.WireMessage
	script   []func(ctx context.Context, onContent llm.ContentFunc) (*llm.StreamResult, error)
}

func (s *scriptedCompleter) StreamCompletion(ctx context.Context, apiKey string, msgs []llm.WireMessage, decls []llm.ToolDeclaration, onContent llm.ContentFunc) (*llm.StreamResult, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	copied := make([]llm.WireMessage, len(msgs))
	copy(copied, msgs)
	s.requests = append(s.requests, copied)
	step := s.script[len(s.script)-1]
	if idx < len(s.script) {
		step = s.script[idx]
	}
	s.mu.Unlock()
	return step(ctx, onContent)
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func reply(content string, calls ...message.ToolCall) func(context.Context, llm.ContentFunc) (*llm.StreamResult, error) {
	return func(_ context.Context, onContent llm.ContentFunc) (*llm.StreamResult, error) {
		if content != "" && onContent != nil {
			onContent(content)
		}
		return &llm.StreamResult{Content: content, ToolCalls: calls}, nil
	}
}

func newTestAssistant(t *testing.T, completer Completer, creds CredentialSource, regTools ...*tools.Tool) *Assistant {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range regTools {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	cfg := Config{Provider: "openrouter", SystemPrompt: "You are Annai.", MaxToolLoops: DefaultMaxToolLoops}
	a, err := New(cfg, completer, registry, store.NewMemoryStore(), creds, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSendMessageSimpleReply(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("Hello! How can I help?"),
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	a.SendMessage(context.Background(), "hi")

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != message.RoleUser || msgs[1].Content != "Hello! How can I help?" {
		t.Errorf("messages = %+v", msgs)
	}
	if msgs[1].IsThinking {
		t.Error("assistant message still marked thinking")
	}
	if a.Busy() {
		t.Error("assistant still busy after send returned")
	}

	// First request: system prompt plus user turn, no placeholder.
	req := completer.requests[0]
	if len(req) != 2 || req[0].Role != "system" || req[1].Role != "user" {
		t.Errorf("request = %+v", req)
	}
}

func TestSendMessageToolRound(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("", message.ToolCall{ID: "call_1", Name: "query_database", Args: map[string]any{"databaseId": "db1"}}),
		reply("You have 3 open tasks."),
	}}
	queryTool := &tools.Tool{
		Name: "query_database",
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			if args["databaseId"] != "db1" {
				t.Errorf("args = %v", args)
			}
			return map[string]any{"results": []any{"a", "b", "c"}}, nil
		},
	}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"}, queryTool)

	a.SendMessage(context.Background(), "how many open tasks?")

	msgs := a.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "query_database" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[1].ToolCalls[0].Result == nil {
		t.Error("tool call result not attached")
	}
	if msgs[2].Role != message.RoleTool || msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", msgs[2])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &payload); err != nil {
		t.Fatalf("tool content not JSON: %v", err)
	}
	if msgs[3].Content != "You have 3 open tasks." {
		t.Errorf("final assistant = %+v", msgs[3])
	}

	// Second request carries the whole round back to the model.
	req := completer.requests[1]
	roles := make([]string, len(req))
	for i, m := range req {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool"}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("second request roles = %v, want %v", roles, want)
		}
	}
	if len(req[2].ToolCalls) != 1 || req[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("wire assistant = %+v", req[2])
	}
}

func TestSendMessageMissingCredential(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("should never run"),
	}}
	a := newTestAssistant(t, completer, staticCreds{})

	a.SendMessage(context.Background(), "hello")

	if completer.callCount() != 0 {
		t.Errorf("completer called %d times with no credential", completer.callCount())
	}
	msgs := a.Messages()
	if len(msgs) != 2 || msgs[1].Content != NoCredentialNotice {
		t.Errorf("messages = %+v", msgs)
	}
	if a.Busy() {
		t.Error("assistant stuck busy")
	}
}

func TestSendMessageToolFailureContinuesLoop(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("", message.ToolCall{ID: "c1", Name: "retrieve_page", Args: map[string]any{"pageId": "gone"}}),
		reply("That page no longer exists."),
	}}
	failing := &tools.Tool{
		Name: "retrieve_page",
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("workspace API error (404): Could not find page.")
		},
	}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"}, failing)

	a.SendMessage(context.Background(), "open my page")

	if completer.callCount() != 2 {
		t.Fatalf("completer called %d times, want 2", completer.callCount())
	}
	msgs := a.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &payload); err != nil {
		t.Fatalf("tool content not JSON: %v", err)
	}
	if !strings.Contains(payload["error"].(string), "404") {
		t.Errorf("tool payload = %v", payload)
	}
	if msgs[3].Content != "That page no longer exists." {
		t.Errorf("final assistant = %+v", msgs[3])
	}
}

func TestSendMessageUnknownToolContinuesLoop(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("", message.ToolCall{ID: "c1", Name: "delete_everything", Args: map[string]any{}}),
		reply("I can't do that."),
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	a.SendMessage(context.Background(), "wipe my workspace")

	msgs := a.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["error"] != "unknown tool" {
		t.Errorf("payload = %v", payload)
	}
}

func TestSendMessageLoopBound(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("", message.ToolCall{ID: "c", Name: "list_users", Args: map[string]any{}}),
	}}
	listTool := &tools.Tool{
		Name: "list_users",
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"results": []any{}}, nil
		},
	}
	registry := tools.NewRegistry()
	if err := registry.Register(listTool); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Provider: "openrouter", MaxToolLoops: 3}
	a, err := New(cfg, completer, registry, store.NewMemoryStore(), staticCreds{"openrouter": "sk"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	a.SendMessage(context.Background(), "loop forever")

	if completer.callCount() != 3 {
		t.Errorf("completer called %d times, want 3", completer.callCount())
	}
	msgs := a.Messages()
	// user + three rounds of (assistant, tool).
	if len(msgs) != 7 {
		t.Fatalf("expected 7 messages, got %d", len(msgs))
	}
	last := msgs[5]
	if last.Role != message.RoleAssistant || last.Content != LoopLimitNotice {
		t.Errorf("final assistant = %+v", last)
	}
	if a.Busy() {
		t.Error("assistant stuck busy after loop bound")
	}
}

// Tool results land in declaration order even when execution finishes in
// the opposite order.
func TestExecuteToolsPreservesDeclarationOrder(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("",
			message.ToolCall{ID: "slow", Name: "slow_tool", Args: map[string]any{}},
			message.ToolCall{ID: "fast", Name: "fast_tool", Args: map[string]any{}},
		),
		reply("done"),
	}}
	started := make(chan struct{})
	slow := &tools.Tool{
		Name: "slow_tool",
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			<-started
			return map[string]any{"which": "slow"}, nil
		},
	}
	fast := &tools.Tool{
		Name: "fast_tool",
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			close(started)
			return map[string]any{"which": "fast"}, nil
		},
	}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"}, slow, fast)

	a.SendMessage(context.Background(), "run both")

	msgs := a.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[2].ToolCallID != "slow" || msgs[3].ToolCallID != "fast" {
		t.Errorf("tool order = %q then %q", msgs[2].ToolCallID, msgs[3].ToolCallID)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &first); err != nil {
		t.Fatal(err)
	}
	if first["which"] != "slow" {
		t.Errorf("results misaligned: %v", first)
	}
}

func TestStopKeepsPartialContent(t *testing.T) {
	streamed := make(chan struct{})
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		func(ctx context.Context, onContent llm.ContentFunc) (*llm.StreamResult, error) {
			onContent("The request was can")
			close(streamed)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	done := make(chan struct{})
	go func() {
		a.SendMessage(context.Background(), "long question")
		close(done)
	}()

	<-streamed
	a.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "The request was can" {
		t.Errorf("partial content = %q", msgs[1].Content)
	}
	if msgs[1].IsThinking {
		t.Error("cancelled assistant message still thinking")
	}
	if strings.Contains(msgs[1].Content, "Error") {
		t.Error("cancellation surfaced as an error")
	}
	if a.Busy() {
		t.Error("assistant stuck busy after stop")
	}
}

// Stopping mid-execution must not leave an assistant turn declaring tool
// calls that have no tool replies; replaying such a history is rejected by
// the endpoint.
func TestStopDuringToolExecutionDropsUnresolvedCalls(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("Let me check.", message.ToolCall{ID: "c1", Name: "slow_query", Args: map[string]any{}}),
	}}
	entered := make(chan struct{})
	blocking := &tools.Tool{
		Name: "slow_query",
		Execute: func(ctx context.Context, _ map[string]any) (any, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	registry := tools.NewRegistry()
	if err := registry.Register(blocking); err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	a, err := New(Config{Provider: "openrouter"}, completer, registry, st,
		staticCreds{"openrouter": "sk"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		a.SendMessage(context.Background(), "long lookup")
		close(done)
	}()
	<-entered
	a.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "Let me check." {
		t.Errorf("partial content = %q", msgs[1].Content)
	}
	if len(msgs[1].ToolCalls) != 0 {
		t.Errorf("unresolved tool calls kept: %+v", msgs[1].ToolCalls)
	}

	persisted, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted %d messages", len(persisted))
	}
	last := persisted[len(persisted)-1]
	if last.Role != message.RoleAssistant || len(last.ToolCalls) != 0 {
		t.Errorf("persisted turn = %+v", last)
	}

	if completer.callCount() != 1 {
		t.Errorf("completer called %d times", completer.callCount())
	}
}

func TestSendMessageWhileBusyIsDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		func(_ context.Context, _ llm.ContentFunc) (*llm.StreamResult, error) {
			close(entered)
			<-release
			return &llm.StreamResult{Content: "first answer"}, nil
		},
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	done := make(chan struct{})
	go func() {
		a.SendMessage(context.Background(), "first")
		close(done)
	}()
	<-entered

	a.SendMessage(context.Background(), "second")
	if got := len(a.Messages()); got != 2 {
		t.Errorf("concurrent send was queued: %d messages", got)
	}

	close(release)
	<-done

	msgs := a.Messages()
	if len(msgs) != 2 || msgs[0].Content != "first" {
		t.Errorf("messages = %+v", msgs)
	}
	if completer.callCount() != 1 {
		t.Errorf("completer called %d times", completer.callCount())
	}
}

func TestSendMessageBlankInputIgnored(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("never"),
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	a.SendMessage(context.Background(), "   \n\t ")
	if len(a.Messages()) != 0 || completer.callCount() != 0 {
		t.Errorf("blank input produced activity: %+v", a.Messages())
	}
}

func TestSendMessageTransportError(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		func(_ context.Context, _ llm.ContentFunc) (*llm.StreamResult, error) {
			return nil, errors.New("completion endpoint returned 500: upstream down")
		},
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	a.SendMessage(context.Background(), "hello")

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[1].Content, "Error: ") || !strings.Contains(msgs[1].Content, "upstream down") {
		t.Errorf("error message = %q", msgs[1].Content)
	}
}

func TestClear(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("hi"),
	}}
	st := store.NewMemoryStore()
	cfg := Config{Provider: "openrouter"}
	a, err := New(cfg, completer, tools.NewRegistry(), st, staticCreds{"openrouter": "sk"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	a.SendMessage(context.Background(), "hello")
	if len(a.Messages()) != 2 {
		t.Fatalf("setup: %d messages", len(a.Messages()))
	}

	if err := a.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(a.Messages()) != 0 {
		t.Error("history not cleared")
	}
	persisted, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Error("store not cleared")
	}
}

func TestClearWhileBusyRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		func(_ context.Context, _ llm.ContentFunc) (*llm.StreamResult, error) {
			close(entered)
			<-release
			return &llm.StreamResult{Content: "ok"}, nil
		},
	}}
	a := newTestAssistant(t, completer, staticCreds{"openrouter": "sk"})

	done := make(chan struct{})
	go func() {
		a.SendMessage(context.Background(), "hold")
		close(done)
	}()
	<-entered

	if err := a.Clear(); err == nil {
		t.Error("clear succeeded mid-turn")
	}

	close(release)
	<-done
}

func TestCallbacksObserveProgress(t *testing.T) {
	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		func(_ context.Context, onContent llm.ContentFunc) (*llm.StreamResult, error) {
			onContent("Wor")
			onContent("Working on it.")
			return &llm.StreamResult{
				ToolCalls: []message.ToolCall{{ID: "c1", Name: "get_self", Args: map[string]any{}}},
				Content:   "Working on it.",
			}, nil
		},
		reply("All set."),
	}}
	selfTool := &tools.Tool{
		Name: "get_self",
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"name": "Annai Bot"}, nil
		},
	}

	var mu sync.Mutex
	var contents []string
	var toolCalls []string
	registry := tools.NewRegistry()
	if err := registry.Register(selfTool); err != nil {
		t.Fatal(err)
	}
	a, err := New(Config{Provider: "openrouter"}, completer, registry, store.NewMemoryStore(),
		staticCreds{"openrouter": "sk"}, Callbacks{
			OnAssistant: func(msg message.Message) {
				mu.Lock()
				contents = append(contents, msg.Content)
				mu.Unlock()
			},
			OnToolCall: func(call message.ToolCall) {
				mu.Lock()
				toolCalls = append(toolCalls, call.Name)
				mu.Unlock()
			},
		})
	if err != nil {
		t.Fatal(err)
	}

	a.SendMessage(context.Background(), "who am I?")

	mu.Lock()
	defer mu.Unlock()
	if len(toolCalls) != 1 || toolCalls[0] != "get_self" {
		t.Errorf("tool callbacks = %v", toolCalls)
	}
	sawPartial := false
	for _, c := range contents {
		if c == "Wor" {
			sawPartial = true
		}
	}
	if !sawPartial {
		t.Errorf("streamed partials not observed: %v", contents)
	}
	if contents[len(contents)-1] != "All set." {
		t.Errorf("last observed content = %q", contents[len(contents)-1])
	}
}

func TestNewLoadsPersistedHistory(t *testing.T) {
	st := store.NewMemoryStore()
	st.Append(message.NewUser("earlier question"))
	st.Append(&message.Message{Role: message.RoleAssistant, Content: "earlier answer"})

	completer := &scriptedCompleter{script: []func(context.Context, llm.ContentFunc) (*llm.StreamResult, error){
		reply("welcome back"),
	}}
	a, err := New(Config{Provider: "openrouter"}, completer, tools.NewRegistry(), st,
		staticCreds{"openrouter": "sk"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	msgs := a.Messages()
	if len(msgs) != 2 || msgs[1].Content != "earlier answer" {
		t.Fatalf("loaded history = %+v", msgs)
	}

	a.SendMessage(context.Background(), "back again")
	req := completer.requests[0]
	// Prior turns ride along on the next request.
	if len(req) != 3 {
		t.Errorf("request = %+v", req)
	}
}
