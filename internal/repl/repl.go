// Package repl is the terminal surface for the assistant. It is a thin
// caller: it sends, stops, clears, and renders callback updates; all
// conversation logic lives in the chat loop.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"annailabs/annai/internal/chat"
	"annailabs/annai/internal/message"
)

// Renderer prints streamed assistant output. It receives cumulative
// content and prints only the unseen suffix, so the terminal never
// repeats text.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	activeID string
	printed  int
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// OnAssistant implements the chat callback for assistant updates.
func (r *Renderer) OnAssistant(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID != r.activeID {
		r.activeID = msg.ID
		r.printed = 0
	}
	if msg.IsThinking {
		return
	}
	if len(msg.Content) > r.printed {
		fmt.Fprint(r.out, msg.Content[r.printed:])
		r.printed = len(msg.Content)
	}
}

// OnToolCall implements the chat callback for tool dispatch.
func (r *Renderer) OnToolCall(call message.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "\n[calling %s]\n", call.Name)
}

// REPL reads user lines and feeds them to the assistant.
type REPL struct {
	assistant *chat.Assistant
	in        io.Reader
	out       io.Writer
}

func New(assistant *chat.Assistant, in io.Reader, out io.Writer) *REPL {
	return &REPL{assistant: assistant, in: in, out: out}
}

// Run blocks until EOF or /quit. Ctrl-C stops the current generation
// without exiting.
func (r *REPL) Run(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	// signal.Stop does not close the channel, so the forwarder needs its
	// own shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sig:
				r.assistant.Stop()
			case <-done:
				return
			}
		}
	}()

	fmt.Fprintln(r.out, "Type a message, /clear to reset, /quit to exit. Ctrl-C stops generation.")

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			if err := r.assistant.Clear(); err != nil {
				fmt.Fprintf(r.out, "%v\n", err)
			} else {
				fmt.Fprintln(r.out, "conversation cleared.")
			}
		default:
			r.assistant.SendMessage(ctx, line)
			fmt.Fprintln(r.out)
		}
	}
	return scanner.Err()
}
