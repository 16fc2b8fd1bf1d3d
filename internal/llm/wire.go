// Package llm speaks the chat-completions wire protocol: request
// construction, the SSE response stream, and tool-call reassembly.
package llm

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"annailabs/annai/internal/message"
)

// WireMessage is the JSON shape the completion endpoint expects, distinct
// from the internal message model.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

type WireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDeclaration advertises one tool's shape to the model.
type ToolDeclaration struct {
	Type     string              `json:"type"`
	Function FunctionDeclaration `json:"function"`
}

type FunctionDeclaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// CompletionRequest is the request body for a streaming completion.
type CompletionRequest struct {
	Model    string            `json:"model"`
	Messages []WireMessage     `json:"messages"`
	Tools    []ToolDeclaration `json:"tools,omitempty"`
	Stream   bool              `json:"stream"`
}

// BuildConversation maps history into wire messages with the system prompt
// prepended. The system prompt is injected on every request and never
// stored as a conversation turn.
func BuildConversation(systemPrompt string, history []*message.Message) []WireMessage {
	out := make([]WireMessage, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, WireMessage{Role: string(message.RoleSystem), Content: systemPrompt})
	}
	for _, msg := range history {
		out = append(out, toWire(msg))
	}
	return out
}

func toWire(msg *message.Message) WireMessage {
	switch msg.Role {
	case message.RoleAssistant:
		wire := WireMessage{Role: string(msg.Role), Content: msg.Content}
		if len(msg.ToolCalls) > 0 {
			wire.ToolCalls = make([]WireToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, WireToolCall{
					ID:   call.ID,
					Type: "function",
					Function: WireFunction{
						Name:      call.Name,
						Arguments: encodeArgs(call.Args),
					},
				})
			}
		}
		return wire
	case message.RoleTool:
		return WireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
	default:
		return WireMessage{Role: string(msg.Role), Content: msg.Content}
	}
}

// encodeArgs round-trips parsed arguments back to a JSON string. Key order
// may differ from what the model sent; the endpoint consumes by key.
func encodeArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
