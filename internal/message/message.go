// Package message holds the conversation model shared by the chat loop,
// the message store, and the wire encoders.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// Role is the closed set of conversation roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is a single model-issued invocation request. Result stays nil
// until the call has been executed.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
}

// Message is one turn in a conversation. Assistant turns may carry tool
// calls; tool turns carry the call id and tool name they answer.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	// IsThinking marks an assistant turn that has produced no output yet.
	// It is a rendering hint, never persisted or sent on the wire.
	IsThinking bool `json:"-"`
}

func NewUser(content string) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Role:    RoleUser,
		Content: strings.TrimSpace(content),
	}
}

// NewAssistantPlaceholder creates the empty assistant turn appended before
// any network I/O so the caller can render a thinking indicator.
func NewAssistantPlaceholder() *Message {
	return &Message{
		ID:         uuid.NewString(),
		Role:       RoleAssistant,
		IsThinking: true,
	}
}

func NewTool(callID, name, content string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Name:       name,
	}
}

// Clone returns a copy safe to hand to readers while the original is still
// being mutated by the chat loop. Tool calls are copied; Args and Result
// values are shared, callers must treat them as read-only.
func (m *Message) Clone() Message {
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}
