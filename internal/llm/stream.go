package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"

	"annailabs/annai/internal/message"
)

// doneSentinel terminates an SSE completion stream.
const doneSentinel = "[DONE]"

// maxToolCallsPerTurn bounds the accumulator table. Fragment indexes come
// off the wire, so an out-of-range value must not crash the decoder or
// force an arbitrary allocation.
const maxToolCallsPerTurn = 128

// ContentFunc receives the cumulative assistant text after each content
// delta, so a renderer can replace displayed text instead of appending.
type ContentFunc func(cumulative string)

// StreamResult is the finalized outcome of one completion stream.
type StreamResult struct {
	Content      string
	ToolCalls    []message.ToolCall
	FinishReason string
}

// streamChunk mirrors the delta objects the endpoint emits.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallAccumulator collects one tool call's fragments by stream index.
// Argument fragments concatenate in arrival order; the full JSON blob may
// be split across many chunks.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// DecodeStream consumes an SSE byte stream of `data:` lines and reassembles
// it into a StreamResult. Lines that fail to parse as JSON are skipped;
// frames are not guaranteed to align with object boundaries. The [DONE]
// sentinel ends the payload without error.
func DecodeStream(ctx context.Context, r io.Reader, onContent ContentFunc) (*StreamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var finishReason string
	var accs []*toolCallAccumulator

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" || data == doneSentinel {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onContent != nil {
				onContent(content.String())
			}
		}

		for _, frag := range choice.Delta.ToolCalls {
			index := 0
			if frag.Index != nil {
				index = *frag.Index
			}
			if index < 0 || index >= maxToolCallsPerTurn {
				continue
			}
			for index >= len(accs) {
				accs = append(accs, nil)
			}
			if accs[index] == nil {
				accs[index] = &toolCallAccumulator{}
			}
			acc := accs[index]
			if frag.ID != "" {
				acc.id = frag.ID
			}
			if frag.Function.Name != "" {
				acc.name = frag.Function.Name
			}
			acc.args.WriteString(frag.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &StreamResult{
		Content:      content.String(),
		FinishReason: finishReason,
	}
	for _, acc := range accs {
		if acc == nil {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, finalizeToolCall(acc))
	}
	return result, nil
}

func finalizeToolCall(acc *toolCallAccumulator) message.ToolCall {
	call := message.ToolCall{
		ID:   acc.id,
		Name: acc.name,
		Args: ParseToolArgs(acc.args.String()),
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Name == "" {
		call.Name = "unknown_tool"
	}
	return call
}

// ParseToolArgs parses an accumulated arguments blob. On failure the raw
// string is preserved under "_raw" so the call can still be reported back
// to the model instead of aborting the turn.
func ParseToolArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
