package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/keygate/internal/sse"
)

// renderChunk serializes one canonical chunk as an SSE frame in the
// client's inbound dialect. OpenAI-shaped dialects receive the chunk as-is;
// Anthropic dialects receive their native event vocabulary.
func renderChunk(dialect sse.Dialect, c sse.Chunk) []byte {
	switch dialect {
	case sse.DialectAnthropicText:
		return renderAnthropicText(c)
	case sse.DialectAnthropicChat:
		return renderAnthropicChat(c)
	default:
		data, _ := json.Marshal(c)
		return []byte(fmt.Sprintf("data: %s\n\n", data))
	}
}

func renderAnthropicText(c sse.Chunk) []byte {
	var out []byte
	for _, choice := range c.Choices {
		if choice.Delta.Role != "" && choice.Delta.Content == "" && choice.FinishReason == nil {
			// Anthropic's text dialect has no role phase.
			continue
		}
		payload := map[string]any{"completion": choice.Delta.Content, "stop_reason": nil}
		if choice.FinishReason != nil {
			payload["stop_reason"] = anthropicStop(*choice.FinishReason)
		}
		data, _ := json.Marshal(payload)
		out = append(out, []byte(fmt.Sprintf("event: completion\ndata: %s\n\n", data))...)
	}
	return out
}

func renderAnthropicChat(c sse.Chunk) []byte {
	var out []byte
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			data, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": choice.Delta.Content},
			})
			out = append(out, []byte(fmt.Sprintf("event: content_block_delta\ndata: %s\n\n", data))...)
		}
		if choice.FinishReason != nil {
			data, _ := json.Marshal(map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": anthropicStop(*choice.FinishReason)},
			})
			out = append(out, []byte(fmt.Sprintf("event: message_delta\ndata: %s\n\n", data))...)
			out = append(out, []byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")...)
		}
	}
	return out
}

func anthropicStop(finish string) string {
	if finish == "length" {
		return "max_tokens"
	}
	return "end_turn"
}

// doneFrame terminates every stream, completed or errored.
var doneFrame = []byte("data: [DONE]\n\n")

// spoofFrames renders an error as a normal-looking completion in the
// client's dialect, so naive clients display the text, followed by the
// terminal frame.
func spoofFrames(dialect sse.Dialect, requestID, model, message string) []byte {
	text := "[keygate] " + message
	finish := "stop"
	chunk := sse.Chunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []sse.ChunkChoice{{
			Delta:        sse.ChunkDelta{Role: "assistant", Content: text},
			FinishReason: &finish,
		}},
	}
	return append(renderChunk(dialect, chunk), doneFrame...)
}
