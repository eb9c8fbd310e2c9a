package proxy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nulpointcorp/keygate/internal/sse"
)

func finishPtr(s string) *string { return &s }

// TestRenderChunkOpenAI verifies OpenAI-shaped dialects get the canonical
// chunk as a data frame.
func TestRenderChunkOpenAI(t *testing.T) {
	c := sse.Chunk{
		ID:     "req-1",
		Object: "chat.completion.chunk",
		Model:  "gpt-4",
		Choices: []sse.ChunkChoice{
			{Delta: sse.ChunkDelta{Content: "Hello"}},
		},
	}
	frame := string(renderChunk(sse.DialectOpenAIChat, c))
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("bad frame shape: %q", frame)
	}
	var got sse.Chunk
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &got); err != nil {
		t.Fatalf("frame payload not a chunk: %v", err)
	}
	if got.Choices[0].Delta.Content != "Hello" {
		t.Errorf("content = %q", got.Choices[0].Delta.Content)
	}
}

// TestRenderChunkAnthropicText verifies the completion event vocabulary and
// the role-phase suppression.
func TestRenderChunkAnthropicText(t *testing.T) {
	role := sse.Chunk{Choices: []sse.ChunkChoice{{Delta: sse.ChunkDelta{Role: "assistant"}}}}
	if out := renderAnthropicText(role); len(out) != 0 {
		t.Errorf("role-only chunk rendered: %q", out)
	}

	content := sse.Chunk{Choices: []sse.ChunkChoice{{Delta: sse.ChunkDelta{Content: " world"}}}}
	frame := string(renderAnthropicText(content))
	if !strings.HasPrefix(frame, "event: completion\ndata: ") {
		t.Fatalf("bad frame: %q", frame)
	}
	if !strings.Contains(frame, `"completion":" world"`) {
		t.Errorf("frame = %q", frame)
	}
	if !strings.Contains(frame, `"stop_reason":null`) {
		t.Errorf("mid-stream stop_reason should be null: %q", frame)
	}

	final := sse.Chunk{Choices: []sse.ChunkChoice{{FinishReason: finishPtr("length")}}}
	frame = string(renderAnthropicText(final))
	if !strings.Contains(frame, `"stop_reason":"max_tokens"`) {
		t.Errorf("frame = %q", frame)
	}
}

// TestRenderChunkAnthropicChat verifies the messages event sequence.
func TestRenderChunkAnthropicChat(t *testing.T) {
	c := sse.Chunk{Choices: []sse.ChunkChoice{{
		Delta:        sse.ChunkDelta{Content: "Hi"},
		FinishReason: finishPtr("stop"),
	}}}
	out := string(renderAnthropicChat(c))

	wantOrder := []string{
		"event: content_block_delta",
		`"text":"Hi"`,
		"event: message_delta",
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	}
	pos := 0
	for _, want := range wantOrder {
		idx := strings.Index(out[pos:], want)
		if idx < 0 {
			t.Fatalf("missing %q in order, output:\n%s", want, out)
		}
		pos += idx
	}
}

// TestSpoofFrames verifies errors render as a marked completion plus the
// terminal frame in the client's dialect.
func TestSpoofFrames(t *testing.T) {
	out := string(spoofFrames(sse.DialectOpenAIChat, "req-1", "gpt-4", "no keys left"))
	if !strings.Contains(out, "[keygate] no keys left") {
		t.Errorf("missing marked message: %q", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("missing terminal frame: %q", out)
	}

	out = string(spoofFrames(sse.DialectAnthropicText, "req-1", "claude-2", "boom"))
	if !strings.Contains(out, "event: completion") {
		t.Errorf("anthropic spoof not in dialect vocabulary: %q", out)
	}
	if !strings.Contains(out, "[keygate] boom") {
		t.Errorf("missing marked message: %q", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("missing terminal frame: %q", out)
	}
}
