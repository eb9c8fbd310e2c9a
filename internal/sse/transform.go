package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect identifies an upstream (or inbound) API shape.
type Dialect string

const (
	DialectOpenAIChat    Dialect = "openai"
	DialectOpenAIText    Dialect = "openai-text"
	DialectAnthropicText Dialect = "anthropic-text"
	DialectAnthropicChat Dialect = "anthropic-chat"
	DialectGoogleAI      Dialect = "google-ai"
	DialectMistral       Dialect = "mistral-ai"
	DialectAzure         Dialect = "azure"
)

// Anthropic text-completion API versions the transformer distinguishes:
// v1 resends the whole completion on every event, v2 sends deltas.
const (
	AnthropicV1 = "2023-01-01"
	AnthropicV2 = "2023-06-01"
)

// Chunk is the canonical OpenAI chat-completion-chunk event.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// UpstreamErrorEvent is returned when the upstream emits an in-band error
// event; the orchestrator decides whether to retry or spoof it.
type UpstreamErrorEvent struct {
	Payload string
}

func (e *UpstreamErrorEvent) Error() string {
	return fmt.Sprintf("sse: upstream error event: %s", e.Payload)
}

// Transformer translates one upstream event stream into canonical chunks.
// It is stateful: one instance per stream.
type Transformer struct {
	source     Dialect
	apiVersion string
	id         string
	model      string
	created    int64

	// Observer, when set, sees every upstream event before translation
	// (the side-channel for prompt-logging aggregators).
	Observer func(Event)

	roleSent     bool
	firstContent bool
	finishSent   bool
	lastPosition int
}

// NewTransformer builds a transformer for a stream. requestID and model
// stamp the synthesized chunks.
func NewTransformer(source Dialect, apiVersion, requestID, model string) *Transformer {
	return &Transformer{
		source:       source,
		apiVersion:   apiVersion,
		id:           requestID,
		model:        model,
		created:      time.Now().Unix(),
		firstContent: true,
	}
}

func (t *Transformer) chunk(delta ChunkDelta, finish *string) Chunk {
	return Chunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// withRole prepends the synthesized role-assignment chunk before the first
// content-bearing chunk, mirroring native OpenAI's two-phase stream.
func (t *Transformer) withRole(chunks []Chunk) []Chunk {
	if t.roleSent || len(chunks) == 0 {
		return chunks
	}
	t.roleSent = true
	return append([]Chunk{t.chunk(ChunkDelta{Role: "assistant"}, nil)}, chunks...)
}

// Transform translates one upstream event. A nil, nil return means the
// event carried nothing for the client (pings, precursor frames).
func (t *Transformer) Transform(ev Event) ([]Chunk, error) {
	if t.Observer != nil {
		t.Observer(ev)
	}
	if ev.Name == "error" {
		return nil, &UpstreamErrorEvent{Payload: ev.Data}
	}
	if ev.Name == "ping" || ev.Data == "[DONE]" {
		return nil, nil
	}

	switch t.source {
	case DialectOpenAIChat, DialectMistral:
		return t.fromOpenAIChat(ev, false)
	case DialectAzure:
		return t.fromOpenAIChat(ev, true)
	case DialectOpenAIText:
		return t.fromOpenAIText(ev)
	case DialectAnthropicText:
		return t.fromAnthropicText(ev)
	case DialectAnthropicChat:
		return t.fromAnthropicChat(ev)
	case DialectGoogleAI:
		return t.fromGoogleAI(ev)
	}
	return nil, fmt.Errorf("sse: no transform for dialect %q", t.source)
}

func (t *Transformer) fromOpenAIChat(ev Event, azure bool) ([]Chunk, error) {
	var payload struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Index int `json:"index"`
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		PromptFilterResults json.RawMessage `json:"prompt_filter_results"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, fmt.Errorf("sse: openai chunk: %w", err)
	}
	// Azure precedes content with a prompt_filter_results frame carrying
	// no choices worth forwarding.
	if azure && payload.PromptFilterResults != nil && len(payload.Choices) == 0 {
		return nil, nil
	}
	if len(payload.Choices) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	for _, c := range payload.Choices {
		if c.Delta.Role != "" {
			t.roleSent = true
		}
		chunks = append(chunks, t.chunk(ChunkDelta{Role: c.Delta.Role, Content: c.Delta.Content}, c.FinishReason))
	}
	return t.withRole(chunks), nil
}

func (t *Transformer) fromOpenAIText(ev Event) ([]Chunk, error) {
	var payload struct {
		Choices []struct {
			Text         string  `json:"text"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, fmt.Errorf("sse: text chunk: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, nil
	}
	c := payload.Choices[0]
	return t.withRole([]Chunk{t.chunk(ChunkDelta{Content: c.Text}, c.FinishReason)}), nil
}

func (t *Transformer) fromAnthropicText(ev Event) ([]Chunk, error) {
	if ev.Name != "" && ev.Name != "completion" {
		return nil, nil
	}
	var payload struct {
		Completion string  `json:"completion"`
		StopReason *string `json:"stop_reason"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, fmt.Errorf("sse: anthropic completion: %w", err)
	}

	text := payload.Completion
	if t.apiVersion == AnthropicV1 {
		// v1 resends the whole completion; emit only the unseen tail.
		if len(text) < t.lastPosition {
			// Upstream restarted the completion; resync rather than
			// emit garbage.
			t.lastPosition = 0
		}
		full := text
		text = full[t.lastPosition:]
		t.lastPosition = len(full)
	}

	finish := anthropicFinishReason(payload.StopReason)
	if text == "" && finish == nil {
		return nil, nil
	}
	return t.withRole([]Chunk{t.chunk(ChunkDelta{Content: text}, finish)}), nil
}

func (t *Transformer) fromAnthropicChat(ev Event) ([]Chunk, error) {
	switch ev.Name {
	case "content_block_delta":
		var payload struct {
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil, fmt.Errorf("sse: anthropic delta: %w", err)
		}
		if payload.Delta.Text == "" {
			return nil, nil
		}
		return t.withRole([]Chunk{t.chunk(ChunkDelta{Content: payload.Delta.Text}, nil)}), nil

	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason *string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil, fmt.Errorf("sse: anthropic message delta: %w", err)
		}
		if finish := anthropicFinishReason(payload.Delta.StopReason); finish != nil {
			t.finishSent = true
			return t.withRole([]Chunk{t.chunk(ChunkDelta{}, finish)}), nil
		}
		return nil, nil

	case "message_stop":
		// message_delta already carried the stop reason on well-formed
		// streams; emit the finish here only when it never arrived.
		if t.finishSent {
			return nil, nil
		}
		t.finishSent = true
		finish := "stop"
		return t.withRole([]Chunk{t.chunk(ChunkDelta{}, &finish)}), nil
	}
	// message_start, content_block_start, content_block_stop carry
	// nothing for the client.
	return nil, nil
}

func (t *Transformer) fromGoogleAI(ev Event) ([]Chunk, error) {
	var payload struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, fmt.Errorf("sse: google candidate: %w", err)
	}
	if len(payload.Candidates) == 0 {
		return nil, nil
	}
	c := payload.Candidates[0]

	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	text := sb.String()
	if t.firstContent && text != "" {
		text = strings.TrimPrefix(text, "Speaker: ")
		t.firstContent = false
	}

	var finish *string
	switch c.FinishReason {
	case "":
	case "MAX_TOKENS":
		v := "length"
		finish = &v
	default:
		v := "stop"
		finish = &v
	}
	if text == "" && finish == nil {
		return nil, nil
	}
	return t.withRole([]Chunk{t.chunk(ChunkDelta{Content: text}, finish)}), nil
}

// anthropicFinishReason maps stop reasons onto OpenAI's vocabulary.
func anthropicFinishReason(stop *string) *string {
	if stop == nil || *stop == "" {
		return nil
	}
	v := "stop"
	if *stop == "max_tokens" {
		v = "length"
	}
	return &v
}
