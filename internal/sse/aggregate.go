package sse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Aggregator collapses a canonical chunk stream back into the single
// response body a non-streaming client expects, shaped for the dialect the
// client spoke on the way in.
type Aggregator struct {
	dialect Dialect

	id      string
	model   string
	created int64
	content strings.Builder
	finish  string
}

// NewAggregator builds an aggregator producing a body in the given inbound
// dialect.
func NewAggregator(dialect Dialect) *Aggregator {
	return &Aggregator{dialect: dialect}
}

// Add folds one canonical chunk into the aggregate.
func (g *Aggregator) Add(c Chunk) {
	if g.id == "" {
		g.id = c.ID
		g.model = c.Model
		g.created = c.Created
	}
	for _, choice := range c.Choices {
		g.content.WriteString(choice.Delta.Content)
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			g.finish = *choice.FinishReason
		}
	}
}

// Body renders the aggregated response for the inbound dialect.
func (g *Aggregator) Body() ([]byte, error) {
	finish := g.finish
	if finish == "" {
		finish = "stop"
	}
	text := g.content.String()

	switch g.dialect {
	case DialectOpenAIChat, DialectMistral, DialectAzure:
		return json.Marshal(map[string]any{
			"id":      g.id,
			"object":  "chat.completion",
			"created": g.created,
			"model":   g.model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": text},
				"finish_reason": finish,
			}},
		})

	case DialectOpenAIText, DialectGoogleAI:
		return json.Marshal(map[string]any{
			"id":      g.id,
			"object":  "text_completion",
			"created": g.created,
			"model":   g.model,
			"choices": []map[string]any{{
				"index":         0,
				"text":          text,
				"finish_reason": finish,
			}},
		})

	case DialectAnthropicText:
		return json.Marshal(map[string]any{
			"completion":  text,
			"stop_reason": anthropicStopReason(finish),
			"model":       g.model,
		})

	case DialectAnthropicChat:
		return json.Marshal(map[string]any{
			"id":    g.id,
			"type":  "message",
			"role":  "assistant",
			"model": g.model,
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
			"stop_reason": anthropicStopReason(finish),
		})
	}
	return nil, fmt.Errorf("sse: no aggregate shape for dialect %q", g.dialect)
}

// anthropicStopReason maps OpenAI finish reasons back onto Anthropic's
// vocabulary.
func anthropicStopReason(finish string) string {
	if finish == "length" {
		return "max_tokens"
	}
	return "end_turn"
}
