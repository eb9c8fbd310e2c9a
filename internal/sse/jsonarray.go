package sse

import (
	"bytes"
	"fmt"
)

// JSONArrayAdapter demarshals Google AI's streaming response: a single JSON
// array delivered incrementally. Each complete element is emitted as one
// event as soon as its closing brace arrives.
type JSONArrayAdapter struct {
	started bool
	done    bool

	elem     bytes.Buffer
	depth    int
	inString bool
	escaped  bool
}

// NewJSONArrayAdapter builds an adapter for streaming JSON array input.
func NewJSONArrayAdapter() *JSONArrayAdapter { return &JSONArrayAdapter{} }

// Feed implements Adapter.
func (a *JSONArrayAdapter) Feed(p []byte) ([]Event, error) {
	var events []Event
	for _, b := range p {
		if a.done {
			break
		}
		if !a.started {
			switch b {
			case ' ', '\t', '\r', '\n':
				continue
			case '[':
				a.started = true
				continue
			default:
				return events, fmt.Errorf("sse: json array stream starts with %q", b)
			}
		}

		if a.depth == 0 {
			// Between elements: skip separators, catch the end.
			switch b {
			case ' ', '\t', '\r', '\n', ',':
				continue
			case ']':
				a.done = true
				continue
			}
		}

		a.elem.WriteByte(b)

		if a.inString {
			switch {
			case a.escaped:
				a.escaped = false
			case b == '\\':
				a.escaped = true
			case b == '"':
				a.inString = false
			}
			continue
		}
		switch b {
		case '"':
			a.inString = true
		case '{', '[':
			a.depth++
		case '}', ']':
			a.depth--
			if a.depth == 0 {
				events = append(events, Event{Data: a.elem.String()})
				a.elem.Reset()
			}
		}
	}
	return events, nil
}

// Finish implements Adapter. An unterminated element is dropped.
func (a *JSONArrayAdapter) Finish() ([]Event, error) {
	a.elem.Reset()
	return nil, nil
}
