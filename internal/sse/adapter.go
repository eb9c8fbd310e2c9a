// Package sse turns heterogeneous upstream byte streams into a canonical
// OpenAI chat-completion chunk stream.
//
// The pipeline is adapter → transformer → writer: an Adapter demarshals raw
// bytes into discrete events (text SSE frames, AWS binary event-stream
// messages, or Google's streaming JSON array), and a Transformer translates
// each event into canonical chunks. An Aggregator can rebuild a
// non-streaming response body from the canonical stream.
package sse

import (
	"bytes"
	"fmt"
	"strings"
)

// Event is one demarshalled upstream event.
type Event struct {
	// Name is the SSE event name, empty for plain data frames.
	Name string

	// Data is the payload, usually JSON text. Multi-line data is joined
	// with \n per the SSE spec.
	Data string
}

// RetryableError marks a mid-stream failure the queue should answer by
// re-enqueueing the request rather than surfacing an error to the client.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("sse: retryable upstream failure: %s", e.Reason)
}

// Adapter consumes raw upstream bytes and yields complete events. Feed may
// be called with arbitrarily split input; partial frames are buffered.
type Adapter interface {
	Feed(p []byte) ([]Event, error)

	// Finish flushes whatever a trailing partial frame can still yield.
	Finish() ([]Event, error)
}

// TextAdapter splits text SSE streams on blank lines, tolerating any of the
// \r\r, \n\n, and \r\n\r\n delimiter conventions by normalizing line
// endings as bytes arrive.
type TextAdapter struct {
	buf       bytes.Buffer
	pendingCR bool
}

// NewTextAdapter builds an adapter for text SSE input.
func NewTextAdapter() *TextAdapter { return &TextAdapter{} }

// Feed implements Adapter.
func (a *TextAdapter) Feed(p []byte) ([]Event, error) {
	for _, b := range p {
		if a.pendingCR {
			a.pendingCR = false
			a.buf.WriteByte('\n')
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			a.pendingCR = true
			continue
		}
		a.buf.WriteByte(b)
	}
	return a.drain(), nil
}

// Finish implements Adapter.
func (a *TextAdapter) Finish() ([]Event, error) {
	if a.pendingCR {
		a.pendingCR = false
		a.buf.WriteByte('\n')
	}
	events := a.drain()
	if rest := strings.TrimSpace(a.buf.String()); rest != "" {
		if ev, ok := parseFrame(rest); ok {
			events = append(events, ev)
		}
	}
	a.buf.Reset()
	return events, nil
}

// drain emits every complete frame in the normalized buffer.
func (a *TextAdapter) drain() []Event {
	var events []Event
	for {
		raw := a.buf.Bytes()
		i := bytes.Index(raw, []byte("\n\n"))
		if i < 0 {
			return events
		}
		frame := string(raw[:i])
		a.buf.Next(i + 2)
		if ev, ok := parseFrame(frame); ok {
			events = append(events, ev)
		}
	}
}

// parseFrame extracts the event name and joined data lines from one frame.
// Comment-only frames yield nothing.
func parseFrame(frame string) (Event, bool) {
	var ev Event
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) == 0 && ev.Name == "" {
		return Event{}, false
	}
	ev.Data = strings.Join(data, "\n")
	return ev, true
}
