package sse

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// eventstream framing: 4-byte total length, 4-byte headers length, 4-byte
// prelude CRC, headers, payload, 4-byte message CRC.
const (
	eventStreamPreludeLen = 12
	eventStreamMinFrame   = eventStreamPreludeLen + 4

	// maxEventStreamFrame guards against a corrupt length prefix.
	maxEventStreamFrame = 16 << 20
)

// EventStreamAdapter demarshals AWS application/vnd.amazon.eventstream
// bytes. Complete frames are buffered by the length prefix and handed to
// the SDK decoder whole.
type EventStreamAdapter struct {
	buf     bytes.Buffer
	decoder *eventstream.Decoder
}

// NewEventStreamAdapter builds an adapter for Bedrock streaming responses.
func NewEventStreamAdapter() *EventStreamAdapter {
	return &EventStreamAdapter{decoder: eventstream.NewDecoder()}
}

// Feed implements Adapter. A throttling exception frame surfaces as a
// *RetryableError; other exception frames surface as error events for the
// transformer to spoof.
func (a *EventStreamAdapter) Feed(p []byte) ([]Event, error) {
	a.buf.Write(p)

	var events []Event
	for {
		raw := a.buf.Bytes()
		if len(raw) < 4 {
			return events, nil
		}
		total := binary.BigEndian.Uint32(raw[:4])
		if total < eventStreamMinFrame || total > maxEventStreamFrame {
			return events, fmt.Errorf("sse: corrupt eventstream frame length %d", total)
		}
		if uint32(len(raw)) < total {
			return events, nil
		}
		frame := make([]byte, total)
		copy(frame, raw[:total])
		a.buf.Next(int(total))

		ev, err := a.decodeFrame(frame)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
}

// Finish implements Adapter. A trailing partial frame is discarded; binary
// frames are all-or-nothing.
func (a *EventStreamAdapter) Finish() ([]Event, error) {
	a.buf.Reset()
	return nil, nil
}

func (a *EventStreamAdapter) decodeFrame(frame []byte) (*Event, error) {
	msg, err := a.decoder.Decode(bytes.NewReader(frame), nil)
	if err != nil {
		return nil, fmt.Errorf("sse: decode eventstream frame: %w", err)
	}

	msgType := headerString(msg, ":message-type")
	switch msgType {
	case "event":
		if headerString(msg, ":event-type") != "chunk" {
			return nil, nil
		}
		var payload struct {
			Bytes string `json:"bytes"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("sse: chunk payload: %w", err)
		}
		inner, err := base64.StdEncoding.DecodeString(payload.Bytes)
		if err != nil {
			return nil, fmt.Errorf("sse: chunk payload base64: %w", err)
		}
		return &Event{Name: "completion", Data: string(inner)}, nil

	case "exception", "error":
		excType := headerString(msg, ":exception-type")
		if excType == "" {
			excType = headerString(msg, ":error-code")
		}
		if strings.Contains(strings.ToLower(excType), "throttl") {
			return nil, &RetryableError{Reason: excType}
		}
		return &Event{Name: "error", Data: string(msg.Payload)}, nil
	}
	return nil, nil
}

// headerString reads a string-typed header from a decoded message.
func headerString(msg eventstream.Message, name string) string {
	for _, h := range msg.Headers {
		if h.Name != name {
			continue
		}
		if sv, ok := h.Value.(eventstream.StringValue); ok {
			return string(sv)
		}
	}
	return ""
}
