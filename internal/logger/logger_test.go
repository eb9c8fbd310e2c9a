package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer serializes writes from the flush goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func newTestLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	sl := slog.New(slog.NewJSONHandler(buf, nil))
	l, err := New(context.Background(), sl, ClickHouseConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, buf
}

// TestLogDrainsOnClose verifies that entries buffered at Close time are
// flushed before Close returns.
func TestLogDrainsOnClose(t *testing.T) {
	l, buf := newTestLogger(t)

	for i := 0; i < 5; i++ {
		l.Log("req-1", "openai", "gpt-4", "abc12345", 100, 50, 250*time.Millisecond, 200)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := buf.Lines()
	if len(lines) != 5 {
		t.Fatalf("flushed %d entries, want 5", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["service"] != "openai" || rec["model"] != "gpt-4" {
		t.Errorf("entry = %v, want service=openai model=gpt-4", rec)
	}
	if rec["key"] != "abc12345" {
		t.Errorf("key = %v, want fingerprint abc12345", rec["key"])
	}
	if rec["latency_ms"] != float64(250) {
		t.Errorf("latency_ms = %v, want 250", rec["latency_ms"])
	}
}

// TestLogNeverBlocks verifies that a full buffer drops entries instead of
// blocking the caller.
func TestLogNeverBlocks(t *testing.T) {
	buf := &syncBuffer{}
	sl := slog.New(slog.NewJSONHandler(buf, nil))
	l := &Logger{
		ch:      make(chan Entry, 2),
		done:    make(chan struct{}),
		baseCtx: context.Background(),
		log:     sl,
	}
	// No run() goroutine: the channel fills immediately.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Log("req", "openai", "gpt-4", "fp", 1, 1, time.Millisecond, 200)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked with a full buffer")
	}

	if got := l.DroppedLogs(); got != 8 {
		t.Errorf("DroppedLogs = %d, want 8", got)
	}
}

// TestNegativeTokensClamped verifies negative token counts are stored as zero.
func TestNegativeTokensClamped(t *testing.T) {
	l, buf := newTestLogger(t)
	l.Log("req", "anthropic", "claude-3", "fp", -5, -1, time.Millisecond, 200)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := buf.Lines()
	if len(lines) != 1 {
		t.Fatalf("flushed %d entries, want 1", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["input_tokens"] != float64(0) || rec["output_tokens"] != float64(0) {
		t.Errorf("tokens = %v/%v, want 0/0", rec["input_tokens"], rec["output_tokens"])
	}
}
