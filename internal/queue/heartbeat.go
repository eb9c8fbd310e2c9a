package queue

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// heartbeatInterval paces keep-alive comments to queued streaming
	// clients.
	heartbeatInterval = 5 * time.Second

	// minHeartbeatBytes is the floor payload size.
	minHeartbeatBytes = 256

	// maxHeartbeatBytes caps the padded payload.
	maxHeartbeatBytes = 16 * 1024

	// loadThreshold is the load above which heartbeats grow
	// quadratically to defeat intermediary buffering under pressure.
	loadThreshold = 50

	// loadScale multiplies the squared overload.
	loadScale = 2

	// maxConsecutiveMisses kills the connection: a client that cannot
	// drain three heartbeats in a row is not coming back.
	maxConsecutiveMisses = 3

	// joinPaddingBytes pads the join frame so proxies flush it through.
	joinPaddingBytes = 4 * 1024
)

// ErrBackPressure reports a client that stopped draining heartbeats.
var ErrBackPressure = errors.New("queue: client back-pressure, connection stalled")

// WriteFlusher is the streaming response surface the heartbeater writes to.
// *bufio.Writer satisfies it.
type WriteFlusher interface {
	io.Writer
	Flush() error
}

// HeartbeatSize computes the padded comment size for the given load.
func HeartbeatSize(load int) int {
	size := minHeartbeatBytes
	if over := load - loadThreshold; over > 0 {
		size += over * over * loadScale
	}
	if size > maxHeartbeatBytes {
		size = maxHeartbeatBytes
	}
	return size
}

// JoinFrame is the first thing a queued streaming client receives: a
// position comment plus enough padding that buffering intermediaries pass
// it through.
func JoinFrame(position int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, ": joining queue at position %d\n", position)
	b.WriteString(": ")
	b.WriteString(strings.Repeat(".", joinPaddingBytes))
	b.WriteString("\n\n")
	return []byte(b.String())
}

// Heartbeater emits SSE comment frames on an interval until stopped,
// killing the stream after repeated back-pressure. It runs synchronously
// inside the response stream writer.
type Heartbeater struct {
	// Interval defaults to heartbeatInterval.
	Interval time.Duration

	// Load supplies the sizing input, typically Queue.Load.
	Load func() int
}

// Run writes heartbeats to w until stop closes (returns nil) or the client
// misses too many in a row (returns ErrBackPressure).
func (h *Heartbeater) Run(w WriteFlusher, stop <-chan struct{}) error {
	interval := h.Interval
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			load := 0
			if h.Load != nil {
				load = h.Load()
			}
			if err := writeHeartbeat(w, HeartbeatSize(load)); err != nil {
				misses++
				if misses >= maxConsecutiveMisses {
					return ErrBackPressure
				}
				continue
			}
			misses = 0
		}
	}
}

func writeHeartbeat(w WriteFlusher, size int) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", strings.Repeat(" ", size)); err != nil {
		return err
	}
	return w.Flush()
}
