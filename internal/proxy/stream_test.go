package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/queue"
)

// TestJoinFrameDrainDeadline verifies a client that never reads the join
// frame unblocks the stream writer with an error once the drain window
// expires, instead of holding the goroutine until the server write timeout.
func TestJoinFrameDrainDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sw := &deadlineWriter{
		w:      bufio.NewWriterSize(server, 1024),
		conn:   server,
		window: 50 * time.Millisecond,
	}

	start := time.Now()
	_, werr := sw.Write(queue.JoinFrame(1))
	ferr := sw.Flush()
	if werr == nil && ferr == nil {
		t.Fatal("expected a write error from the undrained socket")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("writer unblocked after %v, want ~50ms", elapsed)
	}
}

// TestJoinFrameDrained verifies a reading client passes the handshake.
func TestJoinFrameDrained(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go io.Copy(io.Discard, client)

	sw := &deadlineWriter{
		w:      bufio.NewWriterSize(server, 1024),
		conn:   server,
		window: time.Second,
	}
	if _, err := sw.Write(queue.JoinFrame(3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// TestHeartbeatKillsBlockedSocket verifies a socket the client stopped
// draining is destroyed within a bounded number of heartbeat ticks: the
// per-write deadline converts the block into an error and the miss counter
// does the rest.
func TestHeartbeatKillsBlockedSocket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sw := &deadlineWriter{
		w:      bufio.NewWriterSize(server, 1024),
		conn:   server,
		window: 50 * time.Millisecond,
	}
	hb := &queue.Heartbeater{
		Interval: 20 * time.Millisecond,
		Load:     func() int { return 0 },
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hb.Run(sw, stop) }()

	select {
	case err := <-done:
		if !errors.Is(err, queue.ErrBackPressure) {
			t.Fatalf("Run = %v, want ErrBackPressure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeater never gave up on the blocked socket")
	}
}
