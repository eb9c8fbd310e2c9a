package queue

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLockouter gates families on a settable duration.
type fakeLockouter struct {
	lockouts map[models.Family]time.Duration
}

func (f *fakeLockouter) LockoutPeriod(fam models.Family) time.Duration {
	return f.lockouts[fam]
}

// newTestQueue builds a queue with a fixed clock and no background loops.
func newTestQueue(t *testing.T) (*Queue, *fakeLockouter, *time.Time) {
	t.Helper()
	lk := &fakeLockouter{lockouts: make(map[models.Family]time.Duration)}
	q := New(lk, testLogger())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, lk, &now
}

func dispatched(t *testing.T, r *Request) bool {
	t.Helper()
	select {
	case <-r.Proceed():
		return true
	default:
		return false
	}
}

// TestDeprioritization: dispatch order is enqueue order except shared-IP
// requests go last.
func TestDeprioritization(t *testing.T) {
	q, _, now := newTestQueue(t)

	u1 := NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)
	shared := NewRequest(models.FamilyTurbo, "shared-ip", "9.9.9.9", true, true)
	u2 := NewRequest(models.FamilyTurbo, "user-2", "2.2.2.2", false, true)

	for _, r := range []*Request{u1, shared, u2} {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		*now = now.Add(time.Millisecond)
	}

	var order []*Request
	for i := 0; i < 3; i++ {
		q.dispatchReady()
		for _, r := range []*Request{u1, shared, u2} {
			if dispatched(t, r) && !contains(order, r) {
				order = append(order, r)
			}
		}
	}
	want := []*Request{u1, u2, shared}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order[%d] = %s, want %s", i, order[i].Identifier, want[i].Identifier)
		}
	}
}

func contains(rs []*Request, r *Request) bool {
	for _, cand := range rs {
		if cand == r {
			return true
		}
	}
	return false
}

// TestOccupancyCap: one slot per identifier, five for shared-IP, retries
// exempt.
func TestOccupancyCap(t *testing.T) {
	q, _, _ := newTestQueue(t)

	first := NewRequest(models.FamilyClaude, "user-1", "1.1.1.1", false, true)
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second := NewRequest(models.FamilyClaude, "user-1", "1.1.1.1", false, true)
	if err := q.Enqueue(second); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second enqueue err = %v, want ErrQueueFull", err)
	}

	retry := NewRequest(models.FamilyClaude, "user-1", "1.1.1.1", false, true)
	retry.RetryCount = 1
	if err := q.Enqueue(retry); err != nil {
		t.Fatalf("retry enqueue must bypass the cap: %v", err)
	}

	for i := 0; i < sharedOccupancyLimit; i++ {
		r := NewRequest(models.FamilyClaude, "shared-ip", "9.9.9.9", true, true)
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("shared enqueue #%d: %v", i, err)
		}
	}
	overflow := NewRequest(models.FamilyClaude, "shared-ip", "9.9.9.9", true, true)
	if err := q.Enqueue(overflow); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("shared overflow err = %v, want ErrQueueFull", err)
	}
}

// TestLockoutGating: a locked family dispatches nothing; other families are
// unaffected.
func TestLockoutGating(t *testing.T) {
	q, lk, _ := newTestQueue(t)

	locked := NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)
	free := NewRequest(models.FamilyClaude, "user-2", "2.2.2.2", false, true)
	q.Enqueue(locked)
	q.Enqueue(free)

	lk.lockouts[models.FamilyTurbo] = 2 * time.Second
	q.dispatchReady()
	if dispatched(t, locked) {
		t.Fatal("locked family must not dispatch")
	}
	if !dispatched(t, free) {
		t.Fatal("unlocked family must dispatch")
	}

	lk.lockouts[models.FamilyTurbo] = 0
	q.dispatchReady()
	if !dispatched(t, locked) {
		t.Fatal("family must dispatch once the lockout clears")
	}
}

// TestQueueOutTime is stamped exactly once, at dequeue.
func TestQueueOutTime(t *testing.T) {
	q, _, now := newTestQueue(t)
	r := NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)
	q.Enqueue(r)
	if !r.QueueOutAt.IsZero() {
		t.Fatal("queueOutAt must be zero while queued")
	}
	*now = now.Add(300 * time.Millisecond)
	q.dispatchReady()
	if !r.QueueOutAt.Equal(*now) {
		t.Fatalf("queueOutAt = %v, want %v", r.QueueOutAt, *now)
	}
}

// TestReaper evicts requests older than the stall limit and frees their
// occupancy slot.
func TestReaper(t *testing.T) {
	q, lk, now := newTestQueue(t)
	lk.lockouts[models.FamilyTurbo] = 10 * time.Second // keep it queued

	r := NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)
	q.Enqueue(r)

	*now = now.Add(maxQueueAge - time.Second)
	q.reapStalled()
	select {
	case <-r.Evicted():
		t.Fatal("request reaped before the stall limit")
	default:
	}

	*now = now.Add(2 * time.Second)
	q.reapStalled()
	select {
	case err := <-r.Evicted():
		if !errors.Is(err, ErrStalled) {
			t.Fatalf("eviction reason = %v, want ErrStalled", err)
		}
	default:
		t.Fatal("stalled request was not evicted")
	}

	// The slot is free again.
	if err := q.Enqueue(NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)); err != nil {
		t.Fatalf("enqueue after reap: %v", err)
	}
}

// TestRemove delivers ErrRemoved once and is a no-op after.
func TestRemove(t *testing.T) {
	q, _, _ := newTestQueue(t)
	r := NewRequest(models.FamilyTurbo, "user-1", "1.1.1.1", false, true)
	q.Enqueue(r)

	if !q.Remove(r) {
		t.Fatal("Remove must report true for a queued request")
	}
	if err := <-r.Evicted(); !errors.Is(err, ErrRemoved) {
		t.Fatalf("eviction reason = %v, want ErrRemoved", err)
	}
	if q.Remove(r) {
		t.Fatal("second Remove must report false")
	}
}

// TestLoad is the max of queue length and distinct client IPs.
func TestLoad(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.Enqueue(NewRequest(models.FamilyTurbo, "a", "1.1.1.1", false, true))
	q.Enqueue(NewRequest(models.FamilyClaude, "b", "1.1.1.1", false, true))
	if got := q.Load(); got != 2 {
		t.Fatalf("Load = %d, want 2 (queue length dominates)", got)
	}
}

// TestEstimator: completed samples and current-longest observations blend;
// deprioritized samples are ignored.
func TestEstimator(t *testing.T) {
	e := NewEstimator()
	at := time.Now()

	e.Record(models.FamilyTurbo, 4*time.Second, true, at)
	if got := e.Estimate(models.FamilyTurbo); got != 0 {
		t.Fatalf("deprioritized sample must not count, estimate = %v", got)
	}

	e.Record(models.FamilyTurbo, 2*time.Second, false, at)
	got := e.Estimate(models.FamilyTurbo)
	if got != 2*time.Second {
		t.Fatalf("single-sample estimate = %v, want 2s", got)
	}

	e.ObserveCurrent(models.FamilyTurbo, 6*time.Second)
	got = e.Estimate(models.FamilyTurbo)
	if got != 4*time.Second {
		t.Fatalf("blended estimate = %v, want 4s ((2s+6s)/2)", got)
	}

	// Samples age out of the window.
	e2 := NewEstimator()
	e2.Record(models.FamilyTurbo, 2*time.Second, false, at.Add(-6*time.Minute))
	if got := e2.Estimate(models.FamilyTurbo); got != 0 {
		t.Fatalf("stale sample must age out, estimate = %v", got)
	}
}
