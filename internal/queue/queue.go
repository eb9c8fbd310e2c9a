// Package queue implements the process-wide request queue: one logical FIFO
// per model family, gated on the key pool's lockout signal, with shared-IP
// deprioritization, per-identifier occupancy caps, a stall reaper, and an
// advisory wait-time estimator.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keygate/internal/models"
)

const (
	// dequeueTick paces the dispatch scan.
	dequeueTick = 50 * time.Millisecond

	// reapTick paces the stall reaper.
	reapTick = 20 * time.Second

	// maxQueueAge evicts requests the dispatcher never reached.
	maxQueueAge = 5 * time.Minute

	// occupancyLimit caps concurrent queue slots per identifier.
	occupancyLimit = 1

	// sharedOccupancyLimit is the higher cap for the shared-IP identity.
	sharedOccupancyLimit = 5
)

var (
	// ErrQueueFull rejects an enqueue that would exceed the identifier's
	// occupancy cap.
	ErrQueueFull = errors.New("queue: identifier already queued")

	// ErrStalled is delivered to requests evicted by the reaper.
	ErrStalled = errors.New("queue: request stalled for too long")

	// ErrRemoved is delivered when the client went away.
	ErrRemoved = errors.New("queue: request removed")
)

// Request is one queued unit of work. The zero channels are created by
// NewRequest; the queue closes proceed on dequeue and sends on evicted when
// the request leaves the queue without dispatching.
type Request struct {
	ID         string
	Family     models.Family
	Identifier string
	ClientIP   string
	SharedIP   bool
	Streaming  bool
	RetryCount int

	EnqueuedAt time.Time
	QueueOutAt time.Time

	proceed chan struct{}
	evicted chan error
}

// NewRequest builds a request for a family. identifier should be the user
// token when present, the shared-IP marker for aggregator IPs, or the client
// IP.
func NewRequest(family models.Family, identifier, clientIP string, sharedIP, streaming bool) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Family:     family,
		Identifier: identifier,
		ClientIP:   clientIP,
		SharedIP:   sharedIP,
		Streaming:  streaming,
		proceed:    make(chan struct{}),
		evicted:    make(chan error, 1),
	}
}

// Proceed is closed when the queue hands the request to its dispatcher.
func (r *Request) Proceed() <-chan struct{} { return r.proceed }

// Evicted delivers the reason when the request leaves the queue without
// being dispatched.
func (r *Request) Evicted() <-chan error { return r.evicted }

// Lockouter is the slice of the key pool the queue consults before
// dispatching a family.
type Lockouter interface {
	LockoutPeriod(models.Family) time.Duration
}

// Queue is the process-wide partitioned queue.
type Queue struct {
	log  *slog.Logger
	pool Lockouter
	est  *Estimator

	// now is swappable for tests.
	now func() time.Time

	mu         sync.Mutex
	partitions map[models.Family][]*Request
	occupancy  map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a queue gated on the pool's lockout signal.
func New(pool Lockouter, log *slog.Logger) *Queue {
	return &Queue{
		log:        log,
		pool:       pool,
		est:        NewEstimator(),
		now:        time.Now,
		partitions: make(map[models.Family][]*Request),
		occupancy:  make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Start launches the dequeue loop, the reaper, and the estimator refresh.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Close stops the background loops. Queued requests are evicted.
func (q *Queue) Close() {
	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for f, part := range q.partitions {
		for _, r := range part {
			q.occupancy[r.Identifier]--
			r.evicted <- ErrRemoved
		}
		delete(q.partitions, f)
	}
}

// Enqueue admits a request, enforcing the occupancy cap. Retries bypass the
// cap: they already held a slot when first admitted.
func (q *Queue) Enqueue(r *Request) error {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if r.RetryCount == 0 {
		limit := occupancyLimit
		if r.SharedIP {
			limit = sharedOccupancyLimit
		}
		if q.occupancy[r.Identifier] >= limit {
			return ErrQueueFull
		}
	}
	r.EnqueuedAt = now
	q.occupancy[r.Identifier]++
	q.partitions[r.Family] = append(q.partitions[r.Family], r)

	q.log.Debug("request enqueued",
		slog.String("request_id", r.ID),
		slog.String("family", string(r.Family)),
		slog.Int("retry", r.RetryCount),
		slog.Bool("shared_ip", r.SharedIP),
		slog.Int("depth", len(q.partitions[r.Family])))
	return nil
}

// Remove evicts a request whose client went away. Reports whether the
// request was still queued.
func (q *Queue) Remove(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(r) {
		return false
	}
	r.evicted <- ErrRemoved
	return true
}

func (q *Queue) removeLocked(r *Request) bool {
	part := q.partitions[r.Family]
	for i, cand := range part {
		if cand == r {
			q.partitions[r.Family] = append(part[:i], part[i+1:]...)
			q.occupancy[r.Identifier]--
			return true
		}
	}
	return false
}

// Position reports the request's 1-based place in its partition, 0 if it is
// no longer queued.
func (q *Queue) Position(r *Request) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.orderedLocked(r.Family) {
		if cand == r {
			return i + 1
		}
	}
	return 0
}

// Load is the heartbeat sizing input: the larger of queue length and the
// number of distinct client IPs currently queued.
func (q *Queue) Load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	ips := make(map[string]struct{})
	for _, part := range q.partitions {
		total += len(part)
		for _, r := range part {
			if r.ClientIP != "" {
				ips[r.ClientIP] = struct{}{}
			}
		}
	}
	if len(ips) > total {
		return len(ips)
	}
	return total
}

// Depth reports the total number of queued requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, part := range q.partitions {
		total += len(part)
	}
	return total
}

// EstimatedWait returns the advisory wait for a family.
func (q *Queue) EstimatedWait(f models.Family) time.Duration {
	return q.est.Estimate(f)
}

func (q *Queue) run() {
	defer q.wg.Done()
	dequeue := time.NewTicker(dequeueTick)
	defer dequeue.Stop()
	reap := time.NewTicker(reapTick)
	defer reap.Stop()
	refresh := time.NewTicker(estimatorRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-dequeue.C:
			q.dispatchReady()
		case <-reap.C:
			q.reapStalled()
		case <-refresh.C:
			q.refreshEstimates()
		case <-q.done:
			return
		}
	}
}

// dispatchReady pops the head of every partition whose family has no
// lockout.
func (q *Queue) dispatchReady() {
	now := q.now()

	q.mu.Lock()
	var ready []*Request
	for f, part := range q.partitions {
		if len(part) == 0 {
			continue
		}
		if q.pool.LockoutPeriod(f) != 0 {
			continue
		}
		head := q.orderedLocked(f)[0]
		q.removeLocked(head)
		head.QueueOutAt = now
		ready = append(ready, head)
	}
	q.mu.Unlock()

	for _, r := range ready {
		q.est.Record(r.Family, r.QueueOutAt.Sub(r.EnqueuedAt), r.SharedIP, r.QueueOutAt)
		q.log.Debug("request dequeued",
			slog.String("request_id", r.ID),
			slog.String("family", string(r.Family)),
			slog.Duration("waited", r.QueueOutAt.Sub(r.EnqueuedAt)))
		close(r.proceed)
	}
}

// orderedLocked returns the partition in dispatch order: enqueue time
// ascending, with every shared-IP request after every non-shared one.
func (q *Queue) orderedLocked(f models.Family) []*Request {
	// The backing slice is append-ordered by enqueue time, so a stable
	// two-pass split preserves FIFO within each class.
	part := q.partitions[f]
	out := make([]*Request, 0, len(part))
	for _, r := range part {
		if !r.SharedIP {
			out = append(out, r)
		}
	}
	for _, r := range part {
		if r.SharedIP {
			out = append(out, r)
		}
	}
	return out
}

// reapStalled evicts requests older than the stall limit.
func (q *Queue) reapStalled() {
	now := q.now()

	q.mu.Lock()
	var stalled []*Request
	for _, part := range q.partitions {
		for _, r := range part {
			if now.Sub(r.EnqueuedAt) >= maxQueueAge {
				stalled = append(stalled, r)
			}
		}
	}
	for _, r := range stalled {
		q.removeLocked(r)
	}
	q.mu.Unlock()

	for _, r := range stalled {
		q.log.Warn("request reaped",
			slog.String("request_id", r.ID),
			slog.String("family", string(r.Family)),
			slog.Duration("age", now.Sub(r.EnqueuedAt)))
		r.evicted <- ErrStalled
	}
}

// refreshEstimates feeds the current longest wait per partition into the
// estimator.
func (q *Queue) refreshEstimates() {
	now := q.now()

	q.mu.Lock()
	longest := make(map[models.Family]time.Duration)
	for f, part := range q.partitions {
		for _, r := range part {
			if r.SharedIP {
				continue
			}
			if w := now.Sub(r.EnqueuedAt); w > longest[f] {
				longest[f] = w
			}
		}
	}
	q.mu.Unlock()

	for f, w := range longest {
		q.est.ObserveCurrent(f, w)
	}
}
