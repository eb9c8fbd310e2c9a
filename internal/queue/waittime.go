package queue

import (
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

const (
	// estimatorRefresh paces the current-longest-queued observation.
	estimatorRefresh = 3 * time.Second

	// sampleWindow bounds how far back dispatch samples count.
	sampleWindow = 5 * time.Minute

	// historyAlpha smooths completed-wait samples.
	historyAlpha = 0.2

	// currentAlpha smooths the longest-currently-queued observation.
	currentAlpha = 0.3
)

type waitSample struct {
	wait time.Duration
	at   time.Time
}

// Estimator produces an advisory per-family wait figure by blending an EMA
// of recent completed waits with an EMA of the longest wait currently in the
// partition. Deprioritized (shared-IP) samples are excluded; their waits say
// nothing about a normal client's prospects.
type Estimator struct {
	mu      sync.Mutex
	samples map[models.Family][]waitSample
	current map[models.Family]float64 // milliseconds
}

// NewEstimator builds an empty estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		samples: make(map[models.Family][]waitSample),
		current: make(map[models.Family]float64),
	}
}

// Record adds a completed dispatch sample.
func (e *Estimator) Record(f models.Family, wait time.Duration, deprioritized bool, at time.Time) {
	if deprioritized {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[f] = append(e.pruneLocked(f, at), waitSample{wait: wait, at: at})
}

// ObserveCurrent folds the longest wait currently queued into the current
// EMA.
func (e *Estimator) ObserveCurrent(f models.Family, wait time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := float64(wait.Milliseconds())
	if prev, ok := e.current[f]; ok {
		e.current[f] = currentAlpha*ms + (1-currentAlpha)*prev
	} else {
		e.current[f] = ms
	}
}

// Estimate returns the blended advisory wait for a family. Zero when there
// is no signal.
func (e *Estimator) Estimate(f models.Family) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples[f] = e.pruneLocked(f, time.Now())

	var hist float64
	haveHist := false
	for _, s := range e.samples[f] {
		ms := float64(s.wait.Milliseconds())
		if !haveHist {
			hist = ms
			haveHist = true
			continue
		}
		hist = historyAlpha*ms + (1-historyAlpha)*hist
	}

	curr, haveCurr := e.current[f]
	switch {
	case haveHist && haveCurr:
		return time.Duration((hist+curr)/2) * time.Millisecond
	case haveHist:
		return time.Duration(hist) * time.Millisecond
	case haveCurr:
		return time.Duration(curr) * time.Millisecond
	}
	return 0
}

func (e *Estimator) pruneLocked(f models.Family, now time.Time) []waitSample {
	in := e.samples[f]
	cut := 0
	for cut < len(in) && now.Sub(in[cut].at) > sampleWindow {
		cut++
	}
	return in[cut:]
}
