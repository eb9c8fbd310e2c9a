package keypool

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keygate/internal/models"
)

const (
	// burstTick paces the startup validation sweep.
	burstTick = 250 * time.Millisecond

	// burstConcurrency caps how many unchecked keys are probed per tick.
	burstConcurrency = 12

	// minCheckInterval is the floor between any two checks of the same
	// provider's keys.
	minCheckInterval = 3 * time.Second

	// checkTimeout bounds a single key probe.
	checkTimeout = 30 * time.Second
)

// checkerSchedule is the per-service recheck policy. Services whose probes
// are expensive or destructive only run the initial sweep.
type checkerSchedule struct {
	recurring bool
	period    time.Duration
}

var checkerSchedules = map[models.Service]checkerSchedule{
	models.ServiceOpenAI:    {recurring: false, period: 60 * time.Minute},
	models.ServiceAnthropic: {recurring: true, period: 60 * time.Minute},
	models.ServiceGoogleAI:  {recurring: true, period: 60 * time.Minute},
	models.ServiceMistralAI: {recurring: false, period: 60 * time.Minute},
	models.ServiceAWS:       {recurring: true, period: 90 * time.Minute},
	models.ServiceGCP:       {recurring: true, period: 90 * time.Minute},
	models.ServiceAzure:     {recurring: false, period: 3 * time.Minute},
}

// KeyTester is the provider-specific probe. Test validates the key against
// the live API and applies what it learns (families, trial status, org
// clones, logging status) through the provider. A failed probe returns a
// *CheckError for classification.
type KeyTester interface {
	Test(ctx context.Context, k *Key) error
}

// CheckError is a normalized upstream failure from a key probe.
type CheckError struct {
	// StatusCode is the upstream HTTP status, 0 for network failures.
	StatusCode int

	// Code is the provider error code when present, e.g.
	// "insufficient_quota", "DeploymentNotFound".
	Code string

	// RateLimitKind distinguishes 429 subtypes: "requests" or "tokens".
	RateLimitKind string

	// Network marks DNS/connect/timeout failures.
	Network bool

	Err error
}

func (e *CheckError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "keypool: check failed"
}

func (e *CheckError) Unwrap() error { return e.Err }

// revokedCodes are provider error codes equivalent to a 401.
var revokedCodes = map[string]bool{
	"DeploymentNotFound":          true,
	"UnrecognizedClientException": true,
	"access_terminated":           true,
}

// quotaCodes are 400-class payloads meaning the account is out of credit.
var quotaCodes = map[string]bool{
	"insufficient_quota": true,
	"billing_not_active": true,
}

// Checker drives background validation for one provider: an initial sweep of
// every unchecked key, then (for recurring services) oldest-first rechecks
// with jitter.
type Checker struct {
	provider *Provider
	tester   KeyTester
	sched    checkerSchedule
	log      *slog.Logger

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup

	// now and rng are swappable for tests.
	now func() time.Time
	rng *rand.Rand

	mu sync.Mutex
	// notBefore delays a key's next probe after a transient failure.
	notBefore map[string]time.Time
	// nextRecurring is when the next recurring check may fire.
	nextRecurring time.Time
}

// NewChecker wires a checker to its provider without starting it.
func NewChecker(p *Provider, tester KeyTester, log *slog.Logger) *Checker {
	return &Checker{
		provider:  p,
		tester:    tester,
		sched:     checkerSchedules[p.Service()],
		log:       log.With(slog.String("service", string(p.Service()))),
		done:      make(chan struct{}),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		notBefore: make(map[string]time.Time),
	}
}

// Start launches the scheduler goroutine. ctx bounds every probe.
func (c *Checker) Start(ctx context.Context) {
	c.baseCtx = ctx
	c.wg.Add(1)
	go c.run()
}

// Close stops the scheduler and waits for in-flight probes.
func (c *Checker) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(burstTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.sweepPending() {
				c.sweep()
			} else if c.sched.recurring {
				c.recurringTick()
			}
		case <-c.done:
			return
		case <-c.baseCtx.Done():
			return
		}
	}
}

// sweepPending reports whether any enabled key has never been checked and is
// past its retry hold-off.
func (c *Checker) sweepPending() bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := false
	c.provider.withKeys(func(keys []*Key) {
		for _, k := range keys {
			if !k.Disabled && k.LastChecked.IsZero() && !c.notBefore[k.Fingerprint].After(now) {
				pending = true
				return
			}
		}
	})
	return pending
}

// sweep probes up to burstConcurrency unchecked keys in parallel.
func (c *Checker) sweep() {
	now := c.now()
	var batch []*Key
	c.mu.Lock()
	c.provider.withKeys(func(keys []*Key) {
		for _, k := range keys {
			if len(batch) == burstConcurrency {
				return
			}
			if !k.Disabled && k.LastChecked.IsZero() && !c.notBefore[k.Fingerprint].After(now) {
				batch = append(batch, k)
			}
		}
	})
	c.mu.Unlock()

	var g errgroup.Group
	for _, k := range batch {
		k := k
		g.Go(func() error {
			c.checkKey(k)
			return nil
		})
	}
	g.Wait()
}

// recurringTick checks the oldest-checked enabled key once its slot arrives.
func (c *Checker) recurringTick() {
	now := c.now()

	c.mu.Lock()
	if now.Before(c.nextRecurring) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var oldest *Key
	c.provider.withKeys(func(keys []*Key) {
		for _, k := range keys {
			if k.Disabled || k.LastChecked.IsZero() {
				continue
			}
			if oldest == nil || k.LastChecked.Before(oldest.LastChecked) {
				oldest = k
			}
		}
	})
	if oldest == nil {
		return
	}

	due := oldest.LastChecked.Add(c.sched.period)
	floor := now.Add(minCheckInterval)
	next := due
	if floor.After(next) {
		next = floor
	}
	next = c.jitter(next, now)

	c.mu.Lock()
	c.nextRecurring = next
	c.mu.Unlock()

	if !now.Before(due) {
		c.checkKey(oldest)
	}
}

// jitter shifts a scheduled instant by ±25% of its distance from now.
func (c *Checker) jitter(at, now time.Time) time.Time {
	d := at.Sub(now)
	if d <= 0 {
		return at
	}
	f := 0.75 + c.rng.Float64()*0.5
	return now.Add(time.Duration(float64(d) * f))
}

// checkKey runs one probe and classifies the outcome.
func (c *Checker) checkKey(k *Key) {
	if k.Disabled {
		return
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, checkTimeout)
	defer cancel()

	err := c.tester.Test(ctx, k)
	now := c.now()
	if err == nil {
		c.provider.Update(k.Fingerprint, Update{LastChecked: timePtr(now)})
		c.clearHoldoff(k.Fingerprint)
		c.log.Debug("key check ok", slog.String("key", k.Fingerprint))
		return
	}

	var ce *CheckError
	if !errors.As(err, &ce) {
		ce = &CheckError{Err: err, Network: true}
	}
	c.handleCheckError(k, ce, now)
}

// handleCheckError maps an upstream failure to pool state.
func (c *Checker) handleCheckError(k *Key, ce *CheckError, now time.Time) {
	fp := k.Fingerprint
	switch {
	case ce.StatusCode == 401, ce.StatusCode == 403, revokedCodes[ce.Code]:
		c.provider.Disable(fp, DisableRevoked)
		c.provider.Update(fp, Update{LastChecked: timePtr(now)})
		c.log.Warn("key revoked",
			slog.String("key", fp),
			slog.Int("status", ce.StatusCode),
			slog.String("code", ce.Code))

	case ce.StatusCode == 400 && quotaCodes[ce.Code]:
		c.provider.Disable(fp, DisableQuota)
		c.provider.Update(fp, Update{LastChecked: timePtr(now)})
		c.log.Warn("key over quota", slog.String("key", fp), slog.String("code", ce.Code))

	case ce.StatusCode == 429 && ce.RateLimitKind == "requests":
		if k.OpenAI != nil && k.OpenAI.Trial {
			// A trial key pinned at its request ceiling is spent.
			c.provider.Disable(fp, DisableQuota)
			c.provider.Update(fp, Update{LastChecked: timePtr(now)})
			c.log.Warn("trial key exhausted", slog.String("key", fp))
			return
		}
		c.reschedule(k, now, 10*time.Second+time.Duration(c.rng.Int63n(int64(5*time.Second))))
		c.log.Debug("key rate limited during check, rescheduled", slog.String("key", fp))

	case ce.StatusCode == 429 && ce.RateLimitKind == "tokens":
		// Token-level throttling proves the key is alive.
		c.provider.Update(fp, Update{LastChecked: timePtr(now)})
		c.log.Debug("key token-throttled, treated as healthy", slog.String("key", fp))

	case ce.StatusCode == 429:
		c.reschedule(k, now, 10*time.Second+time.Duration(c.rng.Int63n(int64(5*time.Second))))

	case ce.Network:
		c.reschedule(k, now, time.Minute)
		c.log.Warn("key check network failure, retrying",
			slog.String("key", fp),
			slog.String("error", ce.Error()))

	default:
		c.provider.Update(fp, Update{LastChecked: timePtr(now)})
		c.log.Error("unexpected key check failure",
			slog.String("key", fp),
			slog.Int("status", ce.StatusCode),
			slog.String("code", ce.Code),
			slog.String("error", ce.Error()))
	}
}

// reschedule arranges a retry after delay. Checked keys are rewound so the
// oldest-first scan picks them up early; never-checked keys get a hold-off
// so the sweep skips them until the delay passes.
func (c *Checker) reschedule(k *Key, now time.Time, delay time.Duration) {
	if k.LastChecked.IsZero() {
		c.mu.Lock()
		c.notBefore[k.Fingerprint] = now.Add(delay)
		c.mu.Unlock()
		return
	}
	rewound := now.Add(delay - c.sched.period)
	c.provider.Update(k.Fingerprint, Update{LastChecked: timePtr(rewound)})
}

func (c *Checker) clearHoldoff(fp string) {
	c.mu.Lock()
	delete(c.notBefore, fp)
	c.mu.Unlock()
}
