package keypool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

var (
	// ErrNoKeyAvailable is returned by Get when no enabled key can serve
	// the requested model family.
	ErrNoKeyAvailable = errors.New("keypool: no key available")

	// ErrKeyNotFound is returned for operations on an unknown fingerprint.
	ErrKeyNotFound = errors.New("keypool: key not found")

	// ErrUnknownModel is returned when a model name maps to no family for
	// the provider's service.
	ErrUnknownModel = errors.New("keypool: unknown model")
)

// maxLockout caps the family lockout reported to the queue. A longer real
// reset window still only delays dispatch by this much before the next probe.
const maxLockout = 20 * time.Second

// traits are the per-service tuning knobs for selection and lockout.
type traits struct {
	// reuseDelay is the post-selection throttle applied to a chosen key.
	reuseDelay time.Duration

	// lockout is the default rate-limit window applied by MarkRateLimited.
	lockout time.Duration

	// recentWindow is how far back a rate-limit event counts as "recent"
	// when ordering candidates.
	recentWindow time.Duration
}

var serviceTraits = map[models.Service]traits{
	models.ServiceOpenAI:    {reuseDelay: time.Second, lockout: 4 * time.Second, recentWindow: 30 * time.Second},
	models.ServiceAnthropic: {reuseDelay: 500 * time.Millisecond, lockout: 2 * time.Second, recentWindow: 10 * time.Second},
	models.ServiceGoogleAI:  {reuseDelay: 500 * time.Millisecond, lockout: 2 * time.Second, recentWindow: 10 * time.Second},
	models.ServiceMistralAI: {reuseDelay: 500 * time.Millisecond, lockout: 2 * time.Second, recentWindow: 10 * time.Second},
	models.ServiceAWS:       {reuseDelay: time.Second, lockout: 4 * time.Second, recentWindow: 10 * time.Second},
	models.ServiceAzure:     {reuseDelay: 500 * time.Millisecond, lockout: 2 * time.Second, recentWindow: 10 * time.Second},
	models.ServiceGCP:       {reuseDelay: time.Second, lockout: 4 * time.Second, recentWindow: 10 * time.Second},
}

// ProviderOptions tune a Provider beyond its service defaults.
type ProviderOptions struct {
	// AllowAWSLogging permits selection of AWS keys whose account has
	// Bedrock invocation logging enabled.
	AllowAWSLogging bool

	// ReuseDelay overrides the service default when non-zero. Tests use
	// this to shrink the window.
	ReuseDelay time.Duration
}

// Provider owns the keys of one service. All key mutation goes through it so
// that checker writes and dispatch writes are serialized under one lock.
type Provider struct {
	service models.Service
	log     *slog.Logger
	opts    ProviderOptions
	tr      traits

	// now is swappable for tests.
	now func() time.Time

	mu   sync.Mutex
	keys []*Key
	byFP map[string]*Key
}

// NewProvider builds a provider from the configured secrets. Malformed
// composite secrets are rejected; duplicate secrets are collapsed.
func NewProvider(svc models.Service, secrets []string, log *slog.Logger, opts ProviderOptions) (*Provider, error) {
	tr, ok := serviceTraits[svc]
	if !ok {
		return nil, fmt.Errorf("keypool: unknown service %q", svc)
	}
	if opts.ReuseDelay > 0 {
		tr.reuseDelay = opts.ReuseDelay
	}
	p := &Provider{
		service: svc,
		log:     log.With(slog.String("service", string(svc))),
		opts:    opts,
		tr:      tr,
		now:     time.Now,
		byFP:    make(map[string]*Key),
	}
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		k, err := parseSecret(svc, secret)
		if err != nil {
			return nil, err
		}
		if _, dup := p.byFP[k.Fingerprint]; dup {
			p.log.Warn("duplicate key ignored", slog.String("key", k.Fingerprint))
			continue
		}
		p.keys = append(p.keys, k)
		p.byFP[k.Fingerprint] = k
	}
	p.log.Info("provider initialized", slog.Int("keys", len(p.keys)))
	return p, nil
}

// parseSecret builds a key record, splitting composite secrets on ":".
func parseSecret(svc models.Service, secret string) (*Key, error) {
	k := newKey(svc, secret)
	switch svc {
	case models.ServiceOpenAI:
		k.OpenAI = &OpenAIKeyState{}
	case models.ServiceAnthropic:
		k.Anthropic = &AnthropicKeyState{}
	case models.ServiceAWS:
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("keypool: aws credential %s: want accessKey:secretKey:region", Fingerprint(secret))
		}
		k.AWS = &AWSKeyState{
			AccessKey:     parts[0],
			SecretKey:     parts[1],
			Region:        parts[2],
			LoggingStatus: AWSLoggingUnknown,
		}
	case models.ServiceAzure:
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("keypool: azure credential %s: want resource:deployment:apiKey", Fingerprint(secret))
		}
		k.Azure = &AzureKeyState{ResourceName: parts[0], DeploymentID: parts[1], APIKey: parts[2]}
	case models.ServiceGCP:
		parts := strings.Split(secret, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("keypool: gcp credential %s: want projectId:clientEmail:region:base64PrivateKey", Fingerprint(secret))
		}
		pem, err := decodePrivateKey(parts[3])
		if err != nil {
			return nil, fmt.Errorf("keypool: gcp credential %s: %w", Fingerprint(secret), err)
		}
		k.GCP = &GCPKeyState{ProjectID: parts[0], ClientEmail: parts[1], Region: parts[2], PrivateKey: pem}
	}
	return k, nil
}

// Service returns the service this provider arbitrates keys for.
func (p *Provider) Service() models.Service { return p.service }

// Size returns the total number of keys, enabled or not.
func (p *Provider) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Available counts enabled keys.
func (p *Provider) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if !k.Disabled {
			n++
		}
	}
	return n
}

// List returns redacted snapshots of every key.
func (p *Provider) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.snapshot())
	}
	return out
}

// selectable reports whether k may serve family f at all. Rate-limit state
// does not exclude a key here; it only affects ordering and the family
// lockout the queue consults before dispatching.
func (p *Provider) selectable(k *Key, f models.Family) bool {
	if k.Disabled || !k.HasFamily(f) {
		return false
	}
	if k.AWS != nil && k.AWS.LoggingStatus == AWSLoggingEnabled && !p.opts.AllowAWSLogging {
		return false
	}
	return true
}

// pozzed reports the refusal-boilerplate flag regardless of which service
// variant carries it.
func pozzed(k *Key) bool {
	if k.Anthropic != nil && k.Anthropic.Pozzed {
		return true
	}
	if k.GCP != nil && k.GCP.Pozzed {
		return true
	}
	return false
}

// preferRank orders candidates within the same rate-limit tier. Lower is
// better.
func (p *Provider) preferRank(k *Key, f models.Family, model string) int {
	rank := 0
	switch p.service {
	case models.ServiceOpenAI:
		// Burn trial keys first on completion traffic; they expire anyway.
		// Embedding models are exempt: trial keys often lack embedding
		// access even when the family matches, so those fall back to LRU.
		if !models.IsEmbedding(model) && k.OpenAI != nil && !k.OpenAI.Trial {
			rank++
		}
		// Conserve 32k-capable keys for 32k traffic.
		if f != models.FamilyGPT432k && k.HasFamily(models.FamilyGPT432k) {
			rank += 2
		}
	case models.ServiceAnthropic, models.ServiceGCP:
		if pozzed(k) {
			rank++
		}
	}
	return rank
}

// Get selects a key for model. The returned key is throttled for the
// provider's reuse delay so the dequeue loop cannot double-dispatch onto it
// before the first request reports back.
func (p *Provider) Get(model string) (*Key, error) {
	f := models.FamilyFor(p.service, model)
	if f == "" {
		return nil, fmt.Errorf("%w: %q for service %s", ErrUnknownModel, model, p.service)
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*Key
	for _, k := range p.keys {
		if p.selectable(k, f) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: family %s", ErrNoKeyAvailable, f)
	}

	recent := func(k *Key) bool {
		return !k.RateLimitedAt.IsZero() && now.Sub(k.RateLimitedAt) < p.tr.recentWindow
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := recent(a), recent(b); ra != rb {
			return !ra
		} else if ra && rb && !a.RateLimitedAt.Equal(b.RateLimitedAt) {
			return a.RateLimitedAt.Before(b.RateLimitedAt)
		}
		if pa, pb := p.preferRank(a, f, model), p.preferRank(b, f, model); pa != pb {
			return pa < pb
		}
		return a.LastUsed.Before(b.LastUsed)
	})

	k := candidates[0]
	k.LastUsed = now
	if until := now.Add(p.tr.reuseDelay); until.After(k.RateLimitedUntil) {
		k.RateLimitedUntil = until
	}
	return k, nil
}

// LockoutPeriod reports how long the queue must hold family f before a
// dispatch can possibly find an unthrottled key. Zero means dispatch now —
// including the no-keys case, which must fail loudly downstream rather than
// park requests forever.
func (p *Provider) LockoutPeriod(f models.Family) time.Duration {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	min := time.Duration(-1)
	any := false
	for _, k := range p.keys {
		if !p.selectable(k, f) {
			continue
		}
		any = true
		if !k.rateLimited(now) {
			return 0
		}
		if d := k.RateLimitedUntil.Sub(now); min < 0 || d < min {
			min = d
		}
	}
	if !any {
		return 0
	}
	if min > maxLockout {
		return maxLockout
	}
	return min
}

// MarkRateLimited applies the service's default lockout to a key.
func (p *Provider) MarkRateLimited(fp string) error {
	return p.MarkRateLimitedFor(fp, p.tr.lockout)
}

// MarkRateLimitedFor applies an explicit lockout, used when the upstream
// response carries a reset window (OpenAI x-ratelimit-reset-* headers).
func (p *Provider) MarkRateLimitedFor(fp string, d time.Duration) error {
	if d <= 0 {
		d = p.tr.lockout
	}
	if d > maxLockout {
		d = maxLockout
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byFP[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	k.RateLimitedAt = now
	if until := now.Add(d); until.After(k.RateLimitedUntil) {
		k.RateLimitedUntil = until
	}
	p.log.Debug("key rate limited",
		slog.String("key", fp),
		slog.Duration("lockout", d))
	return nil
}

// DisableReason distinguishes the two fatal disable paths.
type DisableReason string

const (
	DisableRevoked DisableReason = "revoked"
	DisableQuota   DisableReason = "quota"
)

// Disable marks a key unusable. Revoked and over-quota both imply disabled;
// keys are never removed from the list.
func (p *Provider) Disable(fp string, reason DisableReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byFP[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	if k.Disabled {
		return nil
	}
	k.Disabled = true
	switch reason {
	case DisableRevoked:
		k.Revoked = true
	case DisableQuota:
		k.OverQuota = true
	}
	p.log.Warn("key disabled",
		slog.String("key", fp),
		slog.String("reason", string(reason)))
	return nil
}

// Update applies a partial mutation to a key.
func (p *Provider) Update(fp string, u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byFP[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	wasDisabled := k.Disabled
	k.apply(u)
	if k.Disabled && !wasDisabled {
		p.log.Warn("key disabled by update", slog.String("key", fp))
	}
	return nil
}

// IncrementUsage records a dispatched prompt and its token total against the
// key and the model's family.
func (p *Provider) IncrementUsage(fp, model string, tokens int64) error {
	f := models.FamilyFor(p.service, model)
	if f == "" {
		return fmt.Errorf("%w: %q for service %s", ErrUnknownModel, model, p.service)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byFP[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	k.PromptCount.Add(1)
	k.addTokens(f, tokens)
	return nil
}

// CloneWithOrg registers an organization variant of an existing OpenAI key.
// The clone shares the secret but acts as a distinct pool member with its own
// fingerprint and counters. No-op if the clone already exists.
func (p *Provider) CloneWithOrg(fp, orgID string) (string, error) {
	if p.service != models.ServiceOpenAI {
		return "", fmt.Errorf("keypool: org cloning is openai-only, not %s", p.service)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.byFP[fp]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	cloneFP := OrgFingerprint(src.Secret, orgID)
	if _, exists := p.byFP[cloneFP]; exists {
		return cloneFP, nil
	}
	clone := newKey(p.service, src.Secret)
	clone.Fingerprint = cloneFP
	clone.Families = append([]models.Family(nil), src.Families...)
	clone.OpenAI = &OpenAIKeyState{Trial: src.OpenAI != nil && src.OpenAI.Trial, Org: orgID}
	p.keys = append(p.keys, clone)
	p.byFP[cloneFP] = clone
	p.log.Info("key cloned for organization",
		slog.String("key", fp),
		slog.String("clone", cloneFP),
		slog.String("org", orgID))
	return cloneFP, nil
}

// Recheck clears the checked timestamp on every enabled key so the checker's
// scheduler re-validates the whole pool, initial-burst style.
func (p *Provider) Recheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if !k.Disabled {
			k.LastChecked = time.Time{}
		}
	}
	p.log.Info("recheck scheduled", slog.Int("keys", len(p.keys)))
}

// keysLocked returns the live key slice for checker iteration. The checker
// copies what it needs under the same lock via withKeys.
func (p *Provider) withKeys(fn func([]*Key)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.keys)
}

// Secret returns the raw credential for a fingerprint. Dispatch-path only;
// never logged.
func (p *Provider) Secret(fp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byFP[fp]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	return k.Secret, nil
}
