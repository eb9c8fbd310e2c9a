package keypool

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

// Config carries the per-service credential lists and pool-wide knobs.
type Config struct {
	OpenAIKeys       []string
	AnthropicKeys    []string
	GoogleAIKeys     []string
	MistralAIKeys    []string
	AWSCredentials   []string
	AzureCredentials []string
	GCPCredentials   []string

	// AllowAWSLogging permits AWS keys whose account logs invocations.
	AllowAWSLogging bool

	// RecheckEvery is the period of the OpenAI full-recheck cron.
	// Defaults to 8h.
	RecheckEvery time.Duration

	// CheckerBaseURLs override upstream endpoints per service in tests.
	CheckerBaseURLs map[models.Service]string
}

// Pool is the facade over the per-service providers. It routes model names
// to the owning provider, runs the checkers, and owns the periodic OpenAI
// recheck cron.
type Pool struct {
	log       *slog.Logger
	providers map[models.Service]*Provider
	checkers  map[models.Service]*Checker
	tokens    *GCPTokenSource

	recheckEvery time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool builds providers and checkers for every service that has at least
// one configured credential.
func NewPool(cfg Config, log *slog.Logger) (*Pool, error) {
	if cfg.RecheckEvery <= 0 {
		cfg.RecheckEvery = 8 * time.Hour
	}
	p := &Pool{
		log:          log,
		providers:    make(map[models.Service]*Provider),
		checkers:     make(map[models.Service]*Checker),
		tokens:       NewGCPTokenSource(""),
		recheckEvery: cfg.RecheckEvery,
		done:         make(chan struct{}),
	}

	secrets := map[models.Service][]string{
		models.ServiceOpenAI:    cfg.OpenAIKeys,
		models.ServiceAnthropic: cfg.AnthropicKeys,
		models.ServiceGoogleAI:  cfg.GoogleAIKeys,
		models.ServiceMistralAI: cfg.MistralAIKeys,
		models.ServiceAWS:       cfg.AWSCredentials,
		models.ServiceAzure:     cfg.AzureCredentials,
		models.ServiceGCP:       cfg.GCPCredentials,
	}
	opts := ProviderOptions{AllowAWSLogging: cfg.AllowAWSLogging}

	for _, svc := range models.AllServices {
		if len(secrets[svc]) == 0 {
			continue
		}
		prov, err := NewProvider(svc, secrets[svc], log, opts)
		if err != nil {
			return nil, err
		}
		if prov.Size() == 0 {
			continue
		}
		p.providers[svc] = prov
		p.checkers[svc] = NewChecker(prov, p.testerFor(svc, prov, cfg.CheckerBaseURLs[svc]), log)
	}
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("keypool: no credentials configured")
	}
	return p, nil
}

func (p *Pool) testerFor(svc models.Service, prov *Provider, baseURL string) KeyTester {
	switch svc {
	case models.ServiceOpenAI:
		return NewOpenAITester(prov, p.log, baseURL)
	case models.ServiceAnthropic:
		return NewAnthropicTester(prov, p.log, baseURL)
	case models.ServiceGoogleAI:
		return NewGoogleAITester(prov, p.log, baseURL)
	case models.ServiceMistralAI:
		return NewMistralTester(prov, p.log, baseURL)
	case models.ServiceAWS:
		return NewAWSTester(prov, p.log, baseURL)
	case models.ServiceAzure:
		return NewAzureTester(prov, p.log, baseURL)
	case models.ServiceGCP:
		return NewGCPTester(prov, p.tokens, p.log, baseURL)
	}
	return nil
}

// Start launches the checkers and the recheck cron. ctx bounds all probes.
func (p *Pool) Start(ctx context.Context) {
	for _, c := range p.checkers {
		c.Start(ctx)
	}
	if _, ok := p.providers[models.ServiceOpenAI]; ok {
		p.wg.Add(1)
		go p.recheckLoop()
	}
}

// Close stops the cron and the checkers.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
	for _, c := range p.checkers {
		c.Close()
	}
}

// recheckLoop re-validates the OpenAI pool periodically. The first firing is
// offset by a hash of the host name so that a fleet of gateways does not
// hammer the API in lockstep.
func (p *Pool) recheckLoop() {
	defer p.wg.Done()

	host, _ := os.Hostname()
	h := fnv.New32a()
	h.Write([]byte(host))
	offset := time.Duration(h.Sum32()) % p.recheckEvery

	timer := time.NewTimer(offset)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			p.providers[models.ServiceOpenAI].Recheck()
			timer.Reset(p.recheckEvery)
		case <-p.done:
			return
		}
	}
}

// provider resolves the provider for a service.
func (p *Pool) provider(svc models.Service) (*Provider, error) {
	prov, ok := p.providers[svc]
	if !ok {
		return nil, fmt.Errorf("%w: no %s keys configured", ErrNoKeyAvailable, svc)
	}
	return prov, nil
}

// Get selects a key for model. svc may be empty for dialects whose model
// names identify the service; routes that cannot be inferred (GCP) must
// pass it.
func (p *Pool) Get(model string, svc models.Service) (*Key, error) {
	if svc == "" {
		resolved, ok := models.ResolveService(model)
		if !ok {
			return nil, fmt.Errorf("%w: cannot resolve service for model %q", ErrUnknownModel, model)
		}
		svc = resolved
	}
	prov, err := p.provider(svc)
	if err != nil {
		return nil, err
	}
	return prov.Get(model)
}

// LockoutPeriod reports the family's dispatch hold-off, routed to the
// owning provider. Unknown or unconfigured families report zero so dispatch
// fails loudly instead of parking requests.
func (p *Pool) LockoutPeriod(f models.Family) time.Duration {
	prov, ok := p.providers[models.ServiceOf(f)]
	if !ok {
		return 0
	}
	return prov.LockoutPeriod(f)
}

// Disable marks a key unusable pool-wide.
func (p *Pool) Disable(svc models.Service, fp string, reason DisableReason) error {
	prov, err := p.provider(svc)
	if err != nil {
		return err
	}
	return prov.Disable(fp, reason)
}

// MarkRateLimited applies the service-default lockout to a key.
func (p *Pool) MarkRateLimited(svc models.Service, fp string) error {
	prov, err := p.provider(svc)
	if err != nil {
		return err
	}
	return prov.MarkRateLimited(fp)
}

// MarkRateLimitedFor applies an explicit lockout (reset-header driven).
func (p *Pool) MarkRateLimitedFor(svc models.Service, fp string, d time.Duration) error {
	prov, err := p.provider(svc)
	if err != nil {
		return err
	}
	return prov.MarkRateLimitedFor(fp, d)
}

// Update applies a partial mutation to a key.
func (p *Pool) Update(svc models.Service, fp string, u Update) error {
	prov, err := p.provider(svc)
	if err != nil {
		return err
	}
	return prov.Update(fp, u)
}

// IncrementUsage records a dispatched prompt against a key.
func (p *Pool) IncrementUsage(svc models.Service, fp, model string, tokens int64) error {
	prov, err := p.provider(svc)
	if err != nil {
		return err
	}
	return prov.IncrementUsage(fp, model, tokens)
}

// TokenSource exposes the shared GCP token cache for the dispatch path.
func (p *Pool) TokenSource() *GCPTokenSource { return p.tokens }

// Secret returns the raw credential for dispatch. Never logged.
func (p *Pool) Secret(svc models.Service, fp string) (string, error) {
	prov, err := p.provider(svc)
	if err != nil {
		return "", err
	}
	return prov.Secret(fp)
}

// ServiceStats summarizes one provider for the health surface.
type ServiceStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// Stats returns per-service key counts.
func (p *Pool) Stats() map[models.Service]ServiceStats {
	out := make(map[models.Service]ServiceStats, len(p.providers))
	for svc, prov := range p.providers {
		out[svc] = ServiceStats{Total: prov.Size(), Available: prov.Available()}
	}
	return out
}

// List returns redacted snapshots for every configured service.
func (p *Pool) List() map[models.Service][]Snapshot {
	out := make(map[models.Service][]Snapshot, len(p.providers))
	for svc, prov := range p.providers {
		out[svc] = prov.List()
	}
	return out
}

// Services lists the configured services in stable order.
func (p *Pool) Services() []models.Service {
	out := make([]models.Service, 0, len(p.providers))
	for _, svc := range models.AllServices {
		if _, ok := p.providers[svc]; ok {
			out = append(out, svc)
		}
	}
	return out
}
