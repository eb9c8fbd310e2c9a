package keypool

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

// newTestProvider builds a provider with a fixed clock and every key granted
// the given families.
func newTestProvider(t *testing.T, svc models.Service, secrets []string, fams []models.Family) (*Provider, *time.Time) {
	t.Helper()
	p, err := NewProvider(svc, secrets, testLogger(), ProviderOptions{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }
	for _, s := range secrets {
		if err := p.Update(Fingerprint(s), Update{Families: fams}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	return p, &now
}

// TestFingerprint verifies determinism, length, and that org clones derive a
// distinct identifier.
func TestFingerprint(t *testing.T) {
	fp := Fingerprint("sk-test-123")
	if len(fp) != 8 {
		t.Fatalf("fingerprint length = %d, want 8", len(fp))
	}
	if fp != Fingerprint("sk-test-123") {
		t.Fatal("fingerprint is not deterministic")
	}
	for _, c := range fp {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("fingerprint %q contains non-hex char %q", fp, c)
		}
	}
	if OrgFingerprint("sk-test-123", "org-abc") == fp {
		t.Fatal("org clone fingerprint must differ from the base key's")
	}
}

// TestSelectionFairness checks LRU rotation: N equal keys, N gets, each key
// chosen exactly once.
func TestSelectionFairness(t *testing.T) {
	secrets := []string{"sk-a", "sk-b", "sk-c", "sk-d"}
	p, _ := newTestProvider(t, models.ServiceOpenAI, secrets, []models.Family{models.FamilyTurbo})

	seen := make(map[string]int)
	for i := 0; i < len(secrets); i++ {
		k, err := p.Get("gpt-3.5-turbo")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		seen[k.Fingerprint]++
	}
	if len(seen) != len(secrets) {
		t.Fatalf("distinct keys chosen = %d, want %d (%v)", len(seen), len(secrets), seen)
	}
	for fp, n := range seen {
		if n != 1 {
			t.Errorf("key %s chosen %d times, want 1", fp, n)
		}
	}
}

// TestReuseThrottle: a selected key is locked out for the reuse delay, and
// the family lockout reflects it while no other key is free.
func TestReuseThrottle(t *testing.T) {
	p, now := newTestProvider(t, models.ServiceOpenAI, []string{"sk-only"}, []models.Family{models.FamilyTurbo})

	k, err := p.Get("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if min := now.Add(p.tr.reuseDelay); k.RateLimitedUntil.Before(min) {
		t.Fatalf("rateLimitedUntil = %v, want >= %v", k.RateLimitedUntil, min)
	}
	if d := p.LockoutPeriod(models.FamilyTurbo); d <= 0 {
		t.Fatalf("LockoutPeriod = %v, want > 0 inside the reuse window", d)
	}

	// A second get still returns the same key; selection never blocks.
	k2, err := p.Get("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if k2.Fingerprint != k.Fingerprint {
		t.Fatalf("second Get chose %s, want %s", k2.Fingerprint, k.Fingerprint)
	}

	*now = now.Add(p.tr.reuseDelay + time.Millisecond)
	if d := p.LockoutPeriod(models.FamilyTurbo); d != 0 {
		t.Fatalf("LockoutPeriod after window = %v, want 0", d)
	}
}

// TestLockoutAggregation: the family lockout is the minimum remaining window
// across candidates, capped at 20s, and zero as soon as any key is free.
func TestLockoutAggregation(t *testing.T) {
	p, now := newTestProvider(t, models.ServiceAnthropic, []string{"sk-a", "sk-b"}, []models.Family{models.FamilyClaude})

	if err := p.MarkRateLimitedFor(Fingerprint("sk-a"), 6*time.Second); err != nil {
		t.Fatalf("MarkRateLimitedFor: %v", err)
	}
	if d := p.LockoutPeriod(models.FamilyClaude); d != 0 {
		t.Fatalf("LockoutPeriod with one free key = %v, want 0", d)
	}

	if err := p.MarkRateLimitedFor(Fingerprint("sk-b"), 3*time.Second); err != nil {
		t.Fatalf("MarkRateLimitedFor: %v", err)
	}
	if d := p.LockoutPeriod(models.FamilyClaude); d != 3*time.Second {
		t.Fatalf("LockoutPeriod = %v, want 3s (min across keys)", d)
	}

	// A huge requested lockout is capped on write, so the family lockout
	// never exceeds the cap either.
	if err := p.MarkRateLimitedFor(Fingerprint("sk-a"), time.Hour); err != nil {
		t.Fatalf("MarkRateLimitedFor: %v", err)
	}
	if err := p.MarkRateLimitedFor(Fingerprint("sk-b"), time.Hour); err != nil {
		t.Fatalf("MarkRateLimitedFor: %v", err)
	}
	if d := p.LockoutPeriod(models.FamilyClaude); d != maxLockout {
		t.Fatalf("LockoutPeriod = %v, want cap %v", d, maxLockout)
	}

	_ = now
}

// TestLockoutNoKeys: zero lockout when nothing can serve the family, so
// dispatch fails loudly instead of waiting.
func TestLockoutNoKeys(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceOpenAI, []string{"sk-a"}, []models.Family{models.FamilyTurbo})
	if d := p.LockoutPeriod(models.FamilyGPT4); d != 0 {
		t.Fatalf("LockoutPeriod for unserved family = %v, want 0", d)
	}
	p.Disable(Fingerprint("sk-a"), DisableRevoked)
	if d := p.LockoutPeriod(models.FamilyTurbo); d != 0 {
		t.Fatalf("LockoutPeriod with all keys disabled = %v, want 0", d)
	}
}

// TestDisableSemantics: revoked and over-quota both imply disabled, and a
// disabled key is never selected.
func TestDisableSemantics(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceOpenAI, []string{"sk-a", "sk-b"}, []models.Family{models.FamilyTurbo})

	if err := p.Disable(Fingerprint("sk-a"), DisableQuota); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	for i := 0; i < 4; i++ {
		k, err := p.Get("gpt-3.5-turbo")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if k.Fingerprint == Fingerprint("sk-a") {
			t.Fatal("disabled key was selected")
		}
	}

	snaps := p.List()
	for _, s := range snaps {
		if s.Fingerprint == Fingerprint("sk-a") {
			if !s.Disabled || !s.OverQuota {
				t.Fatalf("snapshot = %+v, want disabled+overQuota", s)
			}
		}
	}

	if err := p.Disable(Fingerprint("sk-b"), DisableRevoked); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, err := p.Get("gpt-3.5-turbo"); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("Get with all keys disabled = %v, want ErrNoKeyAvailable", err)
	}
}

// TestEmptyFamiliesDisables: a check that finds zero reachable families
// disables the key.
func TestEmptyFamiliesDisables(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceOpenAI, []string{"sk-a"}, []models.Family{models.FamilyTurbo})
	if err := p.Update(Fingerprint("sk-a"), Update{Families: make([]models.Family, 0)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Available() != 0 {
		t.Fatal("key with no families must be disabled")
	}
}

// TestPreference32kConservation: keys with 32k access sort behind plain
// keys for non-32k traffic.
func TestPreference32kConservation(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceOpenAI, []string{"sk-plain", "sk-32k"},
		[]models.Family{models.FamilyTurbo, models.FamilyGPT4})
	if err := p.Update(Fingerprint("sk-32k"), Update{
		Families: []models.Family{models.FamilyTurbo, models.FamilyGPT4, models.FamilyGPT432k},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	k, err := p.Get("gpt-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-plain") {
		t.Fatalf("gpt-4 chose %s, want the non-32k key", k.Fingerprint)
	}

	k, err = p.Get("gpt-4-32k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-32k") {
		t.Fatalf("gpt-4-32k chose %s, want the 32k key", k.Fingerprint)
	}
}

// TestTrialPreferenceSkipsEmbeddings: trial keys are preferred for
// completion models but not for embedding models, which fall back to LRU.
func TestTrialPreferenceSkipsEmbeddings(t *testing.T) {
	setup := func(t *testing.T) *Provider {
		t.Helper()
		p, now := newTestProvider(t, models.ServiceOpenAI, []string{"sk-paid", "sk-trial"}, []models.Family{models.FamilyTurbo})
		if err := p.Update(Fingerprint("sk-trial"), Update{Trial: boolPtr(true)}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		// The paid key is the LRU pick; the trial key only wins through
		// preference.
		p.byFP[Fingerprint("sk-paid")].LastUsed = now.Add(-2 * time.Hour)
		p.byFP[Fingerprint("sk-trial")].LastUsed = now.Add(-time.Hour)
		return p
	}

	p := setup(t)
	k, err := p.Get("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-trial") {
		t.Fatalf("completion model chose %s, want the trial key", k.Fingerprint)
	}

	p = setup(t)
	k, err = p.Get("text-embedding-ada-002")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-paid") {
		t.Fatalf("embedding model chose %s, want the least-recently-used key", k.Fingerprint)
	}
}

// TestPreferencePozzed: pozzed Anthropic keys sort last but remain usable.
func TestPreferencePozzed(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceAnthropic, []string{"sk-good", "sk-pozzed"}, []models.Family{models.FamilyClaude})
	if err := p.Update(Fingerprint("sk-pozzed"), Update{Pozzed: boolPtr(true)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	k, err := p.Get("claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-good") {
		t.Fatalf("chose %s, want the non-pozzed key first", k.Fingerprint)
	}

	p.Disable(Fingerprint("sk-good"), DisableRevoked)
	k, err = p.Get("claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatalf("Get with only pozzed key: %v", err)
	}
	if k.Fingerprint != Fingerprint("sk-pozzed") {
		t.Fatal("pozzed key must still serve when it is the only option")
	}
}

// TestAWSLoggingExclusion: keys on accounts with invocation logging are
// skipped unless explicitly allowed.
func TestAWSLoggingExclusion(t *testing.T) {
	secrets := []string{"AKIA1:secret1:us-east-1", "AKIA2:secret2:us-east-1"}
	p, _ := newTestProvider(t, models.ServiceAWS, secrets, []models.Family{models.FamilyAWSClaude})

	if err := p.Update(Fingerprint(secrets[0]), Update{AWSLogging: logPtr(AWSLoggingEnabled)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for i := 0; i < 3; i++ {
		k, err := p.Get("anthropic.claude-3-sonnet-20240229-v1:0")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if k.Fingerprint == Fingerprint(secrets[0]) {
			t.Fatal("logging-enabled key was selected without AllowAWSLogging")
		}
	}
}

// TestCloneWithOrg: clones get distinct fingerprints, share the secret, and
// are idempotent.
func TestCloneWithOrg(t *testing.T) {
	p, _ := newTestProvider(t, models.ServiceOpenAI, []string{"sk-base"}, []models.Family{models.FamilyTurbo})

	fp, err := p.CloneWithOrg(Fingerprint("sk-base"), "org-xyz")
	if err != nil {
		t.Fatalf("CloneWithOrg: %v", err)
	}
	if fp == Fingerprint("sk-base") {
		t.Fatal("clone fingerprint must differ")
	}
	if p.Size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.Size())
	}

	fp2, err := p.CloneWithOrg(Fingerprint("sk-base"), "org-xyz")
	if err != nil {
		t.Fatalf("second CloneWithOrg: %v", err)
	}
	if fp2 != fp || p.Size() != 2 {
		t.Fatal("cloning must be idempotent")
	}

	secret, err := p.Secret(fp)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if secret != "sk-base" {
		t.Fatal("clone must share the base secret")
	}
}

// TestSnapshotRedaction: list output never carries the secret.
func TestSnapshotRedaction(t *testing.T) {
	secret := "AKIA1:supersecret:us-east-1"
	p, _ := newTestProvider(t, models.ServiceAWS, []string{secret}, []models.Family{models.FamilyAWSClaude})

	p.IncrementUsage(Fingerprint(secret), "anthropic.claude-3-sonnet-20240229-v1:0", 123)
	snaps := p.List()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Fingerprint != Fingerprint(secret) {
		t.Fatalf("fingerprint = %q", s.Fingerprint)
	}
	if s.PromptCount != 1 || s.TokensByFamily[models.FamilyAWSClaude] != 123 {
		t.Fatalf("usage not reflected: %+v", s)
	}
}

// TestCompositeParsing rejects malformed composite credentials.
func TestCompositeParsing(t *testing.T) {
	tests := []struct {
		svc    models.Service
		secret string
		ok     bool
	}{
		{models.ServiceAWS, "ak:sk:us-east-1", true},
		{models.ServiceAWS, "ak:sk", false},
		{models.ServiceAzure, "res:dep:key", true},
		{models.ServiceAzure, "res:key", false},
		{models.ServiceGCP, "proj:mail@x.iam:us-east5", false},
	}
	for _, tc := range tests {
		_, err := NewProvider(tc.svc, []string{tc.secret}, testLogger(), ProviderOptions{})
		if tc.ok && err != nil {
			t.Errorf("%s %q: unexpected error %v", tc.svc, tc.secret, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s %q: want parse error", tc.svc, tc.secret)
		}
	}
}
