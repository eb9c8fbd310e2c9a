// Package keypool manages pools of upstream provider credentials.
//
// Each service (OpenAI, Anthropic, Google AI, Mistral, AWS, Azure, GCP) has a
// Provider that owns its keys, selects one per request, tracks usage and
// rate-limit lockouts, and runs a background Checker that validates keys
// against the live API. The Pool is a thin facade that routes a model name to
// the owning Provider and aggregates cross-service state.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

// Key is a single credential record. The common header is shared by every
// service; provider-specific state lives in the optional sub-structs.
//
// Keys are mutated only through their owning Provider (Update, Disable,
// MarkRateLimited, AddUsage) so that checker and dispatch writes stay
// serialized. Counter fields use atomic addition and may be read without the
// provider lock.
type Key struct {
	// Secret is the raw credential. Never serialized; Snapshot() exposes
	// only the fingerprint.
	Secret string

	// Fingerprint is the first 8 hex chars of SHA-256(secret), or of
	// SHA-256(secret ‖ orgID) for cloned organization variants. Unique
	// within a pool and safe to log.
	Fingerprint string

	Service models.Service

	// Families a successful check has confirmed this key can reach.
	// Empty until the first check completes.
	Families []models.Family

	Disabled  bool
	Revoked   bool
	OverQuota bool

	LastUsed         time.Time
	LastChecked      time.Time
	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	// PromptCount counts dispatched requests. Atomic.
	PromptCount atomic.Int64

	// tokens per family, keyed by family. Guarded by the provider lock for
	// map structure; values are atomic.
	TokensByFamily map[models.Family]*atomic.Int64

	OpenAI    *OpenAIKeyState
	Anthropic *AnthropicKeyState
	AWS       *AWSKeyState
	Azure     *AzureKeyState
	GCP       *GCPKeyState
}

// OpenAIKeyState carries OpenAI-only key attributes.
type OpenAIKeyState struct {
	// Trial marks keys whose request rate-limit ceiling is ≤ 250 RPM.
	Trial bool

	// Org is the organization ID this (possibly cloned) key acts as.
	// Empty for the default organization.
	Org string

	// RPM is the x-ratelimit-limit-requests value from the last probe.
	RPM int

	// ResetRequests / ResetTokens hold the parsed x-ratelimit-reset-*
	// windows from the last 429, in milliseconds.
	ResetRequests int64
	ResetTokens   int64
}

// AnthropicKeyState carries Anthropic-only key attributes.
type AnthropicKeyState struct {
	// Pozzed marks keys that return policy refusal boilerplate on the
	// detection prompt. Pozzed keys remain usable but sort last.
	Pozzed bool

	// RequiresPreamble is set when the API rejects prompts lacking the
	// "\n\nHuman:" preamble for this key.
	RequiresPreamble bool
}

// AWSLoggingStatus reports whether Bedrock invocation logging is active for
// the account behind a key.
type AWSLoggingStatus string

const (
	AWSLoggingUnknown  AWSLoggingStatus = "unknown"
	AWSLoggingEnabled  AWSLoggingStatus = "enabled"
	AWSLoggingDisabled AWSLoggingStatus = "disabled"
)

// AWSKeyState carries AWS-only key attributes. The secret is the composite
// "accessKey:secretKey:region" string; the parsed parts are kept here.
type AWSKeyState struct {
	AccessKey     string
	SecretKey     string
	Region        string
	LoggingStatus AWSLoggingStatus
}

// AzureKeyState carries Azure-only key attributes parsed from the composite
// "resource:deployment:apiKey" secret.
type AzureKeyState struct {
	ResourceName string
	DeploymentID string
	APIKey       string
}

// GCPKeyState carries GCP-only key attributes parsed from the composite
// "projectId:clientEmail:region:base64PrivateKey" secret.
type GCPKeyState struct {
	ProjectID   string
	ClientEmail string
	Region      string
	PrivateKey  string // PEM, decoded from base64

	// Pozzed has the same meaning as for Anthropic keys; Vertex serves
	// the same models.
	Pozzed bool
}

// Fingerprint returns the short stable identifier for a secret: the first
// 8 hex characters of its SHA-256 digest.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}

// OrgFingerprint derives a distinct fingerprint for an organization clone of
// an existing key.
func OrgFingerprint(secret, orgID string) string {
	return Fingerprint(secret + orgID)
}

// newKey builds a fresh key record for a service.
func newKey(svc models.Service, secret string) *Key {
	return &Key{
		Secret:         secret,
		Fingerprint:    Fingerprint(secret),
		Service:        svc,
		TokensByFamily: make(map[models.Family]*atomic.Int64),
	}
}

// HasFamily reports whether the key's confirmed family set contains f.
func (k *Key) HasFamily(f models.Family) bool {
	for _, have := range k.Families {
		if have == f {
			return true
		}
	}
	return false
}

// addTokens adds n tokens to the per-family counter, creating it on first
// use. Callers must hold the provider lock for map mutation.
func (k *Key) addTokens(f models.Family, n int64) {
	c, ok := k.TokensByFamily[f]
	if !ok {
		c = &atomic.Int64{}
		k.TokensByFamily[f] = c
	}
	c.Add(n)
}

// rateLimited reports whether the key is inside a lockout window at now.
func (k *Key) rateLimited(now time.Time) bool {
	return k.RateLimitedUntil.After(now)
}

// Snapshot is the redacted, immutable view of a key returned by List().
// It never contains the secret.
type Snapshot struct {
	Fingerprint      string                  `json:"fingerprint"`
	Service          models.Service          `json:"service"`
	Families         []models.Family         `json:"families"`
	Disabled         bool                    `json:"disabled"`
	Revoked          bool                    `json:"revoked"`
	OverQuota        bool                    `json:"over_quota"`
	Trial            bool                    `json:"trial,omitempty"`
	Pozzed           bool                    `json:"pozzed,omitempty"`
	Org              string                  `json:"org,omitempty"`
	LastUsed         time.Time               `json:"last_used"`
	LastChecked      time.Time               `json:"last_checked"`
	RateLimitedAt    time.Time               `json:"rate_limited_at"`
	RateLimitedUntil time.Time               `json:"rate_limited_until"`
	PromptCount      int64                   `json:"prompt_count"`
	TokensByFamily   map[models.Family]int64 `json:"tokens_by_family"`
	AWSLogging       AWSLoggingStatus        `json:"aws_logging,omitempty"`
}

// snapshot copies the key's public state. Callers must hold the provider
// lock.
func (k *Key) snapshot() Snapshot {
	s := Snapshot{
		Fingerprint:      k.Fingerprint,
		Service:          k.Service,
		Families:         append([]models.Family(nil), k.Families...),
		Disabled:         k.Disabled,
		Revoked:          k.Revoked,
		OverQuota:        k.OverQuota,
		LastUsed:         k.LastUsed,
		LastChecked:      k.LastChecked,
		RateLimitedAt:    k.RateLimitedAt,
		RateLimitedUntil: k.RateLimitedUntil,
		PromptCount:      k.PromptCount.Load(),
		TokensByFamily:   make(map[models.Family]int64, len(k.TokensByFamily)),
	}
	for f, c := range k.TokensByFamily {
		s.TokensByFamily[f] = c.Load()
	}
	if k.OpenAI != nil {
		s.Trial = k.OpenAI.Trial
		s.Org = k.OpenAI.Org
	}
	if k.Anthropic != nil {
		s.Pozzed = k.Anthropic.Pozzed
	}
	if k.GCP != nil {
		s.Pozzed = k.GCP.Pozzed
	}
	if k.AWS != nil {
		s.AWSLogging = k.AWS.LoggingStatus
	}
	return s
}

// Update is a partial mutation applied through Provider.Update. Nil fields
// are left untouched.
type Update struct {
	Disabled  *bool
	Revoked   *bool
	OverQuota *bool

	Families    []models.Family // replaces the set when non-nil
	LastChecked *time.Time

	Trial            *bool
	Org              *string
	RPM              *int
	Pozzed           *bool
	RequiresPreamble *bool
	AWSLogging       *AWSLoggingStatus
}

// apply folds an Update into the key. Callers must hold the provider lock.
func (k *Key) apply(u Update) {
	if u.Disabled != nil {
		k.Disabled = *u.Disabled
	}
	if u.Revoked != nil {
		k.Revoked = *u.Revoked
		if k.Revoked {
			k.Disabled = true
		}
	}
	if u.OverQuota != nil {
		k.OverQuota = *u.OverQuota
		if k.OverQuota {
			k.Disabled = true
		}
	}
	if u.Families != nil {
		k.Families = append([]models.Family(nil), u.Families...)
		if len(k.Families) == 0 {
			// A key with zero reachable families can never serve a
			// request.
			k.Disabled = true
		}
	}
	if u.LastChecked != nil {
		k.LastChecked = *u.LastChecked
	}
	if u.Trial != nil && k.OpenAI != nil {
		k.OpenAI.Trial = *u.Trial
	}
	if u.Org != nil && k.OpenAI != nil {
		k.OpenAI.Org = *u.Org
	}
	if u.RPM != nil && k.OpenAI != nil {
		k.OpenAI.RPM = *u.RPM
	}
	if u.Pozzed != nil {
		if k.Anthropic != nil {
			k.Anthropic.Pozzed = *u.Pozzed
		}
		if k.GCP != nil {
			k.GCP.Pozzed = *u.Pozzed
		}
	}
	if u.RequiresPreamble != nil && k.Anthropic != nil {
		k.Anthropic.RequiresPreamble = *u.RequiresPreamble
	}
	if u.AWSLogging != nil && k.AWS != nil {
		k.AWS.LoggingStatus = *u.AWSLogging
	}
}

// boolPtr and friends keep Update construction readable at call sites.
func boolPtr(v bool) *bool                          { return &v }
func strPtr(v string) *string                       { return &v }
func intPtr(v int) *int                             { return &v }
func timePtr(v time.Time) *time.Time                { return &v }
func logPtr(v AWSLoggingStatus) *AWSLoggingStatus   { return &v }
