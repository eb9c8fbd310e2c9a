// Package models defines the closed model-family enumeration and the
// table-driven mapping from provider model names to families.
//
// A model family is the unit the request queue partitions on and the unit a
// key advertises access to. Each family belongs to exactly one upstream
// service; the mapping never changes at runtime.
package models

import "strings"

// Service identifies an upstream credential service.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogleAI  Service = "google-ai"
	ServiceMistralAI Service = "mistral-ai"
	ServiceAWS       Service = "aws"
	ServiceAzure     Service = "azure"
	ServiceGCP       Service = "gcp"
)

// AllServices lists every supported service in a stable order.
var AllServices = []Service{
	ServiceOpenAI,
	ServiceAnthropic,
	ServiceGoogleAI,
	ServiceMistralAI,
	ServiceAWS,
	ServiceAzure,
	ServiceGCP,
}

// Family is an equivalence class of models sharing cost and rate-limit
// characteristics.
type Family string

const (
	FamilyTurbo     Family = "turbo"
	FamilyGPT4      Family = "gpt4"
	FamilyGPT432k   Family = "gpt4-32k"
	FamilyGPT4Turbo Family = "gpt4-turbo"
	FamilyDallE     Family = "dall-e"

	FamilyClaude     Family = "claude"
	FamilyClaudeOpus Family = "claude-opus"

	FamilyGeminiPro Family = "gemini-pro"

	FamilyMistralTiny   Family = "mistral-tiny"
	FamilyMistralSmall  Family = "mistral-small"
	FamilyMistralMedium Family = "mistral-medium"
	FamilyMistralLarge  Family = "mistral-large"

	FamilyAWSClaude     Family = "aws-claude"
	FamilyAWSClaudeOpus Family = "aws-claude-opus"

	FamilyAzureTurbo     Family = "azure-turbo"
	FamilyAzureGPT4      Family = "azure-gpt4"
	FamilyAzureGPT432k   Family = "azure-gpt4-32k"
	FamilyAzureGPT4Turbo Family = "azure-gpt4-turbo"
	FamilyAzureDallE     Family = "azure-dall-e"

	FamilyGCPClaude     Family = "gcp-claude"
	FamilyGCPClaudeOpus Family = "gcp-claude-opus"
)

// familyService maps every family to the single service that owns it.
var familyService = map[Family]Service{
	FamilyTurbo:     ServiceOpenAI,
	FamilyGPT4:      ServiceOpenAI,
	FamilyGPT432k:   ServiceOpenAI,
	FamilyGPT4Turbo: ServiceOpenAI,
	FamilyDallE:     ServiceOpenAI,

	FamilyClaude:     ServiceAnthropic,
	FamilyClaudeOpus: ServiceAnthropic,

	FamilyGeminiPro: ServiceGoogleAI,

	FamilyMistralTiny:   ServiceMistralAI,
	FamilyMistralSmall:  ServiceMistralAI,
	FamilyMistralMedium: ServiceMistralAI,
	FamilyMistralLarge:  ServiceMistralAI,

	FamilyAWSClaude:     ServiceAWS,
	FamilyAWSClaudeOpus: ServiceAWS,

	FamilyAzureTurbo:     ServiceAzure,
	FamilyAzureGPT4:      ServiceAzure,
	FamilyAzureGPT432k:   ServiceAzure,
	FamilyAzureGPT4Turbo: ServiceAzure,
	FamilyAzureDallE:     ServiceAzure,

	FamilyGCPClaude:     ServiceGCP,
	FamilyGCPClaudeOpus: ServiceGCP,
}

// ServiceOf returns the service that owns f, or "" for an unknown family.
func ServiceOf(f Family) Service {
	return familyService[f]
}

// AllFamilies lists every family in a stable order (service-major).
var AllFamilies = []Family{
	FamilyTurbo, FamilyGPT4, FamilyGPT432k, FamilyGPT4Turbo, FamilyDallE,
	FamilyClaude, FamilyClaudeOpus,
	FamilyGeminiPro,
	FamilyMistralTiny, FamilyMistralSmall, FamilyMistralMedium, FamilyMistralLarge,
	FamilyAWSClaude, FamilyAWSClaudeOpus,
	FamilyAzureTurbo, FamilyAzureGPT4, FamilyAzureGPT432k, FamilyAzureGPT4Turbo, FamilyAzureDallE,
	FamilyGCPClaude, FamilyGCPClaudeOpus,
}

// familyRule maps a model-name prefix to a family. Rules are evaluated in
// order; the first match wins, so more specific prefixes must come first.
type familyRule struct {
	prefix string
	family Family
}

// openaiRules covers models reachable with OpenAI credentials.
var openaiRules = []familyRule{
	{"gpt-4-32k", FamilyGPT432k},
	{"gpt-4-1106", FamilyGPT4Turbo},
	{"gpt-4-0125", FamilyGPT4Turbo},
	{"gpt-4-turbo", FamilyGPT4Turbo},
	{"gpt-4o", FamilyGPT4Turbo},
	{"gpt-4", FamilyGPT4},
	{"gpt-3.5-turbo", FamilyTurbo},
	{"text-embedding", FamilyTurbo},
	{"dall-e", FamilyDallE},
}

// IsEmbedding reports whether model names an embeddings model. Embedding
// traffic rides the turbo family but follows different key-selection rules.
func IsEmbedding(model string) bool {
	return strings.HasPrefix(model, "text-embedding")
}

// anthropicRules covers the Anthropic first-party API.
var anthropicRules = []familyRule{
	{"claude-3-opus", FamilyClaudeOpus},
	{"claude-opus", FamilyClaudeOpus},
	{"claude", FamilyClaude},
}

var googleAIRules = []familyRule{
	{"gemini", FamilyGeminiPro},
}

var mistralRules = []familyRule{
	{"mistral-tiny", FamilyMistralTiny},
	{"open-mistral-7b", FamilyMistralTiny},
	{"mistral-small", FamilyMistralSmall},
	{"open-mixtral-8x7b", FamilyMistralSmall},
	{"mistral-medium", FamilyMistralMedium},
	{"mistral-large", FamilyMistralLarge},
	{"mistral", FamilyMistralSmall},
}

// awsRules match Bedrock model IDs ("anthropic.claude-...").
var awsRules = []familyRule{
	{"anthropic.claude-3-opus", FamilyAWSClaudeOpus},
	{"anthropic.claude", FamilyAWSClaude},
}

var azureRules = []familyRule{
	{"azure-gpt-4-32k", FamilyAzureGPT432k},
	{"azure-gpt-4-turbo", FamilyAzureGPT4Turbo},
	{"azure-gpt-4o", FamilyAzureGPT4Turbo},
	{"azure-gpt-4", FamilyAzureGPT4},
	{"azure-gpt-3.5-turbo", FamilyAzureTurbo},
	{"azure-dall-e", FamilyAzureDallE},
}

var gcpRules = []familyRule{
	{"claude-3-opus", FamilyGCPClaudeOpus},
	{"claude", FamilyGCPClaude},
}

var serviceRules = map[Service][]familyRule{
	ServiceOpenAI:    openaiRules,
	ServiceAnthropic: anthropicRules,
	ServiceGoogleAI:  googleAIRules,
	ServiceMistralAI: mistralRules,
	ServiceAWS:       awsRules,
	ServiceAzure:     azureRules,
	ServiceGCP:       gcpRules,
}

// FamilyFor resolves a model name to its family within a known service.
// Returns "" when the model does not belong to the service.
func FamilyFor(svc Service, model string) Family {
	for _, r := range serviceRules[svc] {
		if strings.HasPrefix(model, r.prefix) {
			return r.family
		}
	}
	return ""
}

// ResolveService infers the owning service from a model name alone.
// GCP cannot be inferred this way — Claude names are ambiguous with the
// Anthropic first-party API — so callers routing to GCP must pass the
// service explicitly (the inbound route carries it).
func ResolveService(model string) (Service, bool) {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "dall-e"),
		strings.HasPrefix(model, "text-embedding"):
		return ServiceOpenAI, true
	case strings.HasPrefix(model, "anthropic.claude"):
		return ServiceAWS, true
	case strings.HasPrefix(model, "claude-"):
		return ServiceAnthropic, true
	case strings.HasPrefix(model, "gemini"):
		return ServiceGoogleAI, true
	case strings.HasPrefix(model, "mistral"), strings.HasPrefix(model, "open-mi"):
		return ServiceMistralAI, true
	case strings.HasPrefix(model, "azure-"):
		return ServiceAzure, true
	}
	return "", false
}

// FamiliesOf returns every family owned by svc, in AllFamilies order.
func FamiliesOf(svc Service) []Family {
	out := make([]Family, 0, 5)
	for _, f := range AllFamilies {
		if familyService[f] == svc {
			out = append(out, f)
		}
	}
	return out
}
