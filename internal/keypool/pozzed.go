package keypool

import "regexp"

// pozzedPatterns match the refusal boilerplate that degraded Anthropic keys
// inject into otherwise neutral completions. The list tracks observed
// phrasing and is expected to drift; keep patterns case-insensitive and
// narrow enough not to flag ordinary prose.
var pozzedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)I apologize, but I (?:cannot|can't|will not|won't)`),
	regexp.MustCompile(`(?i)I (?:cannot|can't) (?:assist|help) with`),
	regexp.MustCompile(`(?i)as an AI(?: language model| assistant)?`),
	regexp.MustCompile(`(?i)harmful,? (?:unethical|or unethical)`),
	regexp.MustCompile(`(?i)ethical (?:guidelines|principles|boundaries)`),
	regexp.MustCompile(`(?i)acceptable use policy`),
	regexp.MustCompile(`(?i)I (?:don't|do not) feel comfortable`),
}

// isPozzedCompletion reports whether a completion trips the refusal table.
func isPozzedCompletion(text string) bool {
	for _, p := range pozzedPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
