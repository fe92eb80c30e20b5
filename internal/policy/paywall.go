package policy

import "strings"

// Paywall scans fetched content for subscription-wall markers.
type Paywall struct {
	keywords []string
}

// NewPaywall builds a matcher over the configured keywords.
func NewPaywall(keywords []string) *Paywall {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Paywall{keywords: lowered}
}

// Match returns the first keyword found in content, case-insensitively.
func (p *Paywall) Match(content string) (string, bool) {
	if len(p.keywords) == 0 || content == "" {
		return "", false
	}
	lower := strings.ToLower(content)
	for _, k := range p.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}
