package guardrails

import (
	"strings"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Matches reports whether a binding applies to an alert: the binding is enabled and
// every non-empty filter accepts the alert. Types and severities must be members of
// their filter set; tags must intersect the tag filter. Comparisons ignore case.
func Matches(b *engine.PlaybookBinding, alert *engine.Alert) bool {
	if b == nil || alert == nil || !b.Enabled {
		return false
	}
	if len(b.MatchTypes) > 0 && !containsFold(b.MatchTypes, alert.Type) {
		return false
	}
	if len(b.MatchSeverities) > 0 && !containsFold(b.MatchSeverities, alert.Severity) {
		return false
	}
	if len(b.MatchTags) > 0 {
		hit := false
		for _, tag := range alert.Tags {
			if containsFold(b.MatchTags, tag) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func containsFold(set []string, value string) bool {
	for _, s := range set {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}
