package security

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeAbility returns the canonical form of an ability string.
func NormalizeAbility(ability string) string {
	// Casers are stateful; build one per call.
	return cases.Fold().String(strings.TrimSpace(ability))
}

// NormalizeAbilities canonicalises and deduplicates abilities, preserving first-seen order.
func NormalizeAbilities(abilities []string) []string {
	seen := make(map[string]struct{}, len(abilities))
	out := make([]string, 0, len(abilities))
	for _, a := range abilities {
		a = NormalizeAbility(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
