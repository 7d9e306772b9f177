package phrases

import (
	"slices"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
)

// genericBoosters are quality boosters too common to be useful as wildcards.
var genericBoosters = map[string]bool{
	"masterpiece":        true,
	"best quality":       true,
	"high quality":       true,
	"highest quality":    true,
	"ultra high quality": true,
	"extremely detailed": true,
	"highly detailed":    true,
	"perfect":            true,
	"flawless":           true,
	"stunning":           true,
	"amazing":            true,
	"incredible":         true,
	"photorealistic":     true,
	"hyperrealistic":     true,
	"realistic":          true,
}

// Filter selects which phrases reach the output.
type Filter struct {
	// RemoveGeneric drops banlisted quality boosters. Polarity is not
	// consulted, so mixed phrases are filtered like pos and neg ones.
	RemoveGeneric bool
}

// Keep reports whether r passes the filter.
func (f Filter) Keep(r domain.PhraseRecord) bool {
	if f.RemoveGeneric && r.Category == domain.CategoryQualityBoosters {
		return !genericBoosters[strings.ToLower(strings.TrimSpace(r.Text))]
	}
	return true
}

// Buckets is the output view: phrase texts per category plus the prompt
// bank of every non-negative phrase.
type Buckets struct {
	ByCategory map[domain.Category][]string
	PromptBank []string
}

// Buckets partitions the filtered phrases by category. Each list is sorted
// case-insensitively. The prompt bank drops case-insensitive duplicates
// across categories, keeping the spelling of the earliest category.
func (s *Store) Buckets(f Filter) Buckets {
	b := Buckets{ByCategory: make(map[domain.Category][]string, len(domain.Categories))}
	for _, c := range domain.Categories {
		b.ByCategory[c] = []string{}
	}

	seen := map[string]bool{}
	for _, r := range s.Records() {
		if !f.Keep(r) {
			continue
		}
		b.ByCategory[r.Category] = append(b.ByCategory[r.Category], r.Text)
		if r.Category == domain.CategoryNegatives {
			continue
		}
		if lower := strings.ToLower(r.Text); !seen[lower] {
			seen[lower] = true
			b.PromptBank = append(b.PromptBank, r.Text)
		}
	}
	slices.SortStableFunc(b.PromptBank, func(a, c string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(c))
	})
	return b
}
