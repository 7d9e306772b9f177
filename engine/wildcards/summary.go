package wildcards

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/phrases"
)

const maxSamples = 5

// Summary renders the dry-run report: counts per category, up to five sample
// phrases each, and a composite prompt drawn from the positive categories.
func Summary(b phrases.Buckets, rng *rand.Rand) string {
	var sb strings.Builder
	sb.WriteString("=== DRY RUN SUMMARY ===\n\nPhrase counts by category:\n")
	total := 0
	for _, c := range domain.Categories {
		n := len(b.ByCategory[c])
		total += n
		fmt.Fprintf(&sb, "  %-17s %d\n", string(c)+":", n)
	}
	fmt.Fprintf(&sb, "\nTotal phrases: %d\nPrompt bank: %d\n", total, len(b.PromptBank))

	sb.WriteString("\nExample phrases by category:\n")
	for _, c := range domain.Categories {
		list := b.ByCategory[c]
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n%s:\n", c)
		for _, s := range sample(list, maxSamples, rng) {
			fmt.Fprintf(&sb, "  - %s\n", s)
		}
	}

	pos, neg := Composite(b, rng)
	if pos != "" {
		fmt.Fprintf(&sb, "\nSample composite prompt:\nPositive: %s\n", pos)
		if neg != "" {
			fmt.Fprintf(&sb, "Negative: %s\n", neg)
		}
	}
	return sb.String()
}

// Composite picks one phrase from each of subjects, styles, aesthetics, and
// techniques for the positive prompt and up to three negatives.
func Composite(b phrases.Buckets, rng *rand.Rand) (positive, negative string) {
	var parts []string
	for _, c := range []domain.Category{domain.CategorySubjects, domain.CategoryStyles, domain.CategoryAesthetics, domain.CategoryTechniques} {
		if list := b.ByCategory[c]; len(list) > 0 {
			parts = append(parts, list[rng.IntN(len(list))])
		}
	}
	return strings.Join(parts, ", "), strings.Join(sample(b.ByCategory[domain.CategoryNegatives], 3, rng), ", ")
}

// sample returns up to n distinct elements of list in their original order.
func sample(list []string, n int, rng *rand.Rand) []string {
	if len(list) <= n {
		return list
	}
	idx := rng.Perm(len(list))[:n]
	slices.Sort(idx)
	out := make([]string, n)
	for i, j := range idx {
		out[i] = list[j]
	}
	return out
}
