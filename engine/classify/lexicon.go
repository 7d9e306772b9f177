package classify

import (
	"regexp"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
)

// negativeTerms are defect terms that always classify as negatives.
var negativeTerms = []string{
	"blurry",
	"blurred",
	"blur",
	"lowres",
	"low res",
	"low resolution",
	"low quality",
	"worst quality",
	"normal quality",
	"bad quality",
	"jpeg artifacts",
	"compression artifacts",
	"grainy",
	"noisy",
	"pixelated",
	"out of focus",
	"bad anatomy",
	"bad proportions",
	"bad hands",
	"poorly drawn hands",
	"poorly drawn face",
	"extra fingers",
	"fewer fingers",
	"missing fingers",
	"fused fingers",
	"too many fingers",
	"extra limbs",
	"extra arms",
	"extra legs",
	"missing limbs",
	"malformed limbs",
	"mutated hands",
	"mutation",
	"mutated",
	"deformed",
	"disfigured",
	"cropped",
	"out of frame",
	"duplicate",
	"watermark",
	"signature",
	"username",
	"ugly",
}

var negativeLexicon = func() map[string]bool {
	m := make(map[string]bool, len(negativeTerms))
	for _, t := range negativeTerms {
		m[t] = true
	}
	return m
}()

// weightSyntax matches attention wrappers such as "(blurry:1.3)" or "[[ugly]]".
var weightSyntax = regexp.MustCompile(`^[\(\[\{]+\s*(.*?)\s*(?::\s*[\d.]+)?\s*[\)\]\}]+$`)

// IsNegativeFeature reports whether text is a known defect term, ignoring
// case and attention weighting.
func IsNegativeFeature(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if m := weightSyntax.FindStringSubmatch(t); m != nil {
		t = m[1]
	}
	t = strings.Join(strings.Fields(t), " ")
	return negativeLexicon[t]
}

// overrideCategory forces lexicon terms into negatives.
func overrideCategory(text string, c domain.Category) domain.Category {
	if IsNegativeFeature(text) {
		return domain.CategoryNegatives
	}
	return c
}
