package domain

import "strings"

// Category is one of the seven phrase classes.
type Category string

const (
	CategorySubjects        Category = "subjects"
	CategoryStyles          Category = "styles"
	CategoryAesthetics      Category = "aesthetics"
	CategoryTechniques      Category = "techniques"
	CategoryQualityBoosters Category = "quality_boosters"
	CategoryNegatives       Category = "negatives"
	CategoryModifiers       Category = "modifiers"
)

// Categories lists every category in output order.
var Categories = []Category{
	CategorySubjects,
	CategoryStyles,
	CategoryAesthetics,
	CategoryTechniques,
	CategoryQualityBoosters,
	CategoryNegatives,
	CategoryModifiers,
}

var categorySet = func() map[Category]bool {
	m := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		m[c] = true
	}
	return m
}()

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return categorySet[c] }

// ParseCategory maps loose model output ("Quality Boosters", "quality-booster")
// onto a canonical category.
func ParseCategory(s string) (Category, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	if c := Category(norm); c.Valid() {
		return c, nil
	}
	if c := Category(norm + "s"); c.Valid() {
		return c, nil
	}
	return "", NewValidationError("category", s, ErrUnknownCategory)
}

// Polarity says which prompt field a phrase came from.
type Polarity string

const (
	PolarityPos   Polarity = "pos"
	PolarityNeg   Polarity = "neg"
	PolarityMixed Polarity = "mixed"
)

// ParsePolarity accepts the two unit polarities. Mixed is never an input.
func ParsePolarity(s string) (Polarity, error) {
	switch p := Polarity(strings.ToLower(strings.TrimSpace(s))); p {
	case PolarityPos, PolarityNeg:
		return p, nil
	}
	return "", NewValidationError("polarity", s, ErrUnknownPolarity)
}

// Unit reports whether p is one of the two polarities a unit can carry.
func (p Polarity) Unit() bool { return p == PolarityPos || p == PolarityNeg }

// Merge combines two polarities. Once mixed, always mixed. An empty side
// leaves the other unchanged.
func (p Polarity) Merge(other Polarity) Polarity {
	if p == "" {
		return other
	}
	if other == "" || p == other {
		return p
	}
	return PolarityMixed
}
