// Package normalize turns stored prompt text into classification units:
// cleaned, punctuation-canonical, and split at clause boundaries when long.
package normalize

import (
	"iter"
	"regexp"
	"strings"
	"unicode"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/fn"
)

const (
	// DefaultMaxChars is the longest unit text sent to the classifier.
	DefaultMaxChars = 4000
	// DefaultMinChars is the shortest unit text kept. Shorter text, whole
	// prompt or chunk, is a leftover like "a," that carries no phrase.
	DefaultMinChars = 3
)

var (
	repeatedCommas  = regexp.MustCompile(`,{2,}`)
	repeatedPeriods = regexp.MustCompile(`\.{2,}`)
	quoteReplacer   = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// Options tunes unit production.
type Options struct {
	MaxChars int
	MinChars int
}

// Normalizer produces units from records.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer. Zero fields take defaults.
func New(opts Options) *Normalizer {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	return &Normalizer{opts: opts}
}

// Normalize runs the default Normalizer over records.
func Normalize(records iter.Seq[domain.SourceRecord]) iter.Seq[domain.Unit] {
	return New(Options{}).Units(records)
}

// Units lazily expands each record into its positive then negative units.
// The returned sequence is as restartable as records is.
func (n *Normalizer) Units(records iter.Seq[domain.SourceRecord]) iter.Seq[domain.Unit] {
	return fn.FlatMapSeq(records, n.Record)
}

// Record returns the units for one record.
func (n *Normalizer) Record(rec domain.SourceRecord) []domain.Unit {
	var out []domain.Unit
	for _, field := range []struct {
		text string
		pol  domain.Polarity
	}{
		{rec.Positive, domain.PolarityPos},
		{rec.Negative, domain.PolarityNeg},
	} {
		i := 0
		for _, chunk := range Chunk(Clean(field.text), n.opts.MaxChars) {
			if !n.keep(chunk) {
				continue
			}
			out = append(out, domain.Unit{
				Text:     chunk,
				Polarity: field.pol,
				ItemID:   rec.ItemID,
				Chunk:    i,
			})
			i++
		}
	}
	return out
}

func (n *Normalizer) keep(s string) bool {
	if len([]rune(s)) < n.opts.MinChars {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsSpace(r) && !strings.ContainsRune(",.;", r)
	}) >= 0
}

// Clean collapses whitespace, unifies smart quotes, squashes repeated commas
// and periods, writes one space after each , ; and . and strips trailing
// separators. A period between two digits ("1.5") is left alone. Casing is kept.
func Clean(s string) string {
	s = quoteReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = repeatedCommas.ReplaceAllString(s, ",")
	s = repeatedPeriods.ReplaceAllString(s, ".")
	s = spacePunctuation(s)
	return strings.TrimRight(s, " ,;.")
}

func spacePunctuation(s string) string {
	rs := []rune(s)
	out := make([]rune, 0, len(rs)+len(rs)/8)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if r != ',' && r != ';' && r != '.' {
			out = append(out, r)
			continue
		}
		if r == '.' && i > 0 && i+1 < len(rs) && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
			out = append(out, r)
			continue
		}
		for len(out) > 0 && out[len(out)-1] == ' ' {
			out = out[:len(out)-1]
		}
		out = append(out, r, ' ')
		for i+1 < len(rs) && rs[i+1] == ' ' {
			i++
		}
	}
	return string(out)
}

// Chunk splits cleaned text longer than maxChars. Each fragment ends at the
// rightmost ", " or "; " that fits and keeps the delimiter; a fragment with no
// such boundary splits at the rightmost space, then hard at maxChars.
// For the first two cases strings.Join(chunks, " ") == text.
func Chunk(text string, maxChars int) []string {
	if text == "" {
		return nil
	}
	rs := []rune(text)
	if maxChars <= 0 || len(rs) <= maxChars {
		return []string{text}
	}

	var out []string
	for len(rs) > maxChars {
		frag, rest := splitAt(rs, maxChars)
		out = append(out, string(frag))
		rs = rest
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

func splitAt(rs []rune, max int) (frag, rest []rune) {
	for i := max - 1; i > 0; i-- {
		if (rs[i] == ',' || rs[i] == ';') && i+1 < len(rs) && rs[i+1] == ' ' {
			return rs[:i+1], rs[i+2:]
		}
	}
	for i := max; i > 0; i-- {
		if rs[i] == ' ' {
			return rs[:i], rs[i+1:]
		}
	}
	return rs[:max], rs[max:]
}
