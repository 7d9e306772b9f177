// Package wildcards writes phrase buckets as Dynamic Prompts wildcard files:
// one file per category plus prompt_bank.txt, one phrase per line.
package wildcards

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/phrases"
	"go.uber.org/zap"
)

// PromptBank is the name of the combined non-negative bucket.
const PromptBank = "prompt_bank"

// FileName returns the wildcard file name for a bucket.
func FileName(bucket string) string { return bucket + ".txt" }

// Counts maps a bucket name to the number of lines written.
type Counts map[string]int

// Total is the number of phrases across categories, excluding the prompt bank.
func (c Counts) Total() int {
	n := 0
	for k, v := range c {
		if k != PromptBank {
			n += v
		}
	}
	return n
}

// Writer writes bucket files under Dir.
type Writer struct {
	Dir    string
	logger *zap.Logger
}

// NewWriter creates a writer for dir.
func NewWriter(dir string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{Dir: dir, logger: logger.Named("wildcards")}
}

// Current reports whether every wildcard file exists and already holds the
// contents Write would produce for b.
func (w *Writer) Current(b phrases.Buckets) bool {
	for name, lines := range files(b) {
		data, err := os.ReadFile(filepath.Join(w.Dir, name))
		if err != nil || string(data) != render(lines) {
			return false
		}
	}
	return true
}

// files maps every wildcard file name to its lines, categories first.
func files(b phrases.Buckets) iter.Seq2[string, []string] {
	return func(yield func(string, []string) bool) {
		for _, c := range domain.Categories {
			if !yield(FileName(string(c)), b.ByCategory[c]) {
				return
			}
		}
		yield(FileName(PromptBank), b.PromptBank)
	}
}

// Write replaces every wildcard file with the contents of b. Each file is
// written to a temp file and renamed, so readers never see a partial list.
func (w *Writer) Write(b phrases.Buckets) (Counts, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wildcards: %w", err)
	}
	counts := Counts{}
	for name, lines := range files(b) {
		if err := w.writeFile(name, lines); err != nil {
			return counts, err
		}
		counts[strings.TrimSuffix(name, ".txt")] = len(lines)
	}
	w.logger.Info("wildcards written", zap.String("dir", w.Dir), zap.Int("phrases", counts.Total()), zap.Int("prompt_bank", counts[PromptBank]))
	return counts, nil
}

func render(lines []string) string {
	var sb strings.Builder
	for _, l := range lines {
		// A phrase must stay on one line or it would become two wildcard entries.
		sb.WriteString(strings.Join(strings.Fields(l), " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (w *Writer) writeFile(name string, lines []string) error {
	path := filepath.Join(w.Dir, name)
	tmp, err := os.CreateTemp(w.Dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("wildcards: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(render(lines)); err != nil {
		tmp.Close()
		return fmt.Errorf("wildcards: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wildcards: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("wildcards: %w", err)
	}
	w.logger.Debug("wrote wildcard file", zap.String("file", name), zap.Int("lines", len(lines)))
	return nil
}
