// Package phrases aggregates classified phrases into deduplicated phrase
// records keyed by category and lowercased text, and tracks which source
// items have already been classified.
package phrases

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"go.uber.org/zap"
)

type arenaKey struct {
	category domain.Category
	lower    string
}

type entry struct {
	rec     domain.PhraseRecord
	sources map[string]struct{}
}

// Store is the in-memory phrase arena with a persistence backend. A run has
// one writer; the mutex only guards readers such as a metrics scrape.
type Store struct {
	mu        sync.RWMutex
	arena     map[arenaKey]*entry
	processed map[string]string // item_id -> checksum
	backend   Backend
	logger    *zap.Logger
}

// New creates an empty store. A nil backend keeps everything in memory.
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		arena:     make(map[arenaKey]*entry),
		processed: make(map[string]string),
		backend:   backend,
		logger:    logger.Named("phrases"),
	}
}

// Merge folds classified phrases into the arena and returns how many were
// accepted. New keys start at count 1; repeats bump count, add the source
// once, and turn a differing polarity into mixed. The first casing wins.
// Phrases without a pos or neg polarity are rejected.
func (s *Store) Merge(phrases []domain.ClassifiedPhrase) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range phrases {
		text := strings.TrimSpace(p.Text)
		if text == "" || !p.Category.Valid() || !p.Polarity.Unit() {
			s.logger.Debug("rejecting phrase", zap.String("text", p.Text), zap.String("category", string(p.Category)), zap.String("polarity", string(p.Polarity)))
			continue
		}
		k := arenaKey{category: p.Category, lower: strings.ToLower(text)}
		e, ok := s.arena[k]
		if !ok {
			e = &entry{
				rec:     domain.PhraseRecord{Text: text, Category: p.Category, Polarity: p.Polarity},
				sources: make(map[string]struct{}),
			}
			s.arena[k] = e
		} else {
			e.rec.Polarity = e.rec.Polarity.Merge(p.Polarity)
		}
		e.rec.Count++
		if p.SourceID != "" {
			e.sources[p.SourceID] = struct{}{}
		}
		n++
	}
	return n
}

// Rebuild clears every phrase and the processed ledger.
func (s *Store) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena = make(map[arenaKey]*entry)
	s.processed = make(map[string]string)
}

// Len returns the number of distinct phrases.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}

// Records returns every phrase sorted by category order, then lowercase
// text. Sources are sorted.
func (s *Store) Records() []domain.PhraseRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PhraseRecord, 0, len(s.arena))
	for _, e := range s.arena {
		r := e.rec
		r.Sources = make([]string, 0, len(e.sources))
		for id := range e.sources {
			r.Sources = append(r.Sources, id)
		}
		slices.Sort(r.Sources)
		out = append(out, r)
	}
	slices.SortFunc(out, compareRecords)
	return out
}

func compareRecords(a, b domain.PhraseRecord) int {
	if c := cmp.Compare(categoryRank(a.Category), categoryRank(b.Category)); c != 0 {
		return c
	}
	if c := strings.Compare(strings.ToLower(a.Text), strings.ToLower(b.Text)); c != 0 {
		return c
	}
	return strings.Compare(a.Text, b.Text)
}

func categoryRank(c domain.Category) int {
	if i := slices.Index(domain.Categories, c); i >= 0 {
		return i
	}
	return len(domain.Categories)
}

// CategoryCounts returns the number of phrases per category.
func (s *Store) CategoryCounts() map[domain.Category]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Category]int, len(domain.Categories))
	for k := range s.arena {
		out[k.category]++
	}
	return out
}

// MarkProcessed records that itemID was classified at checksum.
func (s *Store) MarkProcessed(itemID, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[itemID] = checksum
}

// Processed reports whether itemID was already classified at checksum.
func (s *Store) Processed(itemID, checksum string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.processed[itemID]
	return ok && c == checksum
}

// Load replaces the in-memory state with what the backend holds.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	recs, processed, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("phrases: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena = make(map[arenaKey]*entry, len(recs))
	for _, r := range recs {
		if !r.Category.Valid() || strings.TrimSpace(r.Text) == "" {
			s.logger.Warn("skipping invalid stored phrase", zap.String("text", r.Text), zap.String("category", string(r.Category)))
			continue
		}
		e := &entry{rec: r, sources: make(map[string]struct{}, len(r.Sources))}
		for _, id := range r.Sources {
			e.sources[id] = struct{}{}
		}
		e.rec.Sources = nil
		s.arena[arenaKey{category: r.Category, lower: strings.ToLower(r.Text)}] = e
	}
	s.processed = processed
	if s.processed == nil {
		s.processed = make(map[string]string)
	}
	s.logger.Debug("phrase store loaded", zap.Int("phrases", len(s.arena)), zap.Int("processed", len(s.processed)))
	return nil
}

// Save writes the current state through the backend.
func (s *Store) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	recs := s.Records()
	s.mu.RLock()
	processed := make(map[string]string, len(s.processed))
	for k, v := range s.processed {
		processed[k] = v
	}
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, recs, processed); err != nil {
		return fmt.Errorf("phrases: save: %w", err)
	}
	return nil
}
