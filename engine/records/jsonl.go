package records

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/logx"
	"go.uber.org/zap"
)

// JSONLStore keeps one JSON record per line. Inserts append; updates rewrite
// the file through a temp file and rename, so the file never holds two lines
// for the same item id.
type JSONLStore struct {
	mu     sync.Mutex
	path   string
	order  []string
	byID   map[string]domain.SourceRecord
	logger *zap.Logger
}

var _ Store = (*JSONLStore)(nil)

// OpenJSONL loads the store at path. A missing file is an empty store.
// Malformed lines are skipped with a warning.
func OpenJSONL(path string, logger *zap.Logger) (*JSONLStore, error) {
	s := &JSONLStore{
		path:   path,
		byID:   make(map[string]domain.SourceRecord),
		logger: logx.OrNop(logger).Named("records"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("records: open %s: %w", s.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec domain.SourceRecord
		if err := json.Unmarshal(b, &rec); err != nil || rec.ItemID == "" {
			s.logger.Warn("skipping malformed record line", zap.String("path", s.path), zap.Int("line", line), zap.Error(err))
			continue
		}
		if rec.Checksum == "" {
			rec = rec.WithChecksum()
		}
		if _, seen := s.byID[rec.ItemID]; !seen {
			s.order = append(s.order, rec.ItemID)
		}
		s.byID[rec.ItemID] = rec
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("records: read %s: %w", s.path, err)
	}
	return nil
}

// Upsert implements Store.
func (s *JSONLStore) Upsert(ctx context.Context, rec domain.SourceRecord) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Unchanged, err
	}
	rec = rec.WithChecksum()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, found := s.byID[rec.ItemID]
	outcome := decide(prev.Checksum, found, rec.Checksum)
	switch outcome {
	case Inserted:
		if err := s.appendLine(rec); err != nil {
			return Unchanged, err
		}
		s.order = append(s.order, rec.ItemID)
		s.byID[rec.ItemID] = rec
	case Updated:
		s.byID[rec.ItemID] = rec
		if err := s.rewrite(); err != nil {
			s.byID[rec.ItemID] = prev
			return Unchanged, err
		}
	}
	return outcome, nil
}

func (s *JSONLStore) appendLine(rec domain.SourceRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("records: mkdir: %w", err)
	}
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("records: encode %s: %w", rec.ItemID, err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("records: open for append: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("records: append %s: %w", rec.ItemID, err)
	}
	return f.Close()
}

// rewrite writes every record to a temp file and renames it over the store. Must hold mu.
func (s *JSONLStore) rewrite() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("records: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".items-*.jsonl")
	if err != nil {
		return fmt.Errorf("records: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := newEncoder(w)
	for _, id := range s.order {
		if err := enc.Encode(s.byID[id]); err != nil {
			tmp.Close()
			return fmt.Errorf("records: encode %s: %w", id, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("records: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("records: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("records: replace %s: %w", s.path, err)
	}
	return nil
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// Get implements Store.
func (s *JSONLStore) Get(_ context.Context, id string) (domain.SourceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	return rec, ok, nil
}

// All implements Store.
func (s *JSONLStore) All(_ context.Context) (iter.Seq[domain.SourceRecord], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]domain.SourceRecord, len(s.order))
	for i, id := range s.order {
		snap[i] = s.byID[id]
	}
	return seqOf(snap), nil
}

// Len implements Store.
func (s *JSONLStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), nil
}

// Reset implements Store.
func (s *JSONLStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("records: reset: %w", err)
	}
	s.order = nil
	s.byID = make(map[string]domain.SourceRecord)
	return nil
}

// Close implements Store. The JSONL store holds no open handles.
func (s *JSONLStore) Close() error { return nil }
