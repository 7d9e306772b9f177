package phrases

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/sqlstore"
	"go.uber.org/zap"
)

// Backend persists phrase records and the processed-item ledger.
type Backend interface {
	Load(ctx context.Context) ([]domain.PhraseRecord, map[string]string, error)
	Save(ctx context.Context, recs []domain.PhraseRecord, processed map[string]string) error
}

// JSONLBackend writes phrases as JSON lines and the ledger as one JSON
// object. The ledger file is the commit point: a save stages the phrases
// beside their file, then replaces the ledger together with the staged
// phrases' digest, then moves the phrases into place. Load finishes or drops
// a staged file left by an interrupted save, so the two files always match.
type JSONLBackend struct {
	PhrasesPath   string
	ProcessedPath string
	logger        *zap.Logger
}

// NewJSONL creates a file backend.
func NewJSONL(phrasesPath, processedPath string, logger *zap.Logger) *JSONLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLBackend{PhrasesPath: phrasesPath, ProcessedPath: processedPath, logger: logger.Named("phrases.jsonl")}
}

// ledgerFile is the on-disk form of processed.json.
type ledgerFile struct {
	// Phrases is the sha256 of the phrases file committed with this ledger.
	Phrases string            `json:"phrases_sha256"`
	Items   map[string]string `json:"items"`
}

func (b *JSONLBackend) stagedPath() string { return b.PhrasesPath + ".next" }

func (b *JSONLBackend) readLedger() (ledgerFile, error) {
	var l ledgerFile
	data, err := os.ReadFile(b.ProcessedPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l, nil
	case err != nil:
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("decode %s: %w", b.ProcessedPath, err)
	}
	return l, nil
}

// recoverStaged completes a save that stopped between committing the ledger and
// moving the phrases into place, or discards one that never committed.
func (b *JSONLBackend) recoverStaged(l ledgerFile) error {
	staged, err := os.ReadFile(b.stagedPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	if l.Phrases == digest(staged) {
		b.logger.Warn("completing interrupted save", zap.String("path", b.PhrasesPath))
		return os.Rename(b.stagedPath(), b.PhrasesPath)
	}
	b.logger.Warn("discarding uncommitted phrases", zap.String("path", b.stagedPath()))
	return os.Remove(b.stagedPath())
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load implements Backend. Missing files load as empty.
func (b *JSONLBackend) Load(_ context.Context) ([]domain.PhraseRecord, map[string]string, error) {
	ledger, err := b.readLedger()
	if err != nil {
		return nil, nil, err
	}
	if err := b.recoverStaged(ledger); err != nil {
		return nil, nil, fmt.Errorf("recover %s: %w", b.PhrasesPath, err)
	}

	var recs []domain.PhraseRecord
	data, err := os.ReadFile(b.PhrasesPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, err
	default:
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			var r domain.PhraseRecord
			if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
				b.logger.Warn("skipping malformed phrase line", zap.Int("line", line), zap.Error(err))
				continue
			}
			recs = append(recs, r)
		}
		if err := sc.Err(); err != nil {
			return nil, nil, err
		}
	}

	processed := ledger.Items
	if processed == nil {
		processed = map[string]string{}
	}
	return recs, processed, nil
}

// Save implements Backend.
func (b *JSONLBackend) Save(_ context.Context, recs []domain.PhraseRecord, processed map[string]string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode %q: %w", r.Text, err)
		}
	}
	if err := writeAtomic(b.stagedPath(), buf.Bytes()); err != nil {
		return err
	}

	ledger, err := json.MarshalIndent(ledgerFile{Phrases: digest(buf.Bytes()), Items: processed}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := writeAtomic(b.ProcessedPath, append(ledger, '\n')); err != nil {
		return err
	}
	return os.Rename(b.stagedPath(), b.PhrasesPath)
}

// writeAtomic writes data to a temp file beside path and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

const phrasesSchema = `
CREATE TABLE IF NOT EXISTS phrases (
	category TEXT NOT NULL,
	lower    TEXT NOT NULL,
	text     TEXT NOT NULL,
	polarity TEXT NOT NULL,
	count    INTEGER NOT NULL,
	sources  TEXT NOT NULL,
	PRIMARY KEY (category, lower)
);
CREATE TABLE IF NOT EXISTS processed_items (
	item_id    TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLiteBackend keeps phrases in the phrases table and the ledger in
// processed_items. Save replaces both tables in one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLite migrates db and returns a backend over it. The caller owns db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteBackend, error) {
	if err := sqlstore.Migrate(ctx, db, phrasesSchema); err != nil {
		return nil, fmt.Errorf("phrases: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context) ([]domain.PhraseRecord, map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT text, category, polarity, count, sources FROM phrases`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var recs []domain.PhraseRecord
	for rows.Next() {
		var r domain.PhraseRecord
		var sources string
		if err := rows.Scan(&r.Text, &r.Category, &r.Polarity, &r.Count, &sources); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
			return nil, nil, fmt.Errorf("decode sources of %q: %w", r.Text, err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	processed := map[string]string{}
	prow, err := b.db.QueryContext(ctx, `SELECT item_id, checksum FROM processed_items`)
	if err != nil {
		return nil, nil, err
	}
	defer prow.Close()
	for prow.Next() {
		var id, sum string
		if err := prow.Scan(&id, &sum); err != nil {
			return nil, nil, err
		}
		processed[id] = sum
	}
	return recs, processed, prow.Err()
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, recs []domain.PhraseRecord, processed map[string]string) error {
	now := time.Now().UTC()
	return sqlstore.InTx(ctx, b.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM phrases`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM processed_items`); err != nil {
			return err
		}
		for _, r := range recs {
			sources, err := json.Marshal(r.Sources)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO phrases (category, lower, text, polarity, count, sources) VALUES (?, ?, ?, ?, ?, ?)`,
				r.Category, strings.ToLower(r.Text), r.Text, r.Polarity, r.Count, string(sources)); err != nil {
				return fmt.Errorf("insert %q: %w", r.Text, err)
			}
		}
		for id, sum := range processed {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO processed_items (item_id, checksum, updated_at) VALUES (?, ?, ?)`, id, sum, now); err != nil {
				return fmt.Errorf("insert ledger %s: %w", id, err)
			}
		}
		return nil
	})
}
