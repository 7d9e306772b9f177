package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/sqlstore"
)

const itemsSchema = `
CREATE TABLE IF NOT EXISTS items (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id    TEXT NOT NULL UNIQUE,
	checksum   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLiteStore keeps records in the items table. The row's seq preserves
// first-insert order across updates.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite migrates db and returns a store over it. The caller owns db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := sqlstore.Migrate(ctx, db, itemsSchema); err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec domain.SourceRecord) (Outcome, error) {
	rec = rec.WithChecksum()
	data, err := json.Marshal(rec)
	if err != nil {
		return Unchanged, fmt.Errorf("records: encode %s: %w", rec.ItemID, err)
	}

	var outcome Outcome
	err = sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT checksum FROM items WHERE item_id = ?`, rec.ItemID).Scan(&existing)
		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("records: lookup %s: %w", rec.ItemID, err)
		}

		outcome = decide(existing, found, rec.Checksum)
		if outcome == Unchanged {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO items (item_id, checksum, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				checksum = excluded.checksum,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			rec.ItemID, rec.Checksum, string(data), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("records: upsert %s: %w", rec.ItemID, err)
		}
		return nil
	})
	if err != nil {
		return Unchanged, err
	}
	return outcome, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.SourceRecord, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM items WHERE item_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceRecord{}, false, nil
	}
	if err != nil {
		return domain.SourceRecord{}, false, fmt.Errorf("records: get %s: %w", id, err)
	}
	var rec domain.SourceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return domain.SourceRecord{}, false, fmt.Errorf("records: decode %s: %w", id, err)
	}
	return rec, true, nil
}

// All implements Store.
func (s *SQLiteStore) All(ctx context.Context) (iter.Seq[domain.SourceRecord], error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM items ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("records: scan: %w", err)
		}
		var rec domain.SourceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("records: decode: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	return seqOf(out), nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("records: count: %w", err)
	}
	return n, nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("records: reset: %w", err)
	}
	return nil
}

// Close implements Store. The database handle belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }
