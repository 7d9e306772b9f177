// Package records persists fetched source records keyed by item id. Writes
// are checksum-gated: re-storing identical prompt text never touches disk.
package records

import (
	"context"
	"iter"

	"github.com/WessleyAI/civiphrases/engine/domain"
)

// Outcome is the effect an Upsert had on the store.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store is the record store contract shared by the JSONL and SQLite backends.
type Store interface {
	// Upsert stores rec, computing its checksum from the prompt text.
	Upsert(ctx context.Context, rec domain.SourceRecord) (Outcome, error)
	// Get returns the stored record for id.
	Get(ctx context.Context, id string) (domain.SourceRecord, bool, error)
	// All returns every stored record in first-insert order. The sequence
	// iterates a snapshot and can be ranged over more than once.
	All(ctx context.Context) (iter.Seq[domain.SourceRecord], error)
	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
	// Reset removes every record.
	Reset(ctx context.Context) error
	Close() error
}

// decide compares an incoming checksum with what is stored.
func decide(existing string, found bool, incoming string) Outcome {
	switch {
	case !found:
		return Inserted
	case existing == incoming:
		return Unchanged
	default:
		return Updated
	}
}

func seqOf(recs []domain.SourceRecord) iter.Seq[domain.SourceRecord] {
	return func(yield func(domain.SourceRecord) bool) {
		for _, r := range recs {
			if !yield(r) {
				return
			}
		}
	}
}
