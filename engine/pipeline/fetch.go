package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/WessleyAI/civiphrases/engine/records"
	"go.uber.org/zap"
)

// FetchOptions controls a fetch run.
type FetchOptions struct {
	fetcher.Options
	// DryRun fetches into a scratch copy of the store so the real one is untouched.
	DryRun bool
	// Replace empties the store before fetching.
	Replace bool
}

// Fetch runs one fetch of sel into store. newFetcher builds the fetcher over
// whichever store the run writes to.
func Fetch(ctx context.Context, store records.Store, newFetcher func(records.Store) *fetcher.Fetcher, sel domain.Selector, opts FetchOptions, logger *zap.Logger) (fetcher.Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("fetch")
	if !sel.Valid() {
		return fetcher.Stats{}, domain.NewValidationError("selector", sel.String(), domain.ErrInvalidSelector)
	}

	target := store
	if opts.DryRun {
		scratch, cleanup, err := scratchCopy(ctx, store, !opts.Replace, logger)
		if err != nil {
			return fetcher.Stats{}, err
		}
		defer cleanup()
		target = scratch
	} else if opts.Replace {
		log.Info("replace requested, clearing record store")
		if err := store.Reset(ctx); err != nil {
			return fetcher.Stats{}, fmt.Errorf("pipeline: reset records: %w", err)
		}
	}

	stats, err := newFetcher(target).Fetch(ctx, sel, opts.Options)
	if err != nil {
		return stats, err
	}
	if opts.DryRun {
		log.Info("dry run, record store untouched", zap.Int("would_store", stats.New+stats.Updated))
	}
	return stats, nil
}

// scratchCopy returns a throwaway JSONL store, seeded with store's records
// when seed is set, and a cleanup func that removes it.
func scratchCopy(ctx context.Context, store records.Store, seed bool, logger *zap.Logger) (records.Store, func(), error) {
	dir, err := os.MkdirTemp("", "civiphrases-dryrun-")
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	scratch, err := records.OpenJSONL(filepath.Join(dir, "items.jsonl"), logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if !seed {
		return scratch, cleanup, nil
	}
	all, err := store.All(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("pipeline: read records: %w", err)
	}
	for rec := range all {
		if _, err := scratch.Upsert(ctx, rec); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return scratch, cleanup, nil
}
