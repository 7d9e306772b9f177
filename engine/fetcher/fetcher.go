// Package fetcher pages through a Civitai user's images or a collection's
// items and upserts every prompt-bearing item into the record store.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/records"
	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"github.com/WessleyAI/civiphrases/pkg/resilience"
	"go.uber.org/zap"
)

// MaxPageSize is the largest page the API serves.
const MaxPageSize = 100

// Options bounds a single Fetch.
type Options struct {
	// MaxItems caps accepted items. Zero or negative means no cap.
	MaxItems    int
	IncludeNSFW bool
}

// Stats tallies one Fetch.
type Stats struct {
	Fetched     int `json:"fetched"`
	New         int `json:"new"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Skipped     int `json:"skipped"`
	FailedPages int `json:"failed_pages"`
}

// Source is the subset of the Civitai client the fetcher uses.
type Source interface {
	Images(ctx context.Context, username string, page, limit int, includeNSFW bool) (Page, error)
	Collection(ctx context.Context, id string) error
	CollectionItems(ctx context.Context, id string, page, limit int) (Page, error)
}

// Fetcher pulls pages from a Source into a record store.
type Fetcher struct {
	src     Source
	store   records.Store
	pacer   *resilience.Pacer
	retry   fn.RetryOpts
	logger  *zap.Logger
	metrics *metrics.Pipeline
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPacer spaces out page requests.
func WithPacer(p *resilience.Pacer) Option { return func(f *Fetcher) { f.pacer = p } }

// WithRetry overrides the page retry policy. ShouldRetry is always limited to
// transient errors.
func WithRetry(opts fn.RetryOpts) Option { return func(f *Fetcher) { f.retry = opts } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics records per-item outcomes and failed pages.
func WithMetrics(m *metrics.Pipeline) Option { return func(f *Fetcher) { f.metrics = m } }

// New creates a Fetcher. Without WithPacer it waits one second between pages.
func New(src Source, store records.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:    src,
		store:  store,
		pacer:  resilience.NewPacer(time.Second),
		retry:  fn.DefaultRetry,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.retry.ShouldRetry = domain.IsTransient
	f.logger = f.logger.Named("fetcher")
	return f
}

type pageReq struct {
	n     int
	limit int
}

// Fetch pages through sel until the source runs dry or opts.MaxItems items
// are accepted. Remote failures end the run early with partial counts and a
// nil error; only store failures and cancellation are returned.
func (f *Fetcher) Fetch(ctx context.Context, sel domain.Selector, opts Options) (Stats, error) {
	var stats Stats
	if !sel.Valid() {
		return stats, domain.NewValidationError("selector", sel.String(), domain.ErrInvalidSelector)
	}

	limit := MaxPageSize
	if opts.MaxItems > 0 && opts.MaxItems < limit {
		limit = opts.MaxItems
	}
	log := f.logger.With(zap.Stringer("selector", sel), zap.Int("max_items", opts.MaxItems))
	log.Info("fetch started")

	if sel.Kind == domain.SourceCollection {
		probe := fn.Retry(ctx, f.retry, func(ctx context.Context) fn.Result[struct{}] {
			if err := f.pacer.Wait(ctx); err != nil {
				return fn.Err[struct{}](err)
			}
			return fn.FromPair(struct{}{}, f.src.Collection(ctx, sel.ID))
		})
		if _, err := probe.Unwrap(); err != nil {
			return f.pageFailed(ctx, log, stats, 0, err)
		}
	}

	fetchPage := fn.TracedStage("fetcher.page", fn.RetryStage(f.retry,
		resilience.PacedStage(f.pacer, func(ctx context.Context, p pageReq) fn.Result[Page] {
			if sel.Kind == domain.SourceCollection {
				return fn.FromPair(f.src.CollectionItems(ctx, sel.ID, p.n, p.limit))
			}
			return fn.FromPair(f.src.Images(ctx, sel.ID, p.n, p.limit, opts.IncludeNSFW))
		})))

	for n := 1; ; n++ {
		page, err := fetchPage(ctx, pageReq{n: n, limit: limit}).Unwrap()
		if err != nil {
			return f.pageFailed(ctx, log, stats, n, err)
		}
		log.Debug("page fetched", zap.Int("page", n), zap.Int("items", len(page.Items)))

		for _, raw := range page.Items {
			if capped(stats, opts) {
				break
			}
			if err := f.accept(ctx, log, sel, raw, opts, &stats); err != nil {
				return stats, err
			}
		}

		short := len(page.Items) < limit && page.Metadata.NextPage == ""
		if len(page.Items) == 0 || short || capped(stats, opts) {
			break
		}
	}

	log.Info("fetch finished",
		zap.Int("fetched", stats.Fetched),
		zap.Int("new", stats.New),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func capped(stats Stats, opts Options) bool {
	return opts.MaxItems > 0 && stats.Fetched >= opts.MaxItems
}

// accept extracts and stores one raw item. Only cancellation and store
// failures are returned.
func (f *Fetcher) accept(ctx context.Context, log *zap.Logger, sel domain.Selector, raw []byte, opts Options, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := extract(raw, sel.Source())
	if err != nil {
		log.Warn("skipping undecodable item", zap.Error(err))
		stats.Skipped++
		f.metrics.ItemFetched("skipped")
		return nil
	}
	if item.nsfw && !opts.IncludeNSFW {
		stats.Skipped++
		f.metrics.ItemFetched("skipped")
		return nil
	}

	outcome, err := f.store.Upsert(ctx, item.record)
	if err != nil {
		return fmt.Errorf("fetcher: store item %s: %w", item.record.ItemID, err)
	}
	stats.Fetched++
	switch outcome {
	case records.Inserted:
		stats.New++
		f.metrics.ItemFetched("new")
	case records.Updated:
		stats.Updated++
		f.metrics.ItemFetched("updated")
	default:
		stats.Unchanged++
		f.metrics.ItemFetched("unchanged")
	}
	return nil
}

// pageFailed downgrades a remote failure to a partial result. Cancellation
// is passed through.
func (f *Fetcher) pageFailed(ctx context.Context, log *zap.Logger, stats Stats, page int, err error) (Stats, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stats, ctxErr
	}
	stats.FailedPages++
	f.metrics.PageFailed()
	log.Warn("page failed, stopping with partial results",
		zap.Int("page", page),
		zap.Bool("transient", domain.IsTransient(err)),
		zap.Int("fetched", stats.Fetched),
		zap.Error(err))
	return stats, nil
}
