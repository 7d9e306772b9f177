// Package pipeline wires the civiphrases stages into the fetch and build
// runs, and reports each run as a manifest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/WessleyAI/civiphrases/engine/classify"
	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/normalize"
	"github.com/WessleyAI/civiphrases/engine/phrases"
	"github.com/WessleyAI/civiphrases/engine/records"
	"github.com/WessleyAI/civiphrases/engine/wildcards"
	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrNoItems means the record store is empty; run fetch first.
	ErrNoItems = errors.New("no items in the record store")
	// ErrNothingClassified means every batch of a build was discarded.
	ErrNothingClassified = errors.New("no batch was classified")
)

// BuildDeps holds the collaborators of a build run.
type BuildDeps struct {
	Records    records.Store
	Phrases    *phrases.Store
	Normalizer *normalize.Normalizer
	Classifier *classify.Classifier
	Wildcards  *wildcards.Writer
	Graph      GraphExporter // optional
	Metrics    *metrics.Pipeline
	Logger     *zap.Logger
	// Rand drives dry-run sampling. Nil seeds from the clock.
	Rand *rand.Rand
}

// BuildOptions controls a build run.
type BuildOptions struct {
	BatchSize int
	DryRun    bool
	// Overwrite rewrites the wildcard files even when nothing new was merged.
	Overwrite bool
	// Rebuild discards the phrase store and the processed ledger first.
	Rebuild bool
	Filter  phrases.Filter
}

// BuildReport tallies a build run.
type BuildReport struct {
	Items         int              `json:"items"`
	Pending       int              `json:"pending"`
	AlreadyDone   int              `json:"already_done"`
	Units         int              `json:"units"`
	BatchesOK     int              `json:"batches_ok"`
	BatchesFailed int              `json:"batches_failed"`
	PhrasesMerged int              `json:"phrases_merged"`
	Phrases       int              `json:"phrases"`
	Counts        wildcards.Counts `json:"phrase_counts,omitempty"`
	Wrote         bool             `json:"wrote_wildcards"`
	Exported      int              `json:"exported,omitempty"`
	Model         string           `json:"model"`
	Summary       string           `json:"-"`
}

// itemProgress collects the phrases of one item until all of its units have
// been through a batch.
type itemProgress struct {
	id        string
	checksum  string
	remaining int
	failed    bool
	phrases   []domain.ClassifiedPhrase
}

// Build classifies every stored item not yet in the processed ledger, merges
// the phrases, and writes the wildcard files. An item's phrases are merged
// together with its ledger entry once every unit of it has validated, and the
// store is saved right after, so an interrupted build resumes without counting
// any occurrence twice. A dry run
// classifies but persists nothing and fills Summary instead.
func Build(ctx context.Context, deps BuildDeps, opts BuildOptions) (BuildReport, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("build")
	report := BuildReport{Model: deps.Classifier.Model()}

	if err := deps.Phrases.Load(ctx); err != nil {
		return report, err
	}
	if opts.Rebuild {
		log.Info("rebuild requested, discarding phrase store")
		deps.Phrases.Rebuild()
	}

	all, err := deps.Records.All(ctx)
	if err != nil {
		return report, fmt.Errorf("pipeline: read records: %w", err)
	}

	progress := map[string]*itemProgress{}
	var pending []domain.SourceRecord
	for rec := range all {
		report.Items++
		if deps.Phrases.Processed(rec.ItemID, rec.Checksum) {
			report.AlreadyDone++
			continue
		}
		pending = append(pending, rec)
	}
	if report.Items == 0 {
		return report, ErrNoItems
	}
	report.Pending = len(pending)

	unitsOf := make(map[string][]domain.Unit, len(pending))
	for _, rec := range pending {
		units := deps.Normalizer.Record(rec)
		unitsOf[rec.ItemID] = units
		report.Units += len(units)
		if len(units) == 0 {
			// Nothing to classify; the item is done as it stands.
			deps.Phrases.MarkProcessed(rec.ItemID, rec.Checksum)
			continue
		}
		progress[rec.ItemID] = &itemProgress{id: rec.ItemID, checksum: rec.Checksum, remaining: len(units)}
	}
	log.Info("build started",
		zap.Int("items", report.Items),
		zap.Int("pending", report.Pending),
		zap.Int("units", report.Units),
		zap.String("model", report.Model),
		zap.Bool("dry_run", opts.DryRun))

	units := fn.FlatMapSeq(slices.Values(pending), func(r domain.SourceRecord) []domain.Unit {
		return unitsOf[r.ItemID]
	})
	for res := range deps.Classifier.Classify(ctx, units, opts.BatchSize) {
		if res.Err != nil {
			report.BatchesFailed++
		} else {
			report.BatchesOK++
		}
		done := settle(progress, res)
		for _, p := range done {
			n := deps.Phrases.Merge(p.phrases)
			deps.Phrases.MarkProcessed(p.id, p.checksum)
			report.PhrasesMerged += n
			deps.Metrics.PhrasesMerged(n, deps.Phrases.Len())
		}
		if len(done) > 0 && !opts.DryRun {
			if err := deps.Phrases.Save(ctx); err != nil {
				return report, err
			}
		}
		log.Info("batch done",
			zap.Int("batch", res.Index),
			zap.Int("units", len(res.Units)),
			zap.Int("phrases", len(res.Phrases)),
			zap.Int("items_done", len(done)),
			zap.Bool("discarded", res.Err != nil))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if !opts.DryRun {
		// Items without units were marked before any batch ran.
		if err := deps.Phrases.Save(ctx); err != nil {
			return report, err
		}
	}
	if report.Units > 0 && report.BatchesOK == 0 {
		return report, ErrNothingClassified
	}

	report.Phrases = deps.Phrases.Len()
	buckets := deps.Phrases.Buckets(opts.Filter)
	if opts.DryRun {
		rng := deps.Rand
		if rng == nil {
			seed := uint64(time.Now().UnixNano())
			rng = rand.New(rand.NewPCG(seed, seed>>1))
		}
		report.Summary = wildcards.Summary(buckets, rng)
		return report, nil
	}

	if report.PhrasesMerged > 0 || opts.Overwrite || opts.Rebuild || !deps.Wildcards.Current(buckets) {
		counts, err := deps.Wildcards.Write(buckets)
		if err != nil {
			return report, err
		}
		report.Counts, report.Wrote = counts, true
	} else {
		report.Counts = countsOf(buckets)
		log.Info("wildcard files already current")
	}

	if deps.Graph != nil {
		n, err := ExportGraph(ctx, deps.Graph, deps.Phrases.Records())
		report.Exported = n
		if err != nil {
			// The phrase store is the source of truth; a failed export is retried next run.
			log.Warn("graph export failed", zap.Int("exported", n), zap.Error(err))
		}
	}

	log.Info("build finished",
		zap.Int("batches_ok", report.BatchesOK),
		zap.Int("batches_failed", report.BatchesFailed),
		zap.Int("phrases_merged", report.PhrasesMerged),
		zap.Int("phrases", report.Phrases))
	return report, nil
}

// settle folds a batch into per-item progress and returns the items whose
// units have all been classified without a discarded batch. Phrases of an
// item that lost a batch are dropped; the item stays pending as a whole.
func settle(progress map[string]*itemProgress, res classify.BatchResult) []*itemProgress {
	if res.Err == nil {
		for _, ph := range res.Phrases {
			if p, ok := progress[ph.SourceID]; ok && !p.failed {
				p.phrases = append(p.phrases, ph)
			}
		}
	}
	var done []*itemProgress
	for _, u := range res.Units {
		p, ok := progress[u.ItemID]
		if !ok {
			continue
		}
		p.remaining--
		if res.Err != nil {
			p.failed, p.phrases = true, nil
		}
		if p.remaining == 0 {
			delete(progress, u.ItemID)
			if !p.failed {
				done = append(done, p)
			}
		}
	}
	return done
}

func countsOf(b phrases.Buckets) wildcards.Counts {
	c := wildcards.Counts{wildcards.PromptBank: len(b.PromptBank)}
	for cat, list := range b.ByCategory {
		c[string(cat)] = len(list)
	}
	return c
}
