// Package classify splits prompt units into categorized phrases using a
// language model. Each batch becomes one completion call whose reply is
// schema-checked before any phrase leaves the package.
package classify

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"github.com/WessleyAI/civiphrases/pkg/resilience"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of units per completion call.
const DefaultBatchSize = 10

// ErrBatchDiscarded marks a batch that produced no usable reply.
var ErrBatchDiscarded = errors.New("batch discarded")

// Options configures the classifier.
type Options struct {
	Temperature  float32
	MaxTokens    int32
	SystemPrompt string
	// MinDelay spaces out completion calls.
	MinDelay time.Duration
	// Retry governs transport failures of a single completion call.
	Retry fn.RetryOpts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:  0.1,
		MaxTokens:    4000,
		SystemPrompt: SystemPrompt,
		MinDelay:     time.Second,
		Retry:        fn.DefaultRetry,
	}
}

// BatchResult is the outcome of one batch. Err is set when the batch was
// discarded; Phrases is then empty.
type BatchResult struct {
	Index    int
	Units    []domain.Unit
	Phrases  []domain.ClassifiedPhrase
	Attempts int
	Err      error
}

// Classifier turns units into classified phrases.
type Classifier struct {
	llm     Completer
	opts    Options
	pacer   *resilience.Pacer
	breaker *resilience.Breaker
	logger  *zap.Logger
	metrics *metrics.Pipeline
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithPacer overrides the pacer built from Options.MinDelay.
func WithPacer(p *resilience.Pacer) Option { return func(c *Classifier) { c.pacer = p } }

// WithBreaker stops calling the model after repeated transport failures.
func WithBreaker(b *resilience.Breaker) Option { return func(c *Classifier) { c.breaker = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records batch outcomes and latency.
func WithMetrics(m *metrics.Pipeline) Option { return func(c *Classifier) { c.metrics = m } }

// New creates a Classifier.
func New(llm Completer, opts Options, options ...Option) *Classifier {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = SystemPrompt
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = fn.DefaultRetry
	}
	opts.Retry.ShouldRetry = domain.IsTransient
	c := &Classifier{
		llm:    llm,
		opts:   opts,
		pacer:  resilience.NewPacer(opts.MinDelay),
		logger: zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.Named("classify")
	return c
}

// Model names the model behind the classifier.
func (c *Classifier) Model() string { return c.llm.Model() }

// Classify lazily batches units and classifies one batch per iteration.
// Batches run strictly one after another; iteration stops when ctx is done.
func (c *Classifier) Classify(ctx context.Context, units iter.Seq[domain.Unit], batchSize int) iter.Seq[BatchResult] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return func(yield func(BatchResult) bool) {
		i := 0
		for batch := range fn.Batch(units, batchSize) {
			if ctx.Err() != nil {
				return
			}
			var r BatchResult
			fn.TracedStage("classify.batch", func(ctx context.Context, units []domain.Unit) fn.Result[struct{}] {
				r = c.ClassifyBatch(ctx, units)
				return fn.FromPair(struct{}{}, r.Err)
			})(ctx, batch)
			r.Index = i
			i++
			if !yield(r) {
				return
			}
		}
	}
}

// ClassifyBatch sends one batch, retrying once with a stricter instruction
// when the reply fails validation.
func (c *Classifier) ClassifyBatch(ctx context.Context, units []domain.Unit) BatchResult {
	started := time.Now()
	user, keys := buildPayload(units)
	system := c.opts.SystemPrompt
	log := c.logger.With(zap.Int("units", len(units)), zap.Int("keys", len(keys)))
	res := BatchResult{Units: units}

	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		reply, err := c.complete(ctx, system, user)
		if err != nil {
			res.Err = fmt.Errorf("classify: completion: %w", errors.Join(ErrBatchDiscarded, err))
			log.Error("batch discarded after transport failure", zap.Int("attempt", attempt), zap.Error(err))
			c.metrics.BatchDone("failed", started)
			return res
		}

		resp, err := Validate(reply, keys).Unwrap()
		if err == nil {
			res.Phrases = toPhrases(resp, keys)
			outcome := "ok"
			if attempt > 1 {
				outcome = "retried"
			}
			if resp.Truncated {
				log.Warn("reply was cut off, kept its complete phrases", zap.Int("attempt", attempt), zap.Int("phrases", len(res.Phrases)))
			}
			log.Debug("batch classified", zap.Int("attempt", attempt), zap.Int("phrases", len(res.Phrases)))
			c.metrics.BatchDone(outcome, started)
			return res
		}

		log.Warn("reply failed validation", zap.Int("attempt", attempt), zap.Error(err))
		res.Err = err
		system = c.opts.SystemPrompt + stricterSuffix
	}

	res.Err = fmt.Errorf("classify: %w", errors.Join(ErrBatchDiscarded, res.Err))
	log.Error("batch discarded after invalid replies", zap.Error(res.Err))
	c.metrics.BatchDone("failed", started)
	return res
}

// complete makes one paced completion call, retrying transport failures.
func (c *Classifier) complete(ctx context.Context, system, user string) (string, error) {
	req := Request{
		System:      system,
		User:        user,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}
	call := resilience.PacedStage(c.pacer, resilience.BreakerStage(c.breaker,
		func(ctx context.Context, r Request) fn.Result[string] {
			return fn.FromPair(c.llm.Complete(ctx, r))
		}))
	return fn.RetryStage(c.opts.Retry, call)(ctx, req).Unwrap()
}

// toPhrases flattens a response in batch key order and applies the negative
// lexicon override.
func toPhrases(resp Response, keys []batchKey) []domain.ClassifiedPhrase {
	var out []domain.ClassifiedPhrase
	for _, k := range keys {
		for _, p := range resp.Results[k.Key] {
			out = append(out, domain.ClassifiedPhrase{
				Text:     p.Text,
				Category: overrideCategory(p.Text, p.Category),
				SourceID: k.ItemID,
				Polarity: k.Polarity,
			})
		}
	}
	return out
}
