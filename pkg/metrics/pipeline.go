package metrics

import "time"

// Pipeline is the fixed metric set of a civiphrases run. A nil *Pipeline
// records nothing, so components can take one optionally.
type Pipeline struct {
	reg           *Registry
	pagesFailed   *Counter
	phrasesMerged *Counter
	batchLatency  *Histogram
	phrasesStored *Gauge
}

// NewPipeline registers the run metrics on reg.
func NewPipeline(reg *Registry) *Pipeline {
	return &Pipeline{
		reg:           reg,
		pagesFailed:   reg.Counter("civiphrases_pages_failed_total", "Source pages abandoned after retries."),
		phrasesMerged: reg.Counter("civiphrases_phrases_merged_total", "Classified phrases merged into the phrase store."),
		batchLatency:  reg.Histogram("civiphrases_batch_duration_seconds", "Wall time per classification batch.", nil),
		phrasesStored: reg.Gauge("civiphrases_phrases_stored", "Distinct phrases in the store after the last merge."),
	}
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *Registry {
	if p == nil {
		return nil
	}
	return p.reg
}

// ItemFetched counts a fetched item by outcome (new, updated, unchanged, skipped).
func (p *Pipeline) ItemFetched(outcome string) {
	if p == nil {
		return
	}
	p.reg.Counter(WithLabels("civiphrases_items_fetched_total", "outcome", outcome), "Items seen while fetching, by outcome.").Inc()
}

// PageFailed counts an abandoned page.
func (p *Pipeline) PageFailed() {
	if p == nil {
		return
	}
	p.pagesFailed.Inc()
}

// BatchDone records a finished batch by outcome (ok, retried, failed).
func (p *Pipeline) BatchDone(outcome string, started time.Time) {
	if p == nil {
		return
	}
	p.reg.Counter(WithLabels("civiphrases_batches_total", "outcome", outcome), "Classification batches, by outcome.").Inc()
	p.batchLatency.Since(started)
}

// PhrasesMerged adds n merged phrases and records the store size.
func (p *Pipeline) PhrasesMerged(n, stored int) {
	if p == nil {
		return
	}
	p.phrasesMerged.Add(int64(n))
	p.phrasesStored.Set(int64(stored))
}
