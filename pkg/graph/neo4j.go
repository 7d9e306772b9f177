// Package graph exports phrase provenance to Neo4j as
// (:Phrase)-[:SEEN_IN]->(:Item) relationships.
package graph

import (
	"context"
	"fmt"

	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// PhraseNode is one phrase and the items it was seen in.
type PhraseNode struct {
	Key      string // category + "/" + lowercase text
	Text     string
	Category string
	Polarity string
	Count    int
	Sources  []string
}

func (p PhraseNode) row() map[string]any {
	sources := p.Sources
	if sources == nil {
		sources = []string{}
	}
	return map[string]any{
		"key":      p.Key,
		"text":     p.Text,
		"category": p.Category,
		"polarity": p.Polarity,
		"count":    int64(p.Count),
		"sources":  sources,
	}
}

const (
	constraintPhrase = `CREATE CONSTRAINT phrase_key IF NOT EXISTS FOR (p:Phrase) REQUIRE p.key IS UNIQUE`
	constraintItem   = `CREATE CONSTRAINT item_id IF NOT EXISTS FOR (i:Item) REQUIRE i.id IS UNIQUE`

	mergePhrases = `UNWIND $rows AS row
MERGE (p:Phrase {key: row.key})
SET p.text = row.text, p.category = row.category, p.polarity = row.polarity, p.count = row.count
WITH p, row
UNWIND row.sources AS src
MERGE (i:Item {id: src})
MERGE (p)-[:SEEN_IN]->(i)`

	countPhrases = `MATCH (p:Phrase) RETURN count(p) AS n`
)

// DefaultBatchSize is the number of phrases sent per UNWIND.
const DefaultBatchSize = 500

// Exporter writes phrase nodes to Neo4j.
type Exporter struct {
	driver     neo4j.DriverWithContext
	batchSize  int
	logger     *zap.Logger
	newSession func(ctx context.Context) runner // for testing
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithBatchSize sets how many phrases go into one statement.
func WithBatchSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the exporter logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) { e.logger = l.Named("graph") }
}

// Connect opens a driver and verifies the server is reachable.
func Connect(ctx context.Context, url, user, pass string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: connect %s: %w", url, err)
	}
	return driver, nil
}

// NewExporter creates an exporter over driver. The caller owns driver.
func NewExporter(driver neo4j.DriverWithContext, opts ...Option) *Exporter {
	e := &Exporter{driver: driver, batchSize: DefaultBatchSize, logger: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (e *Exporter) session(ctx context.Context) runner {
	if e.newSession != nil {
		return e.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})}
}

// EnsureSchema creates the uniqueness constraints MERGE relies on.
func (e *Exporter) EnsureSchema(ctx context.Context) error {
	sess := e.session(ctx)
	defer sess.Close(ctx)
	for _, c := range []string{constraintPhrase, constraintItem} {
		if _, err := sess.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("graph: schema: %w", err)
		}
	}
	return nil
}

// Export merges phrases in batches and returns how many were sent.
func (e *Exporter) Export(ctx context.Context, phrases []PhraseNode) (int, error) {
	sess := e.session(ctx)
	defer sess.Close(ctx)

	sent := 0
	for _, batch := range fn.Chunk(phrases, e.batchSize) {
		rows := fn.Map(batch, PhraseNode.row)
		if _, err := sess.Run(ctx, mergePhrases, map[string]any{"rows": rows}); err != nil {
			return sent, fmt.Errorf("graph: merge %d phrases: %w", len(rows), err)
		}
		sent += len(rows)
		e.logger.Debug("phrase batch exported", zap.Int("size", len(rows)), zap.Int("sent", sent))
	}
	return sent, nil
}

// Count returns the number of Phrase nodes in the graph.
func (e *Exporter) Count(ctx context.Context) (int64, error) {
	sess := e.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, countPhrases, nil)
	if err != nil {
		return 0, err
	}
	if !res.Next(ctx) {
		return 0, fmt.Errorf("graph: count returned no rows")
	}
	n, _, err := neo4j.GetRecordValue[int64](res.Record(), "n")
	return n, err
}
