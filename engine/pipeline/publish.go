package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/graph"
	"github.com/WessleyAI/civiphrases/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultRunSubject is where run manifests are published.
const DefaultRunSubject = "civiphrases.runs"

const flushTimeout = 5 * time.Second

// Publisher announces a finished run.
type Publisher interface {
	Publish(ctx context.Context, m *Manifest) error
}

// NATSPublisher publishes manifests as JSON on a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher publishes on subject over nc. The caller owns nc.
func NewNATSPublisher(nc *nats.Conn, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultRunSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger.Named("publish")}
}

// Publish implements Publisher. It flushes so the message leaves before the
// process exits.
func (p *NATSPublisher) Publish(ctx context.Context, m *Manifest) error {
	if err := natsutil.Publish(ctx, p.nc, p.subject, m); err != nil {
		return fmt.Errorf("pipeline: publish %s: %w", p.subject, err)
	}
	if err := p.nc.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("pipeline: flush %s: %w", p.subject, err)
	}
	p.logger.Debug("manifest published", zap.String("subject", p.subject), zap.String("run_id", m.RunID))
	return nil
}

// Watch delivers every manifest published on subject to handle until ctx is done.
func Watch(ctx context.Context, nc *nats.Conn, subject string, logger *zap.Logger, handle func(*Manifest)) error {
	if subject == "" {
		subject = DefaultRunSubject
	}
	sub, err := natsutil.Subscribe(nc, subject, logger, func(_ context.Context, m Manifest) {
		handle(&m)
	})
	if err != nil {
		return fmt.Errorf("pipeline: subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return nil
}

// GraphExporter receives the phrase store for provenance export.
type GraphExporter interface {
	Export(ctx context.Context, phrases []graph.PhraseNode) (int, error)
}

// ExportGraph converts phrase records to graph nodes and exports them.
func ExportGraph(ctx context.Context, g GraphExporter, recs []domain.PhraseRecord) (int, error) {
	nodes := make([]graph.PhraseNode, len(recs))
	for i, r := range recs {
		nodes[i] = graph.PhraseNode{
			Key:      PhraseKey(r),
			Text:     r.Text,
			Category: string(r.Category),
			Polarity: string(r.Polarity),
			Count:    r.Count,
			Sources:  r.Sources,
		}
	}
	return g.Export(ctx, nodes)
}

// PhraseKey identifies a phrase across runs: its category and lowercase text.
func PhraseKey(r domain.PhraseRecord) string {
	return string(r.Category) + "/" + strings.ToLower(r.Text)
}
