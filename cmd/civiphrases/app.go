package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/WessleyAI/civiphrases/engine/classify"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/WessleyAI/civiphrases/engine/phrases"
	"github.com/WessleyAI/civiphrases/engine/pipeline"
	"github.com/WessleyAI/civiphrases/engine/records"
	"github.com/WessleyAI/civiphrases/pkg/config"
	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/WessleyAI/civiphrases/pkg/graph"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"github.com/WessleyAI/civiphrases/pkg/mid"
	"github.com/WessleyAI/civiphrases/pkg/natsutil"
	"github.com/WessleyAI/civiphrases/pkg/resilience"
	"github.com/WessleyAI/civiphrases/pkg/sqlstore"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Pipeline

	configPath  string
	outDir      string
	verbose     bool
	metricsAddr string
}

// stores are the record and phrase stores for the configured backend.
type stores struct {
	records records.Store
	phrases phrases.Backend
	db      *sql.DB
}

func (s *stores) Close() error {
	err := s.records.Close()
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}

func (a *app) openStores(ctx context.Context) (*stores, error) {
	p := a.cfg.Paths()
	switch a.cfg.Store {
	case config.StoreSQLite:
		db, err := sqlstore.Open(p.Database)
		if err != nil {
			return nil, err
		}
		recs, err := records.NewSQLite(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		backend, err := phrases.NewSQLite(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{records: recs, phrases: backend, db: db}, nil
	default:
		recs, err := records.OpenJSONL(p.Items, a.logger)
		if err != nil {
			return nil, err
		}
		return &stores{records: recs, phrases: phrases.NewJSONL(p.Phrases, p.Processed, a.logger)}, nil
	}
}

func (a *app) retryOpts() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: max(1, a.cfg.Civitai.MaxRetries),
		InitialWait: 2 * time.Second,
		MaxWait:     30 * time.Second,
		Jitter:      true,
	}
}

func (a *app) newFetcher(store records.Store) *fetcher.Fetcher {
	client := fetcher.NewClient(
		fetcher.WithBaseURL(a.cfg.Civitai.BaseURL),
		fetcher.WithAPIKey(a.cfg.Civitai.APIKey),
		fetcher.WithTimeout(a.cfg.Civitai.Timeout),
	)
	return fetcher.New(client, store,
		fetcher.WithPacer(resilience.NewPacer(a.cfg.Civitai.RateDelay)),
		fetcher.WithRetry(a.retryOpts()),
		fetcher.WithLogger(a.logger),
		fetcher.WithMetrics(a.metrics),
	)
}

// newClassifier builds the configured completion client and returns the
// classifier with the API base recorded in manifests.
func (a *app) newClassifier(ctx context.Context) (*classify.Classifier, string, error) {
	var (
		llm     classify.Completer
		apiBase string
	)
	switch a.cfg.LLM.Provider {
	case config.ProviderGemini:
		g, err := classify.NewGeminiCompleter(ctx, a.cfg.LLM.APIKey, a.cfg.LLM.Model)
		if err != nil {
			return nil, "", err
		}
		llm, apiBase = g, "gemini"
	default:
		o := classify.NewOpenAICompleter(a.cfg.LLM.BaseURL, a.cfg.LLM.APIKey, a.cfg.LLM.Model, a.cfg.LLM.Timeout, a.logger)
		o.DiscoverModel(ctx)
		llm, apiBase = o, a.cfg.LLM.BaseURL
	}

	opts := classify.DefaultOptions()
	opts.Temperature = float32(a.cfg.LLM.Temperature)
	opts.MaxTokens = int32(a.cfg.LLM.MaxTokens)
	opts.MinDelay = a.cfg.Civitai.RateDelay
	opts.Retry = a.retryOpts()

	log := a.logger.Named("breaker")
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: 5,
		Timeout:       30 * time.Second,
		HalfOpenMax:   1,
		OnStateChange: func(from, to resilience.State) {
			log.Warn("completion breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	c := classify.New(llm, opts,
		classify.WithBreaker(breaker),
		classify.WithLogger(a.logger),
		classify.WithMetrics(a.metrics),
	)
	return c, apiBase, nil
}

// connectNATS returns nil when NATS is not configured or unreachable; run
// reports are optional.
func (a *app) connectNATS() *nats.Conn {
	if a.cfg.NATS.URL == "" {
		return nil
	}
	nc, err := natsutil.Connect(a.cfg.NATS.URL, "civiphrases", a.logger)
	if err != nil {
		a.logger.Warn("run reports disabled", zap.Error(err))
		return nil
	}
	return nc
}

// connectGraph returns a ready exporter and a close func, or nil when Neo4j
// is not configured or unreachable.
func (a *app) connectGraph(ctx context.Context) (*graph.Exporter, func()) {
	if a.cfg.Neo4j.URL == "" {
		return nil, func() {}
	}
	driver, err := graph.Connect(ctx, a.cfg.Neo4j.URL, a.cfg.Neo4j.User, a.cfg.Neo4j.Password)
	if err != nil {
		a.logger.Warn("graph export disabled", zap.Error(err))
		return nil, func() {}
	}
	closeDriver := func() { closeNeo4j(driver, a.logger) }
	exp := graph.NewExporter(driver, graph.WithLogger(a.logger))
	if err := exp.EnsureSchema(ctx); err != nil {
		a.logger.Warn("graph export disabled", zap.Error(err))
		closeDriver()
		return nil, func() {}
	}
	return exp, closeDriver
}

func closeNeo4j(d neo4j.DriverWithContext, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		log.Warn("closing neo4j driver", zap.Error(err))
	}
}

// finish writes the manifest and publishes it when NATS is configured.
func (a *app) finish(ctx context.Context, m *pipeline.Manifest, store records.Store) error {
	info, n, err := pipeline.DescribeSource(ctx, store)
	if err != nil {
		return err
	}
	m.Source, m.Statistics.ItemsStored = info, n
	m.Configuration = map[string]any{
		"store":        a.cfg.Store,
		"provider":     a.cfg.LLM.Provider,
		"tgw_base_url": a.cfg.LLM.BaseURL,
		"out_dir":      a.cfg.OutDir,
		"rate_delay":   a.cfg.Civitai.RateDelay.String(),
		"batch_size":   a.cfg.Build.BatchSize,
	}
	if err := m.WriteFile(a.cfg.Paths().Manifest); err != nil {
		return err
	}

	if nc := a.connectNATS(); nc != nil {
		defer nc.Close()
		pub := pipeline.NewNATSPublisher(nc, a.cfg.NATS.Subject, a.logger)
		if err := pub.Publish(ctx, m); err != nil {
			a.logger.Warn("run report not published", zap.Error(err))
		}
	}
	return nil
}

// execute runs work alongside the optional metrics server and writes the
// final metrics snapshot to the state directory.
func (a *app) execute(ctx context.Context, work func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if a.metricsAddr != "" {
		srv := &http.Server{
			Addr: a.metricsAddr,
			Handler: mid.Chain(a.metrics.Registry().Mux(),
				mid.Recover(a.logger),
				mid.Logger(a.logger.Named("http")),
				mid.OTel("civiphrases-metrics"),
				mid.ReadOnly(),
			),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("serving metrics", zap.String("addr", a.metricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return work(runCtx)
	})

	err := g.Wait()
	path := filepath.Join(a.cfg.Paths().State, "metrics.prom")
	if werr := a.metrics.Registry().WriteFile(path); werr != nil {
		a.logger.Warn("metrics snapshot not written", zap.Error(werr))
	}
	return err
}
