package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/WessleyAI/civiphrases/engine/normalize"
	"github.com/WessleyAI/civiphrases/engine/phrases"
	"github.com/WessleyAI/civiphrases/engine/pipeline"
	"github.com/WessleyAI/civiphrases/engine/wildcards"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type fetchFlags struct {
	user        string
	collection  string
	maxItems    int
	includeNSFW bool
	replace     bool
}

func (f *fetchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "Civitai username to fetch from")
	cmd.Flags().StringVar(&f.collection, "collection", "", "Civitai collection ID or URL to fetch from")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 200, "maximum number of items to fetch")
	cmd.Flags().BoolVar(&f.includeNSFW, "include-nsfw", false, "include NSFW content")
	cmd.Flags().BoolVar(&f.replace, "replace", false, "clear stored items before fetching")
}

func (f *fetchFlags) options(dryRun bool) pipeline.FetchOptions {
	return pipeline.FetchOptions{
		Options: fetcher.Options{MaxItems: f.maxItems, IncludeNSFW: f.includeNSFW},
		DryRun:  dryRun,
		Replace: f.replace,
	}
}

type buildFlags struct {
	batchSize     int
	overwrite     bool
	rebuild       bool
	removeGeneric bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "prompts per LLM batch (default from config)")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "rewrite wildcard files even when nothing changed")
	cmd.Flags().BoolVar(&f.rebuild, "rebuild", false, "discard classified phrases and classify every item again")
	cmd.Flags().BoolVar(&f.removeGeneric, "remove-generic", false, "drop generic quality boosters")
}

func (f *buildFlags) options(a *app, dryRun bool) pipeline.BuildOptions {
	size := f.batchSize
	if size <= 0 {
		size = a.cfg.Build.BatchSize
	}
	return pipeline.BuildOptions{
		BatchSize: size,
		DryRun:    dryRun,
		Overwrite: f.overwrite,
		Rebuild:   f.rebuild,
		Filter:    phrases.Filter{RemoveGeneric: f.removeGeneric || a.cfg.Build.RemoveGeneric},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		ff     fetchFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch prompts from a Civitai user or collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel, err := domain.ParseSelector(ff.user, ff.collection)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), func(ctx context.Context) error {
				st, err := a.openStores(ctx)
				if err != nil {
					return err
				}
				defer st.Close()

				m := pipeline.NewManifest("fetch", time.Now())
				stats, err := a.fetch(ctx, cmd.OutOrStdout(), st, sel, ff.options(dryRun))
				if err != nil {
					return err
				}
				if dryRun {
					return nil
				}
				m.Statistics.Fetch = &stats
				return a.finish(ctx, m, st.records)
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print stats without writing files")
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	var (
		bf     buildFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Classify stored prompts and write wildcard files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.execute(cmd.Context(), func(ctx context.Context) error {
				st, err := a.openStores(ctx)
				if err != nil {
					return err
				}
				defer st.Close()

				m := pipeline.NewManifest("build", time.Now())
				if err := a.build(ctx, cmd.OutOrStdout(), st, bf.options(a, dryRun), m); err != nil {
					return err
				}
				if dryRun {
					return nil
				}
				return a.finish(ctx, m, st.records)
			})
		},
	}
	bf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify and print a summary without writing files")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	var (
		ff     fetchFlags
		bf     buildFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch then build in one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel, err := domain.ParseSelector(ff.user, ff.collection)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return a.execute(cmd.Context(), func(ctx context.Context) error {
				st, err := a.openStores(ctx)
				if err != nil {
					return err
				}
				defer st.Close()

				m := pipeline.NewManifest("refresh", time.Now())
				fmt.Fprintln(out, "=== FETCH PHASE ===")
				stats, err := a.fetch(ctx, out, st, sel, ff.options(dryRun))
				if err != nil {
					return err
				}
				m.Statistics.Fetch = &stats

				fmt.Fprintln(out, "\n=== BUILD PHASE ===")
				if dryRun {
					// The fetched items only lived in a scratch store.
					fmt.Fprintln(out, "(Dry run - build runs over the items already stored)")
				}
				if err := a.build(ctx, out, st, bf.options(a, dryRun), m); err != nil {
					return err
				}
				if dryRun {
					return nil
				}
				if err := a.finish(ctx, m, st.records); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nRefresh completed. Wildcard files are in %s\n", a.cfg.Paths().Wildcards)
				return nil
			})
		},
	}
	ff.register(cmd)
	bf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print stats without writing files")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored items, phrase counts, and the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStores(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.records.Len(ctx)
			if err != nil {
				return err
			}
			store := phrases.New(st.phrases, a.logger)
			if err := store.Load(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stored items: %d\n", items)
			fmt.Fprintf(out, "Distinct phrases: %d\n", store.Len())
			counts := store.CategoryCounts()
			for _, c := range domain.Categories {
				fmt.Fprintf(out, "  %-17s %d\n", string(c)+":", counts[c])
			}

			m, err := pipeline.ReadManifest(a.cfg.Paths().Manifest)
			switch {
			case err == nil:
				fmt.Fprintf(out, "\nLast run: %s %s at %s (%s:%s)\n",
					m.Command, m.RunID, m.Timestamp.Format(time.RFC3339), m.Source.Type, m.Source.Identifier)
			case errors.Is(err, fs.ErrNotExist):
				fmt.Fprintln(out, "\nNo run recorded yet.")
			default:
				return err
			}
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print run reports published on NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.NATS.URL == "" {
				return errors.New("watch: NATS_URL is not set")
			}
			nc := a.connectNATS()
			if nc == nil {
				return fmt.Errorf("watch: cannot reach %s", a.cfg.NATS.URL)
			}
			defer nc.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return pipeline.Watch(cmd.Context(), nc, a.cfg.NATS.Subject, a.logger, func(m *pipeline.Manifest) {
				if err := enc.Encode(m); err != nil {
					a.logger.Warn("cannot print run report", zap.Error(err))
				}
			})
		},
	}
}

func (a *app) fetch(ctx context.Context, out io.Writer, st *stores, sel domain.Selector, opts pipeline.FetchOptions) (fetcher.Stats, error) {
	stats, err := pipeline.Fetch(ctx, st.records, a.newFetcher, sel, opts, a.logger)
	if err != nil {
		return stats, err
	}
	fmt.Fprintln(out, "Fetch Summary:")
	fmt.Fprintf(out, "  New items: %d\n", stats.New)
	fmt.Fprintf(out, "  Updated items: %d\n", stats.Updated)
	fmt.Fprintf(out, "  Unchanged items: %d\n", stats.Unchanged)
	fmt.Fprintf(out, "  Skipped items: %d\n", stats.Skipped)
	fmt.Fprintf(out, "  Failed pages: %d\n", stats.FailedPages)
	fmt.Fprintf(out, "  Total fetched: %d\n", stats.Fetched)
	if opts.DryRun {
		fmt.Fprintln(out, "\n(Dry run - no files were written)")
	}
	return stats, nil
}

// build runs one build over st and records it in m.
func (a *app) build(ctx context.Context, out io.Writer, st *stores, opts pipeline.BuildOptions, m *pipeline.Manifest) error {
	classifier, apiBase, err := a.newClassifier(ctx)
	if err != nil {
		return err
	}
	deps := pipeline.BuildDeps{
		Records:    st.records,
		Phrases:    phrases.New(st.phrases, a.logger),
		Normalizer: normalize.New(normalize.Options{MaxChars: a.cfg.Build.MaxChars}),
		Classifier: classifier,
		Wildcards:  wildcards.NewWriter(a.cfg.Paths().Wildcards, a.logger),
		Metrics:    a.metrics,
		Logger:     a.logger,
	}
	if !opts.DryRun {
		exp, closeGraph := a.connectGraph(ctx)
		defer closeGraph()
		if exp != nil {
			deps.Graph = exp
		}
	}

	fmt.Fprintf(out, "Classifying with %s...\n", classifier.Model())
	report, err := pipeline.Build(ctx, deps, opts)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoItems) {
			return fmt.Errorf("%w: run 'civiphrases fetch' first", err)
		}
		return err
	}

	if opts.DryRun {
		fmt.Fprint(out, report.Summary)
		fmt.Fprintln(out, "\n(Dry run - no files were written)")
		return nil
	}

	m.Statistics.Build = &report
	m.Statistics.TotalPhrases = report.Phrases
	m.ModelInfo = &pipeline.ModelInfo{Name: report.Model, APIBase: apiBase}

	fmt.Fprintln(out, "Build Summary:")
	fmt.Fprintf(out, "  Items: %d (%d classified this run, %d already done)\n", report.Items, report.Pending, report.AlreadyDone)
	fmt.Fprintf(out, "  Batches: %d ok, %d failed\n", report.BatchesOK, report.BatchesFailed)
	fmt.Fprintf(out, "  Phrases merged: %d\n", report.PhrasesMerged)
	fmt.Fprintln(out, "  Phrases by category:")
	for _, c := range domain.Categories {
		if n := report.Counts[string(c)]; n > 0 {
			fmt.Fprintf(out, "    %s: %d\n", c, n)
		}
	}
	fmt.Fprintf(out, "    %s: %d\n", wildcards.PromptBank, report.Counts[wildcards.PromptBank])
	if report.Wrote {
		fmt.Fprintf(out, "  Wildcard files written to: %s\n", a.cfg.Paths().Wildcards)
	} else {
		fmt.Fprintf(out, "  Wildcard files unchanged in: %s\n", a.cfg.Paths().Wildcards)
	}
	return nil
}
