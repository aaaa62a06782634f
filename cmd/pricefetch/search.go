package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/models"
	"github.com/aluiziolira/go-price-fetch/pipeline"
	"github.com/aluiziolira/go-price-fetch/validate"
)

type searchOptions struct {
	query     string
	pages     int
	output    string
	format    string
	minPrice  float64
	maxPrice  float64
	sortBy    string
	category  string
	brand     string
	condition string
	show      bool
}

func searchCmd(a *app) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the marketplace and save the listings found",
		Long: `Search the marketplace for a query over one or more result pages.

Products are deduplicated by ASIN and written to the output file. When no
output is given the file is named after the query inside the configured
output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := opts.filters(cmd)
			if !cmd.Flags().Changed("pages") {
				opts.pages = a.cfg.Search.DefaultPages
			}
			return a.runSearch(cmd.Context(), cmd.OutOrStdout(), opts, cmd.Flags().Changed("format"), filters)
		},
	}

	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "search query")
	cmd.Flags().IntVarP(&opts.pages, "pages", "p", 1, "number of result pages to fetch")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file path")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "output format: csv, json, table, sqlite, mongodb or postgres; comma-separate to write several")
	cmd.Flags().Float64Var(&opts.minPrice, "min-price", 0, "minimum price filter")
	cmd.Flags().Float64Var(&opts.maxPrice, "max-price", 0, "maximum price filter")
	cmd.Flags().StringVar(&opts.sortBy, "sort-by", "", "sort order: relevance, price_low_high, price_high_low, newest, featured")
	cmd.Flags().StringVar(&opts.category, "category", "", "category filter")
	cmd.Flags().StringVar(&opts.brand, "brand", "", "brand filter")
	cmd.Flags().StringVar(&opts.condition, "condition", "", "condition filter: new, used or refurbished")
	cmd.Flags().BoolVar(&opts.show, "show", false, "print the products found as a table")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

// filters only sets price bounds the user actually passed, so zero is a
// valid bound.
func (o *searchOptions) filters(cmd *cobra.Command) models.Filters {
	f := models.Filters{
		SortBy:    o.sortBy,
		Category:  o.category,
		Brand:     o.brand,
		Condition: o.condition,
	}
	if cmd.Flags().Changed("min-price") {
		v := o.minPrice
		f.MinPrice = &v
	}
	if cmd.Flags().Changed("max-price") {
		v := o.maxPrice
		f.MaxPrice = &v
	}
	return f
}

// outputTarget is one storage backend a run writes to. Database kinds have
// no path.
type outputTarget struct {
	kind string
	path string
}

// outputPlan decides the storage targets for a run. An explicit format wins;
// otherwise the output extension decides, then the configured storage type.
// A comma-separated format writes to every listed backend; file backends then
// share the output name with the extension swapped.
func outputPlan(cfg *config.Config, query, format string, formatSet bool, output string) []outputTarget {
	var kinds []string
	if formatSet {
		for _, k := range strings.Split(format, ",") {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" && !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
	}
	if len(kinds) == 0 {
		if output != "" {
			kinds = []string{pipeline.KindForPath(output)}
		} else {
			kinds = []string{strings.ToLower(cfg.Storage.Type)}
		}
	}

	targets := make([]outputTarget, 0, len(kinds))
	for _, kind := range kinds {
		if isDatabase(kind) {
			targets = append(targets, outputTarget{kind: kind})
			continue
		}
		path := output
		switch {
		case path == "":
			path = cfg.DefaultOutputPath(query, pipeline.Extension(kind))
		case len(kinds) > 1:
			path = strings.TrimSuffix(path, filepath.Ext(path)) + "." + pipeline.Extension(kind)
		}
		targets = append(targets, outputTarget{kind: kind, path: path})
	}
	return targets
}

// isDatabase reports whether kind stores to a server rather than a file.
func isDatabase(kind string) bool {
	return kind == pipeline.KindMongo || kind == pipeline.KindPostgres
}

// openTargets opens every target, combining several into one MultiStorage.
func (a *app) openTargets(targets []outputTarget) (pipeline.Storage, error) {
	opened := make([]pipeline.Storage, 0, len(targets))
	for _, t := range targets {
		storageCfg := a.cfg.Storage
		storageCfg.Type = t.kind
		store, err := pipeline.OpenStorage(storageCfg, t.path, a.logger)
		if err != nil {
			for _, s := range opened {
				_ = s.Close()
			}
			return nil, err
		}
		opened = append(opened, store)
	}
	if len(opened) == 1 {
		return opened[0], nil
	}
	return pipeline.NewMultiStorage(opened...), nil
}

func (a *app) destination(t outputTarget) string {
	switch t.kind {
	case pipeline.KindMongo:
		return "mongodb:" + a.cfg.Storage.MongoDatabase + "." + pipeline.MongoCollection
	case pipeline.KindPostgres:
		return "postgres:products"
	}
	return t.path
}

func (a *app) runSearch(ctx context.Context, out io.Writer, opts *searchOptions, formatSet bool, filters models.Filters) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := a.signalContext(ctx)
	defer stop()

	targets := outputPlan(a.cfg, opts.query, opts.format, formatSet, opts.output)

	var (
		svcOpts []pipeline.Option
		target  string
		store   pipeline.Storage
	)
	if len(targets) == 1 && !isDatabase(targets[0].kind) && pipeline.KindForPath(targets[0].path) == targets[0].kind {
		target = targets[0].path
	} else {
		// The output extension cannot tell Search which backends to open.
		if _, err := validate.Query(opts.query); err != nil {
			return err
		}
		opened, err := a.openTargets(targets)
		if err != nil {
			return err
		}
		store = opened
		svcOpts = append(svcOpts, pipeline.WithStorage(store))
	}

	svc, err := pipeline.NewServiceFromConfig(a.cfg, a.logger, svcOpts...)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}
	stopMetrics := a.serveMetrics(svc.FetchMetrics())
	defer stopMetrics()

	kinds := make([]string, 0, len(targets))
	destinations := make([]string, 0, len(targets))
	for _, t := range targets {
		kinds = append(kinds, t.kind)
		destinations = append(destinations, a.destination(t))
	}
	a.logger.Info("starting search",
		slog.String("query", opts.query),
		slog.Int("pages", opts.pages),
		slog.String("storage", strings.Join(kinds, ",")),
	)

	start := time.Now()
	result, err := svc.Search(ctx, opts.query, opts.pages, target, filters)
	if store != nil {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if result == nil {
		return err
	}

	if opts.show && len(result.Products) > 0 {
		fmt.Fprintln(out, pipeline.RenderTable(result.Products, pipeline.TableText))
	}
	printSummary(out, result, time.Since(start), strings.Join(destinations, ", "), svc.GetMetrics())

	if errors.Is(err, context.Canceled) {
		a.logger.Warn("search interrupted, partial results saved", slog.Int("products", len(result.Products)))
	}
	return err
}

func printSummary(w io.Writer, result *models.SearchResult, duration time.Duration, output string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	meta := result.Metadata
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Search complete")
	fmt.Fprintf(w, "  Query:         %s\n", meta.Query)
	fmt.Fprintf(w, "  Pages:         %d\n", meta.PagesScraped)
	fmt.Fprintf(w, "  Total results: %d\n", meta.TotalResults)
	fmt.Fprintf(w, "  Unique:        %d\n", meta.UniqueProducts)
	fmt.Fprintf(w, "  Saved:         %d\n", len(result.Products))
	if len(meta.FailedPages) > 0 {
		fmt.Fprintf(w, "  Failed pages:  %v\n", meta.FailedPages)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Dropped:       %v\n", valErrors)
	}
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(len(result.Products)) / duration.Seconds()
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Items/sec:     %.2f\n", itemsPerSec)
	fmt.Fprintf(w, "  Output:        %s\n", output)
	fmt.Fprintln(w, separator)
}
