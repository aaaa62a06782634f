package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/fetcher"
	"github.com/aluiziolira/go-price-fetch/logging"
)

// app carries state shared by every subcommand once the root has run.
type app struct {
	configPath  string
	verbose     bool
	metricsAddr string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code. Every failure is
// reported on stderr before a non-zero exit.
func run(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if a.closeLog != nil {
		if cerr := a.closeLog(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pricefetch",
		Short:         "Search a marketplace and export product listings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")

	root.AddCommand(searchCmd(a), scrapeCmd(a), configCmd(a), versionCmd())
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}

	logger, closeLog, err := logging.New(cfg.Logging, a.verbose)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received, stopping after the current page")
		case <-done:
		}
	}()
	return ctx, func() {
		close(done)
		stop()
	}
}

// serveMetrics exposes m on the configured address. The returned function
// shuts the server down; it is a no-op when metrics are disabled.
func (a *app) serveMetrics(m *fetcher.Metrics) func() {
	if a.cfg.MetricsAddr == "" || m == nil {
		return func() {}
	}
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	a.logger.Info("metrics server enabled", slog.String("addr", a.cfg.MetricsAddr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pricefetch %s\n", config.Version)
		},
	}
}
