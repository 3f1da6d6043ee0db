package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/receivables/internal/api"
	"github.com/roach88/receivables/internal/config"
	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/readmodel"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// shutdown signal.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr       string
	CatalogDSN string
	FilesDir   string
	Sink       string
	Tokens     bool
	Balances   map[string]string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the invoice HTTP API",
		Long: `Open the event log and serve the invoice HTTP API.

Configuration comes from defaults, the --config CUE file, the --env-file
dotenv file and RECEIVABLES_* environment variables, in that order; the
flags below override all of them.

Examples:
  receivables serve --db ./receivables.db --addr :8080
  receivables serve --catalog "host=localhost dbname=receivables sslmode=disable"
  receivables serve --tokens --balance inv-a=50000 --balance exp-1=1000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.CatalogDSN, "catalog", "", "read-model DSN, sqlite path or postgres (overrides config)")
	cmd.Flags().StringVar(&opts.FilesDir, "files", "", "document directory (overrides config)")
	cmd.Flags().StringVar(&opts.Sink, "sink", "", "event sink: local or consensus (overrides config)")
	cmd.Flags().BoolVar(&opts.Tokens, "tokens", false, "enable the simulated token ledger")
	cmd.Flags().StringToStringVar(&opts.Balances, "balance", nil, "opening settlement balance, account=amount (repeatable)")

	return cmd
}

// serveConfig applies the serve flags that were set on top of cfg.
func serveConfig(opts *ServeOptions, cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.Addr
	}
	if flags.Changed("catalog") {
		cfg.CatalogDSN = opts.CatalogDSN
	}
	if flags.Changed("files") {
		cfg.FilesDir = opts.FilesDir
	}
	if flags.Changed("sink") {
		cfg.Sink = opts.Sink
	}
	if flags.Changed("tokens") {
		cfg.Tokens = opts.Tokens
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid flags", err)
	}
	return cfg, nil
}

// buildServer opens everything the API needs. The returned cleanup closes
// it again.
func buildServer(cfg config.Config, logger *slog.Logger, balances map[string]string) (*http.Server, func(), error) {
	var catalog *readmodel.Catalog
	ro := runtimeOptions{files: true, balances: balances}
	if cfg.CatalogDSN != "" {
		c, err := readmodel.Open(cfg.CatalogDSN, logger)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open catalog", err)
		}
		catalog = c
		ro.observers = append(ro.observers, catalog.Observer())
	}

	rt, err := openRuntime(cfg, logger, ro)
	if err != nil {
		if catalog != nil {
			catalog.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		if catalog != nil {
			if err := catalog.Close(); err != nil {
				logger.Error("error closing catalog", "error", err)
			}
		}
		if err := rt.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}

	serverOpts := []api.Option{api.WithLogger(logger), api.WithFiles(rt.files)}
	if catalog != nil {
		n, err := catalog.Rebuild(context.Background(), rt.engine)
		if err != nil {
			cleanup()
			return nil, nil, WrapExitError(ExitCommandError, "failed to rebuild catalog", err)
		}
		logger.Info("catalog ready", "invoices", n)
		serverOpts = append(serverOpts, api.WithCatalog(catalog))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(rt.engine, serverOpts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, cleanup, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if cfg, err = serveConfig(opts, cmd, cfg); err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, opts.Verbose)
	slog.SetDefault(logger)

	srv, cleanup, err := buildServer(cfg, logger, opts.Balances)
	if err != nil {
		return err
	}
	defer cleanup()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "db", cfg.Database, "sink", cfg.Sink)
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", cfg.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// compile-time check that the engine can feed a catalog rebuild.
var _ readmodel.Source = (*engine.Engine)(nil)
