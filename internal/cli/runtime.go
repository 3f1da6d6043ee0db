package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/receivables/internal/config"
	"github.com/roach88/receivables/internal/consensus"
	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/store"
	"github.com/roach88/receivables/internal/token"
)

// loadConfig resolves configuration from the root flags. The --db flag
// wins over every other source.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(config.Sources{File: opts.ConfigFile, DotEnv: opts.EnvFile})
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if cmd.Flags().Changed("db") {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// requireDatabase fails for read-only commands pointed at a missing log.
func requireDatabase(path string) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path), err)
	}
	return nil
}

// newLogger builds the process logger. Verbose lowers the level to debug.
func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// runtime is an opened event log with the engine built on it.
type runtime struct {
	store  *store.Store
	log    store.Log
	engine *engine.Engine
	ledger *token.Memory
	files  files.Store
}

// Close releases the event log.
func (r *runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// runtimeOptions adds what only the server needs.
type runtimeOptions struct {
	files     bool
	balances  map[string]string
	observers []engine.Observer
}

// openRuntime opens the SQLite log named by cfg, wraps it in a consensus
// mirror when the sink asks for one, and builds the engine.
func openRuntime(cfg config.Config, logger *slog.Logger, ro runtimeOptions) (*runtime, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	rt := &runtime{store: st, log: st}

	if cfg.Sink == config.SinkConsensus {
		topic := consensus.NewTopic(cfg.Topic)
		rt.log = consensus.NewMirroredLog(topic, st, logger)
		logger.Info("consensus sink enabled", "topic", cfg.Topic)
	}

	opts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithMaxRetries(cfg.MaxRetries),
	}
	for _, o := range ro.observers {
		opts = append(opts, engine.WithObserver(o))
	}

	if ro.files {
		dir, err := files.NewDir(cfg.FilesDir)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open file store", err)
		}
		rt.files = dir
		opts = append(opts, engine.WithFileStore(dir))
	}

	if cfg.Tokens {
		accounts, err := rt.simulatedLedger(cfg, ro.balances)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to set up token ledger", err)
		}
		opts = append(opts, engine.WithTokenLedger(rt.ledger, accounts))
		logger.Info("token ledger enabled", "escrow", accounts.Escrow, "settlement_token", string(accounts.SettlementToken))
	}

	rt.engine = engine.New(rt.log, opts...)
	return rt, nil
}

// simulatedLedger creates an in-memory ledger with a settlement token and
// the given opening balances.
func (r *runtime) simulatedLedger(cfg config.Config, balances map[string]string) (engine.TransferAccounts, error) {
	name := cfg.SettlementToken
	if name == "" {
		name = "USD"
	}
	r.ledger = token.NewMemory()
	usd := r.ledger.CreateToken(name)

	var errs []error
	for _, account := range slices.Sorted(maps.Keys(balances)) {
		amount, err := decimal.NewFromString(balances[account])
		if err != nil {
			errs = append(errs, fmt.Errorf("balance for %s: %w", account, err))
			continue
		}
		if err := r.ledger.Issue(usd, account, amount); err != nil {
			errs = append(errs, fmt.Errorf("balance for %s: %w", account, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return engine.TransferAccounts{}, err
	}
	return engine.TransferAccounts{Escrow: cfg.EscrowAccount, SettlementToken: usd}, nil
}
