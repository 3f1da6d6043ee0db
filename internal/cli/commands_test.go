package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receivables/internal/config"
	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/store"
)

// seedDatabase writes a log with one listed invoice and returns the
// database path and the invoice ID.
func seedDatabase(t *testing.T) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receivables.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	eng := engine.New(st, engine.WithLogger(slog.New(slog.DiscardHandler)))
	s, err := eng.Create(ctx, engine.Terms{
		ExporterID: "exp-1",
		BuyerID:    "buyer-1",
		Principal:  decimal.NewFromInt(10000),
		Currency:   "USD",
		YieldBps:   500,
		TenorDays:  90,
	})
	require.NoError(t, err)
	_, err = eng.List(ctx, s.ID, "exp-1")
	require.NoError(t, err)
	return path, s.ID
}

// execute runs the root command with args and returns stdout and the
// command error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestReplayCommand(t *testing.T) {
	db, id := seedDatabase(t)

	out, err := execute(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 1 invoice(s)")
	assert.Contains(t, out, "✓ Invoice: "+id)
	assert.Contains(t, out, "✓ All invoices verified")
}

func TestReplayCommand_JSON(t *testing.T) {
	db, id := seedDatabase(t)

	out, err := execute(t, "replay", "--db", db, "--invoice", id, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllOK)
	require.Len(t, resp.Data.Invoices, 1)
	assert.Equal(t, 2, resp.Data.Invoices[0].Events)
}

func TestReplayCommand_UnknownInvoice(t *testing.T) {
	db, _ := seedDatabase(t)

	out, err := execute(t, "replay", "--db", db, "--invoice", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestReplayCommand_MissingDatabase(t *testing.T) {
	_, err := execute(t, "replay", "--db", filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestEventsCommand(t *testing.T) {
	db, id := seedDatabase(t)

	out, err := execute(t, "events", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "INVOICE_CREATED")
	assert.Contains(t, out, "INVOICE_LISTED")
	assert.Contains(t, out, id)
}

func TestEventsCommand_Filters(t *testing.T) {
	db, _ := seedDatabase(t)

	out, err := execute(t, "events", "--db", db, "--type", "invoice_listed", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "INVOICE_LISTED", resp.Data[0]["type"])

	out, err = execute(t, "events", "--db", db, "--after", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "No events found.")
}

func TestEventsCommand_BadFlags(t *testing.T) {
	db, _ := seedDatabase(t)

	_, err := execute(t, "events", "--db", db, "--type", "INVOICE_EXPLODED")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "events", "--db", db, "--limit", "-1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestShowCommand(t *testing.T) {
	db, id := seedDatabase(t)

	out, err := execute(t, "show", id, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "LISTED")
	assert.Contains(t, out, "10000.00")
}

func TestShowCommand_NotFound(t *testing.T) {
	db, _ := seedDatabase(t)

	out, err := execute(t, "show", "nope", "--db", db, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestScenarioCommand(t *testing.T) {
	out, err := execute(t, "scenario", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ lifecycle")
	assert.Contains(t, out, "✓ default_after_grace")
	assert.Contains(t, out, "✓ rejections")
	assert.Contains(t, out, "✓ two_invoices")
	assert.Contains(t, out, "4 passed, 0 failed, 4 total")
}

func TestScenarioCommand_Filter(t *testing.T) {
	out, err := execute(t, "scenario", "../harness/testdata/scenarios", "--filter", "life*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommand_Update(t *testing.T) {
	goldenDir := t.TempDir()

	_, err := execute(t, "scenario", "../harness/testdata/scenarios/lifecycle.yaml",
		"--update", "--golden-dir", goldenDir)
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(goldenDir, "lifecycle.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/lifecycle.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestScenarioCommand_Failure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))
	scenario := `name: wrong_expectation
description: Listing a fresh draft succeeds, so expecting a rejection fails.
steps:
  - op: create
    actor: exp-1
    as: inv1
    args:
      principal: "1000"
      currency: USD
      tenor_days: "30"
  - op: list
    actor: exp-1
    invoice: inv1
    expect:
      error: INVALID_STATE
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(scenario), 0644))

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestScenarioCommand_MissingPath(t *testing.T) {
	_, err := execute(t, "scenario", filepath.Join(t.TempDir(), "absent"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeConfig(t *testing.T) {
	opts := &ServeOptions{RootOptions: &RootOptions{}}
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "")
	cmd.Flags().StringVar(&opts.Sink, "sink", "", "")
	cmd.Flags().BoolVar(&opts.Tokens, "tokens", false, "")

	require.NoError(t, cmd.Flags().Set("addr", ":9999"))
	require.NoError(t, cmd.Flags().Set("sink", config.SinkConsensus))

	cfg, err := serveConfig(opts, cmd, config.Default())
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, config.SinkConsensus, cfg.Sink)
	assert.False(t, cfg.Tokens)

	require.NoError(t, cmd.Flags().Set("sink", "kafka"))
	_, err = serveConfig(opts, cmd, config.Default())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBuildServer(t *testing.T) {
	db, id := seedDatabase(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database = db
	cfg.FilesDir = filepath.Join(dir, "files")
	cfg.CatalogDSN = filepath.Join(dir, "catalog.db")
	cfg.Sink = config.SinkConsensus
	cfg.Tokens = true

	srv, cleanup, err := buildServer(cfg, slog.New(slog.DiscardHandler), map[string]string{"inv-a": "5000"})
	require.NoError(t, err)
	defer cleanup()

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/invoices/" + id)
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "LISTED", state["status"])

	resp, err = http.Get(ts.URL + "/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSimulatedLedger_BadBalance(t *testing.T) {
	rt := &runtime{}
	_, err := rt.simulatedLedger(config.Default(), map[string]string{"inv-a": "lots"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "balance for inv-a")
}
