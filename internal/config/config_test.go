package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Sources{Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_CUEFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "receivables.cue", `
addr:        ":9090"
sink:        "consensus"
tokens:      true
max_retries: 5
`)
	cfg, err := Load(Sources{File: path, Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, SinkConsensus, cfg.Sink)
	assert.True(t, cfg.Tokens)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "receivables.db", cfg.Database)
}

func TestLoad_CUESchemaRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown sink", `sink: "kafka"`},
		{"unknown field", `colour: "blue"`},
		{"bad addr", `addr: "localhost"`},
		{"retries out of range", `max_retries: 50`},
		{"wrong type", `tokens: "yes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "bad.cue", tt.content)
			_, err := Load(Sources{File: path, Environ: []string{}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "bad.cue")
		})
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "receivables.cue", `addr: ":9090"
database: "from-file.db"`)
	cfg, err := Load(Sources{
		File: path,
		Environ: []string{
			"RECEIVABLES_ADDR=:7070",
			"RECEIVABLES_TOKENS=true",
			"UNRELATED=1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "from-file.db", cfg.Database)
	assert.True(t, cfg.Tokens)
}

func TestLoad_DotEnvBelowProcessEnvironment(t *testing.T) {
	dot := writeFile(t, ".env", "RECEIVABLES_DATABASE=dot.db\nRECEIVABLES_LOG_FORMAT=json\n")
	cfg, err := Load(Sources{
		DotEnv:  dot,
		Environ: []string{"RECEIVABLES_DATABASE=env.db"},
	})
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	_, err := Load(Sources{DotEnv: filepath.Join(t.TempDir(), ".env"), Environ: []string{}})
	assert.NoError(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(Sources{File: filepath.Join(t.TempDir(), "nope.cue"), Environ: []string{}})
	assert.Error(t, err)
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	_, err := Load(Sources{Environ: []string{"RECEIVABLES_SINK=kafka"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sink "kafka"`)

	_, err = Load(Sources{Environ: []string{"RECEIVABLES_MAX_RETRIES=lots"}})
	assert.Error(t, err)
}

func TestValidate_TokensNeedEscrow(t *testing.T) {
	cfg := Default()
	cfg.Tokens = true
	cfg.EscrowAccount = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escrow_account")
}
