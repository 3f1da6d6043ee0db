package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Create and list one invoice"
steps:
  - op: create
    actor: exp-1
    as: inv1
    args:
      principal: "1000"
      currency: USD
      tenor_days: 30
  - op: list
    actor: exp-1
    invoice: inv1
assertions:
  - type: status
    invoice: inv1
    status: LISTED
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, OpCreate, scenario.Steps[0].Op)
	assert.Equal(t, "30", scenario.Steps[0].Args["tenor_days"])
	assert.Equal(t, "inv1", scenario.Steps[1].Invoice)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertStatus, scenario.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_PackScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "flow_token: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
steps:
  - op: create
    actor: exp-1
`,
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: `
name: n
steps:
  - op: create
    actor: exp-1
`,
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: `
name: n
description: d
`,
			want: "steps list is required",
		},
		{
			name: "unknown op",
			yaml: `
name: n
description: d
steps:
  - op: refinance
    actor: exp-1
`,
			want: `unknown op "refinance"`,
		},
		{
			name: "undefined alias",
			yaml: `
name: n
description: d
steps:
  - op: list
    actor: exp-1
    invoice: inv9
`,
			want: `invoice "inv9" is not defined by an earlier step`,
		},
		{
			name: "duplicate alias",
			yaml: `
name: n
description: d
steps:
  - op: create
    actor: exp-1
    as: inv1
  - op: create
    actor: exp-1
    as: inv1
`,
			want: `alias "inv1" already defined`,
		},
		{
			name: "missing actor",
			yaml: `
name: n
description: d
steps:
  - op: create
    as: inv1
`,
			want: "actor is required for create",
		},
		{
			name: "advance without days",
			yaml: `
name: n
description: d
steps:
  - op: advance
`,
			want: "advance needs a positive days arg",
		},
		{
			name: "bad start",
			yaml: `
name: n
description: d
start: yesterday
steps:
  - op: advance
    args: {days: "1"}
`,
			want: "start:",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
steps:
  - op: create
    actor: exp-1
    as: inv1
assertions:
  - type: vibes
    invoice: inv1
`,
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "balance without tokens",
			yaml: `
name: n
description: d
steps:
  - op: create
    actor: exp-1
    as: inv1
assertions:
  - type: balance
    account: exp-1
    amount: "1"
`,
			want: "balance needs a tokens section",
		},
		{
			name: "payout without investor",
			yaml: `
name: n
description: d
steps:
  - op: create
    actor: exp-1
    as: inv1
assertions:
  - type: payout
    invoice: inv1
    amount: "1"
`,
			want: "investor and amount are required for payout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
