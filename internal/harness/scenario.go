package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one executable invoice scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the clock's initial reading (RFC 3339). Empty means
	// testutil.Epoch.
	Start string `yaml:"start,omitempty"`

	// Tokens enables an in-memory token ledger.
	Tokens *TokenSetup `yaml:"tokens,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// TokenSetup seeds the in-memory token ledger.
type TokenSetup struct {
	// Escrow is the parent of the per-invoice escrow accounts. Defaults to
	// "escrow".
	Escrow string `yaml:"escrow,omitempty"`

	// Strict requires accounts to associate before receiving a token.
	Strict bool `yaml:"strict,omitempty"`

	// Balances issues settlement token to accounts before the first step.
	Balances map[string]string `yaml:"balances,omitempty"`
}

// Step is one command, or a clock advance.
type Step struct {
	// Op is the command to run (see the Op constants).
	Op string `yaml:"op"`

	// Actor is the caller. For create it is the exporter.
	Actor string `yaml:"actor,omitempty"`

	// Invoice is the alias of a previously created invoice.
	Invoice string `yaml:"invoice,omitempty"`

	// As names the invoice a successful create step produces.
	As string `yaml:"as,omitempty"`

	// Args holds the command arguments as strings.
	Args map[string]string `yaml:"args,omitempty"`

	// Expect checks the step's outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the expected outcome of a step.
type Expect struct {
	// Error is the expected engine error code; empty means success.
	Error string `yaml:"error,omitempty"`

	// Status is the invoice status after the step.
	Status string `yaml:"status,omitempty"`

	// Fields are state fields after the step, by JSON name.
	Fields map[string]string `yaml:"fields,omitempty"`
}

// Step operations.
const (
	OpCreate        = "create"
	OpList          = "list"
	OpInvest        = "invest"
	OpRecordPayment = "record_payment"
	OpSettle        = "settle"
	OpMarkDefault   = "mark_default"
	OpCancel        = "cancel"
	OpPostBond      = "post_bond"
	OpUpload        = "upload_document"
	OpAcknowledge   = "acknowledge"
	OpAttest        = "attest"
	OpAdvance       = "advance"
)

var knownOps = map[string]bool{
	OpCreate: true, OpList: true, OpInvest: true, OpRecordPayment: true,
	OpSettle: true, OpMarkDefault: true, OpCancel: true, OpPostBond: true,
	OpUpload: true, OpAcknowledge: true, OpAttest: true, OpAdvance: true,
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// startTime returns the clock start, zero for the default.
func (s *Scenario) startTime() (time.Time, error) {
	if s.Start == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s.Start)
}

// validateScenario checks that required fields are present and that every
// invoice alias is defined before it is used.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := s.startTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	aliases := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step, aliases); err != nil {
			return err
		}
		if step.As != "" {
			if aliases[step.As] {
				return fmt.Errorf("steps[%d]: alias %q already defined", i, step.As)
			}
			aliases[step.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, aliases, s.Tokens != nil); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, aliases map[string]bool) error {
	if !knownOps[step.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	switch step.Op {
	case OpAdvance:
		days, err := strconv.Atoi(step.Args["days"])
		if err != nil || days <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive days arg", i)
		}
		return nil
	case OpCreate:
		if step.Invoice != "" {
			return fmt.Errorf("steps[%d]: create takes as, not invoice", i)
		}
	default:
		if step.As != "" {
			return fmt.Errorf("steps[%d]: only create may define an alias", i)
		}
		if step.Invoice == "" {
			return fmt.Errorf("steps[%d]: invoice is required for %s", i, step.Op)
		}
		if !aliases[step.Invoice] {
			return fmt.Errorf("steps[%d]: invoice %q is not defined by an earlier step", i, step.Invoice)
		}
	}
	if step.Actor == "" {
		return fmt.Errorf("steps[%d]: actor is required for %s", i, step.Op)
	}
	return nil
}

func validateAssertion(i int, a Assertion, aliases map[string]bool, tokens bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", i)
	}
	if (a.Type != AssertBalance || a.Invoice != "") && !aliases[a.Invoice] {
		return fmt.Errorf("assertions[%d]: invoice %q is not defined", i, a.Invoice)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", i)
		}
	case AssertField:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for field", i)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", i)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", i)
		}
	case AssertBalance:
		if !tokens {
			return fmt.Errorf("assertions[%d]: balance needs a tokens section", i)
		}
		if (a.Account == "") == (a.Invoice == "") {
			return fmt.Errorf("assertions[%d]: balance needs exactly one of account or invoice", i)
		}
		if a.Amount == "" {
			return fmt.Errorf("assertions[%d]: amount is required for balance", i)
		}
	case AssertPayout, AssertCompensation, AssertRecovery:
		if a.Investor == "" || a.Amount == "" {
			return fmt.Errorf("assertions[%d]: investor and amount are required for %s", i, a.Type)
		}
	case AssertReplay:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
