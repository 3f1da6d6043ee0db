package harness

import "github.com/roach88/receivables/internal/projection"

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int      `json:"step"`
	Op      string   `json:"op"`
	Actor   string   `json:"actor,omitempty"`
	Invoice string   `json:"invoice,omitempty"`
	Days    int      `json:"days,omitempty"`
	Outcome string   `json:"outcome"` // "ok" or the engine error code
	Status  string   `json:"status,omitempty"`
	Version int64    `json:"version,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains one entry per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains mismatch messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Invoices holds the final state of each aliased invoice.
	Invoices map[string]projection.InvoiceState `json:"invoices,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Invoices: make(map[string]projection.InvoiceState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
