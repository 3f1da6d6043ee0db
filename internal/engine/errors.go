package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/receivables/internal/projection"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeValidation indicates malformed or out-of-range input.
	CodeValidation Code = "VALIDATION"

	// CodeInvalidState indicates the command is not allowed in the
	// invoice's current status.
	CodeInvalidState Code = "INVALID_STATE"

	// CodeFullyFunded indicates an investment into a funded invoice.
	CodeFullyFunded Code = "FULLY_FUNDED"

	// CodeNoInvestments indicates settlement of an invoice with no capital.
	CodeNoInvestments Code = "NO_INVESTMENTS"

	// CodeTransfer indicates a token transfer failed; nothing was recorded.
	CodeTransfer Code = "TRANSFER"

	// CodeConflict indicates another writer appended to the invoice first.
	CodeConflict Code = "CONCURRENCY_CONFLICT"

	// CodeNotFound indicates the invoice does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeNotPermitted indicates the caller may not perform the command.
	CodeNotPermitted Code = "NOT_PERMITTED"
)

// Error is the structured error returned by engine commands.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Op is the command that failed (e.g. "invest").
	Op string

	// InvoiceID identifies the affected invoice.
	InvoiceID string

	// Status is the invoice status observed when the command failed.
	Status projection.Status

	// Details maps field names to problems for validation errors.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := slices.Sorted(maps.Keys(e.Details))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + " " + e.Details[k]
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	if e.InvoiceID != "" {
		fmt.Fprintf(&b, " (op=%s, invoice=%s", e.Op, e.InvoiceID)
		if e.Status != projection.StatusNone {
			fmt.Fprintf(&b, ", status=%s", e.Status)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the engine error code of err, or "" if err is not an
// engine error.
func CodeOf(err error) Code {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func IsValidation(err error) bool    { return CodeOf(err) == CodeValidation }
func IsInvalidState(err error) bool  { return CodeOf(err) == CodeInvalidState }
func IsFullyFunded(err error) bool   { return CodeOf(err) == CodeFullyFunded }
func IsNoInvestments(err error) bool { return CodeOf(err) == CodeNoInvestments }
func IsTransfer(err error) bool      { return CodeOf(err) == CodeTransfer }
func IsConflict(err error) bool      { return CodeOf(err) == CodeConflict }
func IsNotFound(err error) bool      { return CodeOf(err) == CodeNotFound }
func IsNotPermitted(err error) bool  { return CodeOf(err) == CodeNotPermitted }

func newError(code Code, op string, s projection.InvoiceState, invoiceID, format string, args ...any) *Error {
	if invoiceID == "" {
		invoiceID = s.ID
	}
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Op:        op,
		InvoiceID: invoiceID,
		Status:    s.Status,
	}
}

func invalidState(op string, s projection.InvoiceState, format string, args ...any) *Error {
	return newError(CodeInvalidState, op, s, "", format, args...)
}

func notPermitted(op string, s projection.InvoiceState, format string, args ...any) *Error {
	return newError(CodeNotPermitted, op, s, "", format, args...)
}

func notFound(op, invoiceID string) *Error {
	return &Error{Code: CodeNotFound, Message: "invoice not found", Op: op, InvoiceID: invoiceID}
}

func transferError(op string, s projection.InvoiceState, err error) *Error {
	e := newError(CodeTransfer, op, s, "", "token transfer failed")
	e.Err = err
	return e
}
