package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/roach88/receivables/internal/engine"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// StatusFor maps an engine error code to an HTTP status.
func StatusFor(code engine.Code) int {
	switch code {
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodeNotPermitted:
		return http.StatusForbidden
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidState, engine.CodeFullyFunded, engine.CodeNoInvestments, engine.CodeConflict:
		return http.StatusConflict
	case engine.CodeTransfer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *engine.Error
	if errors.As(err, &ee) {
		status := StatusFor(ee.Code)
		if status >= http.StatusInternalServerError || ee.Code == engine.CodeTransfer {
			s.logger.Error("command failed", "path", r.URL.Path, "code", ee.Code, "error", err)
		}
		writeJSON(w, status, ErrorBody{Error: ErrorDetail{
			Code:      string(ee.Code),
			Message:   ee.Message,
			InvoiceID: ee.InvoiceID,
			Status:    string(ee.Status),
			Details:   ee.Details,
		}})
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
		Code:    "INTERNAL",
		Message: "internal error",
	}})
}

func badRequest(w http.ResponseWriter, field, problem string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    string(engine.CodeValidation),
		Message: "invalid input",
		Details: map[string]string{field: problem},
	}})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// actor returns the caller named in the request header.
func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}
