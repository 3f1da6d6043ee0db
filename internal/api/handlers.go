package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/readmodel"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	BuyerID      string          `json:"buyer_id"`
	AttesterID   string          `json:"attester_id"`
	Principal    decimal.Decimal `json:"principal"`
	Currency     string          `json:"currency"`
	YieldBps     int64           `json:"yield_bps"`
	TenorDays    int64           `json:"tenor_days"`
	MaturityDate *time.Time      `json:"maturity_date"`
	Description  string          `json:"description"`
}

// createInvoice creates an invoice for the calling exporter.
func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	terms := engine.Terms{
		ExporterID:  actor(r),
		BuyerID:     req.BuyerID,
		AttesterID:  req.AttesterID,
		Principal:   req.Principal,
		Currency:    req.Currency,
		YieldBps:    req.YieldBps,
		TenorDays:   req.TenorDays,
		Description: req.Description,
	}
	if req.MaturityDate != nil {
		terms.MaturityDate = *req.MaturityDate
	}
	st, err := s.eng.Create(r.Context(), terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.eng.ListInvoices(r.Context(), engine.InvoiceFilter{
		Status:     projection.Status(q.Get("status")),
		ExporterID: q.Get("exporter_id"),
		InvestorID: q.Get("investor_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	rows, err := s.catalog.List(r.Context(), readmodel.Query{
		Status:     projection.Status(q.Get("status")),
		ExporterID: q.Get("exporter_id"),
		InvestorID: q.Get("investor_id"),
		Limit:      int(limit),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.writeEvents(w, r, q.Get("invoice_id"))
}

func (s *Server) invoiceEvents(w http.ResponseWriter, r *http.Request) {
	s.writeEvents(w, r, mux.Vars(r)["id"])
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, invoiceID string) {
	q := r.URL.Query()
	after, ok := intParam(w, q.Get("after"), "after")
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	f := event.Filter{InvoiceID: invoiceID, Type: event.Type(q.Get("type")), After: after, Limit: int(limit)}
	if f.Type != "" && !f.Type.Valid() {
		badRequest(w, "type", "unknown_event_type")
		return
	}
	events, err := s.eng.ListEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) verifyInvoice(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.Verify(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

func (s *Server) listInvoice(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.List(r.Context(), mux.Vars(r)["id"], actor(r))
	s.reply(w, r, st, err)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) invest(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	res, err := s.eng.Invest(r.Context(), mux.Vars(r)["id"], actor(r), req.Amount)
	s.reply(w, r, res, err)
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (s *Server) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	res, err := s.eng.RecordPayment(r.Context(), mux.Vars(r)["id"], actor(r), req.Amount, req.Reference)
	s.reply(w, r, res, err)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.Settle(r.Context(), mux.Vars(r)["id"], actor(r))
	s.reply(w, r, res, err)
}

func (s *Server) markDefault(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.MarkDefault(r.Context(), mux.Vars(r)["id"], actor(r))
	s.reply(w, r, res, err)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	st, err := s.eng.Cancel(r.Context(), mux.Vars(r)["id"], actor(r), req.Reason)
	s.reply(w, r, st, err)
}

// postBond accepts an empty body to post the standard bond.
func (s *Server) postBond(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	st, err := s.eng.PostBond(r.Context(), mux.Vars(r)["id"], actor(r), req.Amount)
	s.reply(w, r, st, err)
}

type documentRequest struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	st, err := s.eng.UploadDocument(r.Context(), mux.Vars(r)["id"], actor(r), engine.Document{
		Name:        req.Name,
		Kind:        req.Kind,
		ContentType: req.ContentType,
		Data:        req.Data,
	})
	s.reply(w, r, st, err)
}

type noteRequest struct {
	Note      string `json:"note"`
	Statement string `json:"statement"`
}

func (s *Server) acknowledgeBuyer(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	st, err := s.eng.AcknowledgeBuyer(r.Context(), mux.Vars(r)["id"], actor(r), req.Note)
	s.reply(w, r, st, err)
}

func (s *Server) attest(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	st, err := s.eng.Attest(r.Context(), mux.Vars(r)["id"], actor(r), req.Statement)
	s.reply(w, r, st, err)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.files.Get(r.Context(), mux.Vars(r)["fileID"])
	if err != nil && !errors.Is(err, files.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Code:    string(engine.CodeNotFound),
			Message: "file not found",
		}})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// intParam parses an optional non-negative integer query parameter.
func intParam(w http.ResponseWriter, raw, name string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		badRequest(w, name, "must_be_non_negative_integer")
		return 0, false
	}
	return n, true
}
