// Package api exposes the engine over HTTP.
//
// Commands are POSTs under /invoices; the caller is named by the
// X-Actor-ID header. Bodies are JSON and money amounts are decimal
// strings.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/readmodel"
)

// ActorHeader names the caller of a command.
const ActorHeader = "X-Actor-ID"

// Server holds the HTTP handlers.
type Server struct {
	eng     *engine.Engine
	files   files.Store
	catalog *readmodel.Catalog
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithFiles serves document downloads from fs.
func WithFiles(fs files.Store) Option {
	return func(s *Server) { s.files = fs }
}

// WithCatalog serves /catalog from the read model.
func WithCatalog(c *readmodel.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server for eng.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)

	r.HandleFunc("/invoices", s.listInvoices).Methods(http.MethodGet)
	r.HandleFunc("/invoices", s.createInvoice).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}", s.getInvoice).Methods(http.MethodGet)
	r.HandleFunc("/invoices/{id}/events", s.invoiceEvents).Methods(http.MethodGet)
	r.HandleFunc("/invoices/{id}/verify", s.verifyInvoice).Methods(http.MethodGet)

	r.HandleFunc("/invoices/{id}/list", s.listInvoice).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/invest", s.invest).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/payments", s.recordPayment).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/settle", s.settle).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/default", s.markDefault).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/cancel", s.cancel).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/bond", s.postBond).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/documents", s.uploadDocument).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/buyer-ack", s.acknowledgeBuyer).Methods(http.MethodPost)
	r.HandleFunc("/invoices/{id}/attest", s.attest).Methods(http.MethodPost)

	if s.files != nil {
		r.HandleFunc("/files/{fileID}", s.getFile).Methods(http.MethodGet)
	}
	if s.catalog != nil {
		r.HandleFunc("/catalog", s.listCatalog).Methods(http.MethodGet)
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"actor", r.Header.Get(ActorHeader),
			"duration", time.Since(start))
	})
}
