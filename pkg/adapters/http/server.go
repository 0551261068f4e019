// Package http exposes entities over a small JSON API. Every request runs in a fresh
// transactionless context, so reads go through the shared cache and writes apply
// immediately.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aretw0/keystone/internal/logging"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIVersion is reported by GET /info.
const APIVersion = "0.1.0"

// maxPayload bounds PUT bodies.
const maxPayload = 1 << 20

// Server serves the entity API.
type Server struct {
	Factory  *session.Factory
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// EntityResponse is the body of GET /entities/{kind}/{key}.
type EntityResponse struct {
	Identity string          `json:"identity"`
	Key      string          `json:"key"`
	Version  string          `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

// Option configures the handler.
type Option func(*Server)

// WithMetrics serves gatherer on /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) { s.Gatherer = gatherer }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.Logger = logger }
}

// NewHandler creates the HTTP handler.
//
//	GET    /healthz
//	GET    /info
//	GET    /metrics                 (when metrics are enabled)
//	GET    /entities/{kind}/{key}   key is a numeric id or a name; ?parent=<encoded identity>
//	PUT    /entities/{kind}/{key}   body is the encoded payload
//	DELETE /entities/{kind}/{key}
func NewHandler(factory *session.Factory, opts ...Option) http.Handler {
	s := &Server{Factory: factory, Logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/entities/{kind}/{key}", s.GetEntity)
	r.Put("/entities/{kind}/{key}", s.PutEntity)
	r.Delete("/entities/{kind}/{key}", s.DeleteEntity)
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":         "keystone-http",
		"api_version": APIVersion,
		"kinds":       strconv.Itoa(len(s.Factory.Resolver().Registry().Kinds())),
	})
}

// GetEntity handles GET /entities/{kind}/{key}.
func (s *Server) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	e, err := s.Factory.Begin().LoadEntry(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !e.Found() {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	resp := EntityResponse{Identity: id.String(), Key: id.Encode(), Version: string(e.Version)}
	if json.Valid(e.Payload) {
		resp.Payload = e.Payload
	} else {
		// Non-JSON codecs come back base64-encoded.
		resp.Payload, _ = json.Marshal(e.Payload)
	}
	w.Header().Set("ETag", strconv.Quote(string(e.Version)))
	writeJSON(w, http.StatusOK, resp)
}

// PutEntity handles PUT /entities/{kind}/{key}.
func (s *Server) PutEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPayload {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	op, err := s.Factory.Begin().PutRaw(r.Context(), id, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	v, err := op.Await(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"identity": id.String(), "version": string(v)})
}

// DeleteEntity handles DELETE /entities/{kind}/{key}.
func (s *Server) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	op, err := s.Factory.Begin().DeleteRaw(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := op.Await(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	kind, err1 := pathParam(r, "kind")
	key, err2 := pathParam(r, "key")
	if err := errors.Join(err1, err2); err != nil {
		http.Error(w, "invalid path: "+err.Error(), http.StatusBadRequest)
		return domain.Identity{}, false
	}

	var id domain.Identity
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		id = domain.NewIdentity(kind, n)
	} else {
		id = domain.NewNamedIdentity(kind, key)
	}
	if p := r.URL.Query().Get("parent"); p != "" {
		parent, err := domain.ParseIdentity(p)
		if err != nil {
			http.Error(w, "invalid parent: "+err.Error(), http.StatusBadRequest)
			return domain.Identity{}, false
		}
		id = id.WithParent(parent)
	}
	if err := id.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.Identity{}, false
	}
	return id, true
}

// pathParam returns the decoded URL parameter. chi matches on the raw path when the
// request carries escaped characters.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrIllegalState), errors.Is(err, domain.ErrNullInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrentModification):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("Request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
