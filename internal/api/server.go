// Package api is the HTTP surface: the tenant-scoped execution API, the
// selector and catalog endpoints, the asset façade, and the key-gated
// internal routes for secrets and the dead letter queue. Handlers decode,
// delegate, and render; no business rules live here.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opspilot/backend/internal/assets"
	"github.com/opspilot/backend/internal/catalog"
	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/engine"
	"github.com/opspilot/backend/internal/events"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/secrets"
	"github.com/opspilot/backend/internal/selector"
	"github.com/opspilot/backend/internal/store"
)

// ExecutionService is the engine surface the API delegates to.
type ExecutionService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)
	Cancel(ctx context.Context, tenantID, executionID string, reason core.CancelReason) (*core.Execution, error)
	Decide(ctx context.Context, tenantID, approvalID string, state core.ApprovalState, decidedBy, reason string) (*core.Approval, error)
}

// ExecutionReader serves execution and event reads; *store.Store
// satisfies it.
type ExecutionReader interface {
	GetExecution(ctx context.Context, tenantID, id string) (*core.Execution, error)
	ListEvents(ctx context.Context, executionID string, since int64, limit int) ([]core.ExecutionEvent, error)
	ListSteps(ctx context.Context, executionID string) ([]core.ExecutionStep, error)
}

// DLQAdmin is the dead-letter surface behind /internal/dlq.
type DLQAdmin interface {
	ListDLQ(ctx context.Context, limit, offset int, includeArchived bool) ([]store.DeadLetterItem, error)
	RequeueFromDLQ(ctx context.Context, itemID string, resetAttempt bool) (*store.QueueItem, error)
	ArchiveDLQItem(ctx context.Context, itemID string) error
	DLQStats(ctx context.Context) (map[string]int, error)
}

// SelectorService exposes Stage B scoring.
type SelectorService interface {
	Explain(ctx context.Context, req selector.Request) (*selector.Explanation, error)
}

// ToolCatalog is the catalog surface behind /tools.
type ToolCatalog interface {
	ListTools(ctx context.Context) ([]*catalog.ToolSpec, error)
	GetToolByName(ctx context.Context, name string) (*catalog.ToolSpec, error)
	GetToolVersion(ctx context.Context, name string, version int) (*catalog.ToolSpec, error)
	GetToolHistory(ctx context.Context, name string) ([]*catalog.ToolSpec, error)
	Upsert(ctx context.Context, spec *catalog.ToolSpec) (*catalog.ToolSpec, error)
	Rollback(ctx context.Context, name string, toVersion int) (*catalog.ToolSpec, error)
	Reload(ctx context.Context) (int, error)
}

// Options configure the server.
type Options struct {
	Addr               string
	InternalKey        string
	RateLimitPerMinute int
	Environment        string
}

// Server wires handlers, middleware and the listener.
type Server struct {
	engine   ExecutionService
	reader   ExecutionReader
	dlq      DLQAdmin
	selector SelectorService
	catalog  ToolCatalog
	resolver *assets.Resolver
	broker   *secrets.Broker
	hub      *events.StreamHub
	limiter  *rateLimiter
	opts     Options
	logger   *log.Logger
	http     *http.Server
}

func NewServer(eng ExecutionService, reader ExecutionReader, dlq DLQAdmin,
	sel SelectorService, cat ToolCatalog, resolver *assets.Resolver,
	broker *secrets.Broker, hub *events.StreamHub, opts Options) *Server {
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 120
	}
	return &Server{
		engine:   eng,
		reader:   reader,
		dlq:      dlq,
		selector: sel,
		catalog:  cat,
		resolver: resolver,
		broker:   broker,
		hub:      hub,
		limiter:  newRateLimiter(opts.RateLimitPerMinute, time.Minute),
		opts:     opts,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.tenantMiddleware)

	// Execution API (tenant-scoped, rate limited).
	public := r.NewRoute().Subrouter()
	public.Use(s.rateLimitMiddleware)
	public.HandleFunc("/executions", s.handleSubmit).Methods(http.MethodPost)
	public.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	public.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	public.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	public.HandleFunc("/executions/{id}/steps", s.handleSteps).Methods(http.MethodGet)
	public.HandleFunc("/executions/{id}/stream", s.handleStream).Methods(http.MethodGet)
	public.HandleFunc("/approvals/{id}/decide", s.handleDecide).Methods(http.MethodPost)

	public.HandleFunc("/selector/explain", s.handleExplain).Methods(http.MethodPost)

	public.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	public.HandleFunc("/tools/reload", s.handleReloadTools).Methods(http.MethodPost)
	public.HandleFunc("/tools/{name}", s.handleGetTool).Methods(http.MethodGet)
	public.HandleFunc("/tools/{name}", s.handlePutTool).Methods(http.MethodPut)
	public.HandleFunc("/tools/{name}/history", s.handleToolHistory).Methods(http.MethodGet)
	public.HandleFunc("/tools/{name}/versions/{version}", s.handleToolVersion).Methods(http.MethodGet)
	public.HandleFunc("/tools/{name}/rollback", s.handleToolRollback).Methods(http.MethodPost)

	public.HandleFunc("/assets/count", s.handleAssetCount).Methods(http.MethodGet)
	public.HandleFunc("/assets/search", s.handleAssetSearch).Methods(http.MethodGet)
	public.HandleFunc("/assets/connection-profile", s.handleConnectionProfile).Methods(http.MethodGet)

	// Internal routes: key-gated, never rate limited, 404 on a bad key.
	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalKeyMiddleware)
	internal.HandleFunc("/secrets/credential-upsert", s.handleCredentialUpsert).Methods(http.MethodPost)
	internal.HandleFunc("/secrets/credential-lookup", s.handleCredentialLookup).Methods(http.MethodPost)
	internal.HandleFunc("/secrets/{host}/{purpose}", s.handleCredentialDelete).Methods(http.MethodDelete)
	internal.HandleFunc("/dlq", s.handleListDLQ).Methods(http.MethodGet)
	internal.HandleFunc("/dlq/stats", s.handleDLQStats).Methods(http.MethodGet)
	internal.HandleFunc("/dlq/{id}/requeue", s.handleDLQRequeue).Methods(http.MethodPost)
	internal.HandleFunc("/dlq/{id}/archive", s.handleDLQArchive).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("listening on %s", s.opts.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"environment": s.opts.Environment,
	})
}

// ============================================================================
// RENDERING
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	if kind == faults.KindRateLimited {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, faults.HTTPStatus(kind), faults.ToEnvelope(err))
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return faults.Wrap(faults.KindValidation, err, "invalid request body")
	}
	return nil
}
