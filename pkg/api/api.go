// Package api serves the engine's operational HTTP surface: event ingest,
// execution inspection and the cancel/retry operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/history"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/service"
	"github.com/everflow-crm/everflow/pkg/telemetry"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

// EventHandler ingests one event into the engine.
type EventHandler func(ctx context.Context, evt event.Event) error

// Engine exposes the execution operations the API drives.
type Engine interface {
	Cancel(ctx context.Context, id ulid.ULID, reason enums.CompletionReason) error
	Retry(ctx context.Context, id ulid.ULID) (*state.Execution, error)
}

type Options struct {
	Addr    string
	Store   state.Store
	History history.Driver
	Loader  workflow.Loader
	Engine  Engine
	Events  EventHandler
	Metrics *telemetry.Metrics
	Logger  logger.Logger
}

func New(o Options) *API {
	if o.Logger == nil {
		o.Logger = logger.Void()
	}

	a := &API{
		Router: chi.NewMux(),
		opts:   o,
		log:    o.Logger.With("caller", "api"),
	}

	c := cors.New(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	a.Use(c.Handler)

	a.Get("/health", a.health)
	if o.Metrics != nil {
		a.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
	}
	a.Post("/events", a.receiveEvent)
	a.Route("/executions/{executionID}", func(r chi.Router) {
		r.Get("/", a.getExecution)
		r.Get("/logs", a.getExecutionLogs)
		r.Post("/cancel", a.cancelExecution)
		r.Post("/retry", a.retryExecution)
	})
	a.Get("/workflows/{workflowID}/executions", a.listExecutions)

	return a
}

type API struct {
	chi.Router

	opts   Options
	log    logger.Logger
	server *http.Server
}

var _ service.Service = (*API)(nil)

func (a *API) Name() string { return "api" }

func (a *API) Pre(ctx context.Context) error {
	a.server = &http.Server{
		Addr:    a.opts.Addr,
		Handler: a,
	}
	return nil
}

func (a *API) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return errors.Wrap(err, "error binding api listener")
	}
	a.log.Info("api listening", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *API) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) receiveEvent(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	if r.ContentLength > consts.MaxEventBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "event payload too large")
		return
	}

	byt, err := io.ReadAll(io.LimitReader(r.Body, consts.MaxEventBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error reading request body")
		return
	}

	evt, err := event.NewEvent(byt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event json")
		return
	}
	if err := evt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracked := event.NewTrackedEvent(*evt)
	if a.opts.Metrics != nil {
		a.opts.Metrics.EventsReceived.WithLabelValues(eventKind(tracked.Event())).Inc()
	}

	if err := a.opts.Events(r.Context(), tracked.Event()); err != nil {
		a.log.Error("error handling event", "error", err, "event", evt.Name)
		writeError(w, http.StatusInternalServerError, "error handling event")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": tracked.InternalID().String()})
}

func eventKind(evt event.Event) string {
	switch {
	case evt.Name == event.SubjectRemovedName:
		return "subject_removed"
	case evt.IsTrigger():
		return "trigger"
	default:
		return "domain"
	}
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := a.executionID(w, r)
	if !ok {
		return
	}

	e, err := a.opts.Store.Load(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		a.internalError(w, err)
		return
	}

	// Total steps come from the pinned definition version the execution
	// was admitted under.
	totalSteps := 0
	def, err := a.opts.Loader.DefinitionVersion(r.Context(), e.WorkflowID, e.WorkflowVersion)
	if err == nil {
		totalSteps = len(def.Steps)
	}

	progress := 0.0
	if totalSteps > 0 {
		progress = float64(e.CurrentStepIndex) / float64(totalSteps)
		if progress > 1 {
			progress = 1
		}
	}
	if e.Status == enums.ExecutionStatusCompleted {
		progress = 1
	}

	writeJSON(w, http.StatusOK, executionResponse{
		Execution:  e,
		TotalSteps: totalSteps,
		Progress:   progress,
	})
}

type executionResponse struct {
	*state.Execution
	TotalSteps int     `json:"total_steps"`
	Progress   float64 `json:"progress"`
}

func (a *API) getExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := a.executionID(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", consts.DefaultLogPageSize)

	entries, err := a.opts.History.List(r.Context(), id, page, limit)
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":  page,
		"limit": limit,
		"logs":  entries,
	})
}

func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := a.executionID(w, r)
	if !ok {
		return
	}

	err := a.opts.Engine.Cancel(r.Context(), id, enums.CompletionReasonCancelled)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if errors.Is(err, state.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (a *API) retryExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := a.executionID(w, r)
	if !ok {
		return
	}

	e, err := a.opts.Engine.Retry(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if errors.Is(err, state.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	f := state.ListFilter{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", consts.DefaultLogPageSize),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := enums.ParseExecutionStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = &status
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	f.From = from
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}
	f.To = to

	out, err := a.opts.Store.List(r.Context(), workflowID, f)
	if err != nil {
		a.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":       f.Page,
		"limit":      f.Limit,
		"executions": out,
	})
}

func (a *API) executionID(w http.ResponseWriter, r *http.Request) (ulid.ULID, bool) {
	id, err := ulid.Parse(chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return ulid.ULID{}, false
	}
	return id, true
}

func (a *API) internalError(w http.ResponseWriter, err error) {
	a.log.Error("api error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// queryTime parses an optional RFC3339 query parameter, writing a 400 on
// malformed input.
func queryTime(w http.ResponseWriter, r *http.Request, key string) (*time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s time", key))
		return nil, false
	}
	return &t, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
