package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/engine"
	"github.com/rhuss/labflow/pkg/observability"
	"github.com/rhuss/labflow/pkg/storage"
	"github.com/rhuss/labflow/pkg/transport"
)

// Adapter serves the labflow API over HTTP.
// It routes requests to the executor and read stores and serializes the
// results as JSON, or as SSE for session event streams.
type Adapter struct {
	svc     transport.Services
	streams *transport.InFlightRegistry
	mux     *http.ServeMux
	handler http.Handler
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string

	// KeepAlive is the interval of SSE keep-alive comments on idle streams.
	KeepAlive time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
		MetricsPath: "/metrics",
		KeepAlive:   15 * time.Second,
	}
}

// NewAdapter creates an HTTP adapter for the given services.
// Middleware wraps every route in the given order.
func NewAdapter(svc transport.Services, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultConfig().KeepAlive
	}

	a := &Adapter{
		svc:     svc,
		streams: transport.NewInFlightRegistry(),
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("GET /v1/protocols", a.handleListProtocols)
	a.mux.HandleFunc("GET /v1/protocols/{id}", a.handleGetProtocol)

	a.mux.HandleFunc("POST /v1/sessions", a.handleStartSession)
	a.mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)
	a.mux.HandleFunc("POST /v1/sessions/{id}/steps/{order}", a.handleCompleteStep)
	a.mux.HandleFunc("POST /v1/sessions/{id}/regress", a.handleRegress)
	a.mux.HandleFunc("POST /v1/sessions/{id}/cancel", a.handleCancel)
	a.mux.HandleFunc("POST /v1/sessions/{id}/fail", a.handleFail)
	a.mux.HandleFunc("POST /v1/sessions/{id}/timer/{action}", a.handleTimerAction)
	a.mux.HandleFunc("GET /v1/sessions/{id}/timer", a.handleGetTimer)
	a.mux.HandleFunc("GET /v1/sessions/{id}/captures", a.handleListCaptures)
	a.mux.HandleFunc("GET /v1/sessions/{id}/audit", a.handleListAudit)
	a.mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)

	a.mux.HandleFunc("GET /v1/captures/{id}", a.handleGetCapture)
	a.mux.HandleFunc("POST /v1/captures/{id}/analyze", a.handleAnalyze)

	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	a.handler = transport.Chain(middlewares...)(http.HandlerFunc(a.route))
	return a
}

// route dispatches through the mux, then reports the matched pattern
// to the metrics middleware.
func (a *Adapter) route(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
	observability.ReportRoute(r)
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest.
func (a *Adapter) Handler() http.Handler {
	return a.handler
}

// CloseStreams ends every open event stream. Servers call it on
// shutdown since streams otherwise outlive the drain window.
func (a *Adapter) CloseStreams() int {
	return a.streams.CancelAll()
}

// OpenStreams returns the number of open event streams.
func (a *Adapter) OpenStreams() int {
	return a.streams.Len()
}

// handleListProtocols handles GET /v1/protocols.
func (a *Adapter) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols, err := a.svc.Catalog.List(r.Context())
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, listResponse[*api.Protocol]{Object: "list", Data: protocols})
}

// handleGetProtocol handles GET /v1/protocols/{id}.
func (a *Adapter) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Catalog.Protocol(r.Context(), r.PathValue("id"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, p)
}

// startSessionRequest is the body of POST /v1/sessions.
type startSessionRequest struct {
	ProtocolID string `json:"protocol_id"`
	OrderID    string `json:"order_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	TestID     string `json:"test_id,omitempty"`
}

// handleStartSession handles POST /v1/sessions.
func (a *Adapter) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !a.decodeBody(w, r, &req, false) {
		return
	}
	if req.ProtocolID == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("protocol_id", "protocol_id is required"))
		return
	}

	sess, err := a.svc.Executor.Start(r.Context(), req.ProtocolID, api.SessionRefs{
		OrderID:   req.OrderID,
		PatientID: req.PatientID,
		TestID:    req.TestID,
	})
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusCreated, sess)
}

// handleListSessions handles GET /v1/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	list, err := a.svc.Sessions.List(r.Context(), opts)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, list)
}

// handleGetSession handles GET /v1/sessions/{id}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := a.svc.Sessions.Get(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, sess)
}

// handleDeleteSession handles DELETE /v1/sessions/{id}. Open event
// streams of the session are ended before its data is removed.
func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if n := a.streams.Cancel(id); n > 0 {
		debug.Log(debug.Transport, "closed event streams of deleted session", "session_id", id, "streams", n)
	}
	if err := a.svc.Executor.Delete(r.Context(), id); err != nil {
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCompleteStep handles POST /v1/sessions/{id}/steps/{order}. The
// body is decoded according to the kind of the addressed step.
func (a *Adapter) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	order, err := strconv.Atoi(r.PathValue("order"))
	if err != nil || order < 1 {
		transport.WriteAPIError(w, api.NewInvalidRequestError("order", "step order must be a positive integer"))
		return
	}

	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	sess, err := a.svc.Sessions.Get(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}

	// A step outside the session is left for the executor to reject as
	// stale or terminal.
	var input engine.Input = engine.Acknowledge{}
	if step, found := sess.Step(order); found {
		input, err = engine.DecodeInput(step.Kind, body)
		if err != nil {
			transport.WriteError(w, err)
			return
		}
	}

	sess, err = a.svc.Executor.Complete(r.Context(), id, order, input)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, sess)
}

// handleRegress handles POST /v1/sessions/{id}/regress.
func (a *Adapter) handleRegress(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetStep int `json:"target_step"`
	}
	if !a.decodeBody(w, r, &req, false) {
		return
	}
	if req.TargetStep < 1 {
		transport.WriteAPIError(w, api.NewInvalidRequestError("target_step", "target_step must be a positive integer"))
		return
	}

	sess, err := a.svc.Executor.Regress(r.Context(), id, req.TargetStep)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, sess)
}

// reasonRequest is the optional body of the cancel and fail endpoints.
type reasonRequest struct {
	Reason string `json:"reason"`
}

// handleCancel handles POST /v1/sessions/{id}/cancel.
func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.terminate(w, r, a.svc.Executor.Cancel)
}

// handleFail handles POST /v1/sessions/{id}/fail.
func (a *Adapter) handleFail(w http.ResponseWriter, r *http.Request) {
	a.terminate(w, r, a.svc.Executor.Fail)
}

func (a *Adapter) terminate(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*api.Session, error)) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !a.decodeBody(w, r, &req, true) {
		return
	}
	sess, err := op(r.Context(), id, req.Reason)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, sess)
}

// handleTimerAction handles POST /v1/sessions/{id}/timer/{action}.
func (a *Adapter) handleTimerAction(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	var op func(context.Context, string) (*engine.TimerState, error)
	switch action := r.PathValue("action"); action {
	case "start":
		op = a.svc.Executor.StartTimer
	case "pause":
		op = a.svc.Executor.PauseTimer
	case "reset":
		op = a.svc.Executor.ResetTimer
	default:
		transport.WriteAPIError(w, api.NewInvalidRequestError("action", fmt.Sprintf("unknown timer action %q (want start, pause, or reset)", action)))
		return
	}

	state, err := op(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, state)
}

// handleGetTimer handles GET /v1/sessions/{id}/timer.
func (a *Adapter) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	state, err := a.svc.Executor.Timer(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, state)
}

// handleListCaptures handles GET /v1/sessions/{id}/captures.
func (a *Adapter) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if _, err := a.svc.Sessions.Get(r.Context(), id); err != nil {
		transport.WriteError(w, err)
		return
	}
	captures, err := a.svc.Captures.List(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, listResponse[*api.Capture]{Object: "list", Data: captures})
}

// handleListAudit handles GET /v1/sessions/{id}/audit.
func (a *Adapter) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if a.svc.Audit == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "audit retrieval is not available (auditing disabled)"),
			http.StatusNotImplemented,
		)
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	entries, err := a.svc.Audit.List(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, listResponse[*api.AuditEntry]{Object: "list", Data: entries})
}

// handleEvents handles GET /v1/sessions/{id}/events. The stream ends
// after a session.* event, when the session is deleted, or when the
// client goes away.
func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	// Subscribe before reading the session so a terminal event published
	// in between is not missed.
	events, unsubscribe := a.svc.Executor.Subscribe(id)
	defer unsubscribe()

	sess, err := a.svc.Sessions.Get(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	remove := a.streams.Register(id, cancel)
	defer remove()

	sw := newEventStreamWriter(w)
	if err := sw.open(); err != nil {
		debug.Log(debug.Transport, "event stream open failed", "session_id", id, "error", err)
		return
	}
	if ev, terminal := terminalEvent(sess); terminal {
		sw.writeEvent(ev)
		return
	}

	ticker := time.NewTicker(a.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sw.keepAlive(); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sw.writeEvent(ev); err != nil {
				debug.Log(debug.Transport, "event stream write failed", "session_id", id, "error", err)
				return
			}
			if sw.completed() {
				return
			}
		}
	}
}

// handleGetCapture handles GET /v1/captures/{id}.
func (a *Adapter) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	id, ok := captureID(w, r)
	if !ok {
		return
	}
	c, err := a.svc.Captures.Get(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, c)
}

// handleAnalyze handles POST /v1/captures/{id}/analyze.
func (a *Adapter) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, ok := captureID(w, r)
	if !ok {
		return
	}
	c, err := a.svc.Executor.Analyze(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusAccepted, c)
}

// handleHealthz handles GET /healthz.
func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz handles GET /readyz by checking the backing store.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.svc.Health != nil {
		if err := a.svc.Health.HealthCheck(r.Context()); err != nil {
			transport.WriteAPIError(w, api.NewPersistenceError("health check", err))
			return
		}
	}
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listResponse is the envelope of unpaginated lists.
type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateSessionID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed session ID"))
		return "", false
	}
	return id, true
}

func captureID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateCaptureID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed capture ID"))
		return "", false
	}
	return id, true
}

// readBody reads the request body within the configured size limit and
// checks the content type.
func (a *Adapter) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return nil, false
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "failed to read body: "+err.Error()))
		return nil, false
	}
	return body, true
}

// decodeBody decodes a JSON body into v. With optional set, an empty
// body leaves v untouched.
func (a *Adapter) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	body, ok := a.readBody(w, r)
	if !ok {
		return false
	}
	if len(body) == 0 {
		if optional {
			return true
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "request body is required"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// parseListOptions extracts filters and pagination parameters from the
// query string.
func parseListOptions(r *http.Request) (storage.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		After:      q.Get("after"),
		Before:     q.Get("before"),
		Order:      q.Get("order"),
		ProtocolID: q.Get("protocol_id"),
		Status:     api.SessionStatus(q.Get("status")),
	}

	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "cannot use both 'after' and 'before' cursors")
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	switch opts.Status {
	case "", api.SessionStatusStarted, api.SessionStatusInProgress, api.SessionStatusCompleted,
		api.SessionStatusFailed, api.SessionStatusCancelled:
	default:
		return opts, api.NewInvalidRequestError("status", fmt.Sprintf("unknown session status %q", opts.Status))
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}
