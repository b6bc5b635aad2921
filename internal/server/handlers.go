package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vanshika/graphlens/internal/config"
	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/query"
	"github.com/vanshika/graphlens/internal/schema"
	"github.com/vanshika/graphlens/internal/session"
)

const (
	sessionHeader = "X-Session-ID"
	sessionCookie = "session_id"
)

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger   *slog.Logger
	presets  *config.Presets
	store    *session.Store
	executor *query.Executor
	schema   *schema.Introspector
	limits   config.QueryConfig
}

// APIDependencies collects the collaborators of the API handlers.
type APIDependencies struct {
	Presets      *config.Presets
	Store        *session.Store
	Executor     *query.Executor
	Introspector *schema.Introspector
	Query        config.QueryConfig
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, deps APIDependencies) *APIHandlers {
	if deps.Presets == nil {
		deps.Presets = &config.Presets{}
	}
	return &APIHandlers{
		logger:   logger,
		presets:  deps.Presets,
		store:    deps.Store,
		executor: deps.Executor,
		schema:   deps.Introspector,
		limits:   deps.Query,
	}
}

func (h *APIHandlers) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	respondJSON(w, http.StatusOK, presetsResponse{Presets: h.presets.List()})
}

func (h *APIHandlers) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listConnections(w, r)
	case http.MethodPost:
		h.connect(w, r)
	case http.MethodDelete:
		h.disconnect(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// handleSavedConnection serves /api/connections/{id} and
// /api/connections/{id}/select.
func (h *APIHandlers) handleSavedConnection(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/connections/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	switch {
	case id == "":
		writeError(w, http.StatusNotFound, "not found")
	case action == "select":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.selectConnection(w, r, id)
	case action == "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, http.MethodDelete)
			return
		}
		h.removeConnection(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *APIHandlers) listConnections(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, connectionsResponse{Connections: h.store.List(sessionID)})
}

// connect saves the requested target for the session, unless it is already
// saved, selects it and opens it. A target saved by this request is dropped
// again when it cannot be opened.
func (h *APIHandlers) connect(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var payload connectionRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeDomainError(w, r, domain.Validationf("invalid request body: %v", err))
		return
	}
	saved, created, err := h.save(sessionID, &payload)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	selected, err := h.store.Select(r.Context(), sessionID, saved.ID)
	if err != nil {
		if created {
			h.forget(r.Context(), sessionID, saved.ID)
		}
		h.writeDomainError(w, r, err)
		return
	}
	h.open(w, r, sessionID, selected, created)
}

func (h *APIHandlers) selectConnection(w http.ResponseWriter, r *http.Request, id string) {
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	saved, err := h.store.Select(r.Context(), sessionID, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.open(w, r, sessionID, saved, false)
}

// open checks that the selected target can be reached and drops its cached
// schema, so the next schema request reads it afresh.
func (h *APIHandlers) open(w http.ResponseWriter, r *http.Request, sessionID string, saved session.Saved, created bool) {
	h.invalidate(saved.Descriptor)

	ctx, cancel := context.WithTimeout(r.Context(), h.limits.DefaultTimeout)
	defer cancel()
	if _, err := h.store.GetOrCreate(ctx, sessionID, nil); err != nil {
		if created {
			h.forget(r.Context(), sessionID, saved.ID)
		}
		h.writeDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, connectionResponse{
		Connected: true,
		ID:        saved.ID,
		Name:      saved.Name,
		Type:      saved.Type,
		GraphName: saved.GraphName,
	})
}

func (h *APIHandlers) removeConnection(w http.ResponseWriter, r *http.Request, id string) {
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	removed, err := h.store.Remove(r.Context(), sessionID, id)
	if removed.ID == "" {
		h.writeDomainError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("closing removed connection failed", "session", sessionID, "error", err)
	}
	if removed.Active {
		h.executor.Cancel(sessionID)
		h.invalidate(removed.Descriptor)
	}
	respondJSON(w, http.StatusOK, removeResponse{Removed: true, ID: removed.ID})
}

func (h *APIHandlers) disconnect(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.executor.Cancel(sessionID)
	if d, ok := h.store.Descriptor(sessionID); ok {
		h.invalidate(d)
	}
	if err := h.store.Close(r.Context(), sessionID); err != nil {
		h.logger.Warn("closing session failed", "session", sessionID, "error", err)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (h *APIHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var payload queryRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeDomainError(w, r, domain.Validationf("invalid request body: %v", err))
		return
	}

	mode, err := query.ParseMode(payload.Mode)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	timeout, err := h.timeout(payload.TimeoutMS)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	req := query.Request{
		Session: sessionID,
		Query:   payload.Query,
		Mode:    mode,
		Timeout: timeout,
	}
	if payload.Descriptor != nil {
		if req.Descriptor, err = h.resolve(payload.Descriptor); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	result, err := h.executor.Execute(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *APIHandlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{Cancelled: h.executor.Cancel(sessionID)})
}

func (h *APIHandlers) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := statusResponse{}
	if running, ok := h.executor.Status(sessionID); ok {
		resp.Running = true
		resp.Query = &running
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID, err := sessionFrom(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		h.writeDomainError(w, r, domain.Validationf("invalid force flag %q", r.URL.Query().Get("force")))
		return
	}

	d, ok := h.store.Descriptor(sessionID)
	if !ok {
		h.writeDomainError(w, r, domain.Validationf("no connection configured for session"))
		return
	}

	summary, err := h.schema.Fetch(r.Context(), d, force)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// save finds or adds the saved connection a connect request refers to. A
// preset already saved for the session is reused, as is an unnamed inline
// target that matches a saved one. created reports whether an entry was added.
func (h *APIHandlers) save(sessionID string, req *connectionRequest) (saved session.Saved, created bool, err error) {
	if req.Preset != "" {
		if saved, ok := h.store.Lookup(sessionID, req.Preset); ok {
			return saved, false, nil
		}
	}
	d, err := h.resolve(req)
	if err != nil {
		return session.Saved{}, false, err
	}

	name := req.Preset
	if name == "" {
		name = req.Name
	}
	if name == "" {
		for _, sv := range h.store.List(sessionID) {
			if sv.Descriptor.Key() == d.Key() {
				return sv, false, nil
			}
		}
	}
	saved, err = h.store.Save(sessionID, name, d)
	if err != nil {
		return session.Saved{}, false, err
	}
	return saved, true, nil
}

func (h *APIHandlers) forget(ctx context.Context, sessionID, id string) {
	if _, err := h.store.Remove(context.WithoutCancel(ctx), sessionID, id); err != nil {
		h.logger.Warn("dropping unreachable connection failed", "session", sessionID, "error", err)
	}
}

func (h *APIHandlers) invalidate(d domain.Descriptor) {
	if h.schema != nil && d != nil {
		h.schema.Invalidate(d)
	}
}

// resolve turns a preset reference or an inline spec into a descriptor.
func (h *APIHandlers) resolve(req *connectionRequest) (domain.Descriptor, error) {
	if req.Preset != "" {
		return h.presets.Lookup(req.Preset)
	}
	return req.DescriptorSpec.Descriptor()
}

// timeout applies the configured default and caps the request at the maximum.
func (h *APIHandlers) timeout(ms int64) (time.Duration, error) {
	switch {
	case ms < 0:
		return 0, domain.Validationf("timeout_ms must not be negative")
	case ms == 0:
		return h.limits.DefaultTimeout, nil
	}
	timeout := time.Duration(ms) * time.Millisecond
	if h.limits.MaxTimeout > 0 && timeout > h.limits.MaxTimeout {
		timeout = h.limits.MaxTimeout
	}
	return timeout, nil
}

func (h *APIHandlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	body := errorResponse{ErrorKind: "InternalError", Message: "internal error"}
	var de *domain.Error
	if errors.As(err, &de) {
		body = errorResponse{ErrorKind: string(de.Kind), Message: de.Message, Code: de.Code}
	}
	body.Error = body.Message

	logger := h.logger.With("method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Warn("request rejected")
	}
	respondJSON(w, status, body)
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConnection:
		return http.StatusBadGateway
	case domain.KindQuery:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func sessionFrom(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); id != "" {
		return id, nil
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		if id := strings.TrimSpace(c.Value); id != "" {
			return id, nil
		}
	}
	return "", domain.Validationf("session id is required: set the %s header or the %s cookie", sessionHeader, sessionCookie)
}

// --- Request & Response DTOs ---

type connectionRequest struct {
	Preset string `json:"preset,omitempty"`
	domain.DescriptorSpec
}

type queryRequest struct {
	Query      string             `json:"query"`
	Mode       string             `json:"mode"`
	TimeoutMS  int64              `json:"timeout_ms"`
	Descriptor *connectionRequest `json:"descriptor,omitempty"`
}

type presetsResponse struct {
	Presets []config.PresetInfo `json:"presets"`
}

type connectionsResponse struct {
	Connections []session.Saved `json:"connections"`
}

type removeResponse struct {
	Removed bool   `json:"removed"`
	ID      string `json:"id"`
}

type connectionResponse struct {
	Connected bool   `json:"connected"`
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type"`
	GraphName string `json:"graph_name,omitempty"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type statusResponse struct {
	Running bool           `json:"running"`
	Query   *query.Running `json:"query,omitempty"`
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func parseBool(value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
