package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/session"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/types"
)

// ownerHeader carries the caller's identity, set by the auth proxy in front
// of the service.
const ownerHeader = "X-Owner-ID"

// defaultHistoryLimit and maxHistoryLimit bound GET /api/sessions.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// SettingsService reads and writes per-owner settings.
type SettingsService interface {
	settings.Provider
	Put(ctx context.Context, ownerID string, us settings.UserSettings) error
}

// API serves the tracking, history and settings endpoints.
type API struct {
	Tracker  *Tracker
	Settings SettingsService

	// History is nil when no storage backend is configured.
	History persist.History
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tracking/start", a.handleStart)
	mux.HandleFunc("POST /api/tracking/stop", a.handleStop)
	mux.HandleFunc("GET /api/tracking", a.handleStatus)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("GET /api/settings", a.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", a.handlePutSettings)
}

type errorBody struct {
	Error string `json:"error"`
}

type stopBody struct {
	Session types.FinalizedSession `json:"session"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	st, err := a.Tracker.Start(r.Context(), owner)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		writeJSON(w, http.StatusConflict, errorBody{Error: "a session is already active"})
	case err != nil:
		observe.Logger(r.Context()).Warn("api: start tracking", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if active, running := a.Tracker.ActiveOwner(); running && active != owner {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "the active session belongs to another user"})
		return
	}
	fin, err := a.Tracker.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		writeJSON(w, http.StatusConflict, errorBody{Error: "no active session"})
	case err != nil:
		observe.Logger(r.Context()).Warn("api: stop tracking", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, stopBody{Session: fin})
	}
}

// handleStatus reports the tracker state. Another owner's session shows as
// its state alone, without session details.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	st := a.Tracker.Status()
	if st.OwnerID != "" && st.OwnerID != owner {
		st = Status{State: st.State}
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if a.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session history requires a storage backend"})
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	sessions, err := a.History.ListSessions(r.Context(), owner, limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: list sessions", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not load sessions"})
		return
	}
	if sessions == nil {
		sessions = []types.FinalizedSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	us, err := a.Settings.Get(r.Context(), owner)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var us settings.UserSettings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&us); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := us.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := a.Settings.Put(r.Context(), owner, us); err != nil {
		observe.Logger(r.Context()).Warn("api: save settings", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not save settings"})
		return
	}
	slog.Info("settings updated", "owner_id", owner, "sensitivity", us.Sensitivity, "mode", us.Mode)
	writeJSON(w, http.StatusOK, us)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
