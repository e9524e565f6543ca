package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/lifecycle"
	"challenge-instancer/internal/store"
)

// Lifecycle is the engine surface the handlers drive. *lifecycle.Engine
// satisfies it; tests substitute a fake.
type Lifecycle interface {
	Start(ctx context.Context, owner string, ex lifecycle.ExerciseSpec) (*lifecycle.Snapshot, error)
	Extend(ctx context.Context, owner, exerciseID string) (*lifecycle.Snapshot, error)
	Stop(ctx context.Context, owner, exerciseID string, reason lifecycle.StopReason) error
	Status(ctx context.Context, owner, exerciseID string) (*lifecycle.Snapshot, error)
	Validate(ctx context.Context, owner, exerciseID, submitted string) (bool, error)
}

// EventStore reads the audit trail.
type EventStore interface {
	ListAuditEvents(ctx context.Context, filter store.EventFilter) ([]store.AuditEvent, error)
}

type Handlers struct {
	engine Lifecycle
	events EventStore
}

func NewHandlers(engine Lifecycle, events EventStore) *Handlers {
	return &Handlers{engine: engine, events: events}
}

// HandleStart provisions an instance. A lost creation race answers 409 with
// the winning instance in the body, so the caller can treat it exactly like
// a normal "already running" start.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	snap, err := h.engine.Start(r.Context(), req.Owner, exerciseSpec(req.Exercise))
	if err != nil {
		if errors.Is(err, lifecycle.ErrConflict) && snap != nil {
			writeJSON(w, http.StatusConflict, instanceResponse(snap))
			return
		}
		h.writeLifecycleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, instanceResponse(snap))
}

func (h *Handlers) HandleExtend(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	snap, err := h.engine.Extend(r.Context(), req.Owner, req.Exercise)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, instanceResponse(snap))
}

// HandleStop tears an instance down. Stopping an absent instance succeeds,
// so repeated stops and races with the reclamation sweep all answer 200.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.engine.Stop(r.Context(), req.Owner, req.Exercise, lifecycle.ReasonUserRequested); err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	exercise := r.URL.Query().Get("exercise")

	snap, err := h.engine.Status(r.Context(), owner, exercise)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, instanceResponse(snap))
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Owner == "" || req.Exercise == "" {
		writeError(w, "owner and exercise are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	valid, err := h.engine.Validate(r.Context(), req.Owner, req.Exercise, req.Flag)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("flag validation failed")
		writeError(w, "validation failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, ValidateResponse{Valid: valid})
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := store.EventFilter{
		Owner:    q.Get("owner"),
		Exercise: q.Get("exercise"),
		Action:   q.Get("action"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}

	events, err := h.events.ListAuditEvents(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// writeLifecycleError maps engine sentinels onto HTTP statuses. Everything
// unmapped is an internal error; the detail stays in the logs.
func (h *Handlers) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, lifecycle.ErrMaxExtensions):
		writeError(w, err.Error(), "MAX_EXTENSIONS", http.StatusConflict, r)
	case errors.Is(err, lifecycle.ErrLifetimeCap):
		writeError(w, err.Error(), "LIFETIME_CAP", http.StatusConflict, r)
	case errors.Is(err, lifecycle.ErrBackend):
		writeError(w, err.Error(), "BACKEND_ERROR", http.StatusBadGateway, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("lifecycle operation failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func exerciseSpec(req ExerciseRequest) lifecycle.ExerciseSpec {
	spec := lifecycle.ExerciseSpec{
		ID:           req.ID,
		Image:        req.Image,
		Ports:        req.Ports,
		FlagTemplate: req.FlagTemplate,
	}
	if req.Limits != (ResourceLimits{}) {
		spec.Limits.CPUShares = req.Limits.CPUShares
		spec.Limits.MemoryMB = req.Limits.MemoryMB
		spec.Limits.PidsLimit = req.Limits.PidsLimit
	}
	return spec
}

func instanceResponse(snap *lifecycle.Snapshot) InstanceResponse {
	return InstanceResponse{
		InstanceID:       snap.InstanceID.String(),
		Exercise:         snap.ExerciseID,
		Host:             snap.Host,
		Ports:            snap.Ports,
		CreatedAt:        snap.CreatedAt,
		ExpiresAt:        snap.ExpiresAt,
		RemainingSeconds: snap.RemainingSeconds,
		ExtensionCount:   snap.ExtensionCount,
		MaxExtensions:    snap.MaxExtensions,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
