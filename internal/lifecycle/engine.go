package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/flagcrypto"
	"challenge-instancer/internal/monitor"
	"challenge-instancer/internal/orchestrator"
	"challenge-instancer/internal/policy"
	"challenge-instancer/internal/store"
)

// Store is the persistence surface the engine needs. *store.DB satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	CreateInstanceWithFlag(ctx context.Context, inst *store.Instance, flag *store.FlagRecord) error
	GetActiveInstance(ctx context.Context, owner, exerciseID string) (*store.Instance, error)
	UpdateInstanceLocked(ctx context.Context, owner, exerciseID string, mutate func(*store.Instance) error) (*store.Instance, error)
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	GetFlagRecord(ctx context.Context, instanceID uuid.UUID) (*store.FlagRecord, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]store.Instance, error)
	ActiveHandles(ctx context.Context) ([]string, error)
}

// AuditSink accepts audit events without blocking the caller.
type AuditSink interface {
	Record(event *store.AuditEvent)
}

// ExerciseSpec describes the challenge being provisioned. It comes from the
// calling platform, not from participants.
type ExerciseSpec struct {
	ID           string
	Image        string
	Ports        []int
	FlagTemplate string
	Limits       orchestrator.ResourceLimits
}

// Snapshot is the participant-facing view of one instance. It never carries
// the flag.
type Snapshot struct {
	InstanceID       uuid.UUID   `json:"instance_id"`
	ExerciseID       string      `json:"exercise_id"`
	Host             string      `json:"host"`
	Ports            map[int]int `json:"ports"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	RemainingSeconds int         `json:"remaining_seconds"`
	ExtensionCount   int         `json:"extension_count"`
	MaxExtensions    int         `json:"max_extensions"`
}

// StopReason records why an instance went away.
type StopReason string

const (
	ReasonUserRequested StopReason = "user_requested"
	ReasonSolved        StopReason = "solved"
	ReasonReclaimed     StopReason = "reclaimed"
)

// Engine implements the instance lifecycle: start, extend, stop, status, and
// flag validation. All policy decisions happen here; the store and backend
// are mechanism only.
type Engine struct {
	store    Store
	backend  orchestrator.Backend
	keyring  *flagcrypto.Keyring
	policies *policy.Resolver
	audit    AuditSink
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.BruteForceDetector

	now func() time.Time
}

func New(st Store, backend orchestrator.Backend, keyring *flagcrypto.Keyring, policies *policy.Resolver, audit AuditSink, metrics *monitor.Metrics) *Engine {
	return &Engine{
		store:    st,
		backend:  backend,
		keyring:  keyring,
		policies: policies,
		audit:    audit,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		detector: monitor.NewBruteForceDetector(0),
		now:      time.Now,
	}
}

// Start provisions an instance for (owner, exercise). If one is already live
// it is returned as-is; a lost creation race returns the winner's snapshot
// together with ErrConflict. The container is created before the row is
// committed, so every failure path tears the container back down.
func (e *Engine) Start(ctx context.Context, owner string, ex ExerciseSpec) (*Snapshot, error) {
	if owner == "" || ex.ID == "" || ex.Image == "" {
		return nil, fmt.Errorf("%w: owner, exercise id, and image are required", ErrValidation)
	}
	if e.backend == nil {
		return nil, fmt.Errorf("%w: no orchestration backend available", ErrBackend)
	}

	ctx, span := e.tracer.StartSpan(ctx, "start",
		monitor.AttrOwner.String(owner), monitor.AttrExercise.String(ex.ID))
	defer span.End()

	pol := e.policies.Resolve(ctx, ex.ID)
	now := e.now()

	existing, err := e.store.GetActiveInstance(ctx, owner, ex.ID)
	switch {
	case err == nil && !existing.Expired(now):
		// Already running: hand back the live instance rather than erroring.
		return e.snapshot(existing, pol), nil
	case err == nil:
		// Expired but not yet swept. Reclaim eagerly so the slot frees up
		// without waiting for the next cycle.
		if stopErr := e.stopInstance(ctx, existing, ReasonReclaimed); stopErr != nil {
			return nil, stopErr
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up active instance: %w", err)
	}

	plaintext, err := flagcrypto.Generate(ex.FlagTemplate, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	ciphertext, keyID, err := e.keyring.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing flag: %w", err)
	}

	instanceID := uuid.New()
	req := orchestrator.CreateRequest{
		Name:  "chal-" + instanceID.String(),
		Image: ex.Image,
		Ports: ex.Ports,
		Secret: orchestrator.SecretInjection{
			EnvVar:   "FLAG",
			FilePath: "/flag.txt",
			Value:    plaintext,
		},
		Limits: ex.Limits,
	}

	backendStart := time.Now()
	handle, err := e.backend.Create(ctx, req)
	e.metrics.ObserveBackend("create", time.Since(backendStart).Seconds())
	if err != nil {
		e.metrics.RecordOp("start", "backend_error")
		e.recordAudit(owner, ex.ID, nil, store.ActionFailedCreate, map[string]any{
			"error": err.Error(),
		})
		log.Error().Err(err).Str("owner", owner).Str("exercise", ex.ID).Msg("backend create failed")
		return nil, fmt.Errorf("%w: container creation failed", ErrBackend)
	}

	inst := &store.Instance{
		ID:            instanceID,
		Owner:         owner,
		ExerciseID:    ex.ID,
		BackendHandle: handle.ID,
		Host:          handle.Host,
		Ports:         handle.Ports,
		CreatedAt:     now,
		ExpiresAt:     now.Add(pol.BaseRuntime),
		Status:        store.StatusActive,
	}
	flagRec := &store.FlagRecord{
		InstanceID: instanceID,
		Ciphertext: ciphertext,
		KeyID:      keyID,
		CreatedAt:  now,
	}

	if err := e.store.CreateInstanceWithFlag(ctx, inst, flagRec); err != nil {
		// The container must not outlive its missing record.
		if delErr := e.backend.Delete(context.WithoutCancel(ctx), handle.ID); delErr != nil {
			log.Error().Err(delErr).Str("handle", handle.ID).
				Msg("failed to delete container after insert failure")
		}
		if errors.Is(err, store.ErrDuplicateActive) {
			e.metrics.RecordOp("start", "conflict")
			winner, lookupErr := e.store.GetActiveInstance(ctx, owner, ex.ID)
			if lookupErr == nil {
				return e.snapshot(winner, pol), ErrConflict
			}
			return nil, ErrConflict
		}
		e.metrics.RecordOp("start", "error")
		return nil, fmt.Errorf("persisting instance: %w", err)
	}

	e.metrics.RecordOp("start", "ok")
	e.metrics.ActiveInstances.Inc()
	e.recordAudit(owner, ex.ID, &instanceID, store.ActionCreated, map[string]any{
		"handle":     handle.ID,
		"expires_at": inst.ExpiresAt.UTC().Format(time.RFC3339),
		"flag":       flagcrypto.Redact(plaintext),
	})

	log.Info().
		Str("owner", owner).
		Str("exercise", ex.ID).
		Str("instance_id", instanceID.String()).
		Time("expires_at", inst.ExpiresAt).
		Msg("instance started")

	return e.snapshot(inst, pol), nil
}

// Extend grants one more extension increment. All checks run inside the row
// lock so concurrent extends serialize: expiry first (an expired instance is
// already dead, whatever the row says), then the extension budget, then the
// lifetime ceiling.
func (e *Engine) Extend(ctx context.Context, owner, exerciseID string) (*Snapshot, error) {
	if owner == "" || exerciseID == "" {
		return nil, fmt.Errorf("%w: owner and exercise id are required", ErrValidation)
	}

	ctx, span := e.tracer.StartSpan(ctx, "extend",
		monitor.AttrOwner.String(owner), monitor.AttrExercise.String(exerciseID))
	defer span.End()

	pol := e.policies.Resolve(ctx, exerciseID)
	now := e.now()

	var previousExpiry time.Time
	inst, err := e.store.UpdateInstanceLocked(ctx, owner, exerciseID, func(inst *store.Instance) error {
		if inst.Expired(now) {
			return ErrNotFound
		}
		if inst.ExtensionCount >= pol.MaxExtensions {
			return ErrMaxExtensions
		}
		if now.Sub(inst.CreatedAt)+pol.ExtensionIncrement > pol.LifetimeCap {
			return ErrLifetimeCap
		}
		previousExpiry = inst.ExpiresAt
		inst.ExtensionCount++
		inst.ExpiresAt = inst.ExpiresAt.Add(pol.ExtensionIncrement)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = ErrNotFound
		}
		switch {
		case errors.Is(err, ErrNotFound):
			e.metrics.RecordOp("extend", "not_found")
		case errors.Is(err, ErrMaxExtensions):
			e.metrics.RecordOp("extend", "max_extensions")
		case errors.Is(err, ErrLifetimeCap):
			e.metrics.RecordOp("extend", "lifetime_cap")
		default:
			e.metrics.RecordOp("extend", "error")
			return nil, fmt.Errorf("extending instance: %w", err)
		}
		return nil, err
	}

	e.metrics.RecordOp("extend", "ok")
	e.metrics.ExtensionsTotal.Inc()
	e.recordAudit(owner, exerciseID, &inst.ID, store.ActionExtended, map[string]any{
		"extension":       inst.ExtensionCount,
		"previous_expiry": previousExpiry.UTC().Format(time.RFC3339),
		"new_expiry":      inst.ExpiresAt.UTC().Format(time.RFC3339),
	})

	log.Info().
		Str("owner", owner).
		Str("exercise", exerciseID).
		Int("extension", inst.ExtensionCount).
		Time("expires_at", inst.ExpiresAt).
		Msg("instance extended")

	return e.snapshot(inst, pol), nil
}

// Stop tears down the instance for (owner, exercise). Stopping something
// that does not exist is success: the caller wants it gone and it is.
func (e *Engine) Stop(ctx context.Context, owner, exerciseID string, reason StopReason) error {
	if owner == "" || exerciseID == "" {
		return fmt.Errorf("%w: owner and exercise id are required", ErrValidation)
	}

	ctx, span := e.tracer.StartSpan(ctx, "stop",
		monitor.AttrOwner.String(owner), monitor.AttrExercise.String(exerciseID))
	defer span.End()

	inst, err := e.store.GetActiveInstance(ctx, owner, exerciseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.RecordOp("stop", "noop")
			return nil
		}
		return fmt.Errorf("looking up active instance: %w", err)
	}

	return e.stopInstance(ctx, inst, reason)
}

// stopInstance deletes the container first, then the record. A backend
// failure leaves the row in place so a later stop or sweep retries; the
// backend treats an already-absent container as success, which makes the
// retry safe.
func (e *Engine) stopInstance(ctx context.Context, inst *store.Instance, reason StopReason) error {
	if e.backend == nil {
		return fmt.Errorf("%w: no orchestration backend available", ErrBackend)
	}

	backendStart := time.Now()
	err := e.backend.Delete(ctx, inst.BackendHandle)
	e.metrics.ObserveBackend("delete", time.Since(backendStart).Seconds())
	if err != nil {
		e.metrics.RecordOp("stop", "backend_error")
		log.Error().Err(err).
			Str("instance_id", inst.ID.String()).
			Str("handle", inst.BackendHandle).
			Msg("backend delete failed")
		return fmt.Errorf("%w: container deletion failed", ErrBackend)
	}

	if err := e.store.DeleteInstance(ctx, inst.ID); err != nil {
		return fmt.Errorf("deleting instance record: %w", err)
	}

	action := store.ActionStopped
	if reason == ReasonReclaimed {
		action = store.ActionExpiredReclaimed
		e.metrics.ReclaimedTotal.Inc()
	}
	e.metrics.RecordOp("stop", "ok")
	e.metrics.ActiveInstances.Dec()
	e.recordAudit(inst.Owner, inst.ExerciseID, &inst.ID, action, map[string]any{
		"reason": string(reason),
		"handle": inst.BackendHandle,
	})

	log.Info().
		Str("owner", inst.Owner).
		Str("exercise", inst.ExerciseID).
		Str("instance_id", inst.ID.String()).
		Str("reason", string(reason)).
		Msg("instance stopped")

	return nil
}

// SweepOrphans deletes containers the backend knows about but the store does
// not. Orphans appear when the process dies between creating a container and
// committing its row; tracked instances are left alone, the periodic
// reclaimer owns those.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	if e.backend == nil {
		return 0, fmt.Errorf("%w: no orchestration backend available", ErrBackend)
	}

	handles, err := e.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	tracked, err := e.store.ActiveHandles(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tracked handles: %w", err)
	}
	known := make(map[string]struct{}, len(tracked))
	for _, h := range tracked {
		known[h] = struct{}{}
	}

	removed := 0
	for _, h := range handles {
		if _, ok := known[h]; ok {
			continue
		}
		if err := e.backend.Delete(ctx, h); err != nil {
			log.Error().Err(err).Str("handle", h).Msg("failed to delete orphaned container")
			continue
		}
		log.Warn().Str("handle", h).Msg("deleted orphaned container")
		removed++
	}
	return removed, nil
}

// Status returns the current snapshot for (owner, exercise). Liveness is
// derived from the expiry: a row past its expiry reads as ErrNotFound even
// before the sweep removes it.
func (e *Engine) Status(ctx context.Context, owner, exerciseID string) (*Snapshot, error) {
	if owner == "" || exerciseID == "" {
		return nil, fmt.Errorf("%w: owner and exercise id are required", ErrValidation)
	}

	inst, err := e.store.GetActiveInstance(ctx, owner, exerciseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up active instance: %w", err)
	}
	if inst.Expired(e.now()) {
		return nil, ErrNotFound
	}

	pol := e.policies.Resolve(ctx, exerciseID)
	return e.snapshot(inst, pol), nil
}

// Validate checks a submitted flag against the instance's issued one. It
// answers false rather than erroring for every "no live flag" case: missing
// instance, expired instance, missing record, failed decryption. A submitter
// learns nothing beyond match / no match.
func (e *Engine) Validate(ctx context.Context, owner, exerciseID, submitted string) (bool, error) {
	ctx, span := e.tracer.StartSpan(ctx, "validate",
		monitor.AttrOwner.String(owner), monitor.AttrExercise.String(exerciseID))
	defer span.End()

	inst, err := e.store.GetActiveInstance(ctx, owner, exerciseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.RecordValidation(false)
			return false, nil
		}
		return false, fmt.Errorf("looking up active instance: %w", err)
	}
	if inst.Expired(e.now()) {
		e.metrics.RecordValidation(false)
		return false, nil
	}

	rec, err := e.store.GetFlagRecord(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.RecordValidation(false)
			return false, nil
		}
		return false, fmt.Errorf("loading flag record: %w", err)
	}

	expected, err := e.keyring.Decrypt(rec.Ciphertext, rec.KeyID)
	if err != nil {
		// Tampered or undecryptable ciphertext. The submitter sees a plain
		// mismatch; operators see the alarm.
		e.metrics.IntegrityFailures.Inc()
		e.metrics.RecordValidation(false)
		log.Error().Err(err).
			Str("instance_id", inst.ID.String()).
			Str("key_id", rec.KeyID).
			Msg("flag decryption failed")
		return false, nil
	}

	ok := flagcrypto.Compare(submitted, expected)
	e.metrics.RecordValidation(ok)

	if ok {
		e.detector.RecordSuccess(owner, exerciseID)
	} else if det := e.detector.RecordFailure(owner, exerciseID); det != nil {
		e.recordAudit(owner, exerciseID, &inst.ID, store.ActionAbuseFlagged, map[string]any{
			"failures": det.Failures,
			"severity": det.Severity,
		})
	}

	return ok, nil
}

func (e *Engine) snapshot(inst *store.Instance, pol policy.RuntimePolicy) *Snapshot {
	remaining := int(inst.ExpiresAt.Sub(e.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &Snapshot{
		InstanceID:       inst.ID,
		ExerciseID:       inst.ExerciseID,
		Host:             inst.Host,
		Ports:            inst.Ports,
		CreatedAt:        inst.CreatedAt,
		ExpiresAt:        inst.ExpiresAt,
		RemainingSeconds: remaining,
		ExtensionCount:   inst.ExtensionCount,
		MaxExtensions:    pol.MaxExtensions,
	}
}

func (e *Engine) recordAudit(actor, exerciseID string, instanceID *uuid.UUID, action string, metadata map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Record(&store.AuditEvent{
		Actor:      actor,
		ExerciseID: exerciseID,
		InstanceID: instanceID,
		Action:     action,
		Metadata:   metadata,
		CreatedAt:  e.now(),
	})
}
