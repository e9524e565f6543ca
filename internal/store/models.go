package store

import (
	"time"

	"github.com/google/uuid"
)

// Instance statuses. Liveness is derived from ExpiresAt; StatusActive is the
// only status a persisted row normally carries, since stopping deletes the row.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// Audit actions recorded for every lifecycle transition.
const (
	ActionCreated          = "created"
	ActionExtended         = "extended"
	ActionStopped          = "stopped"
	ActionFailedCreate     = "failed_create"
	ActionExpiredReclaimed = "expired_reclaimed"
	ActionAbuseFlagged     = "abuse_flagged"
)

// Instance binds one (owner, exercise) pair to a running container and its
// expiry. ExpiresAt is the sole authority for liveness.
type Instance struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Owner          string    `json:"owner" db:"owner"`
	ExerciseID     string    `json:"exercise_id" db:"exercise_id"`
	BackendHandle  string    `json:"backend_handle" db:"backend_handle"`
	Host           string    `json:"host" db:"host"`
	Ports          map[int]int `json:"ports" db:"ports"` // exposed port -> host port
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	ExtensionCount int       `json:"extension_count" db:"extension_count"`
	Status         string    `json:"status" db:"status"`
}

// Expired reports whether the instance's lifetime has elapsed.
func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

// FlagRecord is the encrypted secret bound 1:1 to an Instance. It is created
// in the same transaction as its Instance and removed by cascading delete.
type FlagRecord struct {
	InstanceID uuid.UUID `json:"instance_id" db:"instance_id"`
	Ciphertext []byte    `json:"-" db:"ciphertext"`
	KeyID      string    `json:"key_id" db:"key_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AuditEvent is an append-only record of a lifecycle transition. InstanceID
// is a weak reference: it survives Instance deletion via SET NULL.
type AuditEvent struct {
	ID         int64          `json:"id" db:"id"`
	Actor      string         `json:"actor" db:"actor"`
	ExerciseID string         `json:"exercise_id" db:"exercise_id"`
	InstanceID *uuid.UUID     `json:"instance_id,omitempty" db:"instance_id"`
	Action     string         `json:"action" db:"action"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// RuntimePolicyRow is a per-exercise override of the global runtime policy.
type RuntimePolicyRow struct {
	ExerciseID         string `db:"exercise_id"`
	BaseSeconds        int    `db:"base_seconds"`
	ExtensionSeconds   int    `db:"extension_seconds"`
	MaxExtensions      int    `db:"max_extensions"`
	LifetimeCapSeconds int    `db:"lifetime_cap_seconds"`
}

// EventFilter provides criteria for querying audit events.
type EventFilter struct {
	Owner    string
	Exercise string
	Action   string
	Limit    int
	Offset   int
}
