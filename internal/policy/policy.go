package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/store"
)

// RuntimePolicy is an immutable snapshot of the timing rules for one
// exercise: how long an instance runs, how much an extension adds, how many
// extensions are allowed, and the hard lifetime ceiling.
type RuntimePolicy struct {
	BaseRuntime        time.Duration
	ExtensionIncrement time.Duration
	MaxExtensions      int
	LifetimeCap        time.Duration
}

// Defaults returns the global default policy: 15 minute base, 15 minute
// extensions, at most 5 extensions, 90 minute hard cap.
func Defaults() RuntimePolicy {
	return RuntimePolicy{
		BaseRuntime:        15 * time.Minute,
		ExtensionIncrement: 15 * time.Minute,
		MaxExtensions:      5,
		LifetimeCap:        90 * time.Minute,
	}
}

// Validate checks that a policy is internally consistent.
func (p RuntimePolicy) Validate() error {
	if p.BaseRuntime <= 0 {
		return fmt.Errorf("base runtime must be positive, got %s", p.BaseRuntime)
	}
	if p.ExtensionIncrement < 0 {
		return fmt.Errorf("extension increment must be >= 0, got %s", p.ExtensionIncrement)
	}
	if p.MaxExtensions < 0 {
		return fmt.Errorf("max extensions must be >= 0, got %d", p.MaxExtensions)
	}
	if p.LifetimeCap < p.BaseRuntime {
		return fmt.Errorf("lifetime cap (%s) must be >= base runtime (%s)", p.LifetimeCap, p.BaseRuntime)
	}
	return nil
}

// Source looks up per-exercise policy overrides.
type Source interface {
	GetRuntimePolicy(ctx context.Context, exerciseID string) (*store.RuntimePolicyRow, error)
}

// Resolver maps an exercise id to its runtime policy, falling back to the
// global defaults when no override exists. Resolution is a pure read with no
// locking; each call returns an independent snapshot.
type Resolver struct {
	source   Source
	defaults RuntimePolicy
}

func NewResolver(source Source, defaults RuntimePolicy) *Resolver {
	return &Resolver{source: source, defaults: defaults}
}

// Resolve returns the policy for an exercise. A lookup failure other than
// "no override" falls back to the defaults so a degraded policy table never
// blocks lifecycle operations.
func (r *Resolver) Resolve(ctx context.Context, exerciseID string) RuntimePolicy {
	if r.source == nil {
		return r.defaults
	}

	row, err := r.source.GetRuntimePolicy(ctx, exerciseID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("exercise", exerciseID).Msg("policy lookup failed, using defaults")
		}
		return r.defaults
	}

	return RuntimePolicy{
		BaseRuntime:        time.Duration(row.BaseSeconds) * time.Second,
		ExtensionIncrement: time.Duration(row.ExtensionSeconds) * time.Second,
		MaxExtensions:      row.MaxExtensions,
		LifetimeCap:        time.Duration(row.LifetimeCapSeconds) * time.Second,
	}
}
