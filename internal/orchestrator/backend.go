package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"runtime"

	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/config"
)

// handlePrefix names every container this system owns.
const handlePrefix = "chal-"

// SecretInjection describes how the issued flag reaches the container. The
// adapter translates it into whatever mechanism the concrete backend
// supports: an environment variable always, plus an in-container file when
// FilePath is set.
type SecretInjection struct {
	EnvVar   string // defaults to FLAG
	FilePath string // optional, e.g. /flag.txt
	Value    string
}

// CreateRequest asks the backend for one challenge container.
type CreateRequest struct {
	Name   string // container name, must carry handlePrefix
	Image  string
	Ports  []int // container ports that must be reachable by the player
	Secret SecretInjection
	Limits ResourceLimits
}

// Handle is the backend's identity for a running container plus its
// player-facing connection info. Every field is validated by the adapter
// before the handle is returned.
type Handle struct {
	ID    string      `json:"id"`
	Host  string      `json:"host"`
	Ports map[int]int `json:"ports"` // container port -> host port
}

// Backend abstracts the external container orchestrator. Delete must treat
// an already-absent container as success: a user stop and a reclamation
// sweep may race on the same instance, and the absence of the container is
// the desired end state for both.
type Backend interface {
	Create(ctx context.Context, req CreateRequest) (*Handle, error)
	Delete(ctx context.Context, handle string) error
	// List returns the handles of every container this system owns,
	// running or not, identified by the handle prefix.
	List(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// NewBackend picks the configured backend: Docker by default (it does host
// port publishing natively), containerd when explicitly selected.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Orchestrator.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return NewDockerBackend(cfg)
	case "auto":
		backend, err := NewDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("Docker unavailable")

		if runtime.GOOS == "linux" {
			backend, cdErr := newContainerdBackend(ctx, cfg)
			if cdErr == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(cdErr).Msg("containerd unavailable")
		}

		return nil, fmt.Errorf("no orchestration backend available: %w", ErrUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

var (
	containerIDPattern = regexp.MustCompile(`^[0-9a-f]{12,64}$`)
	handleNamePattern  = regexp.MustCompile(`^chal-[0-9a-f-]{1,64}$`)
)

func validateCreateRequest(req CreateRequest) error {
	if req.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if !handleNamePattern.MatchString(req.Name) {
		return fmt.Errorf("%w: container name %q must match %s", ErrInvalidRequest, req.Name, handleNamePattern)
	}
	if len(req.Ports) == 0 {
		return fmt.Errorf("%w: at least one port is required", ErrInvalidRequest)
	}
	seen := make(map[int]struct{}, len(req.Ports))
	for _, p := range req.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidRequest, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate port %d", ErrInvalidRequest, p)
		}
		seen[p] = struct{}{}
	}
	if req.Secret.Value != "" && req.Secret.EnvVar == "" {
		return fmt.Errorf("%w: secret env var name is required", ErrInvalidRequest)
	}
	if req.Limits != (ResourceLimits{}) {
		if err := req.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}
