package api

import "time"

// StartRequest asks for an instance of an exercise on behalf of an owner.
// The exercise descriptor comes from the calling platform, never from
// participants directly.
type StartRequest struct {
	Owner    string          `json:"owner"`
	Exercise ExerciseRequest `json:"exercise"`
}

// ExerciseRequest describes the challenge to provision.
type ExerciseRequest struct {
	ID           string         `json:"id"`
	Image        string         `json:"image"`
	Ports        []int          `json:"ports"`
	FlagTemplate string         `json:"flag_template,omitempty"`
	Limits       ResourceLimits `json:"limits,omitempty"`
}

// ResourceLimits constrains the provisioned container. Zero values mean the
// server defaults.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	PidsLimit int64 `json:"pids_limit,omitempty"`
}

// InstanceRequest identifies an existing instance by its owning pair.
type InstanceRequest struct {
	Owner    string `json:"owner"`
	Exercise string `json:"exercise"`
}

// ValidateRequest submits a flag for checking.
type ValidateRequest struct {
	Owner    string `json:"owner"`
	Exercise string `json:"exercise"`
	Flag     string `json:"flag"`
}

// ValidateResponse reports match / no match and nothing else.
type ValidateResponse struct {
	Valid bool `json:"valid"`
}

// InstanceResponse is the participant-facing view of one instance.
type InstanceResponse struct {
	InstanceID       string      `json:"instance_id"`
	Exercise         string      `json:"exercise"`
	Host             string      `json:"host"`
	Ports            map[int]int `json:"ports"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	RemainingSeconds int         `json:"remaining_seconds"`
	ExtensionCount   int         `json:"extension_count"`
	MaxExtensions    int         `json:"max_extensions"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Backend  bool   `json:"backend"`
	Uptime   string `json:"uptime"`
}
