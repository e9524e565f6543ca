package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/config"
	"challenge-instancer/pkg/seccomp"
)

// DockerBackend drives the Docker engine through its CLI. It publishes the
// allocated host ports, injects the flag, and validates every response shape
// before trusting it.
type DockerBackend struct {
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	advertiseHost string
	callTimeout   time.Duration
	defaultLimits ResourceLimits
	seccompPath   string // staged profile file passed via --security-opt
}

func NewDockerBackend(cfg *config.Config) (*DockerBackend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH", ErrUnavailable)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable", ErrUnavailable)
	}

	seccompPath, err := stageSeccompProfile()
	if err != nil {
		return nil, err
	}

	return &DockerBackend{
		dockerHost:    resolveDockerHost(),
		advertiseHost: cfg.Orchestrator.AdvertiseHost,
		callTimeout:   cfg.Orchestrator.CallTimeout,
		defaultLimits: ResourceLimits{
			CPUShares: cfg.Orchestrator.DefaultLimits.CPUShares,
			MemoryMB:  cfg.Orchestrator.DefaultLimits.MemoryMB,
			PidsLimit: cfg.Orchestrator.DefaultLimits.PidsLimit,
		},
		seccompPath: seccompPath,
	}, nil
}

// stageSeccompProfile writes the challenge profile where the docker CLI can
// read it. The CLI only takes seccomp profiles by file path.
func stageSeccompProfile() (string, error) {
	data, err := seccomp.DockerProfileJSON()
	if err != nil {
		return "", fmt.Errorf("rendering seccomp profile: %w", err)
	}

	f, err := os.CreateTemp("", "instancer-seccomp-*.json")
	if err != nil {
		return "", fmt.Errorf("staging seccomp profile: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return f.Name(), nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

// Create starts a challenge container and returns its validated handle.
func (d *DockerBackend) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = d.defaultLimits
	}

	ports, err := allocateHostPorts(req.Ports)
	if err != nil {
		return nil, err
	}

	args := buildRunArgs(req, ports, limits, d.seccompPath)

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	stdout, stderr, err := d.run(callCtx, args...)
	if err != nil {
		return nil, &OpError{Op: "create", Err: fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderr))}
	}

	// docker run -d prints exactly the new container id. Anything else means
	// the response is not shaped like a success and must not be trusted.
	id := strings.TrimSpace(stdout)
	if !containerIDPattern.MatchString(id) {
		return nil, &OpError{Op: "create", Err: fmt.Errorf("%w: expected container id, got %q", ErrMalformedResponse, firstLine(stdout))}
	}

	if req.Secret.FilePath != "" {
		if err := d.writeSecretFile(callCtx, id, req.Secret); err != nil {
			// The container exists but is not fully provisioned; tear it down
			// rather than hand out a half-configured instance.
			if delErr := d.Delete(context.WithoutCancel(ctx), id); delErr != nil {
				log.Error().Err(delErr).Str("container_id", id).Msg("failed to delete container after secret injection failure")
			}
			return nil, &OpError{Op: "create", Handle: id, Err: err}
		}
	}

	log.Info().
		Str("container_id", id[:12]).
		Str("image", req.Image).
		Interface("ports", ports).
		Msg("container created")

	return &Handle{ID: id, Host: d.advertiseHost, Ports: ports}, nil
}

// Delete force-removes a container. An already-absent container is success:
// the backend's absence is the desired end state.
func (d *DockerBackend) Delete(ctx context.Context, handle string) error {
	if !containerIDPattern.MatchString(handle) && !handleNamePattern.MatchString(handle) {
		return fmt.Errorf("%w: suspicious handle %q", ErrMalformedResponse, handle)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	_, stderr, err := d.run(callCtx, "rm", "-f", handle)
	if err != nil {
		if strings.Contains(stderr, "No such container") {
			return nil
		}
		return &OpError{Op: "delete", Handle: handle, Err: fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderr))}
	}
	return nil
}

// List returns the ids of all containers carrying the handle prefix,
// including stopped ones, so orphans from a previous run are found.
func (d *DockerBackend) List(ctx context.Context) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	stdout, stderr, err := d.run(callCtx, "ps", "-aq", "--no-trunc", "--filter", "name="+handlePrefix)
	if err != nil {
		return nil, &OpError{Op: "list", Err: fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderr))}
	}

	var handles []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !containerIDPattern.MatchString(line) {
			return nil, &OpError{Op: "list", Err: fmt.Errorf("%w: expected container id, got %q", ErrMalformedResponse, line)}
		}
		handles = append(handles, line)
	}
	return handles, nil
}

// Healthy checks that the Docker daemon answers.
func (d *DockerBackend) Healthy(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	_, _, err := d.run(callCtx, "info")
	return err == nil
}

func (d *DockerBackend) Close() error {
	if d.seccompPath != "" {
		_ = os.Remove(d.seccompPath)
	}
	return nil
}

func (d *DockerBackend) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (d *DockerBackend) writeSecretFile(ctx context.Context, id string, secret SecretInjection) error {
	// The flag value never rides on the command line: the exec shell reads it
	// from the env var injected at create time.
	script := fmt.Sprintf(`printf '%%s\n' "$%s" > %s`, secret.EnvVar, secret.FilePath)
	_, stderr, err := d.run(ctx, "exec", id, "sh", "-c", script)
	if err != nil {
		return fmt.Errorf("writing secret file %s: %s", secret.FilePath, firstLine(stderr))
	}
	return nil
}

func buildRunArgs(req CreateRequest, ports map[int]int, limits ResourceLimits, seccompPath string) []string {
	args := []string{
		"run", "-d",
		"--name", req.Name,
		"--cap-drop", "ALL",
		"--cap-add", "NET_BIND_SERVICE",
		"--security-opt", "no-new-privileges",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--restart", "no",
	}

	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}

	for containerPort, hostPort := range ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", hostPort, containerPort))
	}

	if req.Secret.Value != "" {
		args = append(args, "-e", req.Secret.EnvVar+"="+req.Secret.Value)
	}

	args = append(args, req.Image)
	return args
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
