package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/config"
	"challenge-instancer/pkg/seccomp"
)

// Client wraps the containerd client with connection management and health
// checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string
}

// NewClient creates a new containerd client wrapper.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	// Verify the connection works
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, socket: socket, namespace: namespace}, nil
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	return c.inner.Close()
}

// PullImage pulls a container image if it's not already available.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return image, nil
}

// ContainerdBackend runs challenge containers directly on containerd. It has
// no port-mapping layer, so containers share the host network namespace and
// the requested container ports double as the published host ports.
type ContainerdBackend struct {
	client        *Client
	advertiseHost string
	callTimeout   time.Duration
	defaultLimits ResourceLimits
	secretDir     string
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (*ContainerdBackend, error) {
	client, err := NewClient(ctx, cfg.Orchestrator.ContainerdSocket, cfg.Orchestrator.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	secretDir, err := os.MkdirTemp("", "instancer-secrets-*")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating secret dir: %w", err)
	}

	return &ContainerdBackend{
		client:        client,
		advertiseHost: cfg.Orchestrator.AdvertiseHost,
		callTimeout:   cfg.Orchestrator.CallTimeout,
		defaultLimits: ResourceLimits{
			CPUShares: cfg.Orchestrator.DefaultLimits.CPUShares,
			MemoryMB:  cfg.Orchestrator.DefaultLimits.MemoryMB,
			PidsLimit: cfg.Orchestrator.DefaultLimits.PidsLimit,
		},
		secretDir: secretDir,
	}, nil
}

// Create pulls the image, builds a hardened OCI spec, and starts the task.
func (b *ContainerdBackend) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = b.defaultLimits
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	image, err := b.client.PullImage(callCtx, req.Image)
	if err != nil {
		return nil, &OpError{Op: "create", Err: fmt.Errorf("%w: %s", ErrUnavailable, err)}
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithNoNewPrivileges,
		func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
			ApplyResourceLimits(s, limits)
			s.Linux.Seccomp = seccomp.ChallengeProfile()
			if req.Secret.Value != "" {
				s.Process.Env = append(s.Process.Env, req.Secret.EnvVar+"="+req.Secret.Value)
			}
			return nil
		},
	}

	if req.Secret.FilePath != "" {
		hostPath, err := b.writeSecretFile(req.Name, req.Secret.Value)
		if err != nil {
			return nil, &OpError{Op: "create", Err: err}
		}
		specOpts = append(specOpts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: req.Secret.FilePath,
				Type:        "bind",
				Source:      hostPath,
				Options:     []string{"rbind", "ro"},
			})
			return nil
		})
	}

	nsCtx := b.client.WithNamespace(callCtx)

	container, err := b.client.inner.NewContainer(nsCtx, req.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(req.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return nil, &OpError{Op: "create", Err: fmt.Errorf("%w: %s", ErrUnavailable, err)}
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = b.Delete(context.WithoutCancel(ctx), req.Name)
		return nil, &OpError{Op: "create", Handle: req.Name, Err: fmt.Errorf("%w: creating task: %s", ErrUnavailable, err)}
	}

	if err := task.Start(nsCtx); err != nil {
		_ = b.Delete(context.WithoutCancel(ctx), req.Name)
		return nil, &OpError{Op: "create", Handle: req.Name, Err: fmt.Errorf("%w: starting task: %s", ErrUnavailable, err)}
	}

	// With host networking the container binds its ports directly.
	ports := make(map[int]int, len(req.Ports))
	for _, p := range req.Ports {
		ports[p] = p
	}

	log.Info().
		Str("container_id", req.Name).
		Str("image", req.Image).
		Msg("container created")

	return &Handle{ID: req.Name, Host: b.advertiseHost, Ports: ports}, nil
}

// Delete kills the task and removes the container and its snapshot. Every
// step tolerates "already gone".
func (b *ContainerdBackend) Delete(ctx context.Context, handle string) error {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	nsCtx := b.client.WithNamespace(callCtx)

	defer b.removeSecretFile(handle)

	container, err := b.client.inner.LoadContainer(nsCtx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "delete", Handle: handle, Err: fmt.Errorf("%w: %s", ErrUnavailable, err)}
	}

	if task, err := container.Task(nsCtx, nil); err == nil {
		if status, err := task.Status(nsCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(nsCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(nsCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					log.Warn().Str("container_id", handle).Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", handle).Msg("failed to delete task")
		}
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return &OpError{Op: "delete", Handle: handle, Err: err}
	}

	log.Debug().Str("container_id", handle).Msg("container deleted")
	return nil
}

// List returns the ids of all containers in our namespace carrying the
// handle prefix.
func (b *ContainerdBackend) List(ctx context.Context) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	nsCtx := b.client.WithNamespace(callCtx)

	found, err := b.client.inner.Containers(nsCtx)
	if err != nil {
		return nil, &OpError{Op: "list", Err: fmt.Errorf("%w: %s", ErrUnavailable, err)}
	}

	var handles []string
	for _, c := range found {
		if strings.HasPrefix(c.ID(), handlePrefix) {
			handles = append(handles, c.ID())
		}
	}
	return handles, nil
}

// Healthy checks the containerd connection.
func (b *ContainerdBackend) Healthy(ctx context.Context) bool {
	return b.client.Healthy(ctx)
}

// Close shuts down the containerd client and removes staged secret files.
func (b *ContainerdBackend) Close() error {
	if b.secretDir != "" {
		_ = os.RemoveAll(b.secretDir)
	}
	return b.client.Close()
}

func (b *ContainerdBackend) writeSecretFile(name, value string) (string, error) {
	path := filepath.Join(b.secretDir, name)
	if err := os.WriteFile(path, []byte(value+"\n"), 0400); err != nil {
		return "", fmt.Errorf("staging secret file: %w", err)
	}
	return path, nil
}

func (b *ContainerdBackend) removeSecretFile(name string) {
	_ = os.Remove(filepath.Join(b.secretDir, name))
}
