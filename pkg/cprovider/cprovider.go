package cprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// ContainerNamePrefix marks containers created by this daemon.
const ContainerNamePrefix = "rrc-"

// Handle identifies a created container (or the proxy sentinel).
type Handle struct {
	// Name is the container name, or the sentinel "proxy:<addr>" for the
	// proxy backend.
	Name string

	// Kind records which backend created the handle.
	Kind types.CProviderKind
}

// ExecResult is the outcome of a command run inside the container.
type ExecResult struct {
	ExitCode int
	Stderr   string
}

// CProvider is the uniform capability set the controller depends on.
type CProvider interface {
	// Create builds a container for the WD with raw devices passed
	// through. It does not start it.
	Create(ctx context.Context, wd *types.WDeployment, instanceID string) (*Handle, error)

	// Start starts a created container.
	Start(ctx context.Context, h *Handle) error

	// Stop stops the container, escalating SIGTERM to SIGKILL after the
	// given timeout.
	Stop(ctx context.Context, h *Handle, timeout time.Duration) error

	// Remove deletes the container.
	Remove(ctx context.Context, h *Handle) error

	// ExecInside runs a shell command inside the container and blocks
	// until it exits.
	ExecInside(ctx context.Context, h *Handle, cmd string) (*ExecResult, error)

	// Healthy reports whether the container is still running.
	Healthy(ctx context.Context, h *Handle) (bool, error)

	// Pull fetches the WD image. Used when Create reports
	// types.ErrImagePullRequired.
	Pull(ctx context.Context, image string) error

	// List returns the names of containers created by this daemon
	// (ContainerNamePrefix match), for startup reaping.
	List(ctx context.Context) ([]string, error)

	// SSHTarget returns the host:port the tunnel should forward to for
	// reaching sshd behind this handle.
	SSHTarget(ctx context.Context, h *Handle) (string, error)
}

// New returns the backend for the given kind.
func New(kind types.CProviderKind) (CProvider, error) {
	switch kind {
	case types.CProviderDocker:
		return newCLIProvider(kind, "docker"), nil
	case types.CProviderDockerRootless:
		return newCLIProvider(kind, "docker"), nil
	case types.CProviderPodman:
		return newCLIProvider(kind, "podman"), nil
	case types.CProviderLXD:
		return newLXDProvider(), nil
	case types.CProviderProxy:
		return newProxyProvider(), nil
	default:
		return nil, fmt.Errorf("unknown cprovider kind %q", kind)
	}
}

// ContainerName computes the container name for a WD.
func ContainerName(wd *types.WDeployment) string {
	if wd.ContainerName != "" {
		return wd.ContainerName
	}
	return ContainerNamePrefix + wd.IDPrefix()
}
