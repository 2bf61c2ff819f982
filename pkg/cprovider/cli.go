package cprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/types"
)

// cliProvider drives docker or podman through their CLI. The two share a
// command surface for everything the controller needs.
type cliProvider struct {
	kind   types.CProviderKind
	binary string
	logger zerolog.Logger
}

func newCLIProvider(kind types.CProviderKind, binary string) *cliProvider {
	return &cliProvider{
		kind:   kind,
		binary: binary,
		logger: log.WithComponent("cprovider." + string(kind)),
	}
}

// run executes the provider binary and returns stdout, classifying
// common failures into the shared sentinel errors.
func (p *cliProvider) run(ctx context.Context, op string, args ...string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderOpDuration, op)

	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	p.applyEnv(cmd)

	p.logger.Debug().Str("op", op).Strs("args", args).Msg("invoking provider CLI")

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", types.ErrProviderMissing, p.binary)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %s %s", types.ErrTimeout, p.binary, op)
	}

	errText := stderr.String()
	if imageMissing(errText) {
		return "", fmt.Errorf("%w: %s", types.ErrImagePullRequired, strings.TrimSpace(errText))
	}

	return "", &types.ProviderError{Op: op, Stderr: tail(errText), Err: err}
}

// applyEnv points the docker binary at the rootless daemon socket when
// the WD selected the docker-rootless kind.
func (p *cliProvider) applyEnv(cmd *exec.Cmd) {
	if p.kind != types.CProviderDockerRootless {
		return
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	cmd.Env = append(os.Environ(), "DOCKER_HOST=unix://"+runtimeDir+"/docker.sock")
}

// imageMissing matches the provider messages for a locally absent image.
func imageMissing(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such image") ||
		strings.Contains(s, "image not known") ||
		strings.Contains(s, "unable to find image")
}

// tail returns the last few lines of CLI stderr for error reporting.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, "\n")
}

func (p *cliProvider) Create(ctx context.Context, wd *types.WDeployment, instanceID string) (*Handle, error) {
	for _, dev := range wd.RawDevices {
		if _, err := os.Stat(dev); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrDeviceMissing, dev)
		}
	}

	name := ContainerName(wd)
	args := []string{"create", "--name", name}
	for _, dev := range wd.RawDevices {
		args = append(args, "--device", dev)
	}
	args = append(args, wd.CArgs...)
	args = append(args, wd.Image)

	if _, err := p.run(ctx, "create", args...); err != nil {
		return nil, err
	}

	return &Handle{Name: name, Kind: p.kind}, nil
}

func (p *cliProvider) Start(ctx context.Context, h *Handle) error {
	_, err := p.run(ctx, "start", "start", h.Name)
	return err
}

func (p *cliProvider) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	// The provider escalates SIGTERM to SIGKILL itself after --time.
	_, err := p.run(ctx, "stop", "stop", "--time", fmt.Sprintf("%d", secs), h.Name)
	return err
}

func (p *cliProvider) Remove(ctx context.Context, h *Handle) error {
	_, err := p.run(ctx, "remove", "rm", "-f", h.Name)
	return err
}

func (p *cliProvider) ExecInside(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderOpDuration, "exec")

	cmd := exec.CommandContext(ctx, p.binary, "exec", h.Name, "/bin/sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr
	p.applyEnv(cmd)

	err := cmd.Run()
	if err == nil {
		return &ExecResult{ExitCode: 0, Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecResult{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrProviderMissing, p.binary)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: exec inside %s", types.ErrTimeout, h.Name)
	}
	return nil, &types.ProviderError{Op: "exec", Stderr: tail(stderr.String()), Err: err}
}

func (p *cliProvider) Healthy(ctx context.Context, h *Handle) (bool, error) {
	out, err := p.run(ctx, "inspect",
		"inspect", "--format", "{{.State.Running}}", h.Name)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (p *cliProvider) Pull(ctx context.Context, image string) error {
	_, err := p.run(ctx, "pull", "pull", image)
	return err
}

func (p *cliProvider) SSHTarget(ctx context.Context, h *Handle) (string, error) {
	out, err := p.run(ctx, "inspect",
		"inspect", "--format",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", h.Name)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" {
		return "", &types.ProviderError{Op: "inspect", Err: fmt.Errorf("container %s has no network address", h.Name)}
	}
	return ip + ":22", nil
}

func (p *cliProvider) List(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "list",
		"ps", "-a", "--filter", "name="+ContainerNamePrefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
