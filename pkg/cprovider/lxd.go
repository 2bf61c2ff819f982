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

// lxdProvider drives LXD through the lxc client binary. The verbs differ
// from the docker/podman surface enough that sharing cliProvider would
// mean a table of special cases, so it stands alone.
type lxdProvider struct {
	logger zerolog.Logger
}

func newLXDProvider() *lxdProvider {
	return &lxdProvider{logger: log.WithComponent("cprovider.lxd")}
}

func (p *lxdProvider) run(ctx context.Context, op string, args ...string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderOpDuration, op)

	cmd := exec.CommandContext(ctx, "lxc", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug().Str("op", op).Strs("args", args).Msg("invoking lxc")

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: lxc", types.ErrProviderMissing)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: lxc %s", types.ErrTimeout, op)
	}

	errText := stderr.String()
	if strings.Contains(strings.ToLower(errText), "image not found") {
		return "", fmt.Errorf("%w: %s", types.ErrImagePullRequired, strings.TrimSpace(errText))
	}

	return "", &types.ProviderError{Op: op, Stderr: tail(errText), Err: err}
}

func (p *lxdProvider) Create(ctx context.Context, wd *types.WDeployment, instanceID string) (*Handle, error) {
	for _, dev := range wd.RawDevices {
		if _, err := os.Stat(dev); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrDeviceMissing, dev)
		}
	}

	name := ContainerName(wd)
	args := []string{"init", wd.Image, name}
	args = append(args, wd.CArgs...)
	if _, err := p.run(ctx, "init", args...); err != nil {
		return nil, err
	}

	// lxc attaches devices as named entries after init.
	for i, dev := range wd.RawDevices {
		devName := fmt.Sprintf("hsdev%d", i)
		_, err := p.run(ctx, "device-add",
			"config", "device", "add", name, devName, "unix-char", "path="+dev)
		if err != nil {
			p.run(ctx, "delete", "delete", "--force", name)
			return nil, err
		}
	}

	return &Handle{Name: name, Kind: types.CProviderLXD}, nil
}

func (p *lxdProvider) Start(ctx context.Context, h *Handle) error {
	_, err := p.run(ctx, "start", "start", h.Name)
	return err
}

func (p *lxdProvider) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	// lxc stop blocks; the context bounds it. Force kills on escalation.
	_, err := p.run(ctx, "stop", "stop", "--timeout", fmt.Sprintf("%d", int(timeout.Seconds())), h.Name)
	if err != nil && !errors.Is(err, types.ErrTimeout) {
		_, err = p.run(ctx, "stop-force", "stop", "--force", h.Name)
	}
	return err
}

func (p *lxdProvider) Remove(ctx context.Context, h *Handle) error {
	_, err := p.run(ctx, "delete", "delete", "--force", h.Name)
	return err
}

func (p *lxdProvider) ExecInside(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderOpDuration, "exec")

	cmd := exec.CommandContext(ctx, "lxc", "exec", h.Name, "--", "/bin/sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return &ExecResult{ExitCode: 0, Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecResult{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: lxc", types.ErrProviderMissing)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: exec inside %s", types.ErrTimeout, h.Name)
	}
	return nil, &types.ProviderError{Op: "exec", Stderr: tail(stderr.String()), Err: err}
}

func (p *lxdProvider) Healthy(ctx context.Context, h *Handle) (bool, error) {
	out, err := p.run(ctx, "info", "list", h.Name, "--format", "csv", "--columns", "s")
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(out), "RUNNING"), nil
}

func (p *lxdProvider) Pull(ctx context.Context, image string) error {
	_, err := p.run(ctx, "pull", "image", "copy", image, "local:")
	return err
}

func (p *lxdProvider) SSHTarget(ctx context.Context, h *Handle) (string, error) {
	out, err := p.run(ctx, "info", "list", h.Name, "--format", "csv", "--columns", "4")
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(strings.Split(out, " ")[0])
	if ip == "" {
		return "", &types.ProviderError{Op: "info", Err: fmt.Errorf("container %s has no network address", h.Name)}
	}
	return ip + ":22", nil
}

func (p *lxdProvider) List(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "list", "list", "--format", "csv", "--columns", "n")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ContainerNamePrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
