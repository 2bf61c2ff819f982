package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// runInit executes the INIT sequence in a worker goroutine: container
// create (pulling the image if needed), start, init-inside commands,
// key injection, tunnel open. Between sub-steps it checks the pending
// release flag and aborts without starting the next step.
func (c *Controller) runInit(wd types.WDeployment, instanceID, connType, publicKey string) {
	res := initResult{instance: instanceID}

	handle, err := c.createContainer(&wd, instanceID)
	if err != nil {
		res.err = err
		res.reason = initReason(err)
		c.post(res)
		return
	}
	res.handle = handle

	if c.pendingRelease.Load() {
		res.aborted = true
		c.post(res)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.InitCommand)
	err = c.cfg.Provider.Start(ctx, handle)
	cancel()
	if err != nil {
		res.err = fmt.Errorf("container start failed: %w", err)
		res.reason = "container_start"
		c.post(res)
		return
	}

	for _, command := range wd.InitInside {
		if c.pendingRelease.Load() {
			res.aborted = true
			c.post(res)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.InitCommand)
		out, err := c.cfg.Provider.ExecInside(ctx, handle, command)
		cancel()
		if err != nil {
			res.err = fmt.Errorf("init command failed to run: %w", err)
			res.reason = "init_exec"
			c.post(res)
			return
		}
		if out.ExitCode != 0 {
			cmdErr := &types.InitCommandError{
				Command:  command,
				ExitCode: out.ExitCode,
				Stderr:   out.Stderr,
			}
			res.err = cmdErr
			res.reason = cmdErr.Reason()
			c.post(res)
			return
		}
	}

	if connType == string(types.ConnSSHTun) {
		if c.pendingRelease.Load() {
			res.aborted = true
			c.post(res)
			return
		}

		if wd.CProvider != types.CProviderProxy && publicKey != "" {
			inject := fmt.Sprintf(
				"mkdir -p /root/.ssh && printf '%%s\\n' '%s' >> /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys",
				publicKey)
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.InitCommand)
			out, err := c.cfg.Provider.ExecInside(ctx, handle, inject)
			cancel()
			if err != nil || out.ExitCode != 0 {
				if err == nil {
					err = fmt.Errorf("authorized_keys injection exited %d", out.ExitCode)
				}
				res.err = err
				res.reason = "key_inject"
				c.post(res)
				return
			}
		}

		if c.pendingRelease.Load() {
			res.aborted = true
			c.post(res)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.TunnelOpen)
		target, err := c.cfg.Provider.SSHTarget(ctx, handle)
		cancel()
		if err != nil {
			res.err = fmt.Errorf("no tunnel target: %w", err)
			res.reason = "tunnel_target"
			c.post(res)
			return
		}

		spec := c.cfg.TunnelTemplate
		spec.LocalTarget = target
		tun, err := c.cfg.Tunnels.Open(spec)
		if err != nil {
			res.err = err
			res.reason = "tunnel_open"
			c.post(res)
			return
		}
		res.tun = tun
	}

	c.post(res)
}

// initReason maps an INIT failure to its short upstream reason code.
func initReason(err error) string {
	switch {
	case errors.Is(err, types.ErrDeviceMissing):
		return "device_missing"
	case errors.Is(err, types.ErrImagePullRequired):
		return "image_pull"
	case errors.Is(err, types.ErrProviderMissing):
		return "provider_missing"
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	default:
		return "container_create"
	}
}

// createContainer creates the instance container, pulling the image
// when the provider reports it absent.
func (c *Controller) createContainer(wd *types.WDeployment, instanceID string) (*cprovider.Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.InitCommand)
	handle, err := c.cfg.Provider.Create(ctx, wd, instanceID)
	cancel()
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, types.ErrImagePullRequired) {
		return nil, err
	}

	c.logger.Info().Str("image", wd.Image).Msg("image absent, pulling")
	pullCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.ImagePull)
	err = c.cfg.Provider.Pull(pullCtx, wd.Image)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("image pull failed: %w", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), c.cfg.Timeouts.InitCommand)
	defer cancel()
	return c.cfg.Provider.Create(ctx, wd, instanceID)
}

// handleInitResult finishes the INIT sequence on the controller
// goroutine.
func (c *Controller) handleInitResult(res initResult) {
	if c.instance == nil || c.instance.ID != res.instance {
		// Instance vanished; tear down whatever the worker made.
		c.disposeOrphan(res)
		return
	}

	c.handle = res.handle
	c.tun = res.tun

	switch {
	case res.err != nil:
		c.logger.Warn().Err(res.err).Msg("instance initialization failed")
		c.setState(types.StateInitFail, res.reason)
		c.lockWD()
		go c.runCleanup(res.instance, c.handle, c.tun)

	case res.aborted || c.pendingRelease.Load():
		reason := c.releaseReason
		if reason == "" {
			reason = types.ReasonReleased
		}
		c.beginTermination(reason)

	default:
		if c.instance.ConnType == types.ConnSSHTun && res.tun != nil {
			id := res.instance
			tun := res.tun
			go func() {
				<-tun.Done()
				if tun.Err() != nil {
					c.post(tunnelLost{instance: id})
				}
			}()
		}
		if res.handle != nil {
			c.instance.ContainerID = res.handle.Name
		}
		c.setState(types.StateReady, "")
	}
}

// beginTermination moves to TERMINATING and starts the teardown worker.
func (c *Controller) beginTermination(reason string) {
	if c.instance == nil || c.state() == types.StateTerminating || c.state().Terminal() {
		return
	}
	c.termReason = reason
	c.setState(types.StateTerminating, reason)
	go c.runTerminate(c.instance.ID, c.handle, c.tun)
}

// runTerminate executes the TERMINATING sequence in a worker: close the
// tunnel, run terminate commands, stop and remove the container. The
// first failure is reported but teardown continues so no resource leaks.
func (c *Controller) runTerminate(instanceID string, handle *cprovider.Handle, tun *tunnel.Tunnel) {
	var firstErr error

	if tun != nil {
		tun.Close()
	}

	wd := c.wd()
	if wd != nil && handle != nil {
		for _, command := range wd.Terminate {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.TermCommand)
			out, err := c.cfg.Provider.ExecInside(ctx, handle, command)
			cancel()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("terminate command failed to run: %w", err)
				}
				continue
			}
			if out.ExitCode != 0 && firstErr == nil {
				firstErr = &types.TerminateCommandError{Command: command, ExitCode: out.ExitCode}
			}
		}
	}

	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.ContainerStop+10*time.Second)
		if err := c.cfg.Provider.Stop(ctx, handle, c.cfg.Timeouts.ContainerStop); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("container stop failed: %w", err)
		}
		cancel()

		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.Timeouts.ContainerStop)
		if err := c.cfg.Provider.Remove(ctx, handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("container remove failed: %w", err)
		}
		cancel()
	}

	c.post(termResult{instance: instanceID, err: firstErr})
}

// handleTermResult finishes TERMINATING on the controller goroutine.
func (c *Controller) handleTermResult(res termResult) {
	if c.instance == nil || c.instance.ID != res.instance {
		return
	}

	// Post-INIT_FAIL cleanup: the terminal state is already reported and
	// the WD locked; only the resources needed reclaiming.
	if c.state() == types.StateInitFail {
		c.clearInstance()
		return
	}

	if res.err != nil {
		c.logger.Warn().Err(res.err).Msg("termination failed; locking WD")
		c.setState(types.StateTerminated, "term_error")
		c.lockWD()
	} else {
		reason := c.termReason
		if reason == "" {
			reason = types.ReasonReleased
		}
		c.setState(types.StateTerminated, reason)
	}

	c.clearInstance()
}

// runCleanup tears down resources after INIT_FAIL. The WD is already
// locked; this only reclaims the container and tunnel.
func (c *Controller) runCleanup(instanceID string, handle *cprovider.Handle, tun *tunnel.Tunnel) {
	if tun != nil {
		tun.Close()
	}
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.ContainerStop)
		c.cfg.Provider.Remove(ctx, handle)
		cancel()
	}
	c.post(termResult{instance: instanceID})
}

// disposeOrphan reclaims worker output that arrived after the instance
// was already cleared.
func (c *Controller) disposeOrphan(res initResult) {
	if res.tun != nil {
		res.tun.Close()
	}
	if res.handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.ContainerStop)
		c.cfg.Provider.Remove(ctx, res.handle)
		cancel()
	}
}

// runVerify performs one liveness check in a worker.
func (c *Controller) runVerify(instanceID string, handle *cprovider.Handle, tun *tunnel.Tunnel) {
	ok := true

	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		healthy, err := c.cfg.Provider.Healthy(ctx, handle)
		cancel()
		if err != nil || !healthy {
			ok = false
		}
	}

	if ok && tun != nil && !tun.Alive() {
		ok = false
	}

	c.post(verifyResult{instance: instanceID, ok: ok})
}
