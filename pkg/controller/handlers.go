package controller

import (
	"time"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/rules"
	"github.com/rerobots/hardshare/pkg/types"
)

// verifyFailureLimit is how many consecutive VERIFY failures trigger
// termination. One retry happens before escalation.
const verifyFailureLimit = 2

// handleFrame dispatches an upstream frame by cmd.
func (c *Controller) handleFrame(f types.Frame) {
	switch f.Cmd {
	case types.CmdAcquire:
		c.handleAcquire(f)
	case types.CmdRelease:
		reason := f.Reason
		if reason == "" {
			reason = types.ReasonReleased
		}
		c.handleRelease(f.Instance, reason)
	case types.CmdVerify:
		c.handleVerify(f)
	case types.CmdControlRule:
		c.handleControlRule(f)
	default:
		c.logger.Warn().Str("cmd", f.Cmd).Msg("unexpected frame cmd for controller")
	}
}

// handleAcquire starts a new instance if the WD is free and unlocked.
func (c *Controller) handleAcquire(f types.Frame) {
	if c.shuttingDown {
		c.reject(f.Instance, "shutdown")
		return
	}
	if c.state() != types.StateIdle {
		c.reject(f.Instance, "busy")
		return
	}

	wd := c.wd()
	if wd == nil {
		c.reject(f.Instance, "unknown")
		return
	}
	if wd.Locked {
		c.reject(f.Instance, "locked")
		return
	}
	// An installed ruleset filters every acquire; the upstream asserts
	// the requester's identity and class memberships on the frame. With
	// no rules the upstream's own authorization is trusted as-is.
	if len(c.ruleset.Rules) > 0 &&
		!c.ruleset.Decide(f.Subject, f.Classes, rules.CapInstantiate) {
		c.reject(f.Instance, "denied")
		return
	}

	connType := types.ConnType(f.ConnType)
	if connType == "" {
		connType = types.ConnSSHTun
	}

	inst := &types.Instance{
		ID:          f.Instance,
		WDeployment: c.wdID,
		State:       types.StateIdle,
		ConnType:    connType,
		PublicKey:   f.PublicKey,
		CreatedAt:   time.Now(),
	}
	if f.Expiry > 0 {
		inst.Expiry = time.Unix(f.Expiry, 0)
	}

	c.instance = inst
	metrics.InstancesActive.Inc()
	c.setState(types.StateInit, "")

	if !inst.Expiry.IsZero() {
		id := inst.ID
		c.expireTimer = time.AfterFunc(time.Until(inst.Expiry), func() {
			c.post(expireEvent{instance: id})
		})
	}

	go c.runInit(*wd, inst.ID, string(inst.ConnType), inst.PublicKey)
}

// reject answers an ACQUIRE that cannot be honored.
func (c *Controller) reject(instance, why string) {
	metrics.AcquireRejectsTotal.WithLabelValues(why).Inc()
	c.logger.Info().Str("instance", instance).Str("why", why).Msg("rejecting acquire")
	c.cfg.Sender.Send(types.RejectFrame(c.wdID, instance, why))
}

// handleRelease begins termination, tolerating duplicates and releases
// for instances already gone.
func (c *Controller) handleRelease(instance, reason string) {
	if c.instance == nil || (instance != "" && instance != c.instance.ID) {
		c.logger.Debug().Str("instance", instance).Msg("release for unknown instance, ignoring")
		return
	}

	switch c.state() {
	case types.StateInit:
		// Let the in-flight sub-step finish; the INIT worker checks the
		// flag between steps and aborts.
		if !c.pendingRelease.Load() {
			c.pendingRelease.Store(true)
			c.releaseReason = reason
			c.logger.Info().Str("reason", reason).Msg("release during INIT, will stop after current sub-step")
		}
	case types.StateReady:
		c.beginTermination(reason)
	default:
		// Already TERMINATING or terminal: idempotent no-op.
		c.logger.Debug().Str("reason", reason).Msg("duplicate release, ignoring")
	}
}

// handleVerify answers a liveness ping. In READY it spawns the real
// check; otherwise the current state is reported directly.
func (c *Controller) handleVerify(f types.Frame) {
	if c.instance == nil || c.state() != types.StateReady {
		state := c.state()
		instID := ""
		if c.instance != nil {
			instID = c.instance.ID
		}
		c.cfg.Sender.Send(types.StateFrame(c.wdID, instID, state, ""))
		return
	}
	go c.runVerify(c.instance.ID, c.handle, c.tun)
}

// handleControlRule updates the per-WD capability ruleset.
func (c *Controller) handleControlRule(f types.Frame) {
	if f.Subject == "" || f.Action == "" || f.Allow == nil {
		c.logger.Warn().Msg("malformed CONTROL_RULE frame, ignoring")
		return
	}
	c.ruleset.Add(rules.Rule{Subject: f.Subject, Action: f.Action, Allow: *f.Allow})
	c.logger.Info().
		Str("subject", f.Subject).Str("action", f.Action).Bool("allow", *f.Allow).
		Msg("capability rule updated")
}

// handleAdmin serves one local admin request.
func (c *Controller) handleAdmin(ev adminEvent) {
	resp := admin.Response{OK: true}

	switch ev.req.Cmd {
	case admin.CmdStatus:
		state, instID := c.state(), ""
		if c.instance != nil {
			instID = c.instance.ID
		}
		wd := c.wd()
		locked := wd != nil && wd.Locked
		resp.Payload = admin.StatusPayload{
			WDeployment: c.wdID,
			Locked:      locked,
			State:       string(state),
			Instance:    instID,
		}

	case admin.CmdLock:
		if err := c.cfg.Store.Mutate(config.SetLocked(c.wdID, true)); err != nil {
			resp = admin.Response{Err: err.Error()}
			break
		}
		if err := c.cfg.Store.Persist(); err != nil {
			resp = admin.Response{Err: err.Error()}
		}

	case admin.CmdUnlock:
		if err := c.cfg.Store.Mutate(config.SetLocked(c.wdID, false)); err != nil {
			resp = admin.Response{Err: err.Error()}
			break
		}
		if err := c.cfg.Store.Persist(); err != nil {
			resp = admin.Response{Err: err.Error()}
		}

	case admin.CmdReloadConfig:
		if err := c.cfg.Store.Reload(); err != nil {
			resp = admin.Response{Err: err.Error()}
		}

	case admin.CmdTerminateInstance:
		switch c.state() {
		case types.StateReady:
			c.beginTermination(types.ReasonTermCmd)
		case types.StateInit:
			c.handleRelease(c.instance.ID, types.ReasonTermCmd)
		default:
			resp = admin.Response{Err: "no active instance"}
		}

	default:
		// stop-ad and camera commands are supervisor-scoped; anything
		// else reaching here is unknown.
		resp = admin.Response{Err: "unknown command " + ev.req.Cmd}
	}

	select {
	case ev.reply <- resp:
	case <-ev.ctx.Done():
	}
}

// handleTunnelLost reacts to the tunnel child dying under a READY
// instance.
func (c *Controller) handleTunnelLost(ev tunnelLost) {
	if c.instance == nil || c.instance.ID != ev.instance {
		return
	}
	if c.state() != types.StateReady {
		return
	}
	c.logger.Warn().Msg("tunnel lost while READY")
	c.beginTermination(types.ReasonVerifyFail)
}

// handleExpire terminates an instance whose allocation window passed.
func (c *Controller) handleExpire(ev expireEvent) {
	if c.instance == nil || c.instance.ID != ev.instance {
		return
	}
	switch c.state() {
	case types.StateReady:
		c.beginTermination(types.ReasonExpired)
	case types.StateInit:
		c.handleRelease(ev.instance, types.ReasonExpired)
	}
}

// handleTransportLost terminates a READY instance when the upstream has
// been gone past the reconnect cutoff.
func (c *Controller) handleTransportLost() {
	if c.state() == types.StateReady {
		c.beginTermination(types.ReasonTransportLost)
	}
}

// handleVerifyResult tracks consecutive verify failures; the second in
// a row escalates to termination.
func (c *Controller) handleVerifyResult(ev verifyResult) {
	if c.instance == nil || c.instance.ID != ev.instance || c.state() != types.StateReady {
		return
	}

	if ev.ok {
		c.verifyFailures = 0
		c.cfg.Sender.Send(types.StateFrame(c.wdID, ev.instance, types.StateReady, ""))
		return
	}

	c.verifyFailures++
	c.logger.Warn().Int("consecutive", c.verifyFailures).Msg("verify failed")
	if c.verifyFailures >= verifyFailureLimit {
		c.beginTermination(types.ReasonVerifyFail)
	}
}
