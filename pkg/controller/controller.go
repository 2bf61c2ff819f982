package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/journal"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/rules"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// Timeouts bounds every external call the controller makes. Zero fields
// take the defaults.
type Timeouts struct {
	InitCommand   time.Duration // per init-inside command
	TermCommand   time.Duration // per terminate command
	ContainerStop time.Duration
	ImagePull     time.Duration
	TunnelOpen    time.Duration
}

func (t *Timeouts) withDefaults() Timeouts {
	out := *t
	if out.InitCommand == 0 {
		out.InitCommand = 30 * time.Second
	}
	if out.TermCommand == 0 {
		out.TermCommand = 30 * time.Second
	}
	if out.ContainerStop == 0 {
		out.ContainerStop = 60 * time.Second
	}
	if out.ImagePull == 0 {
		out.ImagePull = 10 * time.Minute
	}
	if out.TunnelOpen == 0 {
		out.TunnelOpen = 30 * time.Second
	}
	return out
}

// Sender is the outbound half of the upstream transport.
type Sender interface {
	Send(types.Frame)
}

// Recorder appends lifecycle events to the journal.
type Recorder interface {
	Append(journal.Entry) error
}

// Config wires a Controller.
type Config struct {
	WDeployment string
	Store       *config.Store
	Provider    cprovider.CProvider
	Tunnels     *tunnel.Manager
	Sender      Sender
	Journal     Recorder
	Timeouts    Timeouts

	// TunnelTemplate carries the gateway coordinates; per-instance
	// fields (local target) are filled at open time.
	TunnelTemplate tunnel.Spec
}

// Controller owns the instance lifecycle of one WD.
type Controller struct {
	cfg    Config
	wdID   string
	logger zerolog.Logger

	inbox chan event

	// Loop-owned state; only the Run goroutine touches these.
	instance       *types.Instance
	handle         *cprovider.Handle
	tun            *tunnel.Tunnel
	ruleset        rules.Ruleset
	verifyFailures int
	expireTimer    *time.Timer
	shuttingDown   bool
	termReason     string

	// pendingRelease is shared with the INIT worker: set when a RELEASE
	// (or equivalent) arrives mid-INIT so the worker stops after the
	// current sub-step.
	pendingRelease atomic.Bool
	releaseReason  string

	// published is the mutex-guarded view other goroutines may read.
	pubMu     sync.Mutex
	pubState  types.InstanceState
	pubInstID string
}

// New creates a controller in IDLE.
func New(cfg Config) *Controller {
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	return &Controller{
		cfg:      cfg,
		wdID:     cfg.WDeployment,
		logger:   log.WithComponent("controller").With().Str("wd", cfg.WDeployment).Logger(),
		inbox:    make(chan event, 32),
		pubState: types.StateIdle,
	}
}

// Deliver routes an upstream frame into the inbox.
func (c *Controller) Deliver(f types.Frame) {
	c.post(frameEvent{frame: f})
}

// NotifyTransportLost tells the controller the upstream is gone past the
// reconnect cutoff.
func (c *Controller) NotifyTransportLost() {
	c.post(transportLost{})
}

// NotifyReload asks the controller to refresh its WD view.
func (c *Controller) NotifyReload() {
	c.post(reloadEvent{})
}

// post never blocks the caller: the inbox is generously buffered and a
// full inbox means the controller is wedged, which the log should show.
func (c *Controller) post(ev event) {
	select {
	case c.inbox <- ev:
	default:
		c.logger.Error().Msgf("inbox full, dropping %T", ev)
	}
}

// Status returns the published state for announce and admin queries.
func (c *Controller) Status() (types.InstanceState, string) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.pubState, c.pubInstID
}

// HandleAdmin is the admin.Handler for this WD's socket.
func (c *Controller) HandleAdmin(ctx context.Context, req admin.Request) admin.Response {
	reply := make(chan admin.Response, 1)
	c.post(adminEvent{ctx: ctx, req: req, reply: reply})
	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return admin.Response{Err: types.ErrTimeout.Error()}
	}
}

// Run processes the inbox until ctx is canceled. On cancellation a READY
// instance is gracefully terminated before returning.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info().Msg("controller started")
	for {
		select {
		case ev := <-c.inbox:
			c.dispatchEvent(ctx, ev)
		case <-ctx.Done():
			c.drainShutdown()
			return
		}
	}
}

// dispatchEvent dispatches one inbox event.
func (c *Controller) dispatchEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		c.handleFrame(ev.frame)
	case adminEvent:
		c.handleAdmin(ev)
	case initResult:
		c.handleInitResult(ev)
	case termResult:
		c.handleTermResult(ev)
	case verifyResult:
		c.handleVerifyResult(ev)
	case tunnelLost:
		c.handleTunnelLost(ev)
	case expireEvent:
		c.handleExpire(ev)
	case transportLost:
		c.handleTransportLost()
	case reloadEvent:
		// The WD view is re-read from the store on demand; nothing is
		// cached between events beyond the active instance.
		c.logger.Debug().Msg("config reloaded")
	}
}

// wd returns the current WD definition from config.
func (c *Controller) wd() *types.WDeployment {
	return c.cfg.Store.Snapshot().WDeployment(c.wdID)
}

// state returns the current controller state: the instance state, or
// IDLE with no instance.
func (c *Controller) state() types.InstanceState {
	if c.instance == nil {
		return types.StateIdle
	}
	return c.instance.State
}

// setState performs a validated transition, journals it, counts it, and
// emits the upstream STATE frame.
func (c *Controller) setState(to types.InstanceState, reason string) {
	from := c.state()
	if !types.ValidTransition(from, to) {
		c.logger.Error().
			Str("from", string(from)).Str("to", string(to)).
			Msg("transition rejected by state machine")
		return
	}

	c.instance.State = to
	if to.Terminal() {
		c.instance.TerminalCause = reason
	}

	c.publish(to, c.instance.ID)
	metrics.StateTransitionsTotal.WithLabelValues(c.wdID, string(to)).Inc()

	if err := c.cfg.Journal.Append(journal.Entry{
		WDeployment: c.wdID,
		Instance:    c.instance.ID,
		From:        string(from),
		To:          string(to),
		Reason:      reason,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("journal append failed")
	}

	c.logger.Info().
		Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).
		Str("instance", c.instance.ID).
		Msg("state transition")

	c.cfg.Sender.Send(types.StateFrame(c.wdID, c.instance.ID, to, reason))
}

// publish updates the mutex-guarded state view.
func (c *Controller) publish(state types.InstanceState, instID string) {
	c.pubMu.Lock()
	c.pubState = state
	c.pubInstID = instID
	c.pubMu.Unlock()
}

// clearInstance completes cleanup after a terminal state: release the
// timer and return to IDLE.
func (c *Controller) clearInstance() {
	if c.expireTimer != nil {
		c.expireTimer.Stop()
		c.expireTimer = nil
	}
	c.instance = nil
	c.handle = nil
	c.tun = nil
	c.verifyFailures = 0
	c.termReason = ""
	c.pendingRelease.Store(false)
	c.releaseReason = ""
	c.publish(types.StateIdle, "")
	metrics.InstancesActive.Dec()
}

// lockWD sets the WD lock after a fatal INIT or TERMINATING failure and
// persists it so the lock survives restart.
func (c *Controller) lockWD() {
	if err := c.cfg.Store.Mutate(config.SetLocked(c.wdID, true)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set WD lock")
		return
	}
	if err := c.cfg.Store.Persist(); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist WD lock")
	}
	c.logger.Warn().Msg("WD locked; clear with `hardshare unlock`")
}

// drainShutdown runs when the daemon is stopping: gracefully terminate
// a live instance. The supervisor bounds the overall wait.
func (c *Controller) drainShutdown() {
	c.shuttingDown = true
	switch c.state() {
	case types.StateReady:
		c.beginTermination(types.ReasonShutdown)
	case types.StateInit:
		c.pendingRelease.Store(true)
		c.releaseReason = types.ReasonShutdown
	default:
		c.logger.Info().Msg("controller stopped")
		return
	}

	// Keep consuming worker results until the instance is gone.
	deadline := time.After(2 * time.Minute)
	for c.instance != nil {
		select {
		case ev := <-c.inbox:
			switch ev := ev.(type) {
			case initResult:
				c.handleInitResult(ev)
			case termResult:
				c.handleTermResult(ev)
			default:
				// Everything else is moot during shutdown.
			}
		case <-deadline:
			c.logger.Error().Msg("shutdown drain deadline exceeded")
			return
		}
	}
	c.logger.Info().Msg("controller stopped")
}
