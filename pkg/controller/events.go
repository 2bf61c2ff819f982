package controller

import (
	"context"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// event is anything the controller loop consumes from its inbox.
type event interface{ isEvent() }

// frameEvent is an upstream frame routed to this WD.
type frameEvent struct {
	frame types.Frame
}

// adminEvent is a local admin request with its reply channel.
type adminEvent struct {
	ctx   context.Context
	req   admin.Request
	reply chan<- admin.Response
}

// initResult is posted by the INIT worker when the sequence ends.
type initResult struct {
	instance string
	handle   *cprovider.Handle
	tun      *tunnel.Tunnel
	err      error
	reason   string
	// aborted is set when a pending release cut the sequence short; the
	// container (and tunnel, if opened) still need teardown.
	aborted bool
}

// termResult is posted by the TERMINATING worker.
type termResult struct {
	instance string
	err      error
}

// verifyResult is posted by the VERIFY worker.
type verifyResult struct {
	instance string
	ok       bool
}

// tunnelLost is posted by the tunnel watcher when the child dies
// outside of a requested close.
type tunnelLost struct {
	instance string
}

// expireEvent fires when the instance expiry timestamp passes.
type expireEvent struct {
	instance string
}

// transportLost is injected by the supervisor when the upstream has
// been unreachable past the reconnect cutoff.
type transportLost struct{}

// reloadEvent asks the controller to refresh its WD view from config.
type reloadEvent struct{}

func (frameEvent) isEvent()    {}
func (adminEvent) isEvent()    {}
func (initResult) isEvent()    {}
func (termResult) isEvent()    {}
func (verifyResult) isEvent()  {}
func (tunnelLost) isEvent()    {}
func (expireEvent) isEvent()   {}
func (transportLost) isEvent() {}
func (reloadEvent) isEvent()   {}
