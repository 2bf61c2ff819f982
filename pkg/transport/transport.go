package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/token"
	"github.com/rerobots/hardshare/pkg/types"
)

const (
	// heartbeatInterval is how often HEARTBEAT frames go out.
	heartbeatInterval = 30 * time.Second

	// readTimeout bounds the wait for any inbound frame. Two missed
	// heartbeat round trips force a reconnect.
	readTimeout = 2*heartbeatInterval + 15*time.Second

	// backoff schedule for reconnects.
	reconnectInitial    = time.Second
	reconnectMax        = 60 * time.Second
	reconnectMaxElapsed = 20 * time.Minute

	outboundBuffer = 64
)

// Config wires a Client.
type Config struct {
	// URL of the upstream control endpoint (wss://...).
	URL string

	// Token supplies the current bearer credential at each dial.
	Token func() (*token.Record, error)

	// Inbox receives inbound frames in arrival order.
	Inbox chan<- types.Frame

	// Announce supplies the post-connect ANNOUNCE payload.
	Announce func() []types.AnnouncedWD

	// OnDegraded fires once when the reconnect cutoff is exhausted.
	OnDegraded func()

	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
}

// Client is the upstream control channel.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	outbound chan types.Frame

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// sessionHeld is set once a dial succeeds, so the backoff schedule
	// resets after a real connection rather than after every dial
	// attempt.
	sessionHeld bool
}

// New returns an unstarted client.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		logger:   log.WithComponent("transport"),
		outbound: make(chan types.Frame, outboundBuffer),
	}
}

// Send enqueues an outbound frame. It never blocks the caller beyond the
// queue; a full queue drops the frame with a log line, since control
// frames are re-derivable from state.
func (c *Client) Send(f types.Frame) {
	f.V = types.FrameVersion
	select {
	case c.outbound <- f:
	default:
		c.logger.Warn().Str("cmd", f.Cmd).Msg("outbound queue full, dropping frame")
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials and services the channel until ctx is canceled. It blocks.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.Multiplier = 2
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = reconnectMaxElapsed
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("upstream session ended")

		next := bo.NextBackOff()
		if next == backoff.Stop {
			c.logger.Error().Msg("upstream unreachable past cutoff, marking degraded")
			if c.cfg.OnDegraded != nil {
				c.cfg.OnDegraded()
			}
			return fmt.Errorf("upstream reconnect cutoff exhausted after %s", reconnectMaxElapsed)
		}

		metrics.TransportReconnectsTotal.Inc()
		c.logger.Info().Dur("backoff", next).Msg("reconnecting to upstream")
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}

		// A session that connected earns a fresh schedule.
		if c.sessionHeld {
			bo.Reset()
			c.sessionHeld = false
		}
	}
}

// session runs one connection: dial, announce, then read until failure.
func (c *Client) session(ctx context.Context) error {
	rec, err := c.cfg.Token()
	if err != nil {
		return fmt.Errorf("no usable API token: %w", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", rec.Bearer())

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", types.ErrTransportAuth, resp.Status)
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.sessionHeld = true

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info().Str("url", c.cfg.URL).Msg("connected to upstream")

	// Re-announce the advertised WDs and their instance states.
	announce := types.Frame{
		V:   types.FrameVersion,
		Cmd: types.CmdAnnounce,
	}
	if c.cfg.Announce != nil {
		announce.WDeployments = c.cfg.Announce()
	}
	if err := c.write(conn, announce); err != nil {
		return fmt.Errorf("announce failed: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writeLoop(sessionCtx, conn) }()
	go func() { errCh <- c.readLoop(sessionCtx, conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write sends one frame under the connection write deadline.
func (c *Client) write(conn *websocket.Conn, f types.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("out", f.Cmd).Inc()
	return nil
}

// writeLoop drains the outbound queue and emits heartbeats.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.outbound:
			if err := c.write(conn, f); err != nil {
				return err
			}
		case <-ticker.C:
			hb := types.Frame{V: types.FrameVersion, Cmd: types.CmdHeartbeat}
			if err := c.write(conn, hb); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop decodes inbound frames and delivers them to the inbox.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("unparseable frame from upstream")
			continue
		}

		metrics.FramesTotal.WithLabelValues("in", f.Cmd).Inc()

		switch f.Cmd {
		case types.CmdPing:
			c.Send(types.Frame{Cmd: types.CmdPong})
		case types.CmdHeartbeat:
			// Upstream heartbeat; the read deadline refresh is enough.
		case types.CmdAcquire, types.CmdRelease, types.CmdVerify, types.CmdControlRule:
			select {
			case c.cfg.Inbox <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.logger.Warn().Str("cmd", f.Cmd).Msg("unknown frame cmd, ignoring")
		}
	}
}
