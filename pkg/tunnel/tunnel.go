package tunnel

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

// closeGrace is how long Close waits after SIGINT before SIGKILL.
const closeGrace = 3 * time.Second

// Spec describes the tunnel to open.
type Spec struct {
	// GatewayHost and GatewayPort identify the upstream tunnel gateway.
	GatewayHost string
	GatewayPort int

	// GatewayUser is the account on the gateway.
	GatewayUser string

	// RemotePort is the upstream-allocated port the gateway forwards.
	RemotePort int

	// LocalTarget is the host:port the forward lands on.
	LocalTarget string

	// KeyPath is the SSH private key used for the gateway connection.
	KeyPath string
}

// Starter launches the tunnel child. The production starter execs ssh;
// tests substitute a stand-in process.
type Starter interface {
	Start(spec Spec) (*exec.Cmd, error)
}

// SSHStarter launches the real ssh client.
type SSHStarter struct{}

// formatForward renders the -R argument: the upstream-allocated port
// forwarded back to the local target. RemotePort 0 lets the gateway
// choose.
func formatForward(spec Spec) string {
	return fmt.Sprintf("%d:%s", spec.RemotePort, spec.LocalTarget)
}

// formatDestination renders the user@host ssh destination.
func formatDestination(spec Spec) string {
	return fmt.Sprintf("%s@%s", spec.GatewayUser, spec.GatewayHost)
}

// Start builds and starts the ssh child for the given spec.
func (SSHStarter) Start(spec Spec) (*exec.Cmd, error) {
	args := []string{
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-T", "-N",
		"-i", spec.KeyPath,
		"-p", fmt.Sprintf("%d", spec.GatewayPort),
		"-R", formatForward(spec),
		formatDestination(spec),
	}
	cmd := exec.Command("ssh", args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Tunnel is a running tunnel child.
type Tunnel struct {
	spec   Spec
	cmd    *exec.Cmd
	logger zerolog.Logger

	done chan struct{}

	mu      sync.Mutex
	waitErr error
	closing bool
}

// Manager opens and supervises tunnels.
type Manager struct {
	starter Starter
	logger  zerolog.Logger
}

// NewManager returns a Manager using the given starter; nil selects the
// real SSH starter.
func NewManager(starter Starter) *Manager {
	if starter == nil {
		starter = SSHStarter{}
	}
	return &Manager{
		starter: starter,
		logger:  log.WithComponent("tunnel"),
	}
}

// Open starts the tunnel child and begins watching it.
func (m *Manager) Open(spec Spec) (*Tunnel, error) {
	cmd, err := m.starter.Start(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTunnelOpenFailed, err)
	}

	t := &Tunnel{
		spec:   spec,
		cmd:    cmd,
		logger: m.logger.With().Int("pid", cmd.Process.Pid).Logger(),
		done:   make(chan struct{}),
	}

	go t.watch()

	t.logger.Info().
		Str("gateway", spec.GatewayHost).
		Int("remote_port", spec.RemotePort).
		Str("local_target", spec.LocalTarget).
		Msg("tunnel child started")

	return t, nil
}

// watch waits for the child and closes Done.
func (t *Tunnel) watch() {
	err := t.cmd.Wait()

	t.mu.Lock()
	closing := t.closing
	if !closing && err == nil {
		err = types.ErrTunnelLost
	}
	t.waitErr = err
	t.mu.Unlock()

	if !closing {
		t.logger.Warn().Err(err).Msg("tunnel child exited")
	}
	close(t.done)
}

// Done is closed when the child exits, whether requested or not.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the child's exit error after Done is closed. While closing
// was requested, a clean exit reports nil; an unrequested exit reports at
// least types.ErrTunnelLost.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return nil
	}
	return t.waitErr
}

// Alive reports whether the child is still running.
func (t *Tunnel) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Close terminates the child: SIGINT, then SIGKILL after the grace
// period. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		<-t.done
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	if !t.Alive() {
		return nil
	}

	t.logger.Debug().Msg("closing tunnel child")
	if err := t.cmd.Process.Signal(syscall.SIGINT); err != nil {
		// Process already gone.
		<-t.done
		return nil
	}

	select {
	case <-t.done:
	case <-time.After(closeGrace):
		t.logger.Warn().Msg("tunnel child ignored SIGINT, killing")
		t.cmd.Process.Kill()
		<-t.done
	}

	return nil
}
