package controller

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/journal"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/rules"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

const testWD = "b47cd57c-833b-47c1-964d-79e5e6f00dba"

// fakeProvider is a scriptable in-memory CProvider.
type fakeProvider struct {
	mu          sync.Mutex
	execExit    map[string]int // command -> exit code (absent = 0)
	unhealthy   bool
	createGate  chan struct{} // non-nil: Create blocks until closed
	createErr   error
	creates     int
	stops       int
	removes     int
	execHistory []string
}

func (p *fakeProvider) Create(ctx context.Context, wd *types.WDeployment, instanceID string) (*cprovider.Handle, error) {
	if p.createGate != nil {
		select {
		case <-p.createGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.creates++
	return &cprovider.Handle{Name: "rrc-b47cd57c", Kind: wd.CProvider}, nil
}

func (p *fakeProvider) Start(ctx context.Context, h *cprovider.Handle) error { return nil }

func (p *fakeProvider) Stop(ctx context.Context, h *cprovider.Handle, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProvider) Remove(ctx context.Context, h *cprovider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes++
	return nil
}

func (p *fakeProvider) ExecInside(ctx context.Context, h *cprovider.Handle, cmd string) (*cprovider.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execHistory = append(p.execHistory, cmd)
	return &cprovider.ExecResult{ExitCode: p.execExit[cmd]}, nil
}

func (p *fakeProvider) Healthy(ctx context.Context, h *cprovider.Handle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unhealthy, nil
}

func (p *fakeProvider) Pull(ctx context.Context, image string) error { return nil }

func (p *fakeProvider) List(ctx context.Context) ([]string, error) { return nil, nil }

func (p *fakeProvider) SSHTarget(ctx context.Context, h *cprovider.Handle) (string, error) {
	return "127.0.0.1:22", nil
}

func (p *fakeProvider) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakeProvider) execs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.execHistory...)
}

// fakeSender records outbound frames.
type fakeSender struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (s *fakeSender) Send(f types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

// find returns the first frame matching the predicate.
func (s *fakeSender) find(match func(types.Frame) bool) (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if match(f) {
			return f, true
		}
	}
	return types.Frame{}, false
}

func (s *fakeSender) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Cmd == types.CmdState && f.State != "" {
			out = append(out, f.State)
		}
	}
	return out
}

// sleepStarter stands in for ssh.
type sleepStarter struct{}

func (sleepStarter) Start(spec tunnel.Spec) (*exec.Cmd, error) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

type harness struct {
	ctrl     *Controller
	store    *config.Store
	provider *fakeProvider
	sender   *fakeSender
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, edit func(*types.WDeployment)) *harness {
	t.Helper()

	wd := types.WDeployment{
		ID:        testWD,
		CProvider: types.CProviderDocker,
		Image:     "rerobots/hs-generic:x86_64-latest",
	}
	if edit != nil {
		edit(&wd)
	}

	store, err := config.Open(filepath.Join(t.TempDir(), "main.yaml"))
	require.NoError(t, err)
	require.NoError(t, store.Mutate(config.AddWDeployment(wd)))

	jnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	provider := &fakeProvider{execExit: map[string]int{}}
	sender := &fakeSender{}

	ctrl := New(Config{
		WDeployment: testWD,
		Store:       store,
		Provider:    provider,
		Tunnels:     tunnel.NewManager(sleepStarter{}),
		Sender:      sender,
		Journal:     jnl,
		Timeouts: Timeouts{
			InitCommand:   5 * time.Second,
			TermCommand:   5 * time.Second,
			ContainerStop: 5 * time.Second,
			TunnelOpen:    5 * time.Second,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(cancel)

	return &harness{ctrl: ctrl, store: store, provider: provider, sender: sender, cancel: cancel}
}

func (h *harness) acquire(instance string) {
	h.ctrl.Deliver(types.Frame{
		Cmd:      types.CmdAcquire,
		Instance: instance,
		ConnType: string(types.ConnSSHTun),
		PublicKey: "ssh-ed25519 AAAATEST remote@user",
	})
}

func (h *harness) waitState(t *testing.T, want types.InstanceState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _ := h.ctrl.Status()
		return state == want
	}, 10*time.Second, 10*time.Millisecond, "controller never reached %s", want)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	h.acquire("i1")
	h.waitState(t, types.StateReady)

	// READY was reported upstream for this instance.
	f, ok := h.sender.find(func(f types.Frame) bool {
		return f.Cmd == types.CmdState && f.State == string(types.StateReady)
	})
	require.True(t, ok)
	assert.Equal(t, "i1", f.Instance)

	h.ctrl.Deliver(types.Frame{Cmd: types.CmdRelease, Instance: "i1"})
	h.waitState(t, types.StateIdle)

	// TERMINATED was reported, the container is gone, and the WD did
	// not get locked.
	_, ok = h.sender.find(func(f types.Frame) bool {
		return f.State == string(types.StateTerminated)
	})
	assert.True(t, ok)
	assert.Equal(t, 1, h.provider.stopCount())
	assert.False(t, h.store.Snapshot().WDeployment(testWD).Locked)

	// Upstream-visible transition order follows the state machine.
	assert.Equal(t, []string{"INIT", "READY", "TERMINATING", "TERMINATED"}, h.sender.states())
}

func TestInitFailureLocksWD(t *testing.T) {
	h := newHarness(t, func(wd *types.WDeployment) {
		wd.InitInside = []string{"/bin/false"}
	})
	h.provider.execExit["/bin/false"] = 1

	h.acquire("i1")
	h.waitState(t, types.StateIdle)

	f, ok := h.sender.find(func(f types.Frame) bool {
		return f.State == string(types.StateInitFail)
	})
	require.True(t, ok)
	assert.Equal(t, "init_cmd_exit=1", f.Detail)
	assert.True(t, h.store.Snapshot().WDeployment(testWD).Locked)
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(t, nil)

	h.acquire("i1")
	h.waitState(t, types.StateReady)
	h.acquire("i2")

	require.Eventually(t, func() bool {
		_, ok := h.sender.find(func(f types.Frame) bool {
			return f.Reject == "busy" && f.Instance == "i2"
		})
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// The first instance is unaffected.
	state, inst := h.ctrl.Status()
	assert.Equal(t, types.StateReady, state)
	assert.Equal(t, "i1", inst)
}

func TestLockedRejection(t *testing.T) {
	h := newHarness(t, func(wd *types.WDeployment) {
		wd.Locked = true
	})

	h.acquire("i1")

	require.Eventually(t, func() bool {
		_, ok := h.sender.find(func(f types.Frame) bool {
			return f.Reject == "locked" && f.Instance == "i1"
		})
		return ok
	}, time.Second, 5*time.Millisecond, "locked rejection not sent within 1s")

	state, _ := h.ctrl.Status()
	assert.Equal(t, types.StateIdle, state)
	assert.Zero(t, h.provider.creates)
}

func TestReleaseDuringInit(t *testing.T) {
	h := newHarness(t, func(wd *types.WDeployment) {
		wd.InitInside = []string{"step-one", "step-two"}
	})
	h.provider.createGate = make(chan struct{})

	h.acquire("i1")
	h.waitState(t, types.StateInit)

	// Release arrives while container create is still in flight.
	h.ctrl.Deliver(types.Frame{Cmd: types.CmdRelease, Instance: "i1"})
	require.Eventually(t, h.ctrl.pendingRelease.Load, time.Second, 5*time.Millisecond, "release not recorded within 1s")
	close(h.provider.createGate)

	h.waitState(t, types.StateIdle)

	// The create sub-step finished but no init command ever ran.
	assert.Equal(t, 1, h.provider.creates)
	assert.Empty(t, h.provider.execs())

	_, ok := h.sender.find(func(f types.Frame) bool {
		return f.State == string(types.StateTerminated)
	})
	assert.True(t, ok)
}

func TestIdempotentRelease(t *testing.T) {
	h := newHarness(t, nil)

	h.acquire("i1")
	h.waitState(t, types.StateReady)

	for i := 0; i < 3; i++ {
		h.ctrl.Deliver(types.Frame{Cmd: types.CmdRelease, Instance: "i1"})
	}
	h.waitState(t, types.StateIdle)

	// One termination sequence, not three.
	assert.Equal(t, 1, h.provider.stopCount())

	terminated := 0
	for _, s := range h.sender.states() {
		if s == string(types.StateTerminated) {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)
}

func TestVerifyEscalatesAfterTwoFailures(t *testing.T) {
	h := newHarness(t, nil)

	h.acquire("i1")
	h.waitState(t, types.StateReady)

	h.provider.mu.Lock()
	h.provider.unhealthy = true
	h.provider.mu.Unlock()

	// One failure does not terminate.
	h.ctrl.Deliver(types.Frame{Cmd: types.CmdVerify, Instance: "i1"})
	time.Sleep(200 * time.Millisecond)
	state, _ := h.ctrl.Status()
	assert.Equal(t, types.StateReady, state)

	// The second consecutive failure does.
	h.ctrl.Deliver(types.Frame{Cmd: types.CmdVerify, Instance: "i1"})
	h.waitState(t, types.StateIdle)

	f, ok := h.sender.find(func(f types.Frame) bool {
		return f.State == string(types.StateTerminating)
	})
	require.True(t, ok)
	assert.Equal(t, types.ReasonVerifyFail, f.Detail)
}

func TestVerifyWhileReadyReportsReady(t *testing.T) {
	h := newHarness(t, nil)

	h.acquire("i1")
	h.waitState(t, types.StateReady)

	before := len(h.sender.states())
	h.ctrl.Deliver(types.Frame{Cmd: types.CmdVerify, Instance: "i1"})

	require.Eventually(t, func() bool {
		return len(h.sender.states()) > before
	}, 5*time.Second, 10*time.Millisecond)
	states := h.sender.states()
	assert.Equal(t, "READY", states[len(states)-1])
}

func TestTerminateScriptFailureLocksWD(t *testing.T) {
	h := newHarness(t, func(wd *types.WDeployment) {
		wd.Terminate = []string{"flaky-cleanup"}
	})
	h.provider.execExit["flaky-cleanup"] = 2

	h.acquire("i1")
	h.waitState(t, types.StateReady)
	h.ctrl.Deliver(types.Frame{Cmd: types.CmdRelease, Instance: "i1"})
	h.waitState(t, types.StateIdle)

	assert.True(t, h.store.Snapshot().WDeployment(testWD).Locked)
	// Container teardown still happened despite the script failure.
	assert.Equal(t, 1, h.provider.stopCount())
}

func TestUnlockAllowsNextAcquire(t *testing.T) {
	h := newHarness(t, func(wd *types.WDeployment) {
		wd.InitInside = []string{"/bin/false"}
	})
	h.provider.execExit["/bin/false"] = 1

	h.acquire("i1")
	h.waitState(t, types.StateIdle)
	require.True(t, h.store.Snapshot().WDeployment(testWD).Locked)

	// Locked: the next acquire bounces.
	h.acquire("i2")
	require.Eventually(t, func() bool {
		_, ok := h.sender.find(func(f types.Frame) bool { return f.Reject == "locked" })
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Clear the lock and the failing init step; acquire works again.
	require.NoError(t, h.store.Mutate(config.SetLocked(testWD, false)))
	h.provider.mu.Lock()
	h.provider.execExit["/bin/false"] = 0
	h.provider.mu.Unlock()

	h.acquire("i3")
	h.waitState(t, types.StateReady)
}

func TestCapabilityRulePrecedence(t *testing.T) {
	h := newHarness(t, nil)

	allow, deny := true, false
	rule := func(subject string, verdict *bool) {
		h.ctrl.Deliver(types.Frame{
			Cmd:     types.CmdControlRule,
			Subject: subject,
			Action:  rules.CapInstantiate,
			Allow:   verdict,
		})
	}

	// Wildcard allows, but the class rule denies students.
	rule("*", &allow)
	rule("students", &deny)

	// A class member is denied even though the wildcard would allow.
	h.ctrl.Deliver(types.Frame{
		Cmd:      types.CmdAcquire,
		Instance: "i1",
		ConnType: string(types.ConnSSHTun),
		Subject:  "bob",
		Classes:  []string{"students"},
	})
	require.Eventually(t, func() bool {
		_, ok := h.sender.find(func(f types.Frame) bool {
			return f.Reject == "denied" && f.Instance == "i1"
		})
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	state, _ := h.ctrl.Status()
	assert.Equal(t, types.StateIdle, state)
	assert.Zero(t, h.provider.creates)

	// A subject-specific allow overrides the class deny.
	rule("alice", &allow)
	h.ctrl.Deliver(types.Frame{
		Cmd:      types.CmdAcquire,
		Instance: "i2",
		ConnType: string(types.ConnSSHTun),
		Subject:  "alice",
		Classes:  []string{"students"},
	})
	h.waitState(t, types.StateReady)
}

func TestRulesetDeniesUnidentifiedAcquire(t *testing.T) {
	h := newHarness(t, nil)

	deny := false
	h.ctrl.Deliver(types.Frame{
		Cmd:     types.CmdControlRule,
		Subject: "students",
		Action:  rules.CapInstantiate,
		Allow:   &deny,
	})

	// With rules installed and no asserted identity, default-deny wins.
	h.acquire("i1")
	require.Eventually(t, func() bool {
		_, ok := h.sender.find(func(f types.Frame) bool {
			return f.Reject == "denied" && f.Instance == "i1"
		})
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExpiryTerminates(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Deliver(types.Frame{
		Cmd:      types.CmdAcquire,
		Instance: "i1",
		ConnType: string(types.ConnSSHTun),
		Expiry:   time.Now().Add(2 * time.Second).Unix(),
	})
	h.waitState(t, types.StateReady)
	h.waitState(t, types.StateIdle)

	f, ok := h.sender.find(func(f types.Frame) bool {
		return f.State == string(types.StateTerminating)
	})
	require.True(t, ok)
	assert.Equal(t, types.ReasonExpired, f.Detail)
}
