package cprovider

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

// proxySentinelPrefix marks handles that name a forward, not a container.
const proxySentinelPrefix = "proxy:"

// proxyProvider does not create containers. It forwards a local TCP port
// to a target already running on the host (or reachable from it), so the
// tunnel has something to point at. The target address comes from the
// WD's cargs as "host:port"; absent that, 127.0.0.1:22.
type proxyProvider struct {
	logger zerolog.Logger

	mu       sync.Mutex
	forwards map[string]*proxyForward
}

type proxyForward struct {
	listener net.Listener
	target   string
	closed   chan struct{}
}

func newProxyProvider() *proxyProvider {
	return &proxyProvider{
		logger:   log.WithComponent("cprovider.proxy"),
		forwards: make(map[string]*proxyForward),
	}
}

func (p *proxyProvider) Create(ctx context.Context, wd *types.WDeployment, instanceID string) (*Handle, error) {
	target := "127.0.0.1:22"
	for _, arg := range wd.CArgs {
		if strings.Contains(arg, ":") {
			target = arg
			break
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &types.ProviderError{Op: "create", Err: err}
	}

	fwd := &proxyForward{
		listener: ln,
		target:   target,
		closed:   make(chan struct{}),
	}

	name := proxySentinelPrefix + ln.Addr().String()
	p.mu.Lock()
	p.forwards[name] = fwd
	p.mu.Unlock()

	go p.accept(fwd)

	p.logger.Info().Str("listen", ln.Addr().String()).Str("target", target).Msg("proxy forward open")

	return &Handle{Name: name, Kind: types.CProviderProxy}, nil
}

func (p *proxyProvider) accept(fwd *proxyForward) {
	for {
		conn, err := fwd.listener.Accept()
		if err != nil {
			select {
			case <-fwd.closed:
			default:
				p.logger.Warn().Err(err).Msg("proxy accept failed")
			}
			return
		}
		go p.pipe(fwd, conn)
	}
}

func (p *proxyProvider) pipe(fwd *proxyForward, conn net.Conn) {
	defer conn.Close()
	out, err := net.DialTimeout("tcp", fwd.target, 10*time.Second)
	if err != nil {
		p.logger.Warn().Err(err).Str("target", fwd.target).Msg("proxy dial failed")
		return
	}
	defer out.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(out, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, out); done <- struct{}{} }()
	select {
	case <-done:
	case <-fwd.closed:
	}
}

func (p *proxyProvider) Start(ctx context.Context, h *Handle) error {
	// Forward is live from Create.
	return nil
}

func (p *proxyProvider) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	return p.Remove(ctx, h)
}

func (p *proxyProvider) Remove(ctx context.Context, h *Handle) error {
	p.mu.Lock()
	fwd, ok := p.forwards[h.Name]
	delete(p.forwards, h.Name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	close(fwd.closed)
	return fwd.listener.Close()
}

func (p *proxyProvider) ExecInside(ctx context.Context, h *Handle, cmd string) (*ExecResult, error) {
	return nil, fmt.Errorf("proxy cprovider cannot exec inside a container")
}

func (p *proxyProvider) Healthy(ctx context.Context, h *Handle) (bool, error) {
	p.mu.Lock()
	fwd, ok := p.forwards[h.Name]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	conn, err := net.DialTimeout("tcp", fwd.target, 5*time.Second)
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

func (p *proxyProvider) Pull(ctx context.Context, image string) error {
	// Nothing to pull.
	return nil
}

func (p *proxyProvider) List(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name := range p.forwards {
		names = append(names, name)
	}
	return names, nil
}

func (p *proxyProvider) SSHTarget(ctx context.Context, h *Handle) (string, error) {
	return strings.TrimPrefix(h.Name, proxySentinelPrefix), nil
}
