package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/camera"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/journal"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/token"
	"github.com/rerobots/hardshare/pkg/transport"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// shutdownDeadline bounds the graceful drain of all controllers.
const shutdownDeadline = 30 * time.Second

// Config wires a Supervisor.
type Config struct {
	Store   *config.Store
	DataDir string

	// UpstreamURL is the control channel endpoint.
	UpstreamURL string

	// CamIngestURL receives CAM_FRAME messages.
	CamIngestURL string

	// Tunnel gateway coordinates.
	GatewayHost string
	GatewayPort int
	GatewayUser string

	// MetricsAddr, when non-empty, serves /metrics there.
	MetricsAddr string
}

// Supervisor owns the per-WD controllers and shared services.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	store    *config.Store
	journal  *journal.Journal
	client   *transport.Client
	inbox    chan types.Frame
	tunnels  *tunnel.Manager
	stopOnce sync.Once
	stopFn   context.CancelFunc

	controllers map[string]*controller.Controller
	servers     map[string]*admin.Server
	providers   map[string]cprovider.CProvider

	camMu    sync.Mutex
	pipeline *camera.Pipeline
}

// New builds a Supervisor from the current configuration. Fatal
// conditions (unusable config, no advertised WDs, admin socket taken)
// surface here, before the daemon announces availability.
func New(cfg Config) (*Supervisor, error) {
	s := &Supervisor{
		cfg:         cfg,
		logger:      log.WithComponent("supervisor"),
		store:       cfg.Store,
		inbox:       make(chan types.Frame, 64),
		tunnels:     tunnel.NewManager(nil),
		controllers: make(map[string]*controller.Controller),
		servers:     make(map[string]*admin.Server),
		providers:   make(map[string]cprovider.CProvider),
	}

	snap := s.store.Snapshot()
	if len(snap.WDeployments) == 0 {
		return nil, fmt.Errorf("no workspace deployments registered; run `hardshare register` first")
	}

	jnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	s.journal = jnl

	s.client = transport.New(transport.Config{
		URL:        cfg.UpstreamURL,
		Token:      s.currentToken,
		Inbox:      s.inbox,
		Announce:   s.announce,
		OnDegraded: s.onDegraded,
	})

	tmpl := tunnel.Spec{
		GatewayHost: cfg.GatewayHost,
		GatewayPort: cfg.GatewayPort,
		GatewayUser: cfg.GatewayUser,
		KeyPath:     snap.SSHKey,
	}

	for i := range snap.WDeployments {
		wd := &snap.WDeployments[i]

		provider, err := cprovider.New(wd.CProvider)
		if err != nil {
			jnl.Close()
			return nil, fmt.Errorf("wd %s: %w", wd.ID, err)
		}
		s.providers[wd.ID] = provider

		ctrl := controller.New(controller.Config{
			WDeployment:    wd.ID,
			Store:          s.store,
			Provider:       provider,
			Tunnels:        s.tunnels,
			Sender:         s.client,
			Journal:        jnl,
			TunnelTemplate: tmpl,
		})
		s.controllers[wd.ID] = ctrl

		srv, err := admin.NewServer(wd.ID, wd.IDPrefix(), s.adminHandler(ctrl))
		if err != nil {
			jnl.Close()
			for _, other := range s.servers {
				other.Close()
			}
			return nil, err
		}
		s.servers[wd.ID] = srv
	}

	return s, nil
}

// currentToken picks the first usable API token.
func (s *Supervisor) currentToken() (*token.Record, error) {
	recs := s.store.Tokens()
	if len(recs) == 0 {
		return nil, fmt.Errorf("no usable API token configured")
	}
	return recs[0], nil
}

// announce builds the post-connect ANNOUNCE payload: every advertised
// WD with its lock state and current instance, locked ones included so
// operators can see them.
func (s *Supervisor) announce() []types.AnnouncedWD {
	snap := s.store.Snapshot()
	out := make([]types.AnnouncedWD, 0, len(snap.WDeployments))
	for i := range snap.WDeployments {
		wd := &snap.WDeployments[i]
		entry := types.AnnouncedWD{ID: wd.ID, Locked: wd.Locked}
		if ctrl, ok := s.controllers[wd.ID]; ok {
			state, inst := ctrl.Status()
			if state != types.StateIdle && !state.Terminal() {
				entry.Instance = inst
				entry.State = string(state)
			}
		}
		out = append(out, entry)
	}
	return out
}

// onDegraded tells every controller the upstream is gone for good.
func (s *Supervisor) onDegraded() {
	s.logger.Error().Msg("upstream transport degraded")
	for _, ctrl := range s.controllers {
		ctrl.NotifyTransportLost()
	}
}

// Run starts everything and blocks until ctx is canceled and the
// controllers have drained.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.stopFn = cancel
	defer cancel()

	s.reapLeftovers(ctx)

	g, gctx := errgroup.WithContext(ctx)

	// Transport; a degraded exit is not fatal to the daemon.
	g.Go(func() error {
		if err := s.client.Run(gctx); err != nil && gctx.Err() == nil {
			s.logger.Error().Err(err).Msg("transport stopped")
		}
		return nil
	})

	// Frame routing.
	g.Go(func() error {
		s.route(gctx)
		return nil
	})

	// Admin servers.
	for _, srv := range s.servers {
		srv := srv
		g.Go(func() error {
			srv.Serve(gctx)
			return nil
		})
	}

	// Controllers.
	var ctrlWG sync.WaitGroup
	for _, ctrl := range s.controllers {
		ctrl := ctrl
		ctrlWG.Add(1)
		g.Go(func() error {
			defer ctrlWG.Done()
			ctrl.Run(gctx)
			return nil
		})
	}

	// Config file watch, for edits made outside the admin socket.
	g.Go(func() error {
		s.watchConfig(gctx)
		return nil
	})

	// Optional metrics listener.
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			<-gctx.Done()
			srv.Close()
			return nil
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Warn().Err(err).Msg("metrics listener failed")
			}
			return nil
		})
	}

	s.logger.Info().Int("wds", len(s.controllers)).Msg("hardshare daemon up")

	<-gctx.Done()

	// Bounded wait for the controllers to drain their instances.
	drained := make(chan struct{})
	go func() {
		ctrlWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDeadline):
		s.logger.Error().Msg("shutdown deadline exceeded; resources may be left behind")
	}

	g.Wait()

	s.stopCameras()
	for _, srv := range s.servers {
		srv.Close()
	}
	s.journal.Close()

	s.logger.Info().Msg("hardshare daemon stopped")
	return nil
}

// Stop initiates shutdown (stop-ad).
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
	})
}

// route delivers inbound upstream frames to the owning controller.
func (s *Supervisor) route(ctx context.Context) {
	for {
		select {
		case f := <-s.inbox:
			ctrl, ok := s.controllers[f.WDeployment]
			if !ok {
				s.logger.Warn().Str("wd", f.WDeployment).Str("cmd", f.Cmd).Msg("frame for unknown WD")
				if f.Cmd == types.CmdAcquire {
					s.client.Send(types.RejectFrame(f.WDeployment, f.Instance, "unknown"))
				}
				continue
			}
			ctrl.Deliver(f)
		case <-ctx.Done():
			return
		}
	}
}

// reapLeftovers removes containers and sockets surviving a previous
// crashed run. Instances never outlive the process; anything matching
// our naming pattern is ours to delete.
func (s *Supervisor) reapLeftovers(ctx context.Context) {
	seen := make(map[types.CProviderKind]bool)
	for wdID, provider := range s.providers {
		snap := s.store.Snapshot()
		wd := snap.WDeployment(wdID)
		if wd == nil || seen[wd.CProvider] || wd.CProvider == types.CProviderProxy {
			continue
		}
		seen[wd.CProvider] = true

		listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		names, err := provider.List(listCtx)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Msg("leftover scan failed")
			continue
		}
		for _, name := range names {
			s.logger.Info().Str("container", name).Msg("removing leftover container")
			rmCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			if err := provider.Remove(rmCtx, &cprovider.Handle{Name: name, Kind: wd.CProvider}); err != nil {
				s.logger.Warn().Err(err).Str("container", name).Msg("leftover removal failed")
			}
			cancel()
		}
	}
}

// watchConfig follows the config file and refreshes controllers when it
// changes on disk.
func (s *Supervisor) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("config watch unavailable")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.store.Path()); err != nil {
		// The file may not exist yet; the watch is skipped in that case.
		s.logger.Debug().Err(err).Msg("config file watch failed")
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.store.Reload(); err != nil {
				s.logger.Warn().Err(err).Msg("config reload after external edit failed")
				continue
			}
			s.logger.Info().Msg("config reloaded after external edit")
			for _, ctrl := range s.controllers {
				ctrl.NotifyReload()
			}
			// Atomic replaces drop the watch on the old inode.
			watcher.Remove(s.store.Path())
			watcher.Add(s.store.Path())
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug().Err(err).Msg("config watch error")
		case <-ctx.Done():
			return
		}
	}
}
