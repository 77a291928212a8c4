// Package termflow composes the terminal output pipeline with its
// serving surfaces: the control/feed API and the SSH attach server.
package termflow

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/httpapi"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/feedwire"
	"github.com/canopyide/termflow/schema"
	"github.com/canopyide/termflow/sshserver"
)

// Server composes the pipeline service with the API and SSH surfaces.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Pipeline schema.PipelineConfig
	API      httpapi.Config
	SSH      sshserver.Config
	// Feed bounds the links remote hosts open against /feed.
	Feed feedwire.LinkConfig
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	// ServiceDeps supplies the pipeline collaborators. Backend is
	// ignored; the compositor routes through a mux over Local.
	ServiceDeps core.ServiceDeps
	// Local runs sessions created through the API and SSH surfaces.
	// Sessions announced by remote hosts bind their own links.
	Local core.Backend
}

// ServerOption toggles compositor surfaces.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableAPI bool
	enableSSH bool
}

// WithAPI enables the HTTP control and feed API.
func WithAPI() ServerOption {
	return func(o *serverOptions) { o.enableAPI = true }
}

// WithSSH enables the SSH attach server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// pushBackend is the local host's push-mode delivery hook.
type pushBackend interface {
	SetPushSink(fn func(schema.SessionID, []byte))
}

// New constructs a composable termflow server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableAPI && !options.enableSSH {
		return nil, errors.New("no surfaces enabled")
	}

	local := deps.Local
	if local == nil {
		local = deps.ServiceDeps.Backend
	}
	if local == nil {
		return nil, errors.New("local backend dependency is required")
	}

	normalized, err := schema.NormalizePipelineConfig(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline = normalized

	serviceDeps := deps.ServiceDeps
	logger := serviceDeps.Logger
	bus := eventbus.New(logger)
	if serviceDeps.EventSink != nil {
		serviceDeps.EventSink = eventFanout{sinks: []core.EventSink{serviceDeps.EventSink, bus}}
	} else {
		serviceDeps.EventSink = bus
	}

	mux := NewBackendMux(local)
	serviceDeps.Backend = mux

	service, err := core.NewService(cfg.Pipeline, serviceDeps)
	if err != nil {
		return nil, err
	}
	if pb, ok := local.(pushBackend); ok {
		pb.SetPushSink(service.PushOutput)
	}

	var httpSrv *httpapi.Server
	if options.enableAPI {
		feed := httpapi.FeedDeps{
			Links: feedwire.LinkDeps{
				Sessions: service,
				Binder:   mux,
				Push:     service.PushOutput,
				Logger:   logger,
			},
			Link: cfg.Feed,
		}
		if feed.Link.MaxPacketBytes <= 0 {
			feed.Link.MaxPacketBytes = cfg.Pipeline.Ingest.MaxPacketBytes
		}
		httpSrv = httpapi.NewServer(cfg.API, service, bus, feed)
	}

	var sshSrv *sshserver.Server
	if options.enableSSH {
		sshSrv = &sshserver.Server{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			Shell:              cfg.SSH.Shell,
			Service:            service,
			EventBus:           bus,
		}
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		httpSrv: httpSrv,
		sshSrv:  sshSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service core.Service
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"api", s.options.enableAPI,
		"ssh", s.options.enableSSH,
		"api_addr", s.cfg.API.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
	)
	if err := s.service.Start(s.ctx); err != nil {
		log.Error("server pipeline start failed", "err", err)
		s.mu.Lock()
		s.cancel()
		s.started = false
		s.mu.Unlock()
		return err
	}
	if s.options.enableAPI && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.API.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("api server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSSH && s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		if err := s.service.Close(); err != nil {
			log.Warn("server pipeline close failed", "err", err)
		} else {
			log.Info("server pipeline close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
