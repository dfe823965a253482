// Package server assembles a running synchronizer process from its
// configuration: control planes, the mapping store, the SCG filter, one
// synchronizer per enabled kind and the gRPC and HTTP surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openstack-archive/powervc-driver-sub000/internal/api"
	"github.com/openstack-archive/powervc-driver-sub000/internal/config"
	"github.com/openstack-archive/powervc-driver-sub000/internal/controller"
	"github.com/openstack-archive/powervc-driver-sub000/internal/echo"
	"github.com/openstack-archive/powervc-driver-sub000/internal/filter"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	natsclient "github.com/openstack-archive/powervc-driver-sub000/internal/nats"
	"github.com/openstack-archive/powervc-driver-sub000/internal/poll"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository/rest"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/synchronizer"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

// HealthService is the gRPC health service name of kind.
func HealthService(kind models.Kind) string { return "fedsync." + string(kind) }

// NewRegistry knows the "rest" and "memory" drivers.
func NewRegistry() *repository.Registry {
	reg := repository.NewRegistry()
	reg.Register("rest", rest.New)
	reg.Register("memory", func(ep repository.Endpoint) (repository.ControlPlane, error) {
		return repository.NewMemory(ep.URL), nil
	})
	return reg
}

// Deps are the process-wide collaborators built by the caller.
type Deps struct {
	Registry *repository.Registry
	Tracer   trace.Tracer
	Log      *zap.Logger
}

type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	local    repository.ControlPlane
	upstream repository.ControlPlane
	store    *storage.BadgerStore
	metrics  *api.Metrics
	health   *health.Server
	syncs    []*synchronizer.Synchronizer
	conns    []*natsgo.Conn
	fatal    chan error

	stopOnce sync.Once
}

// New opens everything cfg names. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps) (_ *Server, err error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	kinds, err := cfg.EnabledKinds()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: api.NewMetrics(nil),
		health:  health.NewServer(),
		fatal:   make(chan error, len(kinds)),
	}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	if s.local, err = reg.Open(endpoint(cfg.Local)); err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "open local control plane", err)
	}
	if s.upstream, err = reg.Open(endpoint(cfg.Upstream)); err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "open upstream control plane", err)
	}
	lister, ok := s.upstream.(repository.SCGLister)
	if !ok {
		return nil, syncerr.New(syncerr.Configuration, "open upstream control plane", "driver %q cannot list storage connectivity groups", cfg.Upstream.Driver)
	}
	if s.store, err = storage.NewBadgerStore(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}

	opts := translate.Options{FlavorPrefix: cfg.FlavorPrefix, DefaultImageName: cfg.DefaultImageName}
	if ir, ok := s.local.(repository.IdentityResolver); ok {
		if opts, err = translate.ResolveStaging(ctx, ir, cfg.StagingProjectName, cfg.StagingUserName, opts); err != nil {
			return nil, syncerr.Wrap(syncerr.Configuration, "resolve staging identity", err)
		}
	} else {
		opts.StagingProjectID, opts.StagingUserID = cfg.StagingProjectName, cfg.StagingUserName
	}

	localNotifier, err := s.notifier(cfg.Local, s.local, "fedsync-local")
	if err != nil {
		return nil, err
	}
	upstreamNotifier, err := s.notifier(cfg.Upstream, s.upstream, "fedsync-upstream")
	if err != nil {
		return nil, err
	}
	var reporter synchronizer.Reporter
	if cfg.ReportsURL != "" {
		nc, err := s.connect(cfg.ReportsURL, "fedsync-reports")
		if err != nil {
			return nil, err
		}
		reporter = natsclient.NewPublisher(nc, cfg.ReportsPrefix)
	}

	rdeps := reconciler.Deps{
		Local:       s.local,
		Upstream:    s.upstream,
		Store:       s.store,
		Translators: translate.NewSet(opts, reconciler.StoreRefs{Store: s.store}),
		Observer:    s.metrics,
	}
	rcfg := reconciler.Config{
		PortCreateDelay: cfg.PortCreateDelay,
		Spawn: poll.Options{
			Interval:     cfg.SpawnPollInterval,
			InitialDelay: cfg.SpawnPollInitialDelay,
			Timeout:      cfg.SpawnTimeout,
		},
		NetworkLimit: cfg.NetworkLimit,
		ImageLimit:   cfg.ImageLimit,
	}
	for _, kind := range kinds {
		klog := log.Named(string(kind))
		rdeps.Echo = echo.NewSet(cfg.EventTTL())
		rdeps.Filter = filter.New(cfg.SCGs, lister, cfg.MapUpstreamNetworks, klog.Named("filter"))
		rdeps.Log = klog
		rec, err := reconciler.New(kind, rdeps, rcfg)
		if err != nil {
			return nil, err
		}
		iv := cfg.IntervalsFor(kind)
		s.syncs = append(s.syncs, synchronizer.New(rec, synchronizer.Options{
			Controller: controller.Config{
				Periodic:          iv.Periodic,
				Retry:             iv.Retry,
				Check:             iv.Check,
				FullSyncFrequency: cfg.FullSyncFrequency,
			},
			Local:    localNotifier,
			Upstream: upstreamNotifier,
			Tracer:   deps.Tracer,
			Reporter: reporter,
			Metrics:  s.metrics,
			OnReady:  s.ready,
			Log:      klog,
		}))
		s.health.SetServingStatus(HealthService(kind), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	log.Info("server assembled", zap.Stringer("config", cfg), zap.Int("synchronizers", len(s.syncs)))
	return s, nil
}

func endpoint(ep config.Endpoint) repository.Endpoint {
	return repository.Endpoint{Driver: ep.Driver, URL: ep.URL, Token: ep.Token, Timeout: ep.Timeout}
}

// notifier picks the notification source of a control plane: NATS when a
// bus is configured, the plane itself when it can notify, nothing otherwise.
func (s *Server) notifier(ep config.Endpoint, plane repository.ControlPlane, name string) (repository.Notifier, error) {
	if ep.NATSURL != "" {
		nc, err := s.connect(ep.NATSURL, name)
		if err != nil {
			return nil, err
		}
		return natsclient.NewSubscriber(nc, ep.Subject, s.log.Named("bus")), nil
	}
	if n, ok := plane.(repository.Notifier); ok {
		return n, nil
	}
	s.log.Warn("no notification source, relying on periodic sync", zap.String("conn", name))
	return nil, nil
}

func (s *Server) connect(url, name string) (*natsgo.Conn, error) {
	nc, err := natsclient.Connect(url, name, s.log)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Transient, "connect "+name, err)
	}
	s.conns = append(s.conns, nc)
	return nc, nil
}

func (s *Server) ready(kind models.Kind) {
	s.health.SetServingStatus(HealthService(kind), healthpb.HealthCheckResponse_SERVING)
	s.log.Info("kind ready", zap.String("kind", string(kind)))
}

// Start runs every synchronizer. A synchronizer that stops on a fatal error
// is reported on Fatal.
func (s *Server) Start(ctx context.Context) {
	for _, sy := range s.syncs {
		sy.Start(ctx)
		go func(sy *synchronizer.Synchronizer) {
			<-sy.Done()
			s.health.SetServingStatus(HealthService(sy.Kind()), healthpb.HealthCheckResponse_NOT_SERVING)
			if err := sy.Err(); err != nil {
				s.fatal <- fmt.Errorf("%s: %w", sy.Kind(), err)
			}
		}(sy)
	}
}

// Fatal delivers the errors that stopped a synchronizer.
func (s *Server) Fatal() <-chan error { return s.fatal }

func (s *Server) Synchronizers() []*synchronizer.Synchronizer { return s.syncs }

// RegisterGRPC registers the health service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

func (s *Server) HTTPHandler() http.Handler {
	syncs := make([]api.Synchronizer, 0, len(s.syncs))
	for _, sy := range s.syncs {
		syncs = append(syncs, sy)
	}
	hosts, _ := s.upstream.(repository.HostStatsReader)
	return api.NewHTTPHandler(syncs, api.Options{
		Hosts:           hosts,
		MaxHostDiskSize: s.cfg.MaxHostDiskSize,
		Metrics:         s.metrics,
		Log:             s.log.Named("http"),
	})
}

// MetricsHandler serves only /metrics.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	api.RegisterMetrics(mux, s.metrics)
	return mux
}

// Shutdown stops the synchronizers, then closes connections and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		for _, sy := range s.syncs {
			errs = multierr.Append(errs, sy.Stop(ctx))
		}
		errs = multierr.Append(errs, s.close())
	})
	return errs
}

func (s *Server) close() error {
	var errs error
	for _, nc := range s.conns {
		if err := nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	s.conns = nil
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Close())
		s.store = nil
	}
	for _, plane := range []repository.ControlPlane{s.local, s.upstream} {
		if plane != nil {
			errs = multierr.Append(errs, plane.Close())
		}
	}
	return errs
}

// ExitCode maps the error that ended the process to its exit status:
// 2 for configuration problems, including an unresolvable SCG, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, syncerr.ErrConfiguration), errors.Is(err, syncerr.ErrSCGNotFound):
		return 2
	}
	return 1
}
