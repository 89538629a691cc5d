// Package node assembles one replica: an RPC server for the users or the
// sheets service of a domain, discovery of its peers and, for sheets, the
// log consumer that drives the replicated state.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sheetmesh/client"
	"sheetmesh/codec"
	"sheetmesh/config"
	"sheetmesh/discovery"
	"sheetmesh/middleware"
	"sheetmesh/replog"
	"sheetmesh/server"
	"sheetmesh/sheets"
	"sheetmesh/syncpoint"
	"sheetmesh/users"
)

// ShutdownTimeout bounds how long in-flight requests may run once the node
// is stopping.
const ShutdownTimeout = 5 * time.Second

type Option func(*Node)

// WithLog replaces the log selected by the config. The node does not close
// it.
func WithLog(log replog.Log) Option {
	return func(n *Node) { n.log = log }
}

// WithRegistry makes the node announce itself by adding its endpoint to reg
// directly. No announcer or listener runs.
func WithRegistry(reg *discovery.Registry) Option {
	return func(n *Node) {
		n.registry = reg
		n.static = true
	}
}

// Node is one running replica.
type Node struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *prometheus.Registry

	registry *discovery.Registry
	static   bool
	etcd     *clientv3.Client
	log      replog.Log
	ownsLog  bool

	server  *server.Server
	fanouts []*client.FanoutClient
	remotes *sheets.Remotes

	users    *users.Service
	resource *sheets.Resource
}

// New builds the node and binds its listener.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n = &Node{
		cfg:     cfg,
		logger:  logger.With(zap.String("domain", cfg.Domain), zap.String("service", cfg.Service)),
		metrics: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.registry == nil {
		n.registry = discovery.NewRegistry()
	}
	defer func() {
		if err != nil {
			if n.server != nil && n.server.Addr() != nil {
				n.server.Shutdown(0)
			}
			n.close()
		}
	}()

	needsLog := cfg.Service == sheets.ServiceKind && n.log == nil
	if needsLog && cfg.Log == "memory" {
		return nil, fmt.Errorf("invalid config: a memory log is private to one process; use the etcd log")
	}
	if (cfg.Discovery == "etcd" && !n.static) || (needsLog && cfg.Log == "etcd") {
		n.etcd, err = clientv3.New(clientv3.Config{
			Endpoints:   discovery.EtcdEndpoints(cfg.EtcdEndpoints),
			DialTimeout: cfg.CallTimeout,
			Logger:      n.logger.Named("etcd"),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
	}

	clientMetrics := client.NewMetrics()
	requestMetrics := middleware.NewRequestMetrics()
	n.register(clientMetrics.PrometheusCollectors()...)
	n.register(requestMetrics.PrometheusCollectors()...)

	n.server = server.NewServer(n.logger)
	n.server.Use(middleware.LoggingMiddleware(n.logger))
	n.server.Use(requestMetrics.Middleware())
	n.server.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	if cfg.RateLimit > 0 {
		n.server.Use(middleware.RateLimitMiddleware(cfg.RateLimit, max(cfg.RateBurst, 1)))
	}
	if err := n.server.Listen("tcp", cfg.Addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	clientOpts := []client.Option{
		client.WithRetries(cfg.MaxRetries, cfg.RetryPeriod),
		client.WithMetrics(clientMetrics),
		client.WithLogger(n.logger),
	}
	factory := client.RPCStubFactory(codecType(cfg.Codec), cfg.CallTimeout)
	local := func(service string) *client.FanoutClient {
		f := client.NewFanoutClient(n.registry, cfg.Domain, service, factory, clientOpts...)
		n.fanouts = append(n.fanouts, f)
		return f
	}

	switch cfg.Service {
	case users.ServiceKind:
		n.users = users.NewService(n.logger)
		n.users.SetSheetsCleaner(sheets.NewClient(local(sheets.ServiceKind)))
		err = n.server.RegisterName(users.ServiceName, users.NewRPC(n.users))
	case sheets.ServiceKind:
		if n.log == nil {
			n.log, n.ownsLog = n.openLog(), true
		}
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sheetmesh",
			Subsystem:   "sheets",
			Name:        "version",
			Help:        "Last log sequence number applied by this replica.",
			ConstLabels: prometheus.Labels{"domain": cfg.Domain},
		})
		n.register(gauge)
		n.remotes = sheets.NewRemotes(n.registry, factory, clientOpts...)
		n.resource = sheets.NewResource(sheets.ResourceConfig{
			Domain:    cfg.Domain,
			Publisher: n.URI(),
			Log:       n.log,
			SyncPoint: syncpoint.New(syncpoint.WithResultHorizon(int64(cfg.ResultHorizon)), syncpoint.WithVersionGauge(gauge)),
			State:     sheets.NewState(cfg.Domain, users.NewClient(local(users.ServiceKind))),
			Remotes:   n.remotes,
			Logger:    n.logger,
		})
		n.register(n.resource.PrometheusCollectors()...)
		err = n.server.RegisterName(sheets.ServiceName, sheets.NewRPC(n.resource))
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func codecType(name string) codec.CodecType {
	if name == "json" {
		return codec.CodecTypeJSON
	}
	return codec.CodecTypeMsgpack
}

func (n *Node) openLog() replog.Log {
	return replog.NewEtcd(n.etcd, n.cfg.EtcdLogPrefix(), n.logger)
}

func (n *Node) register(cs ...prometheus.Collector) {
	n.metrics.MustRegister(cs...)
}

// URI is the endpoint announced to peers.
func (n *Node) URI() string {
	if n.cfg.AdvertiseAddr != "" {
		return n.cfg.AdvertiseAddr
	}
	return n.server.Addr().String()
}

func (n *Node) Registry() *discovery.Registry {
	return n.registry
}

// Gatherer exposes the node's metrics.
func (n *Node) Gatherer() prometheus.Gatherer {
	return n.metrics
}

// Run serves until ctx ends or a loop fails, then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	announcement := discovery.Announcement{Domain: n.cfg.Domain, Service: n.cfg.Service, URI: n.URI()}
	loops, err := n.discoveryLoops(announcement)
	if err != nil {
		n.server.Shutdown(0)
		return multierr.Append(err, n.close())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(n.server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		return n.server.Shutdown(ShutdownTimeout)
	})
	for _, loop := range loops {
		g.Go(func() error { return loop(ctx) })
	}

	if n.resource != nil {
		g.Go(func() error {
			if _, err := discovery.WaitForEndpoints(ctx, n.registry, n.cfg.Domain, users.ServiceKind, n.cfg.AnnounceTimeout); err != nil {
				n.logger.Warn("no users replica known yet", zap.Error(err))
			}
			return n.resource.Run(ctx)
		})
	}

	if n.cfg.MetricsAddr != "" {
		n.serveMetrics(ctx, g)
	}

	n.logger.Info("replica started", zap.Stringer("announcement", announcement))
	err = g.Wait()
	n.logger.Info("replica stopped", zap.Error(err))
	return multierr.Append(err, n.close())
}

// discoveryLoops returns the loops that announce a and learn about peers.
func (n *Node) discoveryLoops(a discovery.Announcement) ([]func(context.Context) error, error) {
	switch {
	case n.static:
		n.registry.Add(a.Domain, a.Service, a.URI)
		return nil, nil
	case n.cfg.Discovery == "etcd":
		prefix := n.cfg.EtcdEndpointsPrefix()
		announcer := discovery.NewEtcdAnnouncer(n.etcd, prefix, a, n.cfg.AnnounceTimeout, n.logger)
		watcher := discovery.NewEtcdWatcher(n.etcd, prefix, n.registry, n.logger)
		return []func(context.Context) error{announcer.Run, watcher.Run}, nil
	default:
		listener, err := discovery.NewListener(n.cfg.Group, n.registry, n.logger)
		if err != nil {
			return nil, err
		}
		announcer, err := discovery.NewAnnouncer(n.cfg.Group, a, n.cfg.AnnouncePeriod, n.logger)
		if err != nil {
			return nil, multierr.Append(err, listener.Close())
		}
		return []func(context.Context) error{listener.Run, announcer.Run}, nil
	}
}

func (n *Node) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		n.logger.Info("serving metrics", zap.String("addr", n.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (n *Node) close() error {
	var err error
	for _, f := range n.fanouts {
		err = multierr.Append(err, f.Close())
	}
	if n.remotes != nil {
		err = multierr.Append(err, n.remotes.Close())
	}
	if n.ownsLog && n.log != nil {
		err = multierr.Append(err, n.log.Close())
	}
	if n.etcd != nil {
		err = multierr.Append(err, n.etcd.Close())
	}
	return err
}
