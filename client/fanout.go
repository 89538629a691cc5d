package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sheetmesh/discovery"
	"sheetmesh/result"
)

// FanoutClient calls a service of a domain through whichever of its known
// endpoints answers. Endpoints that stay unavailable through a whole
// failover cycle are evicted from the registry.
type FanoutClient struct {
	domain   string
	service  string
	registry *discovery.Registry
	factory  StubFactory
	opts     []Option
	metrics  *Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*FailoverClient
}

// NewFanoutClient binds a client to (domain, service). opts configure the
// FailoverClient built for each endpoint.
func NewFanoutClient(registry *discovery.Registry, domain, service string, factory StubFactory, opts ...Option) *FanoutClient {
	o := newOptions(opts)
	return &FanoutClient{
		domain:   domain,
		service:  service,
		registry: registry,
		factory:  factory,
		opts:     opts,
		metrics:  o.metrics,
		logger:   o.logger.Named("fanout").With(zap.String("domain", domain), zap.String("service", service)),
		clients:  make(map[string]*FailoverClient),
	}
}

func (c *FanoutClient) Domain() string {
	return c.domain
}

func (c *FanoutClient) client(uri string) *FailoverClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.clients[uri]
	if !ok {
		fc = NewFailoverClient(c.factory(uri), c.opts...)
		c.clients[uri] = fc
	}
	return fc
}

func (c *FanoutClient) drop(uri string) {
	c.mu.Lock()
	fc, ok := c.clients[uri]
	delete(c.clients, uri)
	c.mu.Unlock()
	if ok {
		fc.Close()
	}
}

// Invoke tries the known endpoints in sorted order. The first answer that
// is not NotAvailable is returned; unavailable endpoints are evicted on the
// way. With no endpoints, or none left, it returns NotAvailable.
func (c *FanoutClient) Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte] {
	endpoints := c.registry.KnownEndpoints(c.domain, c.service)
	if len(endpoints) == 0 {
		return result.Fail[[]byte](result.NotAvailable, "no known endpoints for %s:%s", c.domain, c.service)
	}

	for _, uri := range endpoints {
		r := c.client(uri).Invoke(ctx, method, args, md)
		if r.Kind != result.NotAvailable {
			return r
		}
		if ctx.Err() != nil {
			return r
		}
		c.logger.Info("evicting endpoint", zap.String("uri", uri), zap.String("error", r.Msg))
		c.registry.Evict(c.domain, c.service, uri)
		c.drop(uri)
		c.metrics.evicted(c.domain, c.service)
	}
	return result.Fail[[]byte](result.NotAvailable, "all endpoints of %s:%s unavailable", c.domain, c.service)
}

// Close releases every cached stub.
func (c *FanoutClient) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*FailoverClient)
	c.mu.Unlock()

	var err error
	for _, fc := range clients {
		err = multierr.Append(err, fc.Close())
	}
	return err
}
