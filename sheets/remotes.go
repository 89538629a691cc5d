package sheets

import (
	"sync"

	"go.uber.org/multierr"

	"sheetmesh/client"
	"sheetmesh/discovery"
)

// Remotes hands out one Client per domain, each reaching the sheets
// replicas the registry knows for that domain.
type Remotes struct {
	registry *discovery.Registry
	factory  client.StubFactory
	opts     []client.Option

	mu      sync.Mutex
	fanouts map[string]*client.FanoutClient
	clients map[string]*Client
}

func NewRemotes(registry *discovery.Registry, factory client.StubFactory, opts ...client.Option) *Remotes {
	return &Remotes{
		registry: registry,
		factory:  factory,
		opts:     opts,
		fanouts:  make(map[string]*client.FanoutClient),
		clients:  make(map[string]*Client),
	}
}

func (r *Remotes) For(domain string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[domain]; ok {
		return c
	}
	f := client.NewFanoutClient(r.registry, domain, ServiceKind, r.factory, r.opts...)
	c := NewClient(f)
	r.fanouts[domain] = f
	r.clients[domain] = c
	return c
}

func (r *Remotes) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for domain, f := range r.fanouts {
		err = multierr.Append(err, f.Close())
		delete(r.fanouts, domain)
		delete(r.clients, domain)
	}
	return err
}
