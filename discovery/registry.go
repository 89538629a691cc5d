// Package discovery finds the replicas of every domain. Replicas announce
// themselves periodically; listeners fold the announcements into a Registry
// that clients read and prune.
package discovery

import (
	"slices"
	"sync"
)

type registryKey struct {
	domain  string
	service string
}

// Registry maps (domain, service) to the set of endpoint URIs seen so far.
// It is filled by listeners and pruned only by callers that observed an
// endpoint to be unavailable.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]map[string]struct{})}
}

// Add inserts uri and reports whether it was new.
func (r *Registry) Add(domain, service, uri string) bool {
	k := registryKey{domain, service}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[k]
	if !ok {
		set = make(map[string]struct{})
		r.entries[k] = set
	}
	if _, dup := set[uri]; dup {
		return false
	}
	set[uri] = struct{}{}
	return true
}

// KnownEndpoints returns a sorted snapshot of the endpoints of
// (domain, service). It may be empty.
func (r *Registry) KnownEndpoints(domain, service string) []string {
	r.mu.RLock()
	set := r.entries[registryKey{domain, service}]
	out := make([]string, 0, len(set))
	for uri := range set {
		out = append(out, uri)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Evict removes uri. A later announcement puts it back.
func (r *Registry) Evict(domain, service, uri string) {
	k := registryKey{domain, service}

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.entries[k]; ok {
		delete(set, uri)
		if len(set) == 0 {
			delete(r.entries, k)
		}
	}
}
