package discovery

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix roots the announcement keys:
//
//	Key:   /sheetmesh/endpoints/{domain}:{service}/{uri}
//	Value: the encoded announcement
//
// Keys hang off a lease, so a replica that dies disappears once its lease
// expires instead of lingering until a caller fails against it.
const DefaultEtcdPrefix = "/sheetmesh/endpoints"

func etcdKey(prefix string, a Announcement) string {
	return prefix + "/" + a.Domain + ":" + a.Service + "/" + a.URI
}

// EtcdAnnouncer keeps one announcement alive in etcd.
type EtcdAnnouncer struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	a      Announcement
	logger *zap.Logger
}

// NewEtcdAnnouncer announces a under prefix with a lease of ttl.
func NewEtcdAnnouncer(client *clientv3.Client, prefix string, a Announcement, ttl time.Duration, logger *zap.Logger) *EtcdAnnouncer {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if ttl < time.Second {
		ttl = DefaultAnnounceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdAnnouncer{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		a:      a,
		logger: logger.Named("etcd-announcer").With(zap.Stringer("announcement", a)),
	}
}

// Run registers the announcement and renews its lease until ctx ends, then
// revokes it.
//
// Flow:
//  1. Grant a lease with the announce timeout as TTL
//  2. Put the key with the lease attached
//  3. KeepAlive until ctx is cancelled
//
// The lease id stays local to Run so one client can serve many announcers.
func (e *EtcdAnnouncer) Run(ctx context.Context) error {
	lease, err := e.client.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, etcdKey(e.prefix, e.a), string(e.a.Encode()), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ch, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	e.logger.Info("registered", zap.Int64("lease", int64(lease.ID)))

	for range ch {
	}

	revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.client.Revoke(revokeCtx, lease.ID); err != nil {
		e.logger.Debug("revoke failed", zap.Error(err))
	}
	return nil
}

// EtcdWatcher mirrors the announcements stored in etcd into a Registry.
type EtcdWatcher struct {
	client   *clientv3.Client
	prefix   string
	registry *Registry
	logger   *zap.Logger
}

func NewEtcdWatcher(client *clientv3.Client, prefix string, registry *Registry, logger *zap.Logger) *EtcdWatcher {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdWatcher{client: client, prefix: prefix, registry: registry, logger: logger.Named("etcd-watcher")}
}

// Run loads the current announcements and then follows changes until ctx
// ends. Expired or deleted keys are evicted.
func (w *EtcdWatcher) Run(ctx context.Context) error {
	prefix := w.prefix + "/"
	resp, err := w.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		w.add(kv.Value)
	}

	watchChan := w.client.Watch(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithPrevKV(),
		clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watchChan {
		if err := wresp.Err(); err != nil {
			return err
		}
		for _, ev := range wresp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				w.add(ev.Kv.Value)
			case clientv3.EventTypeDelete:
				if ev.PrevKv != nil {
					w.evict(ev.PrevKv.Value)
				}
			}
		}
	}
	return nil
}

func (w *EtcdWatcher) add(value []byte) {
	a, err := DecodeAnnouncement(value)
	if err != nil {
		w.logger.Debug("skipping malformed entry", zap.Error(err))
		return
	}
	w.registry.Add(a.Domain, a.Service, a.URI)
}

func (w *EtcdWatcher) evict(value []byte) {
	a, err := DecodeAnnouncement(value)
	if err != nil {
		return
	}
	w.registry.Evict(a.Domain, a.Service, a.URI)
}

// EtcdEndpoints splits a comma separated endpoint list.
func EtcdEndpoints(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
