package replog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix roots the log keys:
//
//	Key:   /sheetmesh/log/{topic}/{uuid}
//	Value: the record
//
// Every record is a fresh key, so its mod revision is unique and totally
// ordered across all topics. The revision is the record's offset.
const DefaultEtcdPrefix = "/sheetmesh/log"

// Etcd is a Log stored in etcd.
type Etcd struct {
	client *clientv3.Client
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewEtcd uses an existing client; Close leaves it open.
func NewEtcd(client *clientv3.Client, prefix string, logger *zap.Logger) *Etcd {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Etcd{client: client, prefix: prefix, logger: logger.Named("replog")}
}

// DialEtcd connects to endpoints; Close closes the connection.
func DialEtcd(endpoints []string, prefix string, logger *zap.Logger) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	e := NewEtcd(c, prefix, logger)
	e.owned = true
	return e, nil
}

func (e *Etcd) topicPrefix(topic string) string {
	return e.prefix + "/" + topic + "/"
}

func (e *Etcd) Append(ctx context.Context, topic string, data []byte) (int64, error) {
	resp, err := e.client.Put(ctx, e.topicPrefix(topic)+uuid.NewString(), string(data))
	if err != nil {
		return -1, fmt.Errorf("append to %s: %w", topic, err)
	}
	return resp.Header.Revision, nil
}

// Subscribe reads the stored records of topic, oldest first, and then
// watches for new ones from the revision after the read.
func (e *Etcd) Subscribe(ctx context.Context, topic string, from int64, h Handler) error {
	prefix := e.topicPrefix(topic)
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByModRevision, clientv3.SortAscend),
	}
	if from > 0 {
		opts = append(opts, clientv3.WithMinModRev(from))
	}
	resp, err := e.client.Get(ctx, prefix, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read %s: %w", topic, err)
	}
	for _, kv := range resp.Kvs {
		if err := h(ctx, Record{Topic: topic, Offset: kv.ModRevision, Value: kv.Value}); err != nil {
			return err
		}
	}

	e.logger.Debug("caught up", zap.String("topic", topic), zap.Int("records", len(resp.Kvs)))

	watchCtx := clientv3.WithRequireLeader(ctx)
	for wresp := range e.client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1)) {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", topic, err)
		}
		for _, ev := range wresp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			if err := h(ctx, Record{Topic: topic, Offset: ev.Kv.ModRevision, Value: ev.Kv.Value}); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrClosed
}

func (e *Etcd) Close() error {
	if e.owned {
		return e.client.Close()
	}
	return nil
}
