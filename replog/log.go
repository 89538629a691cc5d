// Package replog is the totally ordered, append-only log replicas
// consume. Every subscriber of a topic sees the same records in the same
// order, the appender's own subscription included.
package replog

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("replication log closed")

// Record is one appended value. Offsets grow with every append; they are
// not dense within a topic.
type Record struct {
	Topic  string
	Offset int64
	Value  []byte
}

// Handler processes one record. A returned error stops the subscription.
type Handler func(ctx context.Context, rec Record) error

type Log interface {
	// Append adds data to topic and returns its offset (>= 0).
	Append(ctx context.Context, topic string, data []byte) (int64, error)
	// Subscribe delivers every record of topic with offset >= from, in
	// order, and then follows new appends. It blocks until ctx ends, the
	// log is closed or h fails.
	Subscribe(ctx context.Context, topic string, from int64, h Handler) error
	Close() error
}
