package replog

import (
	"context"
	"sync"
)

// Memory is an in-process broker. All topics share one offset counter so
// offsets are globally ordered, like revisions in etcd.
type Memory struct {
	mu      sync.Mutex
	records []Record
	closed  bool
	// appended is closed and replaced on every append.
	appended chan struct{}
}

func NewMemory() *Memory {
	return &Memory{appended: make(chan struct{})}
}

func (m *Memory) Append(ctx context.Context, topic string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return -1, ErrClosed
	}
	offset := int64(len(m.records))
	m.records = append(m.records, Record{Topic: topic, Offset: offset, Value: append([]byte(nil), data...)})
	close(m.appended)
	m.appended = make(chan struct{})
	return offset, nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, from int64, h Handler) error {
	next := from
	if next < 0 {
		next = 0
	}
	for {
		m.mu.Lock()
		batch := m.collect(topic, next)
		closed := m.closed
		wake := m.appended
		end := int64(len(m.records))
		m.mu.Unlock()

		for _, rec := range batch {
			if err := h(ctx, rec); err != nil {
				return err
			}
		}
		next = end

		if len(batch) > 0 {
			continue
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// collect returns the records of topic at or after offset. Caller holds mu.
func (m *Memory) collect(topic string, offset int64) []Record {
	if offset >= int64(len(m.records)) {
		return nil
	}
	var out []Record
	for _, rec := range m.records[offset:] {
		if rec.Topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

// Records returns a copy of every record of topic, in order.
func (m *Memory) Records(topic string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(topic, 0)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.appended)
		m.appended = make(chan struct{})
	}
	return nil
}
