package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"sheetmesh/result"
)

const (
	DefaultMaxRetries  = 10
	DefaultRetryPeriod = time.Second
)

// FailoverClient retries a Stub for as long as it reports NotAvailable, up
// to a fixed number of attempts with a fixed pause between them.
type FailoverClient struct {
	stub        Stub
	maxRetries  int
	retryPeriod time.Duration
	clock       clockwork.Clock
	metrics     *Metrics
	logger      *zap.Logger
}

type Option func(*options)

type options struct {
	maxRetries  int
	retryPeriod time.Duration
	clock       clockwork.Clock
	metrics     *Metrics
	logger      *zap.Logger
}

// WithRetries sets the attempt budget and the pause between attempts.
func WithRetries(maxRetries int, retryPeriod time.Duration) Option {
	return func(o *options) {
		if maxRetries > 0 {
			o.maxRetries = maxRetries
		}
		if retryPeriod >= 0 {
			o.retryPeriod = retryPeriod
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{
		maxRetries:  DefaultMaxRetries,
		retryPeriod: DefaultRetryPeriod,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewFailoverClient(stub Stub, opts ...Option) *FailoverClient {
	o := newOptions(opts)
	return &FailoverClient{
		stub:        stub,
		maxRetries:  o.maxRetries,
		retryPeriod: o.retryPeriod,
		clock:       o.clock,
		metrics:     o.metrics,
		logger:      o.logger.Named("failover").With(zap.String("endpoint", stub.Endpoint())),
	}
}

func (f *FailoverClient) Endpoint() string {
	return f.stub.Endpoint()
}

// Invoke calls the stub at most maxRetries times. Any kind other than
// NotAvailable is returned at once; after the last attempt the last
// NotAvailable is returned. A cancelled ctx ends the pause early.
func (f *FailoverClient) Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte] {
	var r result.Result[[]byte]
	for attempt := 1; ; attempt++ {
		r = f.stub.Invoke(ctx, method, args, md)
		if r.Kind != result.NotAvailable || attempt >= f.maxRetries {
			return r
		}

		f.logger.Debug("endpoint unavailable, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.String("error", r.Msg))
		f.metrics.retried(f.stub.Endpoint())

		select {
		case <-ctx.Done():
			return r
		case <-f.clock.After(f.retryPeriod):
		}
	}
}

func (f *FailoverClient) Close() error {
	return f.stub.Close()
}
