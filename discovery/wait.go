package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAnnounceTimeout is how long a caller waits for a first endpoint.
const DefaultAnnounceTimeout = 5 * time.Second

var ErrNoEndpoints = errors.New("no endpoints discovered")

// WaitForEndpoints polls reg with exponential backoff until (domain, service)
// has at least one endpoint or timeout passes.
func WaitForEndpoints(ctx context.Context, reg *Registry, domain, service string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultAnnounceTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	var uris []string
	err := backoff.Retry(func() error {
		uris = reg.KnownEndpoints(domain, service)
		if len(uris) == 0 {
			return ErrNoEndpoints
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w for %s:%s after %s", ErrNoEndpoints, domain, service, timeout)
	}
	return uris, nil
}
