package server

import (
	"context"
	"maps"
	"sync"
)

type callKey struct{}

// callState carries request headers in and response headers out of a
// service method.
type callState struct {
	in  map[string]string
	mu  sync.Mutex
	out map[string]string
}

func withCall(ctx context.Context, in map[string]string) (context.Context, *callState) {
	cs := &callState{in: in, out: map[string]string{}}
	return context.WithValue(ctx, callKey{}, cs), cs
}

// IncomingMetadata returns the request headers of the call served under ctx.
func IncomingMetadata(ctx context.Context) map[string]string {
	if cs, ok := ctx.Value(callKey{}).(*callState); ok && cs.in != nil {
		return cs.in
	}
	return map[string]string{}
}

// SetHeaders adds response headers to the call served under ctx. Outside a
// call it is a no-op.
func SetHeaders(ctx context.Context, md map[string]string) {
	cs, ok := ctx.Value(callKey{}).(*callState)
	if !ok {
		return
	}
	cs.mu.Lock()
	maps.Copy(cs.out, md)
	cs.mu.Unlock()
}

func (cs *callState) headers() map[string]string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.out) == 0 {
		return nil
	}
	return maps.Clone(cs.out)
}
