// Package client calls replicated services. A Stub talks to one endpoint,
// a FailoverClient retries one endpoint while it is unreachable, and a
// FanoutClient walks every known endpoint of a domain.
//
//	FanoutClient ──(per endpoint)──→ FailoverClient ──(retry loop)──→ Stub ──→ RPC
package client

import (
	"context"
	"encoding/json"

	"sheetmesh/result"
)

// Stub invokes methods on a single endpoint. A failure to reach the
// endpoint is reported as result.NotAvailable; every other kind is the
// endpoint's answer.
type Stub interface {
	Endpoint() string
	Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte]
	Close() error
}

// StubFactory builds the Stub for an endpoint URI.
type StubFactory func(uri string) Stub

// Decode unmarshals the JSON payload of a successful result into T. Failed
// results pass through with their kind and metadata.
func Decode[T any](r result.Result[[]byte]) result.Result[T] {
	if !r.IsOK() {
		return result.Cast[T](r)
	}
	var v T
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return result.Fail[T](result.InternalError, "decode reply: %v", err).WithMetadata(r.Metadata)
		}
	}
	out := result.Ok(v)
	out.Metadata = r.Metadata
	return out
}
