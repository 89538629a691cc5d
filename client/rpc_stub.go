package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"sheetmesh/codec"
	"sheetmesh/message"
	"sheetmesh/result"
	"sheetmesh/transport"
)

// DefaultCallTimeout bounds a single call on the wire. It must stay above
// the server side request timeout so the server answers first.
const DefaultCallTimeout = 45 * time.Second

// RPCStub is the Stub for one server address. Its connection is dialled
// lazily and redialled after it breaks.
type RPCStub struct {
	addr        string
	codecType   codec.CodecType
	callTimeout time.Duration

	mu sync.Mutex
	t  *transport.ClientTransport
}

func NewRPCStub(addr string, codecType codec.CodecType, callTimeout time.Duration) *RPCStub {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &RPCStub{addr: addr, codecType: codecType, callTimeout: callTimeout}
}

// RPCStubFactory builds RPCStubs that treat endpoint URIs as TCP addresses.
func RPCStubFactory(codecType codec.CodecType, callTimeout time.Duration) StubFactory {
	return func(uri string) Stub {
		return NewRPCStub(uri, codecType, callTimeout)
	}
}

func (s *RPCStub) Endpoint() string {
	return s.addr
}

func (s *RPCStub) conn(ctx context.Context) (*transport.ClientTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil && !s.t.Closed() {
		return s.t, nil
	}
	if s.t != nil {
		s.t.Close()
	}
	t, err := transport.Dial(ctx, s.addr, s.codecType, 0)
	if err != nil {
		s.t = nil
		return nil, err
	}
	s.t = t
	return t, nil
}

// Invoke sends args as JSON. Dial errors, failed writes and connections
// lost before the reply come back as NotAvailable. A call that times out
// after its request was written comes back as InternalError: the server
// may have acted on it, so it must not be retried.
func (s *RPCStub) Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte] {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = json.Marshal(args); err != nil {
			return result.Fail[[]byte](result.BadRequest, "encode args: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	t, err := s.conn(ctx)
	if err != nil {
		return result.Fail[[]byte](result.NotAvailable, "dial %s: %v", s.addr, err)
	}
	resp, err := t.Call(ctx, &message.RPCMessage{
		ServiceMethod: method,
		Payload:       payload,
		Metadata:      md,
	})
	if errors.Is(err, transport.ErrNoReply) {
		return result.Fail[[]byte](result.InternalError, "call %s on %s: %v", method, s.addr, err)
	}
	if err != nil {
		return result.Fail[[]byte](result.NotAvailable, "call %s on %s: %v", method, s.addr, err)
	}
	return result.Result[[]byte]{
		Kind:     result.Kind(resp.Kind),
		Value:    resp.Payload,
		Msg:      resp.Error,
		Metadata: resp.Metadata,
	}
}

func (s *RPCStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return nil
	}
	err := s.t.Close()
	s.t = nil
	return err
}
