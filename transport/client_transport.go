// Package transport implements the client side of a multiplexed connection.
//
// Many concurrent calls share one TCP connection. Each request gets a unique
// sequence id and a one-shot reply channel; a single receive loop reads
// responses and routes each one to the channel registered for its id.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sheetmesh/codec"
	"sheetmesh/message"
	"sheetmesh/protocol"
)

// ErrClosed is returned for calls on a transport whose connection is gone.
var ErrClosed = errors.New("transport closed")

// ErrNoReply is returned by Call when ctx ends after the request was
// written. The server may still process it.
var ErrNoReply = errors.New("no reply")

// DefaultHeartbeat is the idle keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	pending sync.Map // map[uint32]chan *message.RPCMessage

	sending sync.Mutex // guards seq, closed, err and every frame write
	seq     uint32
	closed  bool
	err     error

	done chan struct{}
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(heartbeat)
	return t
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string, codecType codec.CodecType, heartbeat time.Duration) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, codecType, heartbeat), nil
}

// Send writes msg as a request frame and returns the channel its response
// will arrive on. The channel is closed without a value if the connection
// breaks first.
func (t *ClientTransport) Send(msg *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed {
		return 0, nil, t.closedErr()
	}

	t.seq++
	seq := t.seq

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register before writing so recvLoop can never see an unknown seq.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		// A failed write leaves the stream in an unknown state.
		_ = t.conn.Close()
		return 0, nil, err
	}

	return seq, respChan, nil
}

// Call sends msg and waits for its response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, msg *message.RPCMessage) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(msg)
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.closedErr()
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
	}
}

// Closed reports whether the connection has been torn down.
func (t *ClientTransport) Closed() bool {
	t.sending.Lock()
	defer t.sending.Unlock()
	return t.closed
}

// Close tears the connection down. Pending calls fail with ErrClosed.
// Closing a connection the peer already dropped is not an error.
func (t *ClientTransport) Close() error {
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) closedErr() error {
	if t.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, t.err)
	}
	return ErrClosed
}

// recvLoop is the only reader of the connection: frames must be read
// sequentially to keep their boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			t.closeAllPending(fmt.Errorf("decode response: %w", err))
			return
		}

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.RPCMessage) <- resp
		}
	}
}

// closeAllPending marks the transport closed and wakes every waiter.
func (t *ClientTransport) closeAllPending(err error) {
	t.sending.Lock()
	if !t.closed {
		t.closed = true
		t.err = err
		close(t.done)
	}
	t.sending.Unlock()
	_ = t.conn.Close()

	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			close(value.(chan *message.RPCMessage))
		}
		return true
	})
}

// heartbeatLoop keeps idle connections from being reaped by the server side.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec)}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
