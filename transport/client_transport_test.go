package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sheetmesh/codec"
	"sheetmesh/message"
	"sheetmesh/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	svr := server.NewServer(zaptest.NewLogger(t))
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func addMessage(t *testing.T, a, b int) *message.RPCMessage {
	t.Helper()
	p, err := json.Marshal(&Args{A: a, B: b})
	require.NoError(t, err)
	return &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: p}
}

func decodeReply(t *testing.T, resp *message.RPCMessage) int {
	t.Helper()
	require.Empty(t, resp.Error)
	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Payload, &reply))
	return reply.Result
}

func TestClientTransportSerial(t *testing.T) {
	svr := startServer(t)

	for _, codecType := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeMsgpack} {
		conn, err := net.Dial("tcp", svr.Addr().String())
		require.NoError(t, err)
		ct := NewClientTransport(conn, codecType, 0)
		defer ct.Close()
		for _, tc := range []struct{ a, b, expect int }{{1, 2, 3}, {10, 20, 30}, {100, 200, 300}} {
			_, ch, err := ct.Send(addMessage(t, tc.a, tc.b))
			require.NoError(t, err)
			assert.Equal(t, tc.expect, decodeReply(t, <-ch))
		}
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	svr := startServer(t)
	ct, err := Dial(context.Background(), svr.Addr().String(), codec.CodecTypeMsgpack, 0)
	require.NoError(t, err)
	defer ct.Close()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := ct.Call(context.Background(), addMessage(t, i, i))
			if err != nil {
				errs <- err.Error()
				return
			}
			var reply Reply
			if err := json.Unmarshal(resp.Payload, &reply); err != nil || reply.Result != 2*i {
				errs <- "wrong result"
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestClientTransportCallContext(t *testing.T) {
	svr := startServer(t)
	ct, err := Dial(context.Background(), svr.Addr().String(), codec.CodecTypeMsgpack, 0)
	require.NoError(t, err)
	defer ct.Close()

	p, _ := json.Marshal(&Args{A: 500})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ct.Call(ctx, &message.RPCMessage{ServiceMethod: "Arith.Sleep", Payload: p})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrNoReply)
	assert.False(t, ct.Closed())
}

func TestClientTransportServerGone(t *testing.T) {
	svr := startServer(t)
	ct, err := Dial(context.Background(), svr.Addr().String(), codec.CodecTypeMsgpack, 0)
	require.NoError(t, err)
	defer ct.Close()

	p, _ := json.Marshal(&Args{A: 2000})
	done := make(chan error, 1)
	go func() {
		_, err := ct.Call(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Sleep", Payload: p})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	svr.Shutdown(10 * time.Millisecond)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call was not released")
	}
	assert.Eventually(t, ct.Closed, time.Second, 10*time.Millisecond)

	_, _, err = ct.Send(addMessage(t, 1, 1))
	assert.ErrorIs(t, err, ErrClosed)
}
