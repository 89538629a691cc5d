// Package server implements the RPC server a replica exposes: service
// registration, a middleware chain, parallel request processing and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sheetmesh/codec"
	"sheetmesh/message"
	"sheetmesh/middleware"
	"sheetmesh/protocol"
	"sheetmesh/result"
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	logger      *zap.Logger
	serviceMap  map[string]*service // "Sheets" → *service
	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer creates a server with an empty service map.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:     logger.Named("rpc"),
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Register registers rcvr under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name. Exported methods shaped like
// Method(ctx, *Args, *Reply) error become callable as "name.Method".
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listener. Serve must be called afterwards.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	return nil
}

// Addr returns the bound address; nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// ListenAndServe combines Listen and Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

// Serve runs the accept loop until Shutdown.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return errors.New("rpc: Serve called before Listen")
	}

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.logger.Info("serving", zap.Stringer("addr", svr.listener.Addr()))
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.trackConn(conn, true)
		go svr.handleConn(conn)
	}
}

func (svr *Server) trackConn(conn net.Conn, add bool) {
	svr.connsMu.Lock()
	defer svr.connsMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames sequentially and dispatches each request to its
// own goroutine. writeMu serializes responses on the connection.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.trackConn(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			break
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes one request, runs it through the middleware chain
// and writes the response with the request's sequence id.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	var reply *message.RPCMessage
	if err := c.Decode(body, &msg); err != nil {
		reply = &message.RPCMessage{Kind: uint8(result.BadRequest), Error: "malformed request: " + err.Error()}
	} else {
		reply = svr.handler(context.Background(), &msg)
	}

	out, err := c.Encode(reply)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("method", msg.ServiceMethod), zap.Error(err))
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(out)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, out); err != nil {
		svr.logger.Debug("failed to write response", zap.String("method", msg.ServiceMethod), zap.Error(err))
	}
}

// Shutdown stops accepting connections, waits up to timeout for in-flight
// requests and then drops every open connection so clients observe the
// replica as gone.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.connsMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connsMu.Unlock()
	return err
}

// businessHandler dispatches "Service.Method" to the registered receiver.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok {
		return errorReply(req, result.Errorf(result.BadRequest, "invalid service method format: %q", req.ServiceMethod))
	}

	svc := svr.serviceMap[serviceName]
	if svc == nil {
		return errorReply(req, result.Errorf(result.NotImplemented, "unknown service %q", serviceName))
	}
	method := svc.method[methodName]
	if method == nil {
		return errorReply(req, result.Errorf(result.NotImplemented, "unknown method %q", req.ServiceMethod))
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return errorReply(req, result.Errorf(result.BadRequest, "decode args: %v", err))
		}
	}

	ctx, cs := withCall(ctx, req.Metadata)
	methodErr := svc.call(ctx, method, argv, replyv)

	rpcMessage := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Metadata:      cs.headers(),
	}
	if methodErr != nil {
		fillError(rpcMessage, methodErr)
		return rpcMessage
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		fillError(rpcMessage, fmt.Errorf("encode reply: %w", err))
		return rpcMessage
	}
	rpcMessage.Payload = payload
	return rpcMessage
}

func errorReply(req *message.RPCMessage, err error) *message.RPCMessage {
	m := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	fillError(m, err)
	return m
}

func fillError(m *message.RPCMessage, err error) {
	m.Kind = uint8(result.KindOf(err))
	var re *result.Error
	if errors.As(err, &re) {
		m.Error = re.Msg
	} else {
		m.Error = err.Error()
	}
}
