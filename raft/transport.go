package raft

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/rdb/metrics"
)

const (
	raftSendBufferSize = 1024

	defaultInflightMsgSize     = 4 << 20
	defaultConnectionTimeoutMs = 100
	defaultMaxTimeoutMs        = 5000
	defaultBackoffMaxDelayMs   = 5000
	defaultBackoffBaseDelayMs  = 200
	defaultKeepAliveTimeoutS   = 60

	reqIdKey = "req-id"

	raftServiceName = "rdb.RaftService"
	raftSendMethod  = "/" + raftServiceName + "/Send"
)

type TransportConfig struct {
	MaxInflightMsgSize int    `json:"max_inflight_msg_size"`
	MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`

	Resolver AddressResolver `json:"-"`
	Router   Router          `json:"-"`
}

// GRPCTransport sends raft messages to remote processes through one queue
// per peer address, and serves the messages of remote processes to the
// groups found by its Router.
type GRPCTransport struct {
	queues   sync.Map
	resolver AddressResolver
	router   Router
	conns    sync.Map
	server   *grpc.Server

	cfg       *TransportConfig
	done      chan struct{}
	closeOnce sync.Once
}

func NewGRPCTransport(cfg *TransportConfig) *GRPCTransport {
	setDefault(&cfg.MaxInflightMsgSize, defaultInflightMsgSize)
	setDefault(&cfg.ConnectTimeoutMs, defaultConnectionTimeoutMs)
	setDefault(&cfg.MaxTimeoutMs, defaultMaxTimeoutMs)
	setDefault(&cfg.KeepaliveTimeoutS, defaultKeepAliveTimeoutS)
	setDefault(&cfg.BackoffBaseDelayMs, defaultBackoffBaseDelayMs)
	setDefault(&cfg.BackoffMaxDelayMs, defaultBackoffMaxDelayMs)

	t := &GRPCTransport{
		resolver: newCachedResolver(cfg.Resolver),
		router:   cfg.Router,
		cfg:      cfg,
		done:     make(chan struct{}),
	}

	// register raft service
	s := grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.ChainUnaryInterceptor(unaryServerInterceptorWithTracer, metrics.GRPCMetrics.UnaryServerInterceptor()),
	)
	s.RegisterService(&raftServiceDesc, t)
	metrics.GRPCMetrics.InitializeMetrics(s)
	t.server = s
	return t
}

// Serve accepts raft connections on lis until the transport is closed.
func (t *GRPCTransport) Serve(lis net.Listener) error {
	return t.server.Serve(lis)
}

// Send queues msgs to their peers. Messages that can not be queued are
// reported unreachable.
func (t *GRPCTransport) Send(ctx context.Context, group string, msgs []raftpb.Message, r Reporter) {
	span := trace.SpanFromContextSafe(ctx)
	for i := range msgs {
		req := &queuedMessage{group: group, msg: msgs[i], reporter: r}
		if err := t.sendAsync(req); err != nil {
			span.Debugf("send message %s to %d failed: %s", req.msg.Type, req.msg.To, err)
			req.report(false)
		}
	}
}

func (t *GRPCTransport) sendAsync(req *queuedMessage) error {
	toNodeID := req.msg.To
	// resolve address from to node id
	addr, err := t.resolver.Resolve(toNodeID)
	if err != nil {
		return fmt.Errorf("can't resolve to node id[%d], err: %s", toNodeID, err)
	}

	ch, existingQueue := t.getQueue(addr)
	if !existingQueue {
		// Note that startProcessNewQueue is in charge of deleting the queue.
		_, ctx := trace.StartSpanFromContext(context.Background(), "")
		go t.startProcessNewQueue(ctx, toNodeID, addr)
	}

	select {
	case ch <- req:
		return nil
	default:
		return fmt.Errorf("send request into queue of %s failed, queue is full", addr)
	}
}

func (t *GRPCTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.server.Stop()
		t.conns.Range(func(key, value interface{}) bool {
			if conn := value.(*connection); conn.ClientConn != nil {
				conn.Close()
			}
			return true
		})
	})
}

// send steps every message of an inbound batch into its group.
func (t *GRPCTransport) send(ctx context.Context, batch *messageBatch) (*messageResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	for i := range batch.Requests {
		req := &batch.Requests[i]
		h, ok := t.router.Route(req.Group)
		if !ok {
			span.Debugf("group %s not found for message %s from %d", req.Group, req.Message.Type, req.Message.From)
			continue
		}
		if err := h.Step(ctx, req.Message); err != nil {
			span.Warnf("group %s handle message %s failed: %s", req.Group, req.Message.Type, err)
		}
	}
	return &messageResponse{}, nil
}

type queuedMessage struct {
	group    string
	msg      raftpb.Message
	reporter Reporter
}

func (m *queuedMessage) report(ok bool) {
	if m.msg.Type == raftpb.MsgSnap {
		status := raft.SnapshotFinish
		if !ok {
			status = raft.SnapshotFailure
		}
		m.reporter.ReportSnapshot(m.msg.To, status)
	}
	if !ok {
		m.reporter.ReportUnreachable(m.msg.To)
	}
}

// getQueue returns the queue for the specified address and a boolean
// indicating whether the queue already exists (true) or was created (false).
func (t *GRPCTransport) getQueue(addr string) (chan *queuedMessage, bool) {
	value, ok := t.queues.Load(addr)
	if !ok {
		ch := make(chan *queuedMessage, raftSendBufferSize)
		value, ok = t.queues.LoadOrStore(addr, ch)
	}
	return value.(chan *queuedMessage), ok
}

// startProcessNewQueue connects to the node and launches a worker goroutine
// that processes the queue for the given address (which must exist) until
// an error occurs. This method takes on the responsibility of deleting the
// queue when the worker shuts down.
func (t *GRPCTransport) startProcessNewQueue(ctx context.Context, toNodeID uint64, addr string) {
	span := trace.SpanFromContext(ctx)

	ch, existingQueue := t.getQueue(addr)
	if !existingQueue {
		span.Fatalf("queue[%s] does not exist", addr)
	}
	defer func() {
		t.queues.Delete(addr)
		// messages left behind are lost
		for {
			select {
			case req := <-ch:
				req.report(false)
			default:
				return
			}
		}
	}()

	conn, err := t.getConnection(ctx, addr)
	if err != nil {
		span.Warnf("get connection for node[%d] failed: %s", toNodeID, err)
		return
	}
	if err := t.processQueue(ctx, ch, conn); err != nil {
		span.Warnf("processing raft message queue for node[%d] failed: %s", toNodeID, err)
	}
}

// processQueue sends messages from the designated queue (ch) in batches,
// exiting when an error is received or the transport is closed.
func (t *GRPCTransport) processQueue(ctx context.Context, ch chan *queuedMessage, conn *connection) error {
	var (
		batch   = &messageBatch{}
		pending []*queuedMessage
	)
	for {
		select {
		case <-t.done:
			return nil
		case req := <-ch:
			budget := t.cfg.MaxInflightMsgSize - req.msg.Size()
			pending = append(pending, req)
			// pull off as many queued requests as possible
			for budget > 0 {
				select {
				case req = <-ch:
					budget -= req.msg.Size()
					pending = append(pending, req)
				default:
					budget = -1
				}
			}
			for _, req := range pending {
				batch.Requests = append(batch.Requests, messageRequest{Group: req.group, Message: req.msg})
			}

			sendCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.MaxTimeoutMs)*time.Millisecond)
			err := conn.Invoke(sendCtx, raftSendMethod, batch, &messageResponse{}, grpc.ForceCodec(codec{}))
			cancel()
			for _, req := range pending {
				req.report(err == nil)
			}
			if err != nil {
				return err
			}

			// reuse the slices, zero out the contents to avoid delaying
			// GC of memory referenced from within.
			for i := range batch.Requests {
				batch.Requests[i] = messageRequest{}
			}
			batch.Requests = batch.Requests[:0]
			for i := range pending {
				pending[i] = nil
			}
			pending = pending[:0]
		}
	}
}

func (t *GRPCTransport) getConnection(ctx context.Context, target string) (conn *connection, err error) {
	value, loaded := t.conns.Load(target)
	if !loaded {
		value, _ = t.conns.LoadOrStore(target, &connection{})
	}
	conn = value.(*connection)

	conn.once.Do(func() {
		grpcConn, dialErr := grpc.DialContext(ctx, target, generateDialOpts(t.cfg)...)
		if dialErr != nil {
			conn.err = dialErr
			t.conns.Delete(target)
			return
		}
		grpcConn.Connect()
		conn.ClientConn = grpcConn
	})
	if conn.ClientConn == nil {
		if conn.err != nil {
			return nil, conn.err
		}
		return nil, fmt.Errorf("connection to %s is not established", target)
	}
	return conn, nil
}

type connection struct {
	*grpc.ClientConn

	once sync.Once
	err  error
}

type raftServiceServer interface {
	send(ctx context.Context, batch *messageBatch) (*messageResponse, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*raftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    raftServiceSendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft/transport.go",
}

func raftServiceSendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(messageBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServiceServer).send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: raftSendMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServiceServer).send(ctx, req.(*messageBatch))
	}
	return interceptor(ctx, in, info, handler)
}

// generateDialOpts generate grpc dial options
func generateDialOpts(cfg *TransportConfig) []grpc.DialOption {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay: time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				MaxDelay:  time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return dialOpts
}

// unaryServerInterceptorWithTracer intercept incoming request with trace id
func unaryServerInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if reqId := md.Get(reqIdKey); len(reqId) > 0 {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqId[0])
	} else {
		_, ctx = trace.StartSpanFromContext(ctx, "")
	}
	return handler(ctx, req)
}

// unaryClientInterceptorWithTracer intercept client request with trace id
func unaryClientInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		reqIdKey, span.TraceID(),
	))
	return invoker(ctx, method, req, reply, cc, opts...)
}
