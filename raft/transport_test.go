package raft

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestMessageBatchCodec(t *testing.T) {
	batch := &messageBatch{Requests: []messageRequest{
		{Group: "a", Message: raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 3}},
		{Group: "bb", Message: raftpb.Message{
			Type: raftpb.MsgApp, From: 1, To: 3, Term: 3, Index: 7,
			Entries: []raftpb.Entry{{Term: 3, Index: 8, Data: []byte("data")}},
		}},
	}}
	data, err := codec{}.Marshal(batch)
	require.NoError(t, err)

	got := &messageBatch{}
	require.NoError(t, codec{}.Unmarshal(data, got))
	require.Equal(t, batch.Requests, got.Requests)

	require.Error(t, got.Unmarshal(data[:len(data)-1]))
	require.Error(t, got.Unmarshal(append(data, 0)))
	_, err = codec{}.Marshal("not a message")
	require.Error(t, err)
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []raftpb.Message
}

func (h *recordingHandler) Step(ctx context.Context, m raftpb.Message) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type mapRouter map[string]Handler

func (r mapRouter) Route(group string) (Handler, bool) {
	h, ok := r[group]
	return h, ok
}

type recordingReporter struct {
	mu          sync.Mutex
	unreachable []uint64
	snapshots   []raft.SnapshotStatus
}

func (r *recordingReporter) ReportUnreachable(id uint64) {
	r.mu.Lock()
	r.unreachable = append(r.unreachable, id)
	r.mu.Unlock()
}

func (r *recordingReporter) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, status)
	r.mu.Unlock()
}

func TestGRPCTransport(t *testing.T) {
	ctx := context.Background()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := &recordingHandler{}
	server := NewGRPCTransport(&TransportConfig{
		Resolver: StaticResolver{},
		Router:   mapRouter{"g1": handler},
	})
	go server.Serve(lis)
	defer server.Close()

	client := NewGRPCTransport(&TransportConfig{
		Resolver: StaticResolver{2: lis.Addr().String()},
		Router:   mapRouter{},
	})
	defer client.Close()

	reporter := &recordingReporter{}
	client.Send(ctx, "g1", []raftpb.Message{
		{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 1},
		{Type: raftpb.MsgSnap, From: 1, To: 2, Term: 1, Snapshot: raftpb.Snapshot{Data: []byte("snap")}},
	}, reporter)
	client.Send(ctx, "unknown", []raftpb.Message{{Type: raftpb.MsgHeartbeat, From: 1, To: 2}}, reporter)
	require.Eventually(t, func() bool { return handler.count() == 2 }, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return len(reporter.snapshots) == 1
	}, 10*time.Second, 10*time.Millisecond)
	reporter.mu.Lock()
	require.Equal(t, raft.SnapshotFinish, reporter.snapshots[0])
	reporter.mu.Unlock()

	handler.mu.Lock()
	require.Equal(t, []byte("snap"), handler.msgs[1].Snapshot.Data)
	handler.mu.Unlock()

	// unresolvable peers are reported at once
	client.Send(ctx, "g1", []raftpb.Message{{Type: raftpb.MsgHeartbeat, From: 1, To: 9}}, reporter)
	reporter.mu.Lock()
	require.Equal(t, []uint64{9}, reporter.unreachable)
	reporter.mu.Unlock()
}

func TestLocalNetwork_Isolate(t *testing.T) {
	ctx := context.Background()
	ln := NewLocalNetwork()
	defer ln.Close()
	handler := &recordingHandler{}
	ln.Join(2, mapRouter{"g": handler})
	reporter := &recordingReporter{}

	tr := ln.Transport(1)
	tr.Send(ctx, "g", []raftpb.Message{{Type: raftpb.MsgHeartbeat, From: 1, To: 2}}, reporter)
	require.Eventually(t, func() bool { return handler.count() == 1 }, 5*time.Second, time.Millisecond)

	ln.Isolate(2, true)
	tr.Send(ctx, "g", []raftpb.Message{{Type: raftpb.MsgSnap, From: 1, To: 2}}, reporter)
	reporter.mu.Lock()
	require.Equal(t, []uint64{2}, reporter.unreachable)
	require.Equal(t, []raft.SnapshotStatus{raft.SnapshotFailure}, reporter.snapshots)
	reporter.mu.Unlock()

	ln.Isolate(2, false)
	tr.Send(ctx, "g", []raftpb.Message{{Type: raftpb.MsgHeartbeat, From: 1, To: 2}}, reporter)
	require.Eventually(t, func() bool { return handler.count() == 2 }, 5*time.Second, time.Millisecond)
}
