package raft

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/common/kvstore"
	"github.com/cubefs/rdb/store"
	"github.com/cubefs/rdb/util"
)

const testGroup = "test-group"

// testSM applies every committed normal entry as a record keyed by its data.
type testSM struct {
	t    *testing.T
	s    *store.Store
	cs   raftpb.ConfState
	node *Node

	mu     sync.Mutex
	leader bool
	term   uint64
	debut  uint64
	commit uint64
}

func (sm *testSM) LeaderChange(leader bool, term uint64, debut uint64) {
	sm.mu.Lock()
	sm.leader, sm.term, sm.debut = leader, term, debut
	sm.mu.Unlock()
}

func (sm *testSM) Committed(commit uint64) {
	ctx := context.Background()
	sm.mu.Lock()
	sm.commit = commit
	sm.mu.Unlock()
	for index := sm.s.Applied() + 1; index <= commit; index++ {
		data, err := sm.s.GetEntry(ctx, index)
		require.NoError(sm.t, err)
		var e raftpb.Entry
		require.NoError(sm.t, e.Unmarshal(data))
		w, err := sm.s.BeginIndex(ctx, index)
		require.NoError(sm.t, err)
		switch e.Type {
		case raftpb.EntryNormal:
			if len(e.Data) > 0 {
				w.Put(store.RootOid, e.Data, e.Data)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			require.NoError(sm.t, cc.Unmarshal(e.Data))
			cs := sm.node.ApplyConfChange(cc)
			sm.mu.Lock()
			sm.cs = cs
			sm.mu.Unlock()
		}
		require.NoError(sm.t, w.Commit(ctx))
	}
}

func (sm *testSM) Snapshot(ctx context.Context) (uint64, raftpb.ConfState, []byte, error) {
	r, err := sm.s.NewReader(ctx)
	if err != nil {
		return 0, raftpb.ConfState{}, nil, err
	}
	defer r.Close()
	data, err := sm.s.Dump(ctx, r)
	sm.mu.Lock()
	cs := sm.cs
	sm.mu.Unlock()
	return r.Applied(), cs, data, err
}

func (sm *testSM) ApplySnapshot(ctx context.Context, meta raftpb.SnapshotMetadata, data []byte) error {
	_, err := sm.s.Load(ctx, data)
	sm.mu.Lock()
	sm.cs = meta.ConfState
	sm.mu.Unlock()
	return err
}

func (sm *testSM) state() (bool, uint64, uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.leader, sm.term, sm.commit
}

type testNode struct {
	*Node
	s    *store.Store
	sm   *testSM
	path string
}

func (tn *testNode) Route(group string) (Handler, bool) {
	if group != testGroup {
		return nil, false
	}
	return tn.Node, true
}

func (tn *testNode) close() {
	tn.Stop()
	tn.s.Close(context.Background())
	os.RemoveAll(tn.path)
}

func newTestStore(t *testing.T) (*store.Store, string) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := store.Open(context.Background(), &store.Config{Path: path, KVType: kvstore.PebbleLsmKVType}, true)
	require.NoError(t, err)
	return s, path
}

func newTestNode(t *testing.T, id uint64, voters []uint64, tr Transport) *testNode {
	s, path := newTestStore(t)
	cs := raftpb.ConfState{Voters: voters}
	sm := &testSM{t: t, s: s, cs: cs}
	n, err := NewNode(context.Background(), &Config{
		TickIntervalMs: 10,
		ID:             id,
		Group:          testGroup,
		Applied:        s.Applied(),
		ConfState:      cs,
		Store:          s,
		Transport:      tr,
		SM:             sm,
	})
	require.NoError(t, err)
	sm.node = n
	return &testNode{Node: n, s: s, sm: sm, path: path}
}

func waitLeader(t *testing.T, nodes ...*testNode) (*testNode, uint64) {
	var (
		leader *testNode
		term   uint64
	)
	require.Eventually(t, func() bool {
		leader = nil
		for _, n := range nodes {
			if ok, tm, _ := n.sm.state(); ok {
				if leader != nil {
					return false
				}
				leader, term = n, tm
			}
		}
		return leader != nil
	}, 10*time.Second, 10*time.Millisecond)
	return leader, term
}

func waitApplied(t *testing.T, index uint64, nodes ...*testNode) {
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.s.Applied() < index {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func TestNode_SingleReplica(t *testing.T) {
	ctx := context.Background()
	net := NewLocalNetwork()
	defer net.Close()
	n := newTestNode(t, 1, []uint64{1}, net.Transport(1))
	defer n.close()
	net.Join(1, n)
	n.Start()

	_, term := waitLeader(t, n)
	n.sm.mu.Lock()
	debut := n.sm.debut
	n.sm.mu.Unlock()
	require.True(t, debut > 0)

	var registered uint64
	index, err := n.Propose(ctx, term, []byte("hello"), func(index uint64) { registered = index })
	require.NoError(t, err)
	require.Equal(t, index, registered)
	require.True(t, index > debut)
	waitApplied(t, index, n)

	data, err := n.s.GetEntry(ctx, index)
	require.NoError(t, err)
	var e raftpb.Entry
	require.NoError(t, e.Unmarshal(data))
	require.Equal(t, []byte("hello"), e.Data)
	require.Equal(t, term, e.Term)

	_, err = n.Propose(ctx, term+1, []byte("x"), nil)
	require.Equal(t, ErrNotLeader, err)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	readIndex, err := n.ReadIndex(rctx, term)
	require.NoError(t, err)
	require.True(t, readIndex >= index)

	stat := n.Stat()
	require.Equal(t, "StateLeader", stat.RaftState)
	require.Equal(t, []uint64{1}, stat.Peers)
	require.Equal(t, uint64(1), stat.FirstIndex)
}

func TestNode_Demote(t *testing.T) {
	ctx := context.Background()
	net := NewLocalNetwork()
	defer net.Close()
	n := newTestNode(t, 1, []uint64{1}, net.Transport(1))
	defer n.close()
	net.Join(1, n)
	n.Start()

	_, term := waitLeader(t, n)
	n.Demote(ctx)
	require.Eventually(t, func() bool {
		ok, tm, _ := n.sm.state()
		return !ok || tm != term
	}, 5*time.Second, time.Millisecond)
	_, err := n.Propose(ctx, term, []byte("stale"), nil)
	require.Equal(t, ErrNotLeader, err)
	_, err = n.ReadIndex(ctx, term)
	require.Equal(t, ErrNotLeader, err)

	_, newTerm := waitLeader(t, n)
	require.True(t, newTerm > term)
	index, err := n.Propose(ctx, newTerm, []byte("fresh"), nil)
	require.NoError(t, err)
	waitApplied(t, index, n)
}

func TestNode_Restart(t *testing.T) {
	ctx := context.Background()
	net := NewLocalNetwork()
	defer net.Close()
	n := newTestNode(t, 1, []uint64{1}, net.Transport(1))
	defer os.RemoveAll(n.path)
	net.Join(1, n)
	n.Start()
	_, term := waitLeader(t, n)
	index, err := n.Propose(ctx, term, []byte("k"), nil)
	require.NoError(t, err)
	waitApplied(t, index, n)
	n.Stop()
	_, err = n.Propose(ctx, term, []byte("k"), nil)
	require.Equal(t, ErrStopped, err)
	n.s.Close(ctx)

	s, err := store.Open(ctx, &store.Config{Path: n.path, KVType: kvstore.PebbleLsmKVType}, false)
	require.NoError(t, err)
	defer s.Close(ctx)
	ls, err := LoadLogState(ctx, s)
	require.NoError(t, err)
	require.Equal(t, term, ls.HardState.Term)
	require.Equal(t, uint64(1), ls.HardState.Vote)
	require.True(t, ls.HardState.Commit >= index)
	require.Equal(t, index, s.Applied())

	cs := raftpb.ConfState{Voters: []uint64{1}}
	sm := &testSM{t: t, s: s, cs: cs}
	n2, err := NewNode(ctx, &Config{
		TickIntervalMs: 10, ID: 1, Group: testGroup, Applied: s.Applied(),
		ConfState: cs, Store: s, Transport: net.Transport(1), SM: sm,
	})
	require.NoError(t, err)
	sm.node = n2
	n2.Start()
	defer n2.Stop()
	require.Eventually(t, func() bool {
		ok, tm, _ := sm.state()
		return ok && tm > term
	}, 10*time.Second, 10*time.Millisecond)
}

func TestNode_ThreeReplicas(t *testing.T) {
	ctx := context.Background()
	net := NewLocalNetwork()
	defer net.Close()
	voters := []uint64{1, 2, 3}
	var nodes []*testNode
	for _, id := range voters {
		n := newTestNode(t, id, voters, net.Transport(id))
		defer n.close()
		net.Join(id, n)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		n.Start()
	}

	leader, term := waitLeader(t, nodes...)
	var last uint64
	for i := 0; i < 10; i++ {
		index, err := leader.Propose(ctx, term, []byte(fmt.Sprintf("key-%d", i)), nil)
		require.NoError(t, err)
		last = index
	}
	waitApplied(t, last, nodes...)
	for _, n := range nodes {
		r, err := n.s.NewReader(ctx)
		require.NoError(t, err)
		v, err := r.Get(ctx, store.RootOid, []byte("key-9"), last)
		require.NoError(t, err)
		require.Equal(t, []byte("key-9"), v)
		r.Close()
	}

	// a partitioned leader loses its term
	net.Isolate(leader.ID(), true)
	var others []*testNode
	for _, n := range nodes {
		if n != leader {
			others = append(others, n)
		}
	}
	newLeader, newTerm := waitLeader(t, others...)
	require.True(t, newTerm > term)
	require.Eventually(t, func() bool {
		ok, _, _ := leader.sm.state()
		return !ok
	}, 10*time.Second, 10*time.Millisecond)
	_, err := leader.Propose(ctx, term, []byte("lost"), nil)
	require.Equal(t, ErrNotLeader, err)

	index, err := newLeader.Propose(ctx, newTerm, []byte("after"), nil)
	require.NoError(t, err)
	net.Isolate(leader.ID(), false)
	waitApplied(t, index, nodes...)
}

func TestNode_SnapshotCatchUp(t *testing.T) {
	ctx := context.Background()
	net := NewLocalNetwork()
	defer net.Close()
	voters := []uint64{1, 2, 3}
	var nodes []*testNode
	for _, id := range voters {
		n := newTestNode(t, id, voters, net.Transport(id))
		defer n.close()
		net.Join(id, n)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		n.Start()
	}
	leader, term := waitLeader(t, nodes...)

	var lagging *testNode
	var alive []*testNode
	for _, n := range nodes {
		if n != leader && lagging == nil {
			lagging = n
			continue
		}
		alive = append(alive, n)
	}
	net.Isolate(lagging.ID(), true)

	var last uint64
	for i := 0; i < 20; i++ {
		index, err := leader.Propose(ctx, term, []byte(fmt.Sprintf("k%02d", i)), nil)
		require.NoError(t, err)
		last = index
	}
	waitApplied(t, last, alive...)
	for _, n := range alive {
		_, err := n.s.Checkpoint(ctx)
		require.NoError(t, err)
		require.NoError(t, n.Compact(ctx, last))
		require.Equal(t, last+1, n.LogState().FirstIndex)
	}

	net.Isolate(lagging.ID(), false)
	waitApplied(t, last, lagging)
	r, err := lagging.s.NewReader(ctx)
	require.NoError(t, err)
	defer r.Close()
	v, err := r.Get(ctx, store.RootOid, []byte("k19"), last)
	require.NoError(t, err)
	require.Equal(t, []byte("k19"), v)
	require.Equal(t, last, lagging.LogState().BaseIndex)
}
