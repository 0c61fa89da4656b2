package raft

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func makeEntries(term, lo, hi uint64) []raftpb.Entry {
	var ents []raftpb.Entry
	for i := lo; i < hi; i++ {
		ents = append(ents, raftpb.Entry{Term: term, Index: i, Data: []byte{byte(i)}})
	}
	return ents
}

func TestStorage_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	defer os.RemoveAll(path)
	defer s.Close(ctx)

	cs := raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	st, err := newStorage(ctx, s, nil, cs)
	require.NoError(t, err)
	hs, gotCS, err := st.InitialState()
	require.NoError(t, err)
	require.True(t, raft.IsEmptyHardState(hs))
	require.Equal(t, cs, gotCS)
	first, _ := st.FirstIndex()
	last, _ := st.LastIndex()
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(0), last)

	hs = raftpb.HardState{Term: 2, Vote: 1, Commit: 3}
	require.NoError(t, st.Save(ctx, hs, makeEntries(2, 1, 6)))
	last, _ = st.LastIndex()
	require.Equal(t, uint64(5), last)

	ents, err := st.Entries(2, 5, 1<<20)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	require.Equal(t, uint64(2), ents[0].Index)
	// at least one entry even over the size limit
	ents, err = st.Entries(2, 5, 0)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	_, err = st.Entries(2, 7, 1<<20)
	require.Error(t, err)

	term, err := st.Term(4)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
	_, err = st.Term(6)
	require.Equal(t, raft.ErrUnavailable, err)

	// a conflicting append drops the old suffix
	require.NoError(t, st.Save(ctx, raftpb.HardState{}, makeEntries(3, 4, 5)))
	last, _ = st.LastIndex()
	require.Equal(t, uint64(4), last)
	term, _ = st.Term(4)
	require.Equal(t, uint64(3), term)
	_, err = s.GetEntry(ctx, 5)
	require.Error(t, err)

	require.NoError(t, st.Truncate(ctx, 2))
	first, _ = st.FirstIndex()
	require.Equal(t, uint64(3), first)
	_, err = st.Entries(2, 4, 1<<20)
	require.Equal(t, raft.ErrCompacted, err)
	term, err = st.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
	_, err = st.Term(1)
	require.Equal(t, raft.ErrCompacted, err)
	require.Error(t, st.Truncate(ctx, 10))

	// everything survives a reload
	ls, err := LoadLogState(ctx, s)
	require.NoError(t, err)
	require.Equal(t, hs, ls.HardState)
	require.Equal(t, uint64(2), ls.BaseIndex)
	require.Equal(t, uint64(2), ls.BaseTerm)
	require.Equal(t, uint64(3), ls.FirstIndex)
	require.Equal(t, uint64(4), ls.LastIndex)

	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		Index: 10, Term: 4, ConfState: raftpb.ConfState{Voters: []uint64{1}},
	}}
	require.NoError(t, st.ApplySnapshot(ctx, snap))
	first, _ = st.FirstIndex()
	last, _ = st.LastIndex()
	require.Equal(t, uint64(11), first)
	require.Equal(t, uint64(10), last)
	term, _ = st.Term(10)
	require.Equal(t, uint64(4), term)
	hs, gotCS, _ = st.InitialState()
	require.Equal(t, uint64(10), hs.Commit)
	require.Equal(t, uint64(4), hs.Term)
	require.Equal(t, []uint64{1}, gotCS.Voters)
	_, err = s.GetEntry(ctx, 3)
	require.Error(t, err)

	st2, err := newStorage(ctx, s, nil, cs)
	require.NoError(t, err)
	first, _ = st2.FirstIndex()
	require.Equal(t, uint64(11), first)
	term, _ = st2.Term(10)
	require.Equal(t, uint64(4), term)
}

func TestDictate(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	defer os.RemoveAll(path)
	defer s.Close(ctx)

	st, err := newStorage(ctx, s, nil, raftpb.ConfState{})
	require.NoError(t, err)
	ents := makeEntries(5, 1, 7)
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 4}
	ents[1].Type = raftpb.EntryConfChange
	ents[1].Data, err = cc.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, raftpb.HardState{Term: 5, Vote: 2, Commit: 4}, ents))

	_, err = Dictate(ctx, s, 9, []uint64{1, 2, 3}, 1)
	require.Equal(t, ErrNotMember, err)

	removed, err := Dictate(ctx, s, 1, []uint64{1, 2, 3}, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 4}, removed)

	ls, err := LoadLogState(ctx, s)
	require.NoError(t, err)
	require.Equal(t, uint64(7), ls.LastIndex)
	require.Equal(t, uint64(7), ls.HardState.Commit)
	require.Equal(t, uint64(5), ls.HardState.Term)
	require.Equal(t, uint64(2), ls.HardState.Vote)
	for i, id := range removed {
		data, err := s.GetEntry(ctx, uint64(5+i))
		require.NoError(t, err)
		var e raftpb.Entry
		require.NoError(t, e.Unmarshal(data))
		require.Equal(t, raftpb.EntryConfChange, e.Type)
		require.Equal(t, uint64(5), e.Term)
		var cc raftpb.ConfChange
		require.NoError(t, cc.Unmarshal(e.Data))
		require.Equal(t, raftpb.ConfChangeRemoveNode, cc.Type)
		require.Equal(t, id, cc.NodeID)
	}
}

// dumpSM counts dumps taken at a settable applied index.
type dumpSM struct {
	StateMachine
	dumps   int32
	applied uint64
}

func (sm *dumpSM) Snapshot(ctx context.Context) (uint64, raftpb.ConfState, []byte, error) {
	atomic.AddInt32(&sm.dumps, 1)
	return atomic.LoadUint64(&sm.applied), raftpb.ConfState{Voters: []uint64{1}}, []byte("dump"), nil
}

func TestStorage_Snapshot(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	defer os.RemoveAll(path)
	defer s.Close(ctx)

	sm := &dumpSM{applied: 3}
	st, err := newStorage(ctx, s, sm, raftpb.ConfState{Voters: []uint64{1}})
	require.NoError(t, err)
	defer st.stopSnapshots()
	require.NoError(t, st.Save(ctx, raftpb.HardState{Term: 2, Commit: 5}, makeEntries(2, 1, 6)))

	waitSnapshot := func() raftpb.Snapshot {
		var snap raftpb.Snapshot
		require.Eventually(t, func() bool {
			snap, err = st.Snapshot()
			return err == nil
		}, 5*time.Second, time.Millisecond)
		return snap
	}

	_, err = st.Snapshot()
	require.Equal(t, raft.ErrSnapshotTemporarilyUnavailable, err)
	snap := waitSnapshot()
	require.Equal(t, uint64(3), snap.Metadata.Index)
	require.Equal(t, uint64(2), snap.Metadata.Term)
	require.Equal(t, []byte("dump"), snap.Data)

	// reused while the log still follows it
	atomic.StoreUint64(&sm.applied, 5)
	require.NoError(t, st.Truncate(ctx, 3))
	snap, err = st.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Metadata.Index)
	require.Equal(t, int32(1), atomic.LoadInt32(&sm.dumps))

	require.NoError(t, st.Truncate(ctx, 4))
	_, err = st.Snapshot()
	require.Equal(t, raft.ErrSnapshotTemporarilyUnavailable, err)
	snap = waitSnapshot()
	require.Equal(t, uint64(5), snap.Metadata.Index)
	require.Equal(t, int32(2), atomic.LoadInt32(&sm.dumps))

	// no dumps once stopped
	st.stopSnapshots()
	require.NoError(t, st.Truncate(ctx, 5))
	_, err = st.Snapshot()
	require.Equal(t, raft.ErrSnapshotTemporarilyUnavailable, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&sm.dumps))
}
