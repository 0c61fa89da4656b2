package raft

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/store"
)

// attribute keys of the raft state
const (
	AttrTerm      = "term"
	AttrVote      = "vote"
	AttrCommit    = "commit"
	AttrBaseIndex = "log_base_index"
	AttrBaseTerm  = "log_base_term"
)

// LoadLogState reads the persisted hard state and log bounds of s.
func LoadLogState(ctx context.Context, s *store.Store) (*LogState, error) {
	ls := &LogState{}
	for _, a := range []struct {
		key string
		v   *uint64
	}{
		{AttrTerm, &ls.HardState.Term},
		{AttrVote, &ls.HardState.Vote},
		{AttrCommit, &ls.HardState.Commit},
		{AttrBaseIndex, &ls.BaseIndex},
		{AttrBaseTerm, &ls.BaseTerm},
	} {
		v, err := s.GetAttrUint64(ctx, a.key)
		if err != nil {
			return nil, err
		}
		*a.v = v
	}
	first, last, err := s.EntryBounds(ctx)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		first, last = ls.BaseIndex+1, ls.BaseIndex
	}
	if first != ls.BaseIndex+1 {
		return nil, fmt.Errorf("raft log starts at %d but log base is %d", first, ls.BaseIndex)
	}
	ls.FirstIndex, ls.LastIndex = first, last
	return ls, nil
}

func newStorage(ctx context.Context, s *store.Store, sm StateMachine, cs raftpb.ConfState) (*storage, error) {
	ls, err := LoadLogState(ctx, s)
	if err != nil {
		return nil, err
	}
	st := &storage{
		s:         s,
		sm:        sm,
		hardState: ls.HardState,
		confState: cs,
		baseIndex: ls.BaseIndex,
		baseTerm:  ls.BaseTerm,
		lastIndex: ls.LastIndex,
	}
	if st.lastIndex > st.baseIndex {
		if st.lastTerm, err = st.entryTerm(ctx, st.lastIndex); err != nil {
			return nil, err
		}
	} else {
		st.lastTerm = st.baseTerm
	}
	return st, nil
}

// storage implements raft.Storage on the attribute and log regions of a store.
// The log holds entries (baseIndex, lastIndex], the term of baseIndex is kept
// for matching after truncation.
type storage struct {
	s  *store.Store
	sm StateMachine

	// serializes Truncate and ApplySnapshot
	writeMu sync.Mutex

	mu        sync.RWMutex
	hardState raftpb.HardState
	confState raftpb.ConfState
	baseIndex uint64
	baseTerm  uint64
	lastIndex uint64
	lastTerm  uint64

	snapMu struct {
		sync.Mutex
		snap     *raftpb.Snapshot
		building bool
		stopped  bool
	}
	snapWg sync.WaitGroup
}

// InitialState returns the saved HardState and ConfState information.
func (st *storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.hardState, st.confState, nil
}

// Entries returns a slice of log entries in the range [lo,hi).
// MaxSize limits the total size of the log entries returned, but
// Entries returns at least one entry if any.
func (st *storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	st.mu.RLock()
	base, last := st.baseIndex, st.lastIndex
	st.mu.RUnlock()
	if lo <= base {
		return nil, raft.ErrCompacted
	}
	if hi > last+1 {
		return nil, fmt.Errorf("entries' hi(%d) is out of bound lastindex(%d)", hi, last)
	}

	var (
		ents    []raftpb.Entry
		size    uint64
		limited bool
	)
	err := st.s.RangeEntries(context.Background(), lo, hi, func(index uint64, data []byte) (bool, error) {
		var e raftpb.Entry
		if err := e.Unmarshal(data); err != nil {
			return false, err
		}
		size += uint64(e.Size())
		if len(ents) > 0 && size > maxSize {
			limited = true
			return false, nil
		}
		ents = append(ents, e)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !limited && uint64(len(ents)) != hi-lo {
		st.mu.RLock()
		base = st.baseIndex
		st.mu.RUnlock()
		if lo <= base {
			return nil, raft.ErrCompacted
		}
		return nil, raft.ErrUnavailable
	}
	return ents, nil
}

// Term returns the term of entry i, which must be in the range
// [FirstIndex()-1, LastIndex()].
func (st *storage) Term(i uint64) (uint64, error) {
	st.mu.RLock()
	base, baseTerm, last, lastTerm := st.baseIndex, st.baseTerm, st.lastIndex, st.lastTerm
	st.mu.RUnlock()
	switch {
	case i == base:
		return baseTerm, nil
	case i < base:
		return 0, raft.ErrCompacted
	case i > last:
		return 0, raft.ErrUnavailable
	case i == last:
		return lastTerm, nil
	}
	term, err := st.entryTerm(context.Background(), i)
	if err == store.ErrNotFound {
		return 0, raft.ErrCompacted
	}
	return term, err
}

func (st *storage) entryTerm(ctx context.Context, i uint64) (uint64, error) {
	data, err := st.s.GetEntry(ctx, i)
	if err != nil {
		return 0, err
	}
	var e raftpb.Entry
	if err = e.Unmarshal(data); err != nil {
		return 0, err
	}
	return e.Term, nil
}

// LastIndex returns the index of the last entry in the log.
func (st *storage) LastIndex() (uint64, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastIndex, nil
}

// FirstIndex returns the index of the first log entry that is
// possibly available via Entries.
func (st *storage) FirstIndex() (uint64, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.baseIndex + 1, nil
}

// Snapshot returns the last dump of the state machine while it still covers
// the truncated log. raft asks for it with the raw node locked, so a new dump
// is built in the background and ErrSnapshotTemporarilyUnavailable is
// returned until it is ready.
func (st *storage) Snapshot() (raftpb.Snapshot, error) {
	st.mu.RLock()
	base := st.baseIndex
	st.mu.RUnlock()

	st.snapMu.Lock()
	defer st.snapMu.Unlock()
	if snap := st.snapMu.snap; snap != nil && snap.Metadata.Index >= base {
		return *snap, nil
	}
	st.snapMu.snap = nil
	if !st.snapMu.building && !st.snapMu.stopped {
		st.snapMu.building = true
		st.snapWg.Add(1)
		go st.buildSnapshot()
	}
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

func (st *storage) buildSnapshot() {
	defer st.snapWg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	snap, err := st.takeSnapshot(ctx)

	st.snapMu.Lock()
	defer st.snapMu.Unlock()
	st.snapMu.building = false
	if err != nil {
		span.Warnf("state machine snapshot failed: %s", err)
		return
	}
	st.snapMu.snap = snap
	span.Infof("snapshot taken at index %d term %d, size: %d",
		snap.Metadata.Index, snap.Metadata.Term, len(snap.Data))
}

func (st *storage) takeSnapshot(ctx context.Context) (*raftpb.Snapshot, error) {
	index, cs, data, err := st.sm.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	term, err := st.Term(index)
	if err != nil {
		return nil, err
	}
	return &raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			ConfState: cs,
			Index:     index,
			Term:      term,
		},
	}, nil
}

// stopSnapshots waits for the dump in progress and refuses new ones.
func (st *storage) stopSnapshots() {
	st.snapMu.Lock()
	st.snapMu.stopped = true
	st.snapMu.Unlock()
	st.snapWg.Wait()
}

// Save persists the hard state and appends entries, dropping any conflicting
// suffix. It is called by the ready loop only.
func (st *storage) Save(ctx context.Context, hs raftpb.HardState, entries []raftpb.Entry) error {
	if raft.IsEmptyHardState(hs) && len(entries) == 0 {
		return nil
	}
	batch := st.s.NewRaftBatch()
	defer batch.Close()

	if !raft.IsEmptyHardState(hs) {
		batch.PutAttrUint64(AttrTerm, hs.Term)
		batch.PutAttrUint64(AttrVote, hs.Vote)
		batch.PutAttrUint64(AttrCommit, hs.Commit)
	}
	st.mu.RLock()
	oldLast := st.lastIndex
	st.mu.RUnlock()
	var newLast, newLastTerm uint64
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		batch.PutEntry(entries[i].Index, data)
		newLast, newLastTerm = entries[i].Index, entries[i].Term
	}
	if len(entries) > 0 && newLast < oldLast {
		batch.DeleteEntries(newLast+1, oldLast+1)
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	st.mu.Lock()
	if !raft.IsEmptyHardState(hs) {
		st.hardState = hs
	}
	if len(entries) > 0 {
		st.lastIndex, st.lastTerm = newLast, newLastTerm
	}
	st.mu.Unlock()
	return nil
}

// ApplySnapshot replaces the log with the position of snap.
func (st *storage) ApplySnapshot(ctx context.Context, snap raftpb.Snapshot) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	st.mu.RLock()
	base, last, hs := st.baseIndex, st.lastIndex, st.hardState
	st.mu.RUnlock()

	meta := snap.Metadata
	if hs.Commit < meta.Index {
		hs.Commit = meta.Index
	}
	if hs.Term < meta.Term {
		hs.Term = meta.Term
	}
	batch := st.s.NewRaftBatch()
	defer batch.Close()
	batch.DeleteEntries(base+1, last+1)
	batch.PutAttrUint64(AttrBaseIndex, meta.Index)
	batch.PutAttrUint64(AttrBaseTerm, meta.Term)
	batch.PutAttrUint64(AttrTerm, hs.Term)
	batch.PutAttrUint64(AttrCommit, hs.Commit)
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	st.mu.Lock()
	st.baseIndex, st.baseTerm = meta.Index, meta.Term
	st.lastIndex, st.lastTerm = meta.Index, meta.Term
	st.hardState = hs
	st.confState = meta.ConfState
	st.mu.Unlock()
	return nil
}

// Truncate removes the entries up to and including index.
func (st *storage) Truncate(ctx context.Context, index uint64) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	st.mu.RLock()
	base, last := st.baseIndex, st.lastIndex
	st.mu.RUnlock()
	if index <= base {
		return nil
	}
	if index > last {
		return fmt.Errorf("truncate index %d exceeds last index %d", index, last)
	}
	term, err := st.Term(index)
	if err != nil {
		return err
	}

	batch := st.s.NewRaftBatch()
	defer batch.Close()
	batch.PutAttrUint64(AttrBaseIndex, index)
	batch.PutAttrUint64(AttrBaseTerm, term)
	batch.DeleteEntries(base+1, index+1)
	if err = batch.Commit(ctx); err != nil {
		return err
	}

	st.mu.Lock()
	st.baseIndex, st.baseTerm = index, term
	st.mu.Unlock()
	trace.SpanFromContextSafe(ctx).Debugf("raft log truncated to %d, term %d", index, term)
	return nil
}

func (st *storage) setConfState(cs raftpb.ConfState) {
	st.mu.Lock()
	st.confState = cs
	st.mu.Unlock()
}

func (st *storage) logState() LogState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return LogState{
		HardState:  st.hardState,
		BaseIndex:  st.baseIndex,
		BaseTerm:   st.baseTerm,
		FirstIndex: st.baseIndex + 1,
		LastIndex:  st.lastIndex,
	}
}

// Dictate turns the log of s into one of a single member group made of id:
// entries past the commit index are dropped and conf changes removing every
// other voter are appended as committed. voters is the configuration as of
// applied. The removals take effect when the entries are applied.
func Dictate(ctx context.Context, s *store.Store, id uint64, voters []uint64, applied uint64) ([]uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	ls, err := LoadLogState(ctx, s)
	if err != nil {
		return nil, err
	}
	commit := ls.HardState.Commit
	if commit < applied {
		commit = applied
	}
	if commit > ls.LastIndex {
		return nil, fmt.Errorf("commit index %d beyond last index %d", commit, ls.LastIndex)
	}

	members := make(map[uint64]struct{}, len(voters))
	for _, v := range voters {
		members[v] = struct{}{}
	}
	if applied < commit {
		err = s.RangeEntries(ctx, applied+1, commit+1, func(index uint64, data []byte) (bool, error) {
			var e raftpb.Entry
			if err := e.Unmarshal(data); err != nil {
				return false, err
			}
			if e.Type != raftpb.EntryConfChange {
				return true, nil
			}
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				return false, err
			}
			switch cc.Type {
			case raftpb.ConfChangeAddNode:
				members[cc.NodeID] = struct{}{}
			case raftpb.ConfChangeRemoveNode:
				delete(members, cc.NodeID)
			}
			return true, nil
		})
		if err != nil {
			return nil, errors.Info(err, "scan committed conf changes failed")
		}
	}
	if _, ok := members[id]; !ok {
		return nil, ErrNotMember
	}

	var removed []uint64
	for v := range members {
		if v != id {
			removed = append(removed, v)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	batch := s.NewRaftBatch()
	defer batch.Close()
	if ls.LastIndex > commit {
		batch.DeleteEntries(commit+1, ls.LastIndex+1)
	}
	index := commit
	for _, v := range removed {
		index++
		cc := raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: v}
		data, err := cc.Marshal()
		if err != nil {
			return nil, err
		}
		e := raftpb.Entry{Term: ls.HardState.Term, Index: index, Type: raftpb.EntryConfChange, Data: data}
		if data, err = e.Marshal(); err != nil {
			return nil, err
		}
		batch.PutEntry(index, data)
	}
	batch.PutAttrUint64(AttrCommit, index)
	if err = batch.Commit(ctx); err != nil {
		return nil, err
	}
	span.Warnf("dictated single member group of node %d, dropped entries (%d, %d], removed %v",
		id, commit, ls.LastIndex, removed)
	return removed, nil
}
