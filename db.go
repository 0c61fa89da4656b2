package rdb

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/metrics"
	"github.com/cubefs/rdb/raft"
	"github.com/cubefs/rdb/store"
)

// waiter receives the apply result of one appended entry.
type waiter struct {
	term  uint64
	index uint64
	conf  bool
	ch    chan error
}

func newWaiter(term uint64, conf bool) *waiter {
	return &waiter{term: term, conf: conf, ch: make(chan error, 1)}
}

func (w *waiter) done(err error) {
	select {
	case w.ch <- err:
	default:
	}
}

// DB is a started replica. It drives the raft node, applies committed
// entries in index order and serves transactions while it leads.
type DB struct {
	uuid string
	self Replica
	cfg  Config
	st   *Storage
	s    *store.Store
	node *raft.Node

	cache     *pathCache
	compactor *compactor

	stateMu struct {
		sync.Mutex
		leader bool
		term   uint64
		debut  uint64
		// changed is closed on any change of leadership or applied index
		changed chan struct{}
	}
	genMu struct {
		sync.RWMutex
		replicas *replicaSet
		nextGen  uint32
	}

	commit  uint64
	commitC chan struct{}
	// applyMu serializes index application with snapshot installation
	applyMu sync.Mutex
	results *xsync.MapOf[uint64, *waiter]

	haltErr  atomic.Value
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// applyHook is called before each index is applied
	applyHook func(index uint64)
}

// Start runs the replica: the raft node, the apply loop and the compactor.
// The DB registers in cfg.Registry under its uuid so that inbound raft
// messages reach it.
func (st *Storage) Start(ctx context.Context, cfg *Config) (*DB, error) {
	span := trace.SpanFromContextSafe(ctx)
	c := *cfg
	c.fillDefaults()
	if c.Transport == nil {
		return nil, errors.New("raft transport is not set")
	}
	rs, err := loadReplicaSet(ctx, st.s)
	if err != nil {
		return nil, err
	}
	ls, err := raft.LoadLogState(ctx, st.s)
	if err != nil {
		return nil, err
	}

	db := &DB{
		uuid:    st.uuid,
		self:    st.self,
		cfg:     c,
		st:      st,
		s:       st.s,
		cache:   newPathCache(st.uuid, c.CacheCapacity),
		commit:  ls.HardState.Commit,
		commitC: make(chan struct{}, 1),
		results: xsync.NewMapOf[uint64, *waiter](),
		done:    make(chan struct{}),
	}
	db.stateMu.changed = make(chan struct{})
	db.genMu.replicas = rs
	db.genMu.nextGen = rs.NextGen

	rc := c.Raft
	rc.ID = st.self.ID()
	rc.Group = st.uuid
	rc.Applied = st.s.Applied()
	rc.ConfState = rs.confState()
	rc.Store = st.s
	rc.Transport = c.Transport
	rc.SM = db
	if db.node, err = raft.NewNode(ctx, &rc); err != nil {
		return nil, err
	}
	if err = c.Registry.Register(db); err != nil {
		return nil, err
	}
	db.compactor = newCompactor(db)

	db.wg.Add(2)
	go db.applyLoop()
	go db.compactor.run()
	db.node.Start()
	db.signalCommit()
	metrics.AppliedIndex.WithLabelValues(db.uuid).Set(float64(st.s.Applied()))
	span.Infof("db %s replica %+v started, applied: %d, commit: %d, replicas: %+v",
		db.uuid, db.self, st.s.Applied(), ls.HardState.Commit, rs.Replicas)
	return db, nil
}

// Stop halts all activity and returns the storage. Transactions still
// blocked in the DB fail with ErrStopped.
func (db *DB) Stop(ctx context.Context) *Storage {
	db.stopOnce.Do(func() {
		span := trace.SpanFromContextSafe(ctx)
		db.cfg.Registry.Deregister(db)
		close(db.done)
		db.node.Stop()
		db.wg.Wait()
		db.cancelWaiters(ErrStopped)
		db.broadcast()
		metrics.Forget(db.uuid)
		span.Infof("db %s replica %+v stopped, applied: %d", db.uuid, db.self, db.s.Applied())
	})
	return db.st
}

func (db *DB) UUID() string {
	return db.uuid
}

func (db *DB) Self() Replica {
	return db.self
}

// Err returns the error that halted the replica, if any.
func (db *DB) Err() error {
	if v := db.haltErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Step implements raft.Handler.
func (db *DB) Step(ctx context.Context, m raftpb.Message) error {
	return db.node.Step(ctx, m)
}

// LeaderChange implements raft.StateMachine.
func (db *DB) LeaderChange(leader bool, term uint64, debut uint64) {
	db.stateMu.Lock()
	db.stateMu.leader, db.stateMu.term, db.stateMu.debut = leader, term, debut
	close(db.stateMu.changed)
	db.stateMu.changed = make(chan struct{})
	db.stateMu.Unlock()

	if !leader {
		db.cancelWaiters(ErrNotLeader)
		metrics.IsLeader.WithLabelValues(db.uuid).Set(0)
		return
	}
	metrics.IsLeader.WithLabelValues(db.uuid).Set(1)
}

// Committed implements raft.StateMachine.
func (db *DB) Committed(commit uint64) {
	atomic.StoreUint64(&db.commit, commit)
	metrics.CommitIndex.WithLabelValues(db.uuid).Set(float64(commit))
	db.signalCommit()
}

// Snapshot implements raft.StateMachine with a dump of the applied state.
func (db *DB) Snapshot(ctx context.Context) (uint64, raftpb.ConfState, []byte, error) {
	r, err := db.s.NewReader(ctx)
	if err != nil {
		return 0, raftpb.ConfState{}, nil, err
	}
	defer r.Close()
	rs, err := loadReplicaSet(ctx, r)
	if err != nil {
		return 0, raftpb.ConfState{}, nil, err
	}
	data, err := db.s.Dump(ctx, r)
	if err != nil {
		return 0, raftpb.ConfState{}, nil, err
	}
	return r.Applied(), rs.confState(), data, nil
}

// ApplySnapshot implements raft.StateMachine. The object region, applied
// index and membership are replaced and the path cache starts over.
func (db *DB) ApplySnapshot(ctx context.Context, meta raftpb.SnapshotMetadata, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	db.applyMu.Lock()
	defer db.applyMu.Unlock()

	applied, err := db.s.Load(ctx, data)
	if err != nil {
		return err
	}
	if applied != meta.Index {
		span.Warnf("snapshot data applied index %d differs from snapshot index %d", applied, meta.Index)
	}
	rs, err := loadReplicaSet(ctx, db.s)
	if err != nil {
		return err
	}
	db.genMu.Lock()
	db.genMu.replicas = rs
	if rs.NextGen > db.genMu.nextGen {
		db.genMu.nextGen = rs.NextGen
	}
	db.genMu.Unlock()
	db.cache.reset(applied)
	db.broadcast()
	metrics.AppliedIndex.WithLabelValues(db.uuid).Set(float64(applied))
	span.Infof("db %s installed snapshot at index %d, replicas: %+v", db.uuid, applied, rs.Replicas)
	return nil
}

// state returns the observed leadership and a channel closed on its next
// change or on the next applied index.
func (db *DB) state() (leader bool, term, debut uint64, changed <-chan struct{}) {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return db.stateMu.leader, db.stateMu.term, db.stateMu.debut, db.stateMu.changed
}

func (db *DB) broadcast() {
	db.stateMu.Lock()
	close(db.stateMu.changed)
	db.stateMu.changed = make(chan struct{})
	db.stateMu.Unlock()
}

func (db *DB) checkRunning() error {
	if err := db.Err(); err != nil {
		return ErrHalted
	}
	select {
	case <-db.done:
		return ErrStopped
	default:
		return nil
	}
}

// checkTerm fails unless the replica still leads term.
func (db *DB) checkTerm(term uint64) error {
	if err := db.checkRunning(); err != nil {
		return err
	}
	leader, cur, _, _ := db.state()
	if !leader || cur != term {
		return ErrNotLeader
	}
	return nil
}

// waitApplied blocks until index is applied while the replica leads term.
func (db *DB) waitApplied(ctx context.Context, term, index uint64) error {
	for {
		if err := db.checkRunning(); err != nil {
			return err
		}
		leader, cur, _, changed := db.state()
		if !leader || cur != term {
			return ErrNotLeader
		}
		if db.s.Applied() >= index {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-db.done:
			return ErrStopped
		}
	}
}

// propose appends data, or cc when set, in term and waits for its result.
// Once appended the entry may still apply, so ctx only bounds the append and
// the wait ends with a result for the entry or with the DB stopping.
func (db *DB) propose(ctx context.Context, term uint64, data []byte, cc *raftpb.ConfChange) error {
	w := newWaiter(term, cc != nil)
	register := func(index uint64) {
		w.index = index
		db.results.Store(index, w)
	}
	var err error
	if cc != nil {
		_, err = db.node.ProposeConfChange(ctx, term, *cc, register)
	} else {
		_, err = db.node.Propose(ctx, term, data, register)
	}
	if err != nil {
		return convertError(err)
	}
	defer db.results.Compute(w.index, func(old *waiter, loaded bool) (*waiter, bool) {
		return old, !loaded || old == w
	})

	select {
	case err = <-w.ch:
		return err
	case <-db.done:
		return ErrStopped
	}
}

// finish hands the result of index to its waiter. A waiter whose entry was
// replaced by another leader's entry fails with ErrNotLeader.
func (db *DB) finish(index uint64, e *raftpb.Entry, result error) {
	w, ok := db.results.LoadAndDelete(index)
	if !ok {
		return
	}
	switch {
	case w.term != e.Term:
		w.done(ErrNotLeader)
	case w.conf && e.Type != raftpb.EntryConfChange:
		// raft turns a conf change into an empty entry while another
		// one is pending
		w.done(ErrBusy)
	default:
		w.done(result)
	}
}

func (db *DB) cancelWaiters(err error) {
	db.results.Range(func(index uint64, w *waiter) bool {
		if w, ok := db.results.LoadAndDelete(index); ok {
			w.done(err)
		}
		return true
	})
}

func (db *DB) signalCommit() {
	select {
	case db.commitC <- struct{}{}:
	default:
	}
}

// demote forces the replica to step down.
func (db *DB) demote(ctx context.Context) {
	db.node.Demote(ctx)
}
