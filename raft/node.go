package raft

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/store"
)

const (
	defaultTickIntervalMs  = 100
	defaultElectionTick    = 10
	defaultHeartbeatTick   = 1
	defaultMaxSizePerMsg   = 1 << 20
	defaultMaxInflightMsgs = 256
)

type Config struct {
	TickIntervalMs  uint32 `json:"tick_interval_ms"`
	ElectionTick    int    `json:"election_tick"`
	HeartbeatTick   int    `json:"heartbeat_tick"`
	UseLeases       bool   `json:"use_leases"`
	MaxSizePerMsg   uint64 `json:"max_size_per_msg"`
	MaxInflightMsgs int    `json:"max_inflight_msgs"`

	ID        uint64           `json:"-"`
	Group     string           `json:"-"`
	Applied   uint64           `json:"-"`
	ConfState raftpb.ConfState `json:"-"`
	Store     *store.Store     `json:"-"`
	Transport Transport        `json:"-"`
	SM        StateMachine     `json:"-"`
}

// Node drives one etcd raft instance. All access to the raft instance is
// serialized by rawNodeMu, the ready loop persists and sends what the
// instance produces and reports leadership and commit progress to the
// state machine.
type Node struct {
	cfg     Config
	id      uint64
	storage *storage

	rawNodeMu struct {
		sync.Mutex
		rawNode *raft.RawNode
		// observed leadership, guarded by rawNodeMu
		leader   bool
		term     uint64
		raftTerm uint64
		debut    uint64
	}
	unreachableMu struct {
		sync.Mutex
		remotes map[uint64]struct{}
	}

	committed    uint64
	readWaiters  *xsync.MapOf[uint64, readWaiter]
	readIDs      *readIDs
	readyC       chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	started      int32
	wg           sync.WaitGroup
	haltErr      atomic.Value
	tickInterval time.Duration
}

func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	span := trace.SpanFromContextSafe(ctx)
	c := *cfg
	setDefault(&c.TickIntervalMs, defaultTickIntervalMs)
	setDefault(&c.ElectionTick, defaultElectionTick)
	setDefault(&c.HeartbeatTick, defaultHeartbeatTick)
	setDefault(&c.MaxSizePerMsg, defaultMaxSizePerMsg)
	setDefault(&c.MaxInflightMsgs, defaultMaxInflightMsgs)
	if c.ID == 0 || c.Store == nil || c.Transport == nil || c.SM == nil {
		return nil, errors.New("invalid raft node config")
	}

	st, err := newStorage(ctx, c.Store, c.SM, c.ConfState)
	if err != nil {
		return nil, errors.Info(err, "new raft storage failed")
	}
	rc := &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   st,
		Applied:                   c.Applied,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               true,
		PreVote:                   true,
		DisableProposalForwarding: true,
		Logger:                    raftLogger{},
	}
	if c.UseLeases {
		rc.ReadOnlyOption = raft.ReadOnlyLeaseBased
	}
	rawNode, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, errors.Info(err, "new raw node failed")
	}

	n := &Node{
		cfg:          c,
		id:           c.ID,
		storage:      st,
		committed:    st.hardState.Commit,
		readWaiters:  xsync.NewMapOf[uint64, readWaiter](),
		readIDs:      newReadIDs(c.ID, time.Now()),
		readyC:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		tickInterval: time.Duration(c.TickIntervalMs) * time.Millisecond,
	}
	n.rawNodeMu.rawNode = rawNode
	n.rawNodeMu.raftTerm = st.hardState.Term
	span.Infof("raft node %d of group %s created, hard state: %+v, conf state: %+v, applied: %d",
		c.ID, c.Group, st.hardState, c.ConfState, c.Applied)
	return n, nil
}

// Start runs the ready loop. A node that is the only voter campaigns at once.
func (n *Node) Start() {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return
	}
	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		voters := rn.Status().Config.Voters.IDs()
		if _, ok := voters[n.id]; ok && len(voters) == 1 {
			return rn.Campaign()
		}
		return nil
	})
	n.wg.Add(1)
	go n.run()
	n.signal()
}

// Stop terminates the ready loop. Pending read index requests fail with
// ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		n.storage.stopSnapshots()
		n.failReads(ErrStopped)
	})
}

func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) WithRaftRawNodeLocked(f func(rn *raft.RawNode) error) error {
	n.rawNodeMu.Lock()
	defer n.rawNodeMu.Unlock()

	return f(n.rawNodeMu.rawNode)
}

// Propose appends data as a normal entry in term. onIndex is called with the
// index of the entry before any ready processing may commit it.
func (n *Node) Propose(ctx context.Context, term uint64, data []byte, onIndex func(index uint64)) (uint64, error) {
	return n.propose(term, func(rn *raft.RawNode) error {
		return rn.Propose(data)
	}, onIndex)
}

// ProposeConfChange appends a configuration change in term. The raft library
// replaces it with an empty normal entry while another conf change is pending.
func (n *Node) ProposeConfChange(ctx context.Context, term uint64, cc raftpb.ConfChange, onIndex func(index uint64)) (uint64, error) {
	return n.propose(term, func(rn *raft.RawNode) error {
		return rn.ProposeConfChange(cc)
	}, onIndex)
}

func (n *Node) propose(term uint64, f func(rn *raft.RawNode) error, onIndex func(index uint64)) (uint64, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	n.rawNodeMu.Lock()
	if !n.rawNodeMu.leader || n.rawNodeMu.term != term {
		n.rawNodeMu.Unlock()
		return 0, ErrNotLeader
	}
	rn := n.rawNodeMu.rawNode
	if err := f(rn); err != nil {
		n.rawNodeMu.Unlock()
		if err == raft.ErrProposalDropped {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	// the leader's own progress follows its log on append
	index := rn.Status().Progress[n.id].Match
	if onIndex != nil {
		onIndex(index)
	}
	n.rawNodeMu.Unlock()
	n.signal()
	return index, nil
}

// ApplyConfChange applies a committed conf change to the raft instance.
func (n *Node) ApplyConfChange(cc raftpb.ConfChange) raftpb.ConfState {
	var cs raftpb.ConfState
	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		cs = *rn.ApplyConfChange(cc)
		return nil
	})
	n.storage.setConfState(cs)
	n.signal()
	return cs
}

// ReadIndex confirms leadership of term with a quorum, or with the leader
// lease when leases are in use, and returns the commit index a read must
// wait to be applied.
func (n *Node) ReadIndex(ctx context.Context, term uint64) (uint64, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	id := n.readIDs.next()
	w := newReadWaiter()
	n.readWaiters.Store(id, w)
	defer n.readWaiters.Delete(id)

	err := n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		if !n.rawNodeMu.leader || n.rawNodeMu.term != term {
			return ErrNotLeader
		}
		rn.ReadIndex(encodeReadID(id))
		return nil
	})
	if err != nil {
		return 0, err
	}
	n.signal()

	ret, err := w.wait(ctx)
	if err != nil {
		return 0, err
	}
	return ret.index, ret.err
}

// Step feeds an inbound message into the raft instance.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if m.To != n.id {
		return ErrGroupHandleRaftMessage
	}
	err := n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		return rn.Step(m)
	})
	if err != nil {
		if err == raft.ErrStepPeerNotFound {
			trace.SpanFromContextSafe(ctx).Debugf("drop message %s from removed peer %d", m.Type, m.From)
			return nil
		}
		return err
	}
	n.signal()
	return nil
}

func (n *Node) TransferLeader(ctx context.Context, to uint64) {
	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		rn.TransferLeader(to)
		return nil
	})
	n.signal()
}

func (n *Node) Campaign(ctx context.Context) error {
	err := n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		return rn.Campaign()
	})
	n.signal()
	return err
}

// Demote makes the node observe a newer term from an unknown peer, forcing
// a step down. The node campaigns again after an election timeout.
func (n *Node) Demote(ctx context.Context) {
	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		st := rn.BasicStatus()
		return rn.Step(raftpb.Message{
			Type: raftpb.MsgHeartbeat,
			From: demoteFrom,
			To:   n.id,
			Term: st.Term + 1,
		})
	})
	n.signal()
}

const demoteFrom = uint64(1) << 63

// Compact drops the log entries up to index.
func (n *Node) Compact(ctx context.Context, index uint64) error {
	return n.storage.Truncate(ctx, index)
}

// ReportUnreachable records an unreachable remote, reported on the next tick.
func (n *Node) ReportUnreachable(id uint64) {
	n.unreachableMu.Lock()
	if n.unreachableMu.remotes == nil {
		n.unreachableMu.remotes = make(map[uint64]struct{})
	}
	n.unreachableMu.remotes[id] = struct{}{}
	n.unreachableMu.Unlock()
}

func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		rn.ReportSnapshot(id, status)
		return nil
	})
	n.signal()
}

// State returns whether the node is leader and the term it observes.
func (n *Node) State() (bool, uint64) {
	n.rawNodeMu.Lock()
	defer n.rawNodeMu.Unlock()
	return n.rawNodeMu.leader, n.rawNodeMu.raftTerm
}

func (n *Node) LogState() LogState {
	return n.storage.logState()
}

func (n *Node) Stat() *Stat {
	n.rawNodeMu.Lock()
	st := n.rawNodeMu.rawNode.Status()
	debut := n.rawNodeMu.debut
	n.rawNodeMu.Unlock()

	ls := n.storage.logState()
	peers := make([]uint64, 0, len(st.Config.Voters.IDs()))
	for id := range st.Config.Voters.IDs() {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return &Stat{
		Id:         st.ID,
		Term:       st.Term,
		Vote:       st.Vote,
		Commit:     st.Commit,
		Leader:     st.Lead,
		RaftState:  st.RaftState.String(),
		Debut:      debut,
		FirstIndex: ls.FirstIndex,
		LastIndex:  ls.LastIndex,
		Transferee: st.LeadTransferee,
		Peers:      peers,
	}
}

// Err returns the error that halted the ready loop, if any.
func (n *Node) Err() error {
	if v := n.haltErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (n *Node) checkRunning() error {
	if err := n.Err(); err != nil {
		return err
	}
	select {
	case <-n.done:
		return ErrStopped
	default:
		return nil
	}
}

func (n *Node) signal() {
	select {
	case n.readyC <- struct{}{}:
	default:
	}
}

func (n *Node) run() {
	defer n.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "raft-"+n.cfg.Group)
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.tick()
		case <-n.readyC:
		}
		if err := n.processReady(ctx); err != nil {
			span.Errorf("raft node %d halted: %s", n.id, errors.Detail(err))
			n.haltErr.Store(err)
			n.stepDown(ctx, err)
			return
		}
	}
}

func (n *Node) tick() {
	n.unreachableMu.Lock()
	remotes := n.unreachableMu.remotes
	n.unreachableMu.remotes = nil
	n.unreachableMu.Unlock()

	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		for remote := range remotes {
			rn.ReportUnreachable(remote)
		}
		rn.Tick()
		return nil
	})
}

func (n *Node) processReady(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	n.rawNodeMu.Lock()
	rn := n.rawNodeMu.rawNode
	if !rn.HasReady() {
		n.rawNodeMu.Unlock()
		return nil
	}
	rd := rn.Ready()

	leader := n.rawNodeMu.leader
	if rd.SoftState != nil {
		leader = rd.SoftState.RaftState == raft.StateLeader
	}
	term := n.rawNodeMu.raftTerm
	if !raft.IsEmptyHardState(rd.HardState) {
		term = rd.HardState.Term
	}
	stepDown := n.rawNodeMu.leader && (!leader || term != n.rawNodeMu.term)
	if stepDown {
		n.rawNodeMu.leader, n.rawNodeMu.debut = false, 0
	}
	stepUp := leader && !n.rawNodeMu.leader
	if stepUp {
		debut := uint64(0)
		for i := range rd.Entries {
			e := &rd.Entries[i]
			if e.Term == term && e.Type == raftpb.EntryNormal && len(e.Data) == 0 {
				debut = e.Index
				break
			}
		}
		if debut == 0 {
			debut = rn.Status().Progress[n.id].Match
		}
		n.rawNodeMu.leader, n.rawNodeMu.term, n.rawNodeMu.debut = true, term, debut
	}
	oldTerm, debut := n.rawNodeMu.term, n.rawNodeMu.debut
	n.rawNodeMu.raftTerm = term
	n.rawNodeMu.Unlock()

	if stepDown {
		span.Infof("node %d stepped down from term %d, now term %d", n.id, oldTerm, term)
		n.failReads(ErrNotLeader)
		n.cfg.SM.LeaderChange(false, term, 0)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		meta := rd.Snapshot.Metadata
		span.Infof("install snapshot at index %d term %d", meta.Index, meta.Term)
		if err := n.cfg.SM.ApplySnapshot(ctx, meta, rd.Snapshot.Data); err != nil {
			return errors.Info(err, "apply snapshot failed")
		}
		if err := n.storage.ApplySnapshot(ctx, rd.Snapshot); err != nil {
			return errors.Info(err, "save snapshot failed")
		}
	}
	if err := n.storage.Save(ctx, rd.HardState, rd.Entries); err != nil {
		return errors.Info(err, "save hard state and entries failed")
	}
	if len(rd.Messages) > 0 {
		n.cfg.Transport.Send(ctx, n.cfg.Group, rd.Messages, n)
	}
	for _, rs := range rd.ReadStates {
		id, ok := decodeReadID(rs.RequestCtx)
		if !ok {
			continue
		}
		if w, ok := n.readWaiters.LoadAndDelete(id); ok {
			w.done(readResult{index: rs.Index})
		}
	}
	if stepUp {
		span.Infof("node %d stepped up in term %d, debut index %d", n.id, term, debut)
		n.cfg.SM.LeaderChange(true, term, debut)
	}
	if commit := rd.HardState.Commit; commit > n.committed {
		n.committed = commit
		n.cfg.SM.Committed(commit)
	}

	n.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
		rn.Advance(rd)
		return nil
	})
	return nil
}

// stepDown is called when the ready loop halts.
func (n *Node) stepDown(ctx context.Context, err error) {
	n.rawNodeMu.Lock()
	leader, term := n.rawNodeMu.leader, n.rawNodeMu.raftTerm
	n.rawNodeMu.leader, n.rawNodeMu.debut = false, 0
	n.rawNodeMu.Unlock()
	n.failReads(err)
	if leader {
		n.cfg.SM.LeaderChange(false, term, 0)
	}
}

func (n *Node) failReads(err error) {
	n.readWaiters.Range(func(id uint64, w readWaiter) bool {
		if _, ok := n.readWaiters.LoadAndDelete(id); ok {
			w.done(readResult{err: err})
		}
		return true
	})
}
