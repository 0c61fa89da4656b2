package rdb

import (
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/raft"
)

// Replicas returns the applied membership.
func (db *DB) Replicas() []Replica {
	db.genMu.RLock()
	defer db.genMu.RUnlock()
	return append([]Replica(nil), db.genMu.replicas.Replicas...)
}

// allocGen hands out a replica generation never used before in this
// database.
func (db *DB) allocGen() uint32 {
	db.genMu.Lock()
	defer db.genMu.Unlock()
	if db.genMu.replicas.NextGen > db.genMu.nextGen {
		db.genMu.nextGen = db.genMu.replicas.NextGen
	}
	gen := db.genMu.nextGen
	db.genMu.nextGen++
	return gen
}

// AddReplica adds rank with a new generation and waits until the change is
// applied. The new replica is then created with the returned identity and
// the membership from Replicas, and catches up from the leader.
func (db *DB) AddReplica(ctx context.Context, rank uint32) (Replica, error) {
	span := trace.SpanFromContextSafe(ctx)
	leader, term, _, _ := db.state()
	if !leader {
		return Replica{}, ErrNotLeader
	}
	db.genMu.RLock()
	exist := db.genMu.replicas.find(rank) >= 0
	db.genMu.RUnlock()
	if exist {
		return Replica{}, ErrExist
	}

	r := Replica{Rank: rank, Gen: db.allocGen()}
	b, err := json.Marshal(r)
	if err != nil {
		return Replica{}, err
	}
	cc := &raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: r.ID(), Context: b}
	if err = db.propose(ctx, term, nil, cc); err != nil {
		return Replica{}, err
	}
	span.Infof("db %s added replica %+v", db.uuid, r)
	return r, nil
}

// RemoveReplica removes rank and waits until the change is applied.
func (db *DB) RemoveReplica(ctx context.Context, rank uint32) error {
	span := trace.SpanFromContextSafe(ctx)
	leader, term, _, _ := db.state()
	if !leader {
		return ErrNotLeader
	}
	db.genMu.RLock()
	exist := db.genMu.replicas.find(rank) >= 0
	db.genMu.RUnlock()
	if !exist {
		return ErrNotFound
	}
	cc := &raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: Replica{Rank: rank}.ID()}
	if err := db.propose(ctx, term, nil, cc); err != nil {
		return err
	}
	span.Infof("db %s removed replica of rank %d", db.uuid, rank)
	return nil
}

// TransferLeader asks the leader to hand leadership to rank. It returns
// without waiting for the transfer.
func (db *DB) TransferLeader(ctx context.Context, rank uint32) error {
	leader, _, _, _ := db.state()
	if !leader {
		return ErrNotLeader
	}
	db.genMu.RLock()
	exist := db.genMu.replicas.find(rank) >= 0
	db.genMu.RUnlock()
	if !exist {
		return ErrNotFound
	}
	db.node.TransferLeader(ctx, Replica{Rank: rank}.ID())
	return nil
}

// IsLeader returns whether the replica leads and the term it observes.
func (db *DB) IsLeader() (bool, uint64) {
	leader, term, _, _ := db.state()
	return leader, term
}

type Stat struct {
	UUID       string     `json:"uuid"`
	Self       Replica    `json:"self"`
	Leader     bool       `json:"leader"`
	Term       uint64     `json:"term"`
	Debut      uint64     `json:"debut"`
	Applied    uint64     `json:"applied"`
	Checkpoint uint64     `json:"checkpoint"`
	Halted     string     `json:"halted,omitempty"`
	Replicas   []Replica  `json:"replicas"`
	CacheSize  int        `json:"cacheSize"`
	Raft       *raft.Stat `json:"raft"`
}

func (db *DB) Stat() *Stat {
	leader, term, debut, _ := db.state()
	st := &Stat{
		UUID:       db.uuid,
		Self:       db.self,
		Leader:     leader,
		Term:       term,
		Debut:      debut,
		Applied:    db.s.Applied(),
		Checkpoint: db.s.Checkpointed(),
		Replicas:   db.Replicas(),
		CacheSize:  db.cache.len(),
		Raft:       db.node.Stat(),
	}
	if err := db.Err(); err != nil {
		st.Halted = err.Error()
	}
	return st
}
