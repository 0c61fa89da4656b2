package rdb

import (
	"context"
	"encoding/json"
	"sort"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/store"
)

// Replica identifies one member. A rank leaving and joining again gets a new
// generation.
type Replica struct {
	Rank uint32 `json:"rank"`
	Gen  uint32 `json:"gen"`
}

// ID is the raft node id of the replica.
func (r Replica) ID() uint64 {
	return uint64(r.Rank) + 1
}

func rankOf(id uint64) uint32 {
	return uint32(id - 1)
}

// replicaSet is persisted with every applied membership change.
type replicaSet struct {
	Replicas []Replica `json:"replicas"`
	NextGen  uint32    `json:"next_gen"`
}

func newReplicaSet(replicas []Replica) *replicaSet {
	rs := &replicaSet{}
	for _, r := range replicas {
		rs.add(r)
	}
	return rs
}

func decodeReplicaSet(b []byte) (*replicaSet, error) {
	rs := &replicaSet{}
	if len(b) == 0 {
		return rs, nil
	}
	if err := json.Unmarshal(b, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

type replicaSource interface {
	Replicas(ctx context.Context) ([]byte, error)
}

func loadReplicaSet(ctx context.Context, src replicaSource) (*replicaSet, error) {
	b, err := src.Replicas(ctx)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	return decodeReplicaSet(b)
}

func (rs *replicaSet) encode() []byte {
	b, _ := json.Marshal(rs)
	return b
}

func (rs *replicaSet) clone() *replicaSet {
	return &replicaSet{
		Replicas: append([]Replica(nil), rs.Replicas...),
		NextGen:  rs.NextGen,
	}
}

func (rs *replicaSet) find(rank uint32) int {
	for i, r := range rs.Replicas {
		if r.Rank == rank {
			return i
		}
	}
	return -1
}

func (rs *replicaSet) add(r Replica) {
	if rs.find(r.Rank) < 0 {
		rs.Replicas = append(rs.Replicas, r)
		sort.Slice(rs.Replicas, func(i, j int) bool { return rs.Replicas[i].Rank < rs.Replicas[j].Rank })
	}
	if r.Gen >= rs.NextGen {
		rs.NextGen = r.Gen + 1
	}
}

func (rs *replicaSet) remove(rank uint32) bool {
	i := rs.find(rank)
	if i < 0 {
		return false
	}
	rs.Replicas = append(rs.Replicas[:i], rs.Replicas[i+1:]...)
	return true
}

func (rs *replicaSet) voters() []uint64 {
	ids := make([]uint64, 0, len(rs.Replicas))
	for _, r := range rs.Replicas {
		ids = append(ids, r.ID())
	}
	return ids
}

func (rs *replicaSet) confState() raftpb.ConfState {
	return raftpb.ConfState{Voters: rs.voters()}
}
