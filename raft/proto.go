package raft

import (
	"context"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type (
	// StateMachine is driven by the ready loop of a Node. Callbacks run on the
	// ready loop goroutine and must not call back into the Node's blocking
	// operations.
	StateMachine interface {
		// LeaderChange reports that this node stepped up (leader is true) or
		// down in term. debut is the index of the empty entry appended by the
		// new leader, zero on step down.
		LeaderChange(leader bool, term uint64, debut uint64)
		// Committed reports a new commit index. All entries up to commit are
		// durable in the log region when it is called.
		Committed(commit uint64)
		// Snapshot returns a dump of the applied state and the configuration
		// it was taken at. It is called from a background goroutine.
		Snapshot(ctx context.Context) (index uint64, cs raftpb.ConfState, data []byte, err error)
		// ApplySnapshot replaces the applied state with a snapshot received
		// from the leader.
		ApplySnapshot(ctx context.Context, meta raftpb.SnapshotMetadata, data []byte) error
	}
	// Transport delivers outgoing messages. Send must not block the caller.
	Transport interface {
		Send(ctx context.Context, group string, msgs []raftpb.Message, r Reporter)
		Close()
	}
	// Reporter receives delivery feedback from a Transport.
	Reporter interface {
		ReportUnreachable(id uint64)
		ReportSnapshot(id uint64, status raft.SnapshotStatus)
	}
	// Handler accepts inbound messages of one group.
	Handler interface {
		Step(ctx context.Context, m raftpb.Message) error
	}
	// Router finds the Handler of a group on the receiving side.
	Router interface {
		Route(group string) (Handler, bool)
	}
	AddressResolver interface {
		Resolve(nodeId uint64) (string, error)
	}
)

type (
	Stat struct {
		Id         uint64   `json:"nodeId"`
		Term       uint64   `json:"term"`
		Vote       uint64   `json:"vote"`
		Commit     uint64   `json:"commit"`
		Leader     uint64   `json:"leader"`
		RaftState  string   `json:"raftState"`
		Debut      uint64   `json:"debut"`
		FirstIndex uint64   `json:"firstIndex"`
		LastIndex  uint64   `json:"lastIndex"`
		Transferee uint64   `json:"transferee"`
		Peers      []uint64 `json:"peers"`
	}

	// LogState is the persisted raft state of a store, readable without a
	// running Node.
	LogState struct {
		HardState  raftpb.HardState `json:"hardState"`
		BaseIndex  uint64           `json:"baseIndex"`
		BaseTerm   uint64           `json:"baseTerm"`
		FirstIndex uint64           `json:"firstIndex"`
		LastIndex  uint64           `json:"lastIndex"`
	}
)
