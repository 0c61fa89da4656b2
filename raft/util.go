package raft

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// readIDs hands out the request contexts of read index calls. An id is the
// low 16 bits of the node id, then 40 bits of the start time in
// milliseconds, then a counter, so ids of a restarted node do not collide
// with requests still in flight from its previous run.
type readIDs struct {
	base uint64
	seq  uint64
}

func newReadIDs(nodeID uint64, start time.Time) *readIDs {
	ms := uint64(start.UnixMilli()) & (1<<40 - 1)
	return &readIDs{base: nodeID<<48 | ms<<8}
}

func (r *readIDs) next() uint64 {
	return r.base + atomic.AddUint64(&r.seq, 1)
}

func encodeReadID(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func decodeReadID(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

type readResult struct {
	index uint64
	err   error
}

// readWaiter receives the single result of a read index call.
type readWaiter chan readResult

func newReadWaiter() readWaiter {
	return make(readWaiter, 1)
}

func (w readWaiter) done(ret readResult) {
	select {
	case w <- ret:
	default:
	}
}

func (w readWaiter) wait(ctx context.Context) (readResult, error) {
	select {
	case <-ctx.Done():
		return readResult{}, ctx.Err()
	case ret := <-w:
		return ret, nil
	}
}

func setDefault[T int | uint32 | uint64 | time.Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}
