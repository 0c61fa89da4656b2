package store

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/rdb/common/kvstore"
)

// RaftBatch groups attribute and log region writes into one synced write.
type RaftBatch struct {
	s     *Store
	batch kvstore.WriteBatch
}

func (s *Store) NewRaftBatch() *RaftBatch {
	return &RaftBatch{s: s, batch: s.raftStore.NewWriteBatch()}
}

func (b *RaftBatch) PutAttr(key string, value []byte) {
	b.batch.Put(attrCF, []byte(key), value)
}

func (b *RaftBatch) PutAttrUint64(key string, value uint64) {
	b.PutAttr(key, encodeUint64(value))
}

func (b *RaftBatch) PutEntry(index uint64, data []byte) {
	b.batch.Put(logCF, encodeLogKey(index), data)
}

// DeleteEntries removes the log entries in [lo, hi).
func (b *RaftBatch) DeleteEntries(lo, hi uint64) {
	if lo >= hi {
		return
	}
	b.batch.DeleteRange(logCF, encodeLogKey(lo), encodeLogKey(hi))
}

func (b *RaftBatch) Empty() bool {
	return b.batch.Count() == 0
}

func (b *RaftBatch) Commit(ctx context.Context) error {
	if err := b.s.raftStore.Write(ctx, b.batch); err != nil {
		return errors.Info(err, "write raft batch failed")
	}
	return nil
}

func (b *RaftBatch) Close() {
	b.batch.Close()
}

func (s *Store) GetEntry(ctx context.Context, index uint64) ([]byte, error) {
	v, err := s.raftStore.GetRaw(ctx, logCF, encodeLogKey(index), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Info(err, "get log entry failed", index)
	}
	return v, nil
}

// RangeEntries calls fn for every stored entry in [lo, hi) in index order,
// stopping at the first gap or when fn returns false.
func (s *Store) RangeEntries(ctx context.Context, lo, hi uint64, fn func(index uint64, data []byte) (bool, error)) error {
	lr := s.raftStore.List(ctx, logCF, nil, encodeLogKey(lo), nil)
	defer lr.Close()
	next := lo
	for next < hi {
		k, v, err := lr.ReadNext()
		if err != nil {
			return errors.Info(err, "read log entry failed")
		}
		if k == nil {
			return nil
		}
		index := decodeLogKey(k)
		if index != next {
			return nil
		}
		more, err := fn(index, v)
		if err != nil || !more {
			return err
		}
		next++
	}
	return nil
}

// EntryBounds returns the first and last stored log index, zero when empty.
func (s *Store) EntryBounds(ctx context.Context) (first, last uint64, err error) {
	lr := s.raftStore.List(ctx, logCF, nil, nil, nil)
	defer lr.Close()
	k, _, err := lr.ReadNext()
	if err != nil {
		return 0, 0, errors.Info(err, "read first log entry failed")
	}
	if k == nil {
		return 0, 0, nil
	}
	first = decodeLogKey(k)
	lr.SeekToLast()
	k, _, err = lr.ReadPrev()
	if err != nil {
		return 0, 0, errors.Info(err, "read last log entry failed")
	}
	if k == nil {
		return 0, 0, ErrCorrupt
	}
	return first, decodeLogKey(k), nil
}
