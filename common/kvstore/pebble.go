// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebble has no column families; every column is a key prefix made of the
// column name length followed by the name.
type (
	pebbleStore struct {
		db      *pebble.DB
		wo      *pebble.WriteOptions
		columns map[CF][]byte
	}
	pebbleReader interface {
		Get(key []byte) ([]byte, io.Closer, error)
		NewIter(o *pebble.IterOptions) *pebble.Iterator
	}
	pebbleSnapshot struct {
		snap *pebble.Snapshot
	}
	pebbleReadOption struct {
		snap *pebble.Snapshot
	}
	pebbleListReader struct {
		iter    *pebble.Iterator
		column  []byte
		pending bool
	}
	pebbleWriteBatch struct {
		s     *pebbleStore
		batch *pebble.Batch
	}
)

func newPebble(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	opts := &pebble.Options{
		DisableWAL:       option.DisableWal,
		ErrorIfNotExists: !option.CreateIfMissing,
	}
	if option.MaxOpenFiles > 0 {
		opts.MaxOpenFiles = option.MaxOpenFiles
	}
	if option.InMemory {
		opts.FS = vfs.NewMem()
		opts.ErrorIfNotExists = false
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &pebbleStore{db: db, wo: pebble.NoSync, columns: make(map[CF][]byte)}
	if option.Sync {
		s.wo = pebble.Sync
	}
	for _, col := range append([]CF{defaultCF}, option.ColumnFamily...) {
		if len(col) > 0xff {
			db.Close()
			return nil, fmt.Errorf("column name too long: %s", col)
		}
		s.columns[col] = append([]byte{byte(len(col))}, col...)
	}
	return s, nil
}

func (s *pebbleStore) column(col CF) []byte {
	if col == "" {
		col = defaultCF
	}
	prefix, ok := s.columns[col]
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return prefix
}

func (s *pebbleStore) key(col CF, key []byte) []byte {
	prefix := s.column(col)
	k := make([]byte, 0, len(prefix)+len(key))
	return append(append(k, prefix...), key...)
}

func (s *pebbleStore) reader(readOpt ReadOption) pebbleReader {
	if ro, ok := readOpt.(*pebbleReadOption); ok && ro.snap != nil {
		return ro.snap
	}
	return s.db
}

func (s *pebbleStore) NewSnapshot() Snapshot {
	return &pebbleSnapshot{snap: s.db.NewSnapshot()}
}

func (s *pebbleStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	v, closer, err := s.reader(readOpt).Get(s.key(col, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, v...), nil
}

func (s *pebbleStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.Set(s.key(col, key), value, s.wo)
}

func (s *pebbleStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	lower := s.key(col, prefix)
	lr := &pebbleListReader{
		iter: s.reader(readOpt).NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: PrefixEnd(lower),
		}),
		column:  s.column(col),
		pending: true,
	}
	if len(marker) > 0 {
		lr.iter.SeekGE(s.key(col, marker))
	} else {
		lr.iter.First()
	}
	return lr
}

func (s *pebbleStore) Write(ctx context.Context, batch WriteBatch) error {
	return batch.(*pebbleWriteBatch).batch.Commit(s.wo)
}

func (s *pebbleStore) NewReadOption() ReadOption {
	return &pebbleReadOption{}
}

func (s *pebbleStore) NewWriteBatch() WriteBatch {
	return &pebbleWriteBatch{s: s, batch: s.db.NewBatch()}
}

// FlushCF flushes every column since they share one memtable.
func (s *pebbleStore) FlushCF(ctx context.Context, col CF) error {
	return s.db.Flush()
}

func (s *pebbleStore) Stats(ctx context.Context) (Stats, error) {
	return Stats{Used: s.db.Metrics().DiskSpaceUsage()}, nil
}

func (s *pebbleStore) Close() {
	s.db.Close()
}

func (ss *pebbleSnapshot) Close() {
	ss.snap.Close()
}

func (ro *pebbleReadOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*pebbleSnapshot).snap
}

func (ro *pebbleReadOption) Close() {}

func (lr *pebbleListReader) read(step func() bool) ([]byte, []byte, error) {
	if lr.pending {
		lr.pending = false
	} else if lr.iter.Valid() {
		step()
	}
	if err := lr.iter.Error(); err != nil {
		return nil, nil, err
	}
	if !lr.iter.Valid() {
		return nil, nil, nil
	}
	key := append([]byte{}, lr.iter.Key()[len(lr.column):]...)
	return key, append([]byte{}, lr.iter.Value()...), nil
}

func (lr *pebbleListReader) ReadNext() ([]byte, []byte, error) {
	return lr.read(lr.iter.Next)
}

func (lr *pebbleListReader) ReadPrev() ([]byte, []byte, error) {
	return lr.read(lr.iter.Prev)
}

func (lr *pebbleListReader) seekKey(key []byte) []byte {
	k := make([]byte, 0, len(lr.column)+len(key)+1)
	return append(append(k, lr.column...), key...)
}

func (lr *pebbleListReader) SeekTo(key []byte) {
	lr.pending = true
	lr.iter.SeekGE(lr.seekKey(key))
}

func (lr *pebbleListReader) SeekForPrev(key []byte) error {
	lr.pending = true
	lr.iter.SeekLT(append(lr.seekKey(key), 0))
	return lr.iter.Error()
}

func (lr *pebbleListReader) SeekToLast() {
	lr.pending = true
	lr.iter.Last()
}

func (lr *pebbleListReader) Close() {
	lr.iter.Close()
}

func (w *pebbleWriteBatch) Put(col CF, key, value []byte) {
	w.batch.Set(w.s.key(col, key), value, nil)
}

func (w *pebbleWriteBatch) Delete(col CF, key []byte) {
	w.batch.Delete(w.s.key(col, key), nil)
}

func (w *pebbleWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	end := PrefixEnd(w.s.column(col))
	if endKey != nil {
		end = w.s.key(col, endKey)
	}
	w.batch.DeleteRange(w.s.key(col, startKey), end, nil)
}

func (w *pebbleWriteBatch) Count() int {
	return int(w.batch.Count())
}

func (w *pebbleWriteBatch) Close() {
	w.batch.Close()
}
