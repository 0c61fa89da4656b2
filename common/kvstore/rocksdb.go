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

//go:build rocksdb

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		db      *rdb.DB
		opt     *rdb.Options
		ro      *rdb.ReadOptions
		wo      *rdb.WriteOptions
		fo      *rdb.FlushOptions
		columns map[CF]*rdb.ColumnFamilyHandle
	}
	rocksdbSnapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	rocksdbReadOption struct {
		opt *rdb.ReadOptions
	}
	rocksdbListReader struct {
		iter    *rdb.Iterator
		prefix  []byte
		pending bool
	}
	rocksdbWriteBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opt := rocksdbOptions(option)
	cols := append([]CF{defaultCF}, option.ColumnFamily...)
	names := make([]string, len(cols))
	opts := make([]*rdb.Options, len(cols))
	for i := range cols {
		names[i] = cols[i].String()
		opts[i] = opt
	}
	db, handles, err := rdb.OpenDbColumnFamilies(opt, path, names, opts)
	if err != nil {
		opt.Destroy()
		return nil, err
	}

	s := &rocksdb{
		db:      db,
		opt:     opt,
		ro:      rdb.NewDefaultReadOptions(),
		wo:      rdb.NewDefaultWriteOptions(),
		fo:      rdb.NewDefaultFlushOptions(),
		columns: make(map[CF]*rdb.ColumnFamilyHandle, len(cols)),
	}
	s.wo.SetSync(option.Sync)
	s.wo.DisableWAL(option.DisableWal)
	for i, h := range handles {
		s.columns[cols[i]] = h
	}
	return s, nil
}

func rocksdbOptions(option *Option) *rdb.Options {
	table := rdb.NewDefaultBlockBasedTableOptions()
	if option.BlockSize > 0 {
		table.SetBlockSize(option.BlockSize)
	}
	if option.BlockCache > 0 {
		table.SetBlockCache(rdb.NewLRUCache(option.BlockCache))
	}

	opt := rdb.NewDefaultOptions()
	opt.SetCreateIfMissing(option.CreateIfMissing)
	opt.SetCreateIfMissingColumnFamilies(true)
	opt.SetStatsDumpPeriodSec(0)
	opt.SetBlockBasedTableFactory(table)
	if option.MaxOpenFiles > 0 {
		opt.SetMaxOpenFiles(option.MaxOpenFiles)
	}
	if option.WriteBufferSize > 0 {
		opt.SetWriteBufferSize(option.WriteBufferSize)
	}
	if option.KeepLogFileNum > 0 {
		opt.SetKeepLogFileNum(option.KeepLogFileNum)
	}
	if option.MaxLogFileSize > 0 {
		opt.SetMaxLogFileSize(option.MaxLogFileSize)
	}
	if option.MaxWalLogSize > 0 {
		opt.SetMaxTotalWalSize(option.MaxWalLogSize)
	}
	return opt
}

func (s *rocksdb) column(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	h, ok := s.columns[col]
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return h
}

func (s *rocksdb) readOptions(readOpt ReadOption) *rdb.ReadOptions {
	if ro, ok := readOpt.(*rocksdbReadOption); ok {
		return ro.opt
	}
	return s.ro
}

func (s *rocksdb) NewSnapshot() Snapshot {
	return &rocksdbSnapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	v, err := s.db.GetCF(s.readOptions(readOpt), s.column(col), key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte{}, v.Data()...), nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.PutCF(s.wo, s.column(col), key, value)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	iter := s.db.NewIteratorCF(s.readOptions(readOpt), s.column(col))
	switch {
	case len(marker) > 0:
		iter.Seek(marker)
	case prefix != nil:
		iter.Seek(prefix)
	default:
		iter.SeekToFirst()
	}
	return &rocksdbListReader{iter: iter, prefix: prefix, pending: true}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.wo, batch.(*rocksdbWriteBatch).batch)
}

func (s *rocksdb) NewReadOption() ReadOption {
	return &rocksdbReadOption{opt: rdb.NewDefaultReadOptions()}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &rocksdbWriteBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	return s.db.FlushCF(s.fo, s.column(col))
}

func (s *rocksdb) Stats(ctx context.Context) (Stats, error) {
	var used uint64
	for _, f := range s.db.GetLiveFilesMetaData() {
		used += uint64(f.Size)
	}
	return Stats{Used: used}, nil
}

func (s *rocksdb) Close() {
	for _, h := range s.columns {
		h.Destroy()
	}
	s.db.Close()
	s.wo.Destroy()
	s.ro.Destroy()
	s.fo.Destroy()
	s.opt.Destroy()
}

// lastKey returns a key past every key of the column, nil when it is empty.
func (s *rocksdb) lastKey(col CF) []byte {
	iter := s.db.NewIteratorCF(s.ro, s.column(col))
	defer iter.Close()
	iter.SeekToLast()
	if !iter.Valid() {
		return nil
	}
	k := iter.Key()
	defer k.Free()
	return append(append([]byte{}, k.Data()...), 0)
}

func (ss *rocksdbSnapshot) Close() {
	ss.db.ReleaseSnapshot(ss.snap)
}

func (ro *rocksdbReadOption) SetSnapShot(snap Snapshot) {
	ro.opt.SetSnapshot(snap.(*rocksdbSnapshot).snap)
}

func (ro *rocksdbReadOption) Close() {
	ro.opt.Destroy()
}

func (lr *rocksdbListReader) read(step func()) ([]byte, []byte, error) {
	if lr.pending {
		lr.pending = false
	} else if lr.iter.Valid() {
		step()
	}
	if err := lr.iter.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iter.Valid() || (lr.prefix != nil && !lr.iter.ValidForPrefix(lr.prefix)) {
		return nil, nil, nil
	}
	k, v := lr.iter.Key(), lr.iter.Value()
	defer k.Free()
	defer v.Free()
	return append([]byte{}, k.Data()...), append([]byte{}, v.Data()...), nil
}

func (lr *rocksdbListReader) ReadNext() ([]byte, []byte, error) {
	return lr.read(lr.iter.Next)
}

func (lr *rocksdbListReader) ReadPrev() ([]byte, []byte, error) {
	return lr.read(lr.iter.Prev)
}

func (lr *rocksdbListReader) SeekTo(key []byte) {
	lr.pending = true
	lr.iter.Seek(key)
}

func (lr *rocksdbListReader) SeekForPrev(key []byte) error {
	lr.pending = true
	lr.iter.SeekForPrev(key)
	return lr.iter.Err()
}

func (lr *rocksdbListReader) SeekToLast() {
	lr.pending = true
	if end := PrefixEnd(lr.prefix); end != nil {
		if lr.iter.Seek(end); lr.iter.Valid() {
			lr.iter.Prev()
			return
		}
	}
	lr.iter.SeekToLast()
}

func (lr *rocksdbListReader) Close() {
	lr.iter.Close()
}

func (w *rocksdbWriteBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.column(col), key, value)
}

func (w *rocksdbWriteBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.column(col), key)
}

func (w *rocksdbWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	if endKey == nil {
		if endKey = w.s.lastKey(col); endKey == nil {
			return
		}
	}
	w.batch.DeleteRangeCF(w.s.column(col), startKey, endKey)
}

func (w *rocksdbWriteBatch) Count() int {
	return w.batch.Count()
}

func (w *rocksdbWriteBatch) Close() {
	w.batch.Destroy()
}
