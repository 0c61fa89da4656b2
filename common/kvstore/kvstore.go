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
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	PebbleLsmKVType  = LsmKVType("pebble")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	// Store is an LSM engine split into named columns. A nil ReadOption
	// reads the latest state.
	Store interface {
		NewSnapshot() Snapshot
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		// List returns a reader positioned at marker, or at the first key with the
		// given prefix when marker is empty. A nil prefix lists the whole column.
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		NewReadOption() ReadOption
		NewWriteBatch() WriteBatch
		FlushCF(ctx context.Context, col CF) error
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	// ListReader walks the keys of one column. After any seek, the first
	// ReadNext or ReadPrev returns the entry under the cursor; later calls step
	// first and then return. A nil key means the reader ran out of range.
	// Returned keys and values are copies.
	ListReader interface {
		ReadNext() (key []byte, value []byte, err error)
		ReadPrev() (key []byte, value []byte, err error)
		// SeekTo positions at the first key >= key.
		SeekTo(key []byte)
		// SeekForPrev positions at the last key <= key.
		SeekForPrev(key []byte) error
		SeekToLast()
		Close()
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}
	// WriteBatch is applied atomically by Store.Write.
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		// DeleteRange removes [startKey, endKey); a nil endKey reaches the
		// end of the column.
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used uint64
	}
	// Option is shared by both engines unless noted.
	Option struct {
		Sync            bool `json:"sync"`
		DisableWal      bool `json:"disable_wal"`
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool `json:"create_if_missing"`
		// InMemory keeps all files in memory, pebble only.
		InMemory     bool `json:"in_memory"`
		MaxOpenFiles int  `json:"max_open_files"`
		// rocksdb only
		BlockSize       int    `json:"block_size"`
		BlockCache      uint64 `json:"block_cache"`
		WriteBufferSize int    `json:"write_buffer_size"`
		KeepLogFileNum  int    `json:"keep_log_file_num"`
		MaxLogFileSize  int    `json:"max_log_file_size"`
		MaxWalLogSize   uint64 `json:"max_wal_log_size"`
	}
)

// NewKVStore opens the engine of lsmType at path, pebble when empty.
func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	case PebbleLsmKVType, "":
		return newPebble(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
