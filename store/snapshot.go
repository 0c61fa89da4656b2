package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/rdb/common/kvstore"
)

const snapshotVersion = 1

var (
	snapshotMagic = []byte("RDBS")
	snapshotCFs   = []kvstore.CF{dataCF, objectCF, localCF}
)

// Dump serializes the kv store as seen by r. The dump covers r.Applied().
func (s *Store) Dump(ctx context.Context, r *Reader) ([]byte, error) {
	span := trace.SpanFromContextSafe(ctx)
	buf := bytes.NewBuffer(nil)
	buf.Write(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	var (
		lenBuf [binary.MaxVarintLen64]byte
		count  int
	)
	for i, cf := range snapshotCFs {
		lr := s.kvStore.List(ctx, cf, nil, nil, r.ro)
		for {
			k, v, err := lr.ReadNext()
			if err != nil {
				lr.Close()
				return nil, errors.Info(err, "dump read failed", cf)
			}
			if k == nil {
				break
			}
			buf.WriteByte(byte(i))
			buf.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(k)))])
			buf.Write(k)
			buf.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(v)))])
			buf.Write(v)
			count++
		}
		lr.Close()
	}
	span.Infof("dumped %d records at applied index %d, size: %d", count, r.Applied(), buf.Len())
	return buf.Bytes(), nil
}

type dumpRecord struct {
	cf    kvstore.CF
	key   []byte
	value []byte
}

func decodeDump(data []byte) ([]dumpRecord, error) {
	if len(data) < len(snapshotMagic)+1 || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, ErrCorrupt
	}
	if data[len(snapshotMagic)] != snapshotVersion {
		return nil, ErrCorrupt
	}
	data = data[len(snapshotMagic)+1:]
	var records []dumpRecord
	readBytes := func() ([]byte, bool) {
		n, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < n {
			return nil, false
		}
		b := data[sz : sz+int(n)]
		data = data[sz+int(n):]
		return b, true
	}
	for len(data) > 0 {
		i := int(data[0])
		if i >= len(snapshotCFs) {
			return nil, ErrCorrupt
		}
		data = data[1:]
		k, ok := readBytes()
		if !ok {
			return nil, ErrCorrupt
		}
		v, ok := readBytes()
		if !ok {
			return nil, ErrCorrupt
		}
		records = append(records, dumpRecord{cf: snapshotCFs[i], key: k, value: v})
	}
	return records, nil
}

// Load replaces the kv store content with a dump and makes it durable.
func (s *Store) Load(ctx context.Context, data []byte) (uint64, error) {
	records, err := decodeDump(data)
	if err != nil {
		return 0, err
	}
	if !atomic.CompareAndSwapInt32(&s.writing, 0, 1) {
		return 0, errors.New("another index writer is in progress")
	}
	defer atomic.StoreInt32(&s.writing, 0)

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for _, cf := range snapshotCFs {
		batch.DeleteRange(cf, nil, nil)
	}
	var applied uint64
	for _, r := range records {
		batch.Put(r.cf, r.key, r.value)
		if r.cf == localCF && string(r.key) == localApplied {
			applied = decodeUint64(r.value)
		}
	}
	if err = s.kvStore.Write(ctx, batch); err != nil {
		return 0, errors.Info(err, "load dump failed")
	}
	atomic.StoreUint64(&s.applied, applied)
	atomic.StoreUint64(&s.checkpoint, 0)
	if _, err = s.Checkpoint(ctx); err != nil {
		return 0, err
	}
	trace.SpanFromContextSafe(ctx).Infof("loaded %d records, applied index %d", len(records), applied)
	return applied, nil
}
