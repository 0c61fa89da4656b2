package store

import (
	"bytes"
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

const aggregateBatchSize = 1024

// Aggregate drops record versions no reader at or above upTo can observe: all
// but the newest version of every key not above upTo, punched keys, and every
// record of objects destroyed at or below upTo.
func (s *Store) Aggregate(ctx context.Context, upTo uint64) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	snap := s.kvStore.NewSnapshot()
	defer snap.Close()
	ro := s.kvStore.NewReadOption()
	defer ro.Close()
	ro.SetSnapShot(snap)

	batch := s.kvStore.NewWriteBatch()
	removed := 0
	flush := func(force bool) error {
		if batch.Count() == 0 || (!force && batch.Count() < aggregateBatchSize) {
			return nil
		}
		err := s.kvStore.Write(ctx, batch)
		batch.Close()
		batch = s.kvStore.NewWriteBatch()
		if err != nil {
			return errors.Info(err, "write aggregation failed")
		}
		return nil
	}
	defer func() { batch.Close() }()

	// objects
	deadOids := make(map[uint64]struct{})
	lr := s.kvStore.List(ctx, objectCF, nil, nil, ro)
	var (
		lastOid  uint64
		haveLast bool
		kept     bool
	)
	for {
		k, v, err := lr.ReadNext()
		if err != nil {
			lr.Close()
			return removed, errors.Info(err, "read object failed")
		}
		if k == nil {
			break
		}
		oid, index, ok := decodeObjectKey(k)
		if !ok || len(v) == 0 {
			lr.Close()
			return removed, ErrCorrupt
		}
		if !haveLast || oid != lastOid {
			lastOid, haveLast, kept = oid, true, false
		}
		if index > upTo {
			continue
		}
		if !kept {
			kept = true
			if v[0] == objectDead {
				deadOids[oid] = struct{}{}
			}
			continue
		}
		batch.Delete(objectCF, k)
		removed++
		if err = flush(false); err != nil {
			lr.Close()
			return removed, err
		}
	}
	lr.Close()
	for oid := range deadOids {
		batch.DeleteRange(objectCF, encodeOid(oid), encodeOid(oid+1))
		batch.DeleteRange(dataCF, encodeOid(oid), encodeOid(oid+1))
		removed++
	}

	// records
	lr = s.kvStore.List(ctx, dataCF, nil, nil, ro)
	defer lr.Close()
	var group []byte
	kept = false
	for {
		k, v, err := lr.ReadNext()
		if err != nil {
			return removed, errors.Info(err, "read record failed")
		}
		if k == nil {
			break
		}
		g, _, index, ok := decodeDataKey(k)
		if !ok || len(v) == 0 {
			return removed, ErrCorrupt
		}
		if _, dead := deadOids[decodeUint64(k)]; dead {
			continue
		}
		if !bytes.Equal(g, group) {
			group, kept = append(group[:0], g...), false
		}
		if index > upTo {
			continue
		}
		if !kept {
			kept = true
			if v[0] != recordPunch {
				continue
			}
		}
		batch.Delete(dataCF, k)
		removed++
		if err = flush(false); err != nil {
			return removed, err
		}
	}
	if err := flush(true); err != nil {
		return removed, err
	}
	span.Infof("aggregated up to index %d, removed %d records", upTo, removed)
	return removed, nil
}
