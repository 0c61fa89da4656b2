package rdb

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/rdb/metrics"
	"github.com/cubefs/rdb/store"
)

// applyLoop applies committed entries one index at a time in index order.
func (db *DB) applyLoop() {
	defer db.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "apply-"+db.uuid)

	for {
		select {
		case <-db.done:
			return
		case <-db.commitC:
		}
		for {
			select {
			case <-db.done:
				return
			default:
			}
			commit := atomic.LoadUint64(&db.commit)
			db.applyMu.Lock()
			index := db.s.Applied() + 1
			if index > commit {
				db.applyMu.Unlock()
				break
			}
			err := db.applyIndex(ctx, index)
			db.applyMu.Unlock()
			if err != nil {
				span.Errorf("db %s halted at index %d: %s", db.uuid, index, errors.Detail(err))
				db.halt(index, err)
				return
			}
		}
	}
}

// applyIndex applies the entry at index. Deterministic failures discard the
// entry's writes and become its result while the applied index still moves
// on. Any other failure discards the writes, leaves the applied index where
// it is and is returned.
func (db *DB) applyIndex(ctx context.Context, index uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	if db.applyHook != nil {
		db.applyHook(index)
	}
	data, err := db.s.GetEntry(ctx, index)
	if err != nil {
		return errors.Info(err, "read entry failed", index)
	}
	var e raftpb.Entry
	if err = e.Unmarshal(data); err != nil {
		return errors.Info(err, "decode entry failed", index)
	}

	w, err := db.s.BeginIndex(ctx, index)
	if err != nil {
		return err
	}
	var (
		post          func()
		result, fatal error
	)
	switch e.Type {
	case raftpb.EntryNormal:
		if len(e.Data) > 0 {
			post, result, fatal = db.applyTx(ctx, w, e.Data)
		}
	case raftpb.EntryConfChange:
		post, result, fatal = db.applyConfChange(ctx, w, e.Data)
	default:
		result = ErrInvalidArgument
	}
	if fatal != nil {
		w.Discard()
		db.finish(index, &e, ioError(fatal))
		metrics.ApplyResults.WithLabelValues(db.uuid, "fatal").Inc()
		return fatal
	}
	if result != nil {
		w.Discard()
		if w, err = db.s.BeginIndex(ctx, index); err != nil {
			return err
		}
		span.Debugf("index %d applied with result: %s", index, result)
	}
	if err = w.Commit(ctx); err != nil {
		db.finish(index, &e, ioError(err))
		return err
	}
	if result == nil && post != nil {
		post()
	}
	db.finish(index, &e, result)
	db.broadcast()

	outcome := "ok"
	if result != nil {
		outcome = "rejected"
	}
	metrics.ApplyResults.WithLabelValues(db.uuid, outcome).Inc()
	metrics.AppliedIndex.WithLabelValues(db.uuid).Set(float64(index))
	return nil
}

// halt stops applying for good. The waiter of the failed index learns the
// cause and all others get ErrHalted.
func (db *DB) halt(index uint64, err error) {
	db.haltErr.Store(err)
	if w, ok := db.results.LoadAndDelete(index); ok {
		w.done(ioError(err))
	}
	db.cancelWaiters(ErrHalted)
	db.broadcast()
}

// applyTx applies the operations of one transaction entry in order. The
// returned post function publishes the resolved paths to the cache once the
// index is committed.
func (db *DB) applyTx(ctx context.Context, w *store.IndexWriter, data []byte) (post func(), result, fatal error) {
	span := trace.SpanFromContextSafe(ctx)
	tx, err := decodeTx(data)
	if err != nil {
		return nil, err, nil
	}
	var resolved []resolvedPath
	for i := range tx.ops {
		o := &tx.ops[i]
		err = convertError(db.applyOp(ctx, w, o, &resolved))
		if err == nil {
			continue
		}
		if IsDeterministic(err) {
			span.Debugf("index %d op %d %s %s rejected: %s", w.Index(), i, o.code, o.path, err)
			return nil, err, nil
		}
		return nil, nil, errors.Info(err, "apply op failed", w.Index(), o.code.String())
	}
	index := w.Index()
	return func() { db.cache.insert(resolved, index) }, nil, nil
}

func (db *DB) applyOp(ctx context.Context, w *store.IndexWriter, o *op, resolved *[]resolvedPath) error {
	index := w.Index()
	switch o.code {
	case opCreateRoot:
		if err := o.attr.validate(); err != nil {
			return err
		}
		if err := w.PutObject(ctx, store.RootOid, o.attr.encode()); err != nil {
			return err
		}
		*resolved = append(*resolved, resolvedPath{path: RootPath, oid: store.RootOid, from: index, attr: o.attr})
		return nil
	case opDestroyRoot:
		if err := w.DestroyObject(ctx, store.RootOid); err != nil {
			return err
		}
		db.evict(RootPath, index, resolved)
		return nil
	}

	lease, rs, err := db.cache.lookup(ctx, w, o.path, index, false)
	if err != nil {
		return err
	}
	defer lease.release()
	*resolved = append(*resolved, rs...)
	parent := lease.oid()
	if err = lease.attr().validateKey(o.key); err != nil {
		return err
	}

	switch o.code {
	case opCreate:
		if err = o.attr.validate(); err != nil {
			return err
		}
		if _, err = w.Get(ctx, parent, o.key); err == nil {
			return ErrExist
		} else if err != store.ErrNotFound {
			return err
		}
		oid, err := w.CreateObject(ctx, o.attr.encode())
		if err != nil {
			return err
		}
		w.Put(parent, o.key, encodeKVSRef(oid))
		*resolved = append(*resolved, resolvedPath{path: o.path.Append(o.key), oid: oid, from: index, attr: o.attr})
	case opDestroy:
		v, err := w.Get(ctx, parent, o.key)
		if err != nil {
			return err
		}
		_, oid, isKVS, err := decodeValue(v)
		if err != nil {
			return err
		}
		if !isKVS {
			return ErrMismatch
		}
		if err = w.DestroyObject(ctx, oid); err != nil {
			return err
		}
		w.Punch(parent, o.key)
		db.evict(o.path.Append(o.key), index, resolved)
	case opUpdate:
		if v, err := w.Get(ctx, parent, o.key); err == nil {
			if _, _, isKVS, _ := decodeValue(v); isKVS {
				return ErrMismatch
			}
		} else if err != store.ErrNotFound {
			return err
		}
		w.Put(parent, o.key, encodePlainValue(o.value))
	case opDelete:
		v, err := w.Get(ctx, parent, o.key)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if _, _, isKVS, _ := decodeValue(v); isKVS {
			return ErrMismatch
		}
		w.Punch(parent, o.key)
	default:
		return ErrInvalidArgument
	}
	return nil
}

// evict drops path and everything under it from the cache and from the
// mappings resolved so far by the entry being applied.
func (db *DB) evict(path Path, index uint64, resolved *[]resolvedPath) {
	db.cache.evict(path, index)
	kept := (*resolved)[:0]
	for _, r := range *resolved {
		if !hasPathPrefix(r.path, path) {
			kept = append(kept, r)
		}
	}
	*resolved = kept
}

func hasPathPrefix(p, prefix Path) bool {
	return len(p) >= len(prefix) && string(p[:len(prefix)]) == string(prefix)
}

// applyConfChange applies a membership change. The new replica set is
// written with the index and handed to raft once the index is committed.
func (db *DB) applyConfChange(ctx context.Context, w *store.IndexWriter, data []byte) (post func(), result, fatal error) {
	span := trace.SpanFromContextSafe(ctx)
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(data); err != nil {
		return nil, ErrInvalidArgument, nil
	}
	db.genMu.RLock()
	rs := db.genMu.replicas.clone()
	db.genMu.RUnlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		var r Replica
		if err := json.Unmarshal(cc.Context, &r); err != nil || r.ID() != cc.NodeID {
			return nil, ErrInvalidArgument, nil
		}
		if i := rs.find(r.Rank); i >= 0 {
			// a replica created with the membership it joins
			if rs.Replicas[i] != r {
				return nil, ErrExist, nil
			}
			span.Debugf("replica %+v is already a member", r)
		}
		rs.add(r)
	case raftpb.ConfChangeRemoveNode:
		if !rs.remove(rankOf(cc.NodeID)) {
			return nil, ErrNotFound, nil
		}
	default:
		return nil, ErrInvalidArgument, nil
	}
	w.SetReplicas(rs.encode())

	index := w.Index()
	return func() {
		cs := db.node.ApplyConfChange(cc)
		db.genMu.Lock()
		db.genMu.replicas = rs
		if rs.NextGen > db.genMu.nextGen {
			db.genMu.nextGen = rs.NextGen
		}
		db.genMu.Unlock()
		span.Infof("db %s applied %s of node %d at index %d, voters: %v", db.uuid, cc.Type, cc.NodeID, index, cs.Voters)
	}, nil, nil
}
