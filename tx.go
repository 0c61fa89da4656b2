package rdb

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/rdb/metrics"
	"github.com/cubefs/rdb/store"
)

// TermLatest begins a transaction in whatever term the replica leads.
const TermLatest = uint64(0)

type Probe = store.Probe

const (
	ProbeFirst = store.ProbeFirst
	ProbeLast  = store.ProbeLast
	ProbeEQ    = store.ProbeEQ
	ProbeGE    = store.ProbeGE
	ProbeGT    = store.ProbeGT
	ProbeLE    = store.ProbeLE
	ProbeLT    = store.ProbeLT
)

// Tx buffers operations for one entry and serves queries. A Tx is bound to
// the term it began in and fails with ErrNotLeader once the replica no
// longer leads that term. A Tx is not safe for concurrent use.
type Tx struct {
	db       *DB
	term     uint64
	local    bool
	critical bool
	ops      []op
	size     int
	ended    bool
}

// Begin starts a transaction in term, or in the current term when term is
// TermLatest. It returns once everything committed before this leadership
// is applied and the leadership is confirmed by a quorum.
func (db *DB) Begin(ctx context.Context, term uint64) (*Tx, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := db.checkRunning(); err != nil {
		return nil, err
	}
	leader, cur, debut, _ := db.state()
	if !leader || (term != TermLatest && term != cur) {
		return nil, ErrNotLeader
	}
	if err := db.waitApplied(ctx, cur, debut); err != nil {
		return nil, err
	}
	if db.cfg.Raft.UseLeases {
		index, err := db.node.ReadIndex(ctx, cur)
		if err != nil {
			return nil, convertError(err)
		}
		if err = db.waitApplied(ctx, cur, index); err != nil {
			return nil, err
		}
	} else if err := db.propose(ctx, cur, nil, nil); err != nil {
		span.Debugf("db %s append marker in term %d failed: %s", db.uuid, cur, err)
		return nil, err
	}
	return &Tx{db: db, term: cur}, nil
}

// BeginLocal starts a read-only transaction that skips every leadership
// check. It serves recovery and diagnostics and may observe state that is
// not yet committed by a quorum.
func (db *DB) BeginLocal(ctx context.Context) (*Tx, error) {
	if err := db.checkRunning(); err != nil {
		return nil, err
	}
	return &Tx{db: db, local: true}, nil
}

func (tx *Tx) Term() uint64 {
	return tx.term
}

// End releases the transaction. Buffered operations are dropped.
func (tx *Tx) End() {
	tx.ended = true
	tx.ops = nil
}

func (tx *Tx) CreateRoot(attr KVSAttr) error {
	if err := attr.validate(); err != nil {
		return err
	}
	return tx.append(op{code: opCreateRoot, attr: attr}, false)
}

func (tx *Tx) DestroyRoot() error {
	return tx.append(op{code: opDestroyRoot}, true)
}

// CreateKVS creates the child KVS key of parent.
func (tx *Tx) CreateKVS(parent Path, key []byte, attr KVSAttr) error {
	if err := attr.validate(); err != nil {
		return err
	}
	return tx.append(op{code: opCreate, path: parent, key: key, attr: attr}, false)
}

// DestroyKVS destroys the child KVS key of parent, which must not contain
// any KVS.
func (tx *Tx) DestroyKVS(parent Path, key []byte) error {
	return tx.append(op{code: opDestroy, path: parent, key: key}, true)
}

func (tx *Tx) Update(path Path, key, value []byte) error {
	return tx.append(op{code: opUpdate, path: path, key: key, value: value}, false)
}

// UpdateCritical is Update exempt from the free space check at commit.
func (tx *Tx) UpdateCritical(path Path, key, value []byte) error {
	return tx.append(op{code: opUpdate, path: path, key: key, value: value}, true)
}

// Delete removes key from the KVS at path. Deleting a missing key succeeds.
func (tx *Tx) Delete(path Path, key []byte) error {
	return tx.append(op{code: opDelete, path: path, key: key}, true)
}

func (tx *Tx) append(o op, critical bool) error {
	if tx.ended {
		return ErrInvalidArgument
	}
	if tx.local {
		return ErrNoPermission
	}
	if err := tx.db.checkTerm(tx.term); err != nil {
		return err
	}
	if o.code != opCreateRoot && o.code != opDestroyRoot {
		if len(o.key) == 0 {
			return ErrInvalidArgument
		}
		if err := o.path.Validate(); err != nil {
			return err
		}
	}
	o.path = append(Path(nil), o.path...)
	o.key = append([]byte(nil), o.key...)
	o.value = append([]byte(nil), o.value...)
	tx.ops = append(tx.ops, o)
	tx.size += o.size()
	tx.critical = tx.critical || critical
	return nil
}

// Commit appends the buffered operations as one entry and waits until it is
// applied, returning the result of the entry. The operations are consumed
// whatever the outcome and a failed commit leaves no effect. ctx bounds the
// wait for free space and the append but not the wait for the result.
// Commit of an empty transaction does nothing.
func (tx *Tx) Commit(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if tx.ended {
		return ErrInvalidArgument
	}
	if len(tx.ops) == 0 {
		return nil
	}
	if tx.local {
		return ErrNoPermission
	}
	ops, size, critical := tx.ops, tx.size, tx.critical
	tx.ops, tx.size, tx.critical = nil, 0, false

	db := tx.db
	if err := db.checkTerm(tx.term); err != nil {
		return err
	}
	if txHeaderSize+size > db.cfg.MaxEntrySize {
		return ErrTooBig
	}
	if !critical {
		if err := db.waitSpace(ctx, tx.term); err != nil {
			span.Warnf("db %s commit of %d ops refused: %s", db.uuid, len(ops), err)
			return err
		}
	}

	data := encodeTx(critical, ops)
	start := time.Now()
	err := db.propose(ctx, tx.term, data, nil)
	metrics.CommitLatency.WithLabelValues(db.uuid).Observe(time.Since(start).Seconds())
	return err
}

// waitSpace returns once free space is above the low water mark, compacting
// the log between retries.
func (db *DB) waitSpace(ctx context.Context, term uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	for i := 0; ; i++ {
		free, err := db.s.FreeSpace(ctx)
		if err != nil {
			return ioError(err)
		}
		if free > db.cfg.SpaceLowWater {
			return nil
		}
		if i >= db.cfg.SpaceRetries {
			return ErrNoSpace
		}
		span.Warnf("db %s free space %d under low water %d, compacting", db.uuid, free, db.cfg.SpaceLowWater)
		if err = db.compactor.trigger(ctx); err != nil {
			span.Warnf("compaction failed: %s", err)
		}
		if err = db.checkTerm(term); err != nil {
			return err
		}
	}
}

// Revalidate checks that the transaction may keep serving queries. An
// iteration callback that gives up the processor must call it before going
// on.
func (tx *Tx) Revalidate() error {
	if tx.ended {
		return ErrInvalidArgument
	}
	if tx.local {
		return tx.db.checkRunning()
	}
	return tx.db.checkTerm(tx.term)
}

// query resolves path at the applied index and runs fn against it. The
// leadership is checked again after fn so that no result read after a step
// down is returned.
func (tx *Tx) query(ctx context.Context, path Path, fn func(r readerAt, kvs *kvsLease) error) error {
	if err := tx.Revalidate(); err != nil {
		return err
	}
	if err := path.Validate(); err != nil {
		return err
	}
	db := tx.db
	r, err := db.s.NewReader(ctx)
	if err != nil {
		return ioError(err)
	}
	defer r.Close()
	view := readerAt{r: r, index: r.Applied()}
	kvs, _, err := db.cache.lookup(ctx, view, path, view.index, true)
	if err != nil {
		if rerr := tx.Revalidate(); rerr != nil {
			return rerr
		}
		return err
	}
	defer kvs.release()
	err = convertError(fn(view, kvs))
	if rerr := tx.Revalidate(); rerr != nil {
		return rerr
	}
	return err
}

// Lookup returns the value of key in the KVS at path. A key naming a child
// KVS fails with ErrMismatch.
func (tx *Tx) Lookup(ctx context.Context, path Path, key []byte) (value []byte, err error) {
	err = tx.query(ctx, path, func(r readerAt, kvs *kvsLease) error {
		v, err := r.Get(ctx, kvs.oid(), key)
		if err != nil {
			return err
		}
		var isKVS bool
		if value, _, isKVS, err = decodeValue(v); err != nil {
			return err
		}
		if isKVS {
			return ErrMismatch
		}
		return nil
	})
	return
}

// Fetch returns the record selected by probe relative to key. The value of
// a key naming a child KVS is nil.
func (tx *Tx) Fetch(ctx context.Context, path Path, probe Probe, key []byte) (rkey, value []byte, err error) {
	err = tx.query(ctx, path, func(r readerAt, kvs *kvsLease) error {
		k, v, err := r.r.Fetch(ctx, kvs.oid(), probe, key, r.index)
		if err != nil {
			return err
		}
		if value, _, _, err = decodeValue(v); err != nil {
			return err
		}
		rkey = k
		return nil
	})
	return
}

// QueryKeyMax returns the greatest key of the KVS at path.
func (tx *Tx) QueryKeyMax(ctx context.Context, path Path) ([]byte, error) {
	key, _, err := tx.Fetch(ctx, path, ProbeLast, nil)
	return key, err
}

// Iterate calls fn for every record of the KVS at path in key order, until
// fn returns false or an error. The value of a key naming a child KVS is
// nil.
func (tx *Tx) Iterate(ctx context.Context, path Path, backward bool, fn func(key, value []byte) (bool, error)) error {
	return tx.query(ctx, path, func(r readerAt, kvs *kvsLease) error {
		return r.r.Iterate(ctx, kvs.oid(), r.index, backward, func(key, v []byte) (bool, error) {
			value, _, _, err := decodeValue(v)
			if err != nil {
				return false, err
			}
			return fn(key, value)
		})
	})
}
