package store

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/rdb/common/kvstore"
)

type Probe int

const (
	ProbeFirst Probe = iota + 1
	ProbeLast
	ProbeEQ
	ProbeGE
	ProbeGT
	ProbeLE
	ProbeLT
)

func (p Probe) String() string {
	switch p {
	case ProbeFirst:
		return "first"
	case ProbeLast:
		return "last"
	case ProbeEQ:
		return "eq"
	case ProbeGE:
		return "ge"
	case ProbeGT:
		return "gt"
	case ProbeLE:
		return "le"
	case ProbeLT:
		return "lt"
	default:
		return fmt.Sprintf("probe(%d)", int(p))
	}
}

const (
	recordValue byte = 0
	recordPunch byte = 1

	objectDead byte = 0
	objectLive byte = 1
)

// Object is one version of an object record.
type Object struct {
	Oid   uint64
	Attr  []byte
	Index uint64
}

// view evaluates versioned reads against the kv store, optionally pinned to a
// snapshot through ro.
type view struct {
	kv kvstore.Store
	ro kvstore.ReadOption
}

func (v *view) object(ctx context.Context, oid uint64, index uint64) (*Object, error) {
	lr := v.kv.List(ctx, objectCF, encodeOid(oid), encodeObjectKey(oid, index), v.ro)
	defer lr.Close()
	k, val, err := lr.ReadNext()
	if err != nil {
		return nil, errors.Info(err, "read object failed", oid)
	}
	if k == nil {
		return nil, ErrNotFound
	}
	_, version, ok := decodeObjectKey(k)
	if !ok || len(val) == 0 {
		return nil, ErrCorrupt
	}
	if val[0] != objectLive {
		return nil, ErrNotFound
	}
	return &Object{Oid: oid, Attr: val[1:], Index: version}, nil
}

// visible positions lr on the newest version of group not above index.
func (v *view) visible(lr kvstore.ListReader, group []byte, index uint64) (value []byte, found bool, err error) {
	lr.SeekTo(appendIndex(append([]byte(nil), group...), index))
	k, val, err := lr.ReadNext()
	if err != nil {
		return nil, false, errors.Info(err, "read record failed")
	}
	if k == nil || !bytes.HasPrefix(k, group) || len(k) != len(group)+indexSize {
		return nil, false, nil
	}
	if len(val) == 0 {
		return nil, false, ErrCorrupt
	}
	if val[0] == recordPunch {
		return nil, false, nil
	}
	return val[1:], true, nil
}

func (v *view) get(ctx context.Context, oid uint64, key []byte, index uint64) ([]byte, error) {
	group := groupPrefix(oid, key)
	lr := v.kv.List(ctx, dataCF, group, nil, v.ro)
	defer lr.Close()
	value, found, err := v.visible(lr, group, index)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// scan walks the visible records of oid at index starting from the bound key:
// forward from the first key >= start, or backward from the last key <= start.
func (v *view) scan(ctx context.Context, oid uint64, index uint64, start []byte, backward bool,
	fn func(key, value []byte) (bool, error),
) error {
	prefix := encodeOid(oid)
	lr := v.kv.List(ctx, dataCF, prefix, nil, v.ro)
	defer lr.Close()

	pos := start
	for {
		var (
			k   []byte
			err error
		)
		if backward {
			if err = lr.SeekForPrev(pos); err != nil {
				return errors.Info(err, "seek record failed")
			}
			k, _, err = lr.ReadPrev()
		} else {
			lr.SeekTo(pos)
			k, _, err = lr.ReadNext()
		}
		if err != nil {
			return errors.Info(err, "read record failed")
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		group, key, _, ok := decodeDataKey(k)
		if !ok {
			return ErrCorrupt
		}
		group = append([]byte(nil), group...)
		value, found, err := v.visible(lr, group, index)
		if err != nil {
			return err
		}
		if found {
			more, err := fn(key, value)
			if err != nil || !more {
				return err
			}
		}
		if backward {
			pos = group
		} else {
			pos = kvstore.PrefixEnd(group)
		}
	}
}

func (v *view) fetch(ctx context.Context, oid uint64, probe Probe, key []byte, index uint64) (rk, rv []byte, err error) {
	var (
		start    []byte
		backward bool
	)
	switch probe {
	case ProbeEQ:
		value, err := v.get(ctx, oid, key, index)
		if err != nil {
			return nil, nil, err
		}
		return key, value, nil
	case ProbeFirst:
		start = encodeOid(oid)
	case ProbeLast:
		start, backward = encodeOid(oid+1), true
	case ProbeGE:
		start = groupPrefix(oid, key)
	case ProbeGT:
		start = kvstore.PrefixEnd(groupPrefix(oid, key))
	case ProbeLE:
		start, backward = maxVersionKey(groupPrefix(oid, key)), true
	case ProbeLT:
		start, backward = groupPrefix(oid, key), true
	default:
		return nil, nil, fmt.Errorf("invalid probe %d", int(probe))
	}
	err = v.scan(ctx, oid, index, start, backward, func(k, val []byte) (bool, error) {
		rk, rv = k, val
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if rk == nil {
		return nil, nil, ErrNotFound
	}
	return rk, rv, nil
}

// Reader serves versioned reads from a point in time view of the store.
type Reader struct {
	view
	s       *Store
	snap    kvstore.Snapshot
	applied uint64
}

func (s *Store) NewReader(ctx context.Context) (*Reader, error) {
	snap := s.kvStore.NewSnapshot()
	ro := s.kvStore.NewReadOption()
	ro.SetSnapShot(snap)
	r := &Reader{view: view{kv: s.kvStore, ro: ro}, s: s, snap: snap}
	v, err := s.getLocal(ctx, localApplied, ro)
	if err != nil && err != ErrNotFound {
		r.Close()
		return nil, err
	}
	r.applied = decodeUint64(v)
	return r, nil
}

// Applied returns the applied index the reader observes.
func (r *Reader) Applied() uint64 {
	return r.applied
}

// Replicas returns the replica set recorded as of r.Applied().
func (r *Reader) Replicas(ctx context.Context) ([]byte, error) {
	return r.s.getLocal(ctx, localReplicas, r.ro)
}

func (r *Reader) Object(ctx context.Context, oid uint64, index uint64) (*Object, error) {
	return r.object(ctx, oid, index)
}

func (r *Reader) Get(ctx context.Context, oid uint64, key []byte, index uint64) ([]byte, error) {
	return r.get(ctx, oid, key, index)
}

func (r *Reader) Fetch(ctx context.Context, oid uint64, probe Probe, key []byte, index uint64) ([]byte, []byte, error) {
	return r.fetch(ctx, oid, probe, key, index)
}

// Iterate calls fn for every visible record of oid at index in key order.
func (r *Reader) Iterate(ctx context.Context, oid uint64, index uint64, backward bool, fn func(key, value []byte) (bool, error)) error {
	start := encodeOid(oid)
	if backward {
		start = encodeOid(oid + 1)
	}
	return r.scan(ctx, oid, index, start, backward, fn)
}

func (r *Reader) Close() {
	r.ro.Close()
	r.snap.Close()
}

type pendingRecord struct {
	value []byte
	punch bool
}

type pendingObject struct {
	attr []byte
	live bool
}

// IndexWriter stages all writes of one applied index. Reads see the staged
// writes. Commit persists them atomically together with the new applied index,
// Discard drops them.
type IndexWriter struct {
	s        *Store
	view     view
	index    uint64
	batch    kvstore.WriteBatch
	records  map[string]pendingRecord
	objects  map[uint64]pendingObject
	nextOid  uint64
	oidDirty bool
	done     bool
}

// BeginIndex starts the writer of index, which must follow the applied index.
// Only one writer may exist at a time.
func (s *Store) BeginIndex(ctx context.Context, index uint64) (*IndexWriter, error) {
	if !atomic.CompareAndSwapInt32(&s.writing, 0, 1) {
		return nil, errors.New("another index writer is in progress")
	}
	if applied := s.Applied(); index != applied+1 {
		atomic.StoreInt32(&s.writing, 0)
		return nil, fmt.Errorf("index %d does not follow applied index %d", index, applied)
	}
	return &IndexWriter{
		s:       s,
		view:    view{kv: s.kvStore},
		index:   index,
		batch:   s.kvStore.NewWriteBatch(),
		records: make(map[string]pendingRecord),
		objects: make(map[uint64]pendingObject),
	}, nil
}

func (w *IndexWriter) Index() uint64 {
	return w.index
}

func (w *IndexWriter) Get(ctx context.Context, oid uint64, key []byte) ([]byte, error) {
	if r, ok := w.records[string(groupPrefix(oid, key))]; ok {
		if r.punch {
			return nil, ErrNotFound
		}
		return r.value, nil
	}
	return w.view.get(ctx, oid, key, w.index-1)
}

func (w *IndexWriter) Put(oid uint64, key, value []byte) {
	record := make([]byte, 0, len(value)+1)
	record = append(record, recordValue)
	record = append(record, value...)
	w.batch.Put(dataCF, encodeDataKey(oid, key, w.index), record)
	w.records[string(groupPrefix(oid, key))] = pendingRecord{value: append([]byte(nil), value...)}
}

func (w *IndexWriter) Punch(oid uint64, key []byte) {
	w.batch.Put(dataCF, encodeDataKey(oid, key, w.index), []byte{recordPunch})
	w.records[string(groupPrefix(oid, key))] = pendingRecord{punch: true}
}

func (w *IndexWriter) Object(ctx context.Context, oid uint64) (*Object, error) {
	if o, ok := w.objects[oid]; ok {
		if !o.live {
			return nil, ErrNotFound
		}
		return &Object{Oid: oid, Attr: o.attr, Index: w.index}, nil
	}
	return w.view.object(ctx, oid, w.index-1)
}

// CreateObject allocates a new object id and creates the object.
func (w *IndexWriter) CreateObject(ctx context.Context, attr []byte) (uint64, error) {
	if w.nextOid == 0 {
		next, err := w.s.getLocalUint64(ctx, localNextOid)
		if err != nil {
			return 0, err
		}
		if next < firstOid {
			next = firstOid
		}
		w.nextOid = next
	}
	oid := w.nextOid
	if err := w.PutObject(ctx, oid, attr); err != nil {
		return 0, err
	}
	w.nextOid++
	w.oidDirty = true
	return oid, nil
}

// PutObject creates the object oid, which must not be live.
func (w *IndexWriter) PutObject(ctx context.Context, oid uint64, attr []byte) error {
	if _, err := w.Object(ctx, oid); err == nil {
		return ErrExist
	} else if err != ErrNotFound {
		return err
	}
	record := make([]byte, 0, len(attr)+1)
	record = append(record, objectLive)
	record = append(record, attr...)
	w.batch.Put(objectCF, encodeObjectKey(oid, w.index), record)
	w.objects[oid] = pendingObject{attr: append([]byte(nil), attr...), live: true}
	return nil
}

func (w *IndexWriter) DestroyObject(ctx context.Context, oid uint64) error {
	if _, err := w.Object(ctx, oid); err != nil {
		return err
	}
	w.batch.Put(objectCF, encodeObjectKey(oid, w.index), []byte{objectDead})
	w.objects[oid] = pendingObject{}
	return nil
}

// SetReplicas records the replica set as of this index.
func (w *IndexWriter) SetReplicas(value []byte) {
	w.batch.Put(localCF, []byte(localReplicas), value)
}

func (w *IndexWriter) Commit(ctx context.Context) error {
	if w.done {
		return ErrClosed
	}
	defer w.release()
	if w.oidDirty {
		w.batch.Put(localCF, []byte(localNextOid), encodeUint64(w.nextOid))
	}
	w.batch.Put(localCF, []byte(localApplied), encodeUint64(w.index))
	if err := w.s.kvStore.Write(ctx, w.batch); err != nil {
		return errors.Info(err, "commit index failed", w.index)
	}
	atomic.StoreUint64(&w.s.applied, w.index)
	trace.SpanFromContextSafe(ctx).Debugf("index %d committed", w.index)
	return nil
}

func (w *IndexWriter) Discard() {
	if w.done {
		return
	}
	w.release()
}

func (w *IndexWriter) release() {
	w.done = true
	w.batch.Close()
	atomic.StoreInt32(&w.s.writing, 0)
}
