package rdb

import (
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/rdb/raft"
	"github.com/cubefs/rdb/store"
)

// Layout versions this build can open.
const (
	LayoutVersion    = uint64(1)
	minLayoutVersion = uint64(1)
)

const (
	attrUUID    = "db_uuid"
	attrVersion = "layout_version"
	attrSelf    = "self"
)

// Storage is the persistent state of one replica with nothing running on
// it. Start turns it into a live DB, Stop hands it back.
type Storage struct {
	s    *store.Store
	uuid string
	self Replica
}

// Create initializes a new replica store for the database uuid. replicas is
// the initial membership, empty for a replica that joins an existing
// database later.
func Create(ctx context.Context, cfg *store.Config, id string, self Replica, replicas []Replica) (*Storage, error) {
	span := trace.SpanFromContextSafe(ctx)
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidArgument
	}
	s, err := store.Open(ctx, cfg, true)
	if err != nil {
		return nil, errors.Info(err, "create store failed")
	}
	if _, err = s.GetAttr(ctx, attrUUID); err == nil {
		s.Close(ctx)
		return nil, ErrExist
	} else if err != store.ErrNotFound {
		s.Close(ctx)
		return nil, err
	}

	if err = func() error {
		rs := newReplicaSet(replicas)
		if err := s.SetReplicas(ctx, rs.encode()); err != nil {
			return err
		}
		b, _ := json.Marshal(self)
		if err := s.PutAttr(ctx, attrSelf, b); err != nil {
			return err
		}
		if err := s.PutAttrUint64(ctx, attrVersion, LayoutVersion); err != nil {
			return err
		}
		// the uuid marks the store as fully initialized
		return s.PutAttr(ctx, attrUUID, []byte(id))
	}(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	span.Infof("created db %s replica %+v at %s, replicas: %+v", id, self, cfg.Path, replicas)
	return &Storage{s: s, uuid: id, self: self}, nil
}

// Open attaches to a store made by Create.
func Open(ctx context.Context, cfg *store.Config) (*Storage, error) {
	span := trace.SpanFromContextSafe(ctx)
	s, err := store.Open(ctx, cfg, false)
	if err != nil {
		return nil, convertError(err)
	}
	st, err := func() (*Storage, error) {
		id, err := s.GetAttr(ctx, attrUUID)
		if err != nil {
			if err == store.ErrNotFound {
				span.Warnf("store at %s is not fully initialized", cfg.Path)
			}
			return nil, convertError(err)
		}
		version, err := s.GetAttrUint64(ctx, attrVersion)
		if err != nil {
			return nil, err
		}
		if version < minLayoutVersion || version > LayoutVersion {
			span.Errorf("incompatible layout version %d, supported [%d, %d]", version, minLayoutVersion, LayoutVersion)
			return nil, ErrMismatch
		}
		b, err := s.GetAttr(ctx, attrSelf)
		if err != nil {
			return nil, convertError(err)
		}
		st := &Storage{s: s, uuid: string(id)}
		if err = json.Unmarshal(b, &st.self); err != nil {
			return nil, errors.Info(err, "decode self failed")
		}
		return st, nil
	}()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	span.Infof("opened db %s replica %+v, applied: %d", st.uuid, st.self, s.Applied())
	return st, nil
}

// Destroy removes the store at path. The store must not be open.
func Destroy(ctx context.Context, path string) error {
	trace.SpanFromContextSafe(ctx).Infof("destroy store at %s", path)
	return store.Destroy(ctx, path)
}

func (st *Storage) UUID() string {
	return st.uuid
}

func (st *Storage) Self() Replica {
	return st.self
}

func (st *Storage) Close(ctx context.Context) {
	st.s.Close(ctx)
}

// GlanceInfo is the persisted state of a replica.
type GlanceInfo struct {
	UUID       string    `json:"uuid"`
	Self       Replica   `json:"self"`
	Term       uint64    `json:"term"`
	Vote       uint64    `json:"vote"`
	Commit     uint64    `json:"commit"`
	Applied    uint64    `json:"applied"`
	FirstIndex uint64    `json:"firstIndex"`
	LastIndex  uint64    `json:"lastIndex"`
	Replicas   []Replica `json:"replicas"`
}

// Glance reads the raft state and membership without starting anything.
func (st *Storage) Glance(ctx context.Context) (*GlanceInfo, error) {
	ls, err := raft.LoadLogState(ctx, st.s)
	if err != nil {
		return nil, err
	}
	rs, err := loadReplicaSet(ctx, st.s)
	if err != nil {
		return nil, err
	}
	return &GlanceInfo{
		UUID:       st.uuid,
		Self:       st.self,
		Term:       ls.HardState.Term,
		Vote:       ls.HardState.Vote,
		Commit:     ls.HardState.Commit,
		Applied:    st.s.Applied(),
		FirstIndex: ls.FirstIndex,
		LastIndex:  ls.LastIndex,
		Replicas:   rs.Replicas,
	}, nil
}

// Dictate makes this replica the only member, for recovery after losing a
// quorum. Committed entries are kept, uncommitted ones are dropped, and the
// removal of every other member is appended as committed conf changes that
// apply once the replica starts.
func (st *Storage) Dictate(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	rs, err := loadReplicaSet(ctx, st.s)
	if err != nil {
		return err
	}
	removed, err := raft.Dictate(ctx, st.s, st.self.ID(), rs.voters(), st.s.Applied())
	if err != nil {
		if err == raft.ErrNotMember {
			return ErrNotFound
		}
		return err
	}
	span.Warnf("db %s dictated by replica %+v, removed nodes: %v", st.uuid, st.self, removed)
	return nil
}
