package store

import (
	"context"
	stderrors "errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/rdb/common/kvstore"
	"github.com/cubefs/rdb/util"
)

const (
	dataCF   = kvstore.CF("data")
	objectCF = kvstore.CF("object")
	localCF  = kvstore.CF("local")
	attrCF   = kvstore.CF("attr")
	logCF    = kvstore.CF("log")
)

const (
	localApplied  = "applied"
	localNextOid  = "next_oid"
	localReplicas = "replicas"
)

// RootOid backs the root KVS. Allocated object ids start after it.
const (
	RootOid  = uint64(1)
	firstOid = RootOid + 1
)

var (
	ErrNotFound = stderrors.New("store: not found")
	ErrExist    = stderrors.New("store: already exists")
	ErrNoSpace  = stderrors.New("store: no space")
	ErrCorrupt  = stderrors.New("store: corrupted record")
	ErrClosed   = stderrors.New("store: closed")
)

type Config struct {
	Path       string            `json:"path"`
	KVType     kvstore.LsmKVType `json:"kv_type"`
	InMemory   bool              `json:"in_memory"`
	Size       uint64            `json:"size"`
	KVOption   kvstore.Option    `json:"kv_option"`
	RaftOption kvstore.Option    `json:"raft_option"`
	// SpaceFunc overrides the free space report when set.
	SpaceFunc func() (uint64, error) `json:"-"`
}

// Store keeps one replica's state in two engines: the raft store holds the
// attribute and log regions with a synced WAL, the kv store holds the versioned
// object region with its WAL disabled and is made durable by checkpoints.
type Store struct {
	cfg       *Config
	kvStore   kvstore.Store
	raftStore kvstore.Store

	applied    uint64
	checkpoint uint64
	writing    int32
	closeOnce  sync.Once
}

// Open opens the store under cfg.Path, creating the engines when create is set.
func Open(ctx context.Context, cfg *Config, create bool) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.Path == "" {
		return nil, errors.New("store path is empty")
	}
	if !create && !cfg.InMemory {
		if _, err := os.Stat(filepath.Join(cfg.Path, "raft")); err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	kvOption := cfg.KVOption
	// disable kv wal to optimized latency, checkpoints make it durable
	kvOption.DisableWal = true
	kvOption.CreateIfMissing = create
	kvOption.InMemory = cfg.InMemory
	kvOption.ColumnFamily = []kvstore.CF{dataCF, objectCF, localCF}
	kvStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "kv"), cfg.KVType, &kvOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store failed")
	}

	raftOption := cfg.RaftOption
	raftOption.Sync = true
	raftOption.CreateIfMissing = create
	raftOption.InMemory = cfg.InMemory
	raftOption.ColumnFamily = []kvstore.CF{attrCF, logCF}
	raftStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "raft"), cfg.KVType, &raftOption)
	if err != nil {
		kvStore.Close()
		return nil, errors.Info(err, "open raft store failed")
	}

	s := &Store{cfg: cfg, kvStore: kvStore, raftStore: raftStore}
	applied, err := s.getLocalUint64(ctx, localApplied)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.applied = applied
	s.checkpoint = applied
	span.Debugf("store opened at %s, applied: %d", cfg.Path, applied)
	return s, nil
}

// Destroy removes all files of the store at path.
func Destroy(ctx context.Context, path string) error {
	return os.RemoveAll(path)
}

func (s *Store) Path() string {
	return s.cfg.Path
}

// Close checkpoints the kv store and closes both engines.
func (s *Store) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if _, err := s.Checkpoint(ctx); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("checkpoint on close failed: %s", err)
		}
		s.kvStore.Close()
		s.raftStore.Close()
	})
}

func (s *Store) GetAttr(ctx context.Context, key string) ([]byte, error) {
	v, err := s.raftStore.GetRaw(ctx, attrCF, []byte(key), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Info(err, "get attr failed", key)
	}
	return v, nil
}

func (s *Store) GetAttrUint64(ctx context.Context, key string) (uint64, error) {
	v, err := s.GetAttr(ctx, key)
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return decodeUint64(v), nil
}

func (s *Store) PutAttr(ctx context.Context, key string, value []byte) error {
	if err := s.raftStore.SetRaw(ctx, attrCF, []byte(key), value); err != nil {
		return errors.Info(err, "put attr failed", key)
	}
	return nil
}

func (s *Store) PutAttrUint64(ctx context.Context, key string, value uint64) error {
	return s.PutAttr(ctx, key, encodeUint64(value))
}

// Applied returns the index of the last committed index writer.
func (s *Store) Applied() uint64 {
	return atomic.LoadUint64(&s.applied)
}

// Checkpointed returns the highest applied index known to be durable.
func (s *Store) Checkpointed() uint64 {
	return atomic.LoadUint64(&s.checkpoint)
}

// Replicas returns the replica set recorded by the last applied index.
func (s *Store) Replicas(ctx context.Context) ([]byte, error) {
	return s.getLocal(ctx, localReplicas, nil)
}

// SetReplicas records the replica set outside of any index, used when the
// store is created or dictated.
func (s *Store) SetReplicas(ctx context.Context, value []byte) error {
	if err := s.kvStore.SetRaw(ctx, localCF, []byte(localReplicas), value); err != nil {
		return errors.Info(err, "put replicas failed")
	}
	return nil
}

// FreeSpace reports the bytes still available to the store.
func (s *Store) FreeSpace(ctx context.Context) (uint64, error) {
	if s.cfg.SpaceFunc != nil {
		return s.cfg.SpaceFunc()
	}
	if s.cfg.Size > 0 {
		used, err := s.Used(ctx)
		if err != nil {
			return 0, err
		}
		if used >= s.cfg.Size {
			return 0, nil
		}
		return s.cfg.Size - used, nil
	}
	if s.cfg.InMemory {
		return math.MaxUint64, nil
	}
	stat, err := util.StatFS(s.cfg.Path)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

// Used returns the bytes occupied by both engines.
func (s *Store) Used(ctx context.Context) (uint64, error) {
	kvStats, err := s.kvStore.Stats(ctx)
	if err != nil {
		return 0, err
	}
	raftStats, err := s.raftStore.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return kvStats.Used + raftStats.Used, nil
}

// Checkpoint makes every applied index durable and returns the highest index
// covered. The local column goes first so that a crash never leaves an applied
// index ahead of its data.
func (s *Store) Checkpoint(ctx context.Context) (uint64, error) {
	applied := s.Applied()
	for _, cf := range []kvstore.CF{localCF, objectCF, dataCF} {
		if err := s.kvStore.FlushCF(ctx, cf); err != nil {
			return 0, errors.Info(err, "flush failed", cf)
		}
	}
	for {
		old := atomic.LoadUint64(&s.checkpoint)
		if applied <= old || atomic.CompareAndSwapUint64(&s.checkpoint, old, applied) {
			break
		}
	}
	return s.Checkpointed(), nil
}

func (s *Store) getLocal(ctx context.Context, key string, ro kvstore.ReadOption) ([]byte, error) {
	v, err := s.kvStore.GetRaw(ctx, localCF, []byte(key), ro)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Info(err, "get local failed", key)
	}
	return v, nil
}

func (s *Store) getLocalUint64(ctx context.Context, key string) (uint64, error) {
	v, err := s.getLocal(ctx, key, nil)
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return decodeUint64(v), nil
}
