package rdb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/rdb/common/kvstore"
	"github.com/cubefs/rdb/raft"
	"github.com/cubefs/rdb/store"
	"github.com/cubefs/rdb/util"
)

const (
	testWaitFor = 10 * time.Second
	testTick    = 10 * time.Millisecond
)

type testReplica struct {
	self     Replica
	path     string
	registry *Registry
	st       *Storage
	db       *DB
}

// testCluster runs the replicas of one database over a local network.
type testCluster struct {
	t         *testing.T
	uuid      string
	ln        *raft.LocalNetwork
	cfg       Config
	spaceFunc func() (uint64, error)
	replicas  map[uint32]*testReplica
}

func newTestCluster(t *testing.T, n int, tune ...func(c *testCluster)) *testCluster {
	c := &testCluster{
		t:        t,
		uuid:     uuid.NewString(),
		ln:       raft.NewLocalNetwork(),
		cfg:      Config{Raft: raft.Config{TickIntervalMs: 10}, CompactPerSecond: 1000},
		replicas: make(map[uint32]*testReplica),
	}
	for _, f := range tune {
		f(c)
	}
	var members []Replica
	for i := 0; i < n; i++ {
		members = append(members, Replica{Rank: uint32(i)})
	}
	for _, r := range members {
		c.create(r, members)
	}
	for _, r := range members {
		c.start(r.Rank)
	}
	return c
}

func (c *testCluster) storeConfig(path string) *store.Config {
	return &store.Config{Path: path, KVType: kvstore.PebbleLsmKVType, SpaceFunc: c.spaceFunc}
}

func (c *testCluster) create(self Replica, members []Replica) *testReplica {
	path, err := util.GenTmpPath()
	require.NoError(c.t, err)
	st, err := Create(context.Background(), c.storeConfig(path), c.uuid, self, members)
	require.NoError(c.t, err)
	r := &testReplica{self: self, path: path, registry: NewRegistry(), st: st}
	c.replicas[self.Rank] = r
	return r
}

func (c *testCluster) start(rank uint32) *DB {
	r := c.replicas[rank]
	cfg := c.cfg
	cfg.Transport = c.ln.Transport(r.self.ID())
	cfg.Registry = r.registry
	c.ln.Join(r.self.ID(), r.registry)
	db, err := r.st.Start(context.Background(), &cfg)
	require.NoError(c.t, err)
	r.db = db
	return db
}

func (c *testCluster) stop(rank uint32) {
	r := c.replicas[rank]
	if r.db == nil {
		return
	}
	c.ln.Leave(r.self.ID())
	r.st = r.db.Stop(context.Background())
	r.db = nil
}

// reopen closes the stopped store of rank and opens it again.
func (c *testCluster) reopen(rank uint32) {
	r := c.replicas[rank]
	require.Nil(c.t, r.db)
	r.st.Close(context.Background())
	st, err := Open(context.Background(), c.storeConfig(r.path))
	require.NoError(c.t, err)
	r.st = st
}

func (c *testCluster) db(rank uint32) *DB {
	return c.replicas[rank].db
}

// leader waits for a leader and returns the one of the highest term.
func (c *testCluster) leader() *DB {
	var leader *DB
	require.Eventually(c.t, func() bool {
		leader = nil
		var max uint64
		for _, r := range c.replicas {
			if r.db == nil {
				continue
			}
			if ok, term := r.db.IsLeader(); ok && term > max {
				leader, max = r.db, term
			}
		}
		return leader != nil
	}, testWaitFor, testTick)
	return leader
}

func (c *testCluster) close() {
	for rank, r := range c.replicas {
		c.stop(rank)
		r.st.Close(context.Background())
		os.RemoveAll(r.path)
	}
	c.ln.Close()
}

// commitTx runs fn in a new transaction of db and commits it.
func commitTx(t *testing.T, db *DB, fn func(tx *Tx)) error {
	ctx := context.Background()
	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	fn(tx)
	return tx.Commit(ctx)
}

var testKVS = NewPath([]byte("kvs1"))

func createTestKVS(t *testing.T, db *DB) {
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.CreateRoot(KVSAttr{}))
		require.NoError(t, tx.CreateKVS(RootPath, []byte("kvs1"), KVSAttr{Class: ClassInteger}))
	}))
}

func lookupTest(t *testing.T, tx *Tx, path Path, key []byte) ([]byte, error) {
	return tx.Lookup(context.Background(), path, key)
}

func TestDB_Transaction(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	applied := db.s.Applied()
	for i := 11; i <= 13; i++ {
		require.NoError(t, tx.Update(testKVS, IntKey(uint64(i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, applied+1, db.s.Applied())
	// the committed transaction is reusable
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, applied+1, db.s.Applied())
	tx.End()

	tx, err = db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	v, err := lookupTest(t, tx, testKVS, IntKey(11))
	require.NoError(t, err)
	require.Equal(t, []byte("v11"), v)
	_, err = lookupTest(t, tx, testKVS, IntKey(14))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = lookupTest(t, tx, RootPath, []byte("kvs1"))
	require.ErrorIs(t, err, ErrMismatch)
	_, err = lookupTest(t, tx, NewPath([]byte("none")), IntKey(11))
	require.ErrorIs(t, err, ErrNotFound)

	k, v, err := tx.Fetch(ctx, testKVS, ProbeGE, IntKey(12))
	require.NoError(t, err)
	require.Equal(t, IntKey(12), k)
	require.Equal(t, []byte("v12"), v)
	k, _, err = tx.Fetch(ctx, testKVS, ProbeLT, IntKey(12))
	require.NoError(t, err)
	require.Equal(t, IntKey(11), k)
	k, _, err = tx.Fetch(ctx, testKVS, ProbeFirst, nil)
	require.NoError(t, err)
	require.Equal(t, IntKey(11), k)
	_, _, err = tx.Fetch(ctx, testKVS, ProbeGT, IntKey(13))
	require.ErrorIs(t, err, ErrNotFound)
	k, err = tx.QueryKeyMax(ctx, testKVS)
	require.NoError(t, err)
	require.Equal(t, IntKey(13), k)

	var keys [][]byte
	require.NoError(t, tx.Iterate(ctx, testKVS, true, func(key, value []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	}))
	require.Equal(t, [][]byte{IntKey(13), IntKey(12), IntKey(11)}, keys)
	keys = nil
	require.NoError(t, tx.Iterate(ctx, RootPath, false, func(key, value []byte) (bool, error) {
		keys = append(keys, key)
		require.Nil(t, value)
		return true, nil
	}))
	require.Equal(t, [][]byte{[]byte("kvs1")}, keys)

	st := db.Stat()
	require.True(t, st.Leader)
	require.Equal(t, []Replica{{Rank: 0}}, st.Replicas)
	require.Empty(t, st.Halted)
}

func TestDB_DeterministicResult(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	applied := db.s.Applied()
	require.NoError(t, tx.Update(NewPath([]byte("missing")), []byte("k"), []byte("v")))
	require.ErrorIs(t, tx.Commit(ctx), ErrNotFound)
	require.Equal(t, applied+1, db.s.Applied())

	// a failed entry leaves none of its writes
	require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v")))
	require.NoError(t, tx.CreateKVS(RootPath, []byte("kvs1"), KVSAttr{}))
	require.ErrorIs(t, tx.Commit(ctx), ErrExist)
	_, err = lookupTest(t, tx, testKVS, IntKey(1))
	require.ErrorIs(t, err, ErrNotFound)

	// keys of an integer KVS are 8 bytes
	require.NoError(t, tx.Update(testKVS, []byte("short"), []byte("v")))
	require.ErrorIs(t, tx.Update(testKVS, IntKey(2), []byte("v2")), ErrHalted)

	require.NoError(t, tx.Update(RootPath, []byte("kvs1"), []byte("v")))
	require.ErrorIs(t, tx.Commit(ctx), ErrMismatch)
	require.NoError(t, tx.Delete(RootPath, []byte("kvs1")))
	require.ErrorIs(t, tx.Commit(ctx), ErrMismatch)

	require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v")))
	require.NoError(t, tx.Delete(testKVS, IntKey(2)))
	require.NoError(t, tx.Commit(ctx))
	v, err := lookupTest(t, tx, testKVS, IntKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, db.Err())
}

func TestDB_InvalidCalls(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1, func(c *testCluster) { c.cfg.MaxEntrySize = 1024 })
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	_, term := db.IsLeader()
	_, err := db.Begin(ctx, term+1)
	require.ErrorIs(t, err, ErrNotLeader)

	tx, err := db.Begin(ctx, term)
	require.NoError(t, err)
	require.Equal(t, term, tx.Term())
	require.ErrorIs(t, tx.Update(testKVS, nil, []byte("v")), ErrInvalidArgument)
	require.ErrorIs(t, tx.CreateKVS(RootPath, []byte("x"), KVSAttr{Class: classMax}), ErrInvalidArgument)
	require.NoError(t, tx.Update(testKVS, IntKey(1), make([]byte, 2048)))
	require.ErrorIs(t, tx.Commit(ctx), ErrTooBig)
	tx.End()
	require.ErrorIs(t, tx.Update(testKVS, IntKey(1), nil), ErrInvalidArgument)
	require.ErrorIs(t, tx.Update(testKVS, IntKey(2), []byte("v2")), ErrHalted)

	local, err := db.BeginLocal(ctx)
	require.NoError(t, err)
	defer local.End()
	require.ErrorIs(t, local.Update(testKVS, IntKey(1), nil), ErrNoPermission)
	_, err = lookupTest(t, local, testKVS, IntKey(1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDB_StepDown(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v")))

	db.demote(ctx)
	require.Eventually(t, func() bool {
		leader, term := db.IsLeader()
		return !leader || term != tx.Term()
	}, testWaitFor, testTick)

	_, err = lookupTest(t, tx, testKVS, IntKey(1))
	require.ErrorIs(t, err, ErrNotLeader)
	require.ErrorIs(t, tx.Update(testKVS, IntKey(2), []byte("v")), ErrNotLeader)
	require.ErrorIs(t, tx.Commit(ctx), ErrNotLeader)
	require.ErrorIs(t, tx.Revalidate(), ErrNotLeader)

	// the replica leads again in a later term
	require.Eventually(t, func() bool {
		leader, term := db.IsLeader()
		return leader && term > tx.Term()
	}, testWaitFor, testTick)
	_, err = db.Begin(ctx, tx.Term())
	require.ErrorIs(t, err, ErrNotLeader)
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v")))
	}))
}

func TestDB_CriticalCommits(t *testing.T) {
	ctx := context.Background()
	free := uint64(1 << 40)
	c := newTestCluster(t, 1, func(c *testCluster) {
		c.spaceFunc = func() (uint64, error) { return atomic.LoadUint64(&free), nil }
	})
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v1")))
		require.NoError(t, tx.Update(testKVS, IntKey(2), []byte("v2")))
	}))

	atomic.StoreUint64(&free, 0)
	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	applied := db.s.Applied()
	require.NoError(t, tx.Update(testKVS, IntKey(3), []byte("v3")))
	require.ErrorIs(t, tx.Commit(ctx), ErrNoSpace)
	require.Equal(t, applied, db.s.Applied())

	require.NoError(t, tx.Delete(testKVS, IntKey(1)))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.UpdateCritical(testKVS, IntKey(2), []byte("v22")))
	require.NoError(t, tx.Commit(ctx))

	_, err = lookupTest(t, tx, testKVS, IntKey(1))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = lookupTest(t, tx, testKVS, IntKey(3))
	require.ErrorIs(t, err, ErrNotFound)
	v, err := lookupTest(t, tx, testKVS, IntKey(2))
	require.NoError(t, err)
	require.Equal(t, []byte("v22"), v)

	atomic.StoreUint64(&free, 1<<40)
	require.NoError(t, tx.Update(testKVS, IntKey(3), []byte("v3")))
	require.NoError(t, tx.Commit(ctx))
}

func TestDB_ApplyOrder(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	var outOfOrder, hooked int32
	db.applyMu.Lock()
	db.applyHook = func(index uint64) {
		atomic.AddInt32(&hooked, 1)
		if db.s.Applied() != index-1 {
			atomic.AddInt32(&outOfOrder, 1)
		}
	}
	db.applyMu.Unlock()

	const n = 32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		key := IntKey(uint64(i))
		g.Go(func() error {
			ctx := context.Background()
			tx, err := db.Begin(ctx, TermLatest)
			if err != nil {
				return err
			}
			defer tx.End()
			if err = tx.Update(testKVS, key, key); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, atomic.LoadInt32(&outOfOrder))
	require.GreaterOrEqual(t, atomic.LoadInt32(&hooked), int32(n))

	tx, err := db.Begin(context.Background(), TermLatest)
	require.NoError(t, err)
	defer tx.End()
	var keys []uint64
	require.NoError(t, tx.Iterate(context.Background(), testKVS, false, func(key, value []byte) (bool, error) {
		require.Equal(t, key, value)
		keys = append(keys, uint64(len(keys)))
		return true, nil
	}))
	require.Len(t, keys, n)
}

func TestDB_PathConsistency(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	a := NewPath([]byte("a"))
	ab := a.Append([]byte("b"))
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.CreateKVS(RootPath, []byte("a"), KVSAttr{}))
		require.NoError(t, tx.CreateKVS(a, []byte("b"), KVSAttr{Class: ClassLexical}))
		require.NoError(t, tx.Update(ab, []byte("k"), []byte("v")))
	}))

	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	v, err := lookupTest(t, tx, ab, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// destroyed and created again, the path names an empty KVS
	require.NoError(t, tx.DestroyKVS(a, []byte("b")))
	require.NoError(t, tx.Commit(ctx))
	_, err = lookupTest(t, tx, ab, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, tx.CreateKVS(a, []byte("b"), KVSAttr{}))
	require.NoError(t, tx.Commit(ctx))
	_, err = lookupTest(t, tx, ab, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	// all within one entry
	x := NewPath([]byte("x"))
	require.NoError(t, tx.CreateKVS(RootPath, []byte("x"), KVSAttr{}))
	require.NoError(t, tx.Update(x, []byte("k"), []byte("v")))
	require.NoError(t, tx.DestroyKVS(RootPath, []byte("x")))
	require.NoError(t, tx.CreateKVS(RootPath, []byte("x"), KVSAttr{}))
	require.NoError(t, tx.Update(x, []byte("k2"), []byte("v2")))
	require.NoError(t, tx.Commit(ctx))
	_, err = lookupTest(t, tx, x, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	v, err = lookupTest(t, tx, x, []byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, tx.DestroyKVS(RootPath, []byte("x")))
	require.NoError(t, tx.Commit(ctx))
	_, err = lookupTest(t, tx, x, []byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, tx.DestroyKVS(RootPath, []byte("x")))
	require.ErrorIs(t, tx.Commit(ctx), ErrNotFound)

	require.NoError(t, tx.DestroyRoot())
	require.NoError(t, tx.Commit(ctx))
	_, err = lookupTest(t, tx, testKVS, IntKey(1))
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, db.cache.len())
}

func TestDB_Restart(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v1")))
	}))
	applied := db.s.Applied()

	c.stop(0)
	c.reopen(0)
	info, err := c.replicas[0].st.Glance(ctx)
	require.NoError(t, err)
	require.Equal(t, c.uuid, info.UUID)
	require.Equal(t, Replica{Rank: 0}, info.Self)
	require.Equal(t, []Replica{{Rank: 0}}, info.Replicas)
	require.GreaterOrEqual(t, info.Applied, applied)
	require.GreaterOrEqual(t, info.Commit, info.Applied)
	require.GreaterOrEqual(t, info.LastIndex, info.Commit)
	require.NotZero(t, info.Term)

	c.start(0)
	db = c.leader()
	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	v, err := lookupTest(t, tx, testKVS, IntKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestStorage_CreateOpen(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	cfg := &store.Config{Path: path, KVType: kvstore.PebbleLsmKVType}

	_, err = Open(ctx, cfg)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = Create(ctx, cfg, "not-a-uuid", Replica{}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	id := uuid.NewString()
	self := Replica{Rank: 2, Gen: 3}
	st, err := Create(ctx, cfg, id, self, []Replica{{Rank: 1}, self})
	require.NoError(t, err)
	st.Close(ctx)
	_, err = Create(ctx, cfg, id, self, nil)
	require.ErrorIs(t, err, ErrExist)

	st, err = Open(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, id, st.UUID())
	require.Equal(t, self, st.Self())
	info, err := st.Glance(ctx)
	require.NoError(t, err)
	require.Equal(t, []Replica{{Rank: 1}, self}, info.Replicas)
	require.Zero(t, info.Applied)

	rs, err := loadReplicaSet(ctx, st.s)
	require.NoError(t, err)
	require.Equal(t, uint32(4), rs.NextGen)
	st.Close(ctx)

	require.NoError(t, Destroy(ctx, path))
	_, err = Open(ctx, cfg)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	db1 := &DB{uuid: "db"}
	db2 := &DB{uuid: "db"}
	require.NoError(t, r.Register(db1))
	require.ErrorIs(t, r.Register(db2), ErrExist)

	r.Deregister(db2)
	h, ok := r.Route("db")
	require.True(t, ok)
	require.Equal(t, db1, h)

	var uuids []string
	r.Range(func(db *DB) bool {
		uuids = append(uuids, db.uuid)
		return true
	})
	sort.Strings(uuids)
	require.Equal(t, []string{"db"}, uuids)

	r.Deregister(db1)
	_, ok = r.Lookup("db")
	require.False(t, ok)
}

func TestDB_CommitOutlivesDeadline(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	tx, err := db.Begin(context.Background(), TermLatest)
	require.NoError(t, err)
	defer tx.End()
	target := db.s.Applied() + 1
	db.applyMu.Lock()
	db.applyHook = func(index uint64) {
		if index == target {
			time.Sleep(300 * time.Millisecond)
		}
	}
	db.applyMu.Unlock()

	// the entry is appended before the deadline and applied after it
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v1")))
	require.NoError(t, tx.Commit(ctx))
	require.Error(t, ctx.Err())
	require.Equal(t, target, db.s.Applied())

	v, err := lookupTest(t, tx, testKVS, IntKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	ok, _ := db.IsLeader()
	require.True(t, ok)
}

func TestDB_HaltOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1)
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)

	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	target := db.s.Applied() + 1
	var stray *store.IndexWriter
	db.applyMu.Lock()
	db.applyHook = func(index uint64) {
		if index == target && stray == nil {
			// an index writer left open fails the apply of target
			stray, _ = db.s.BeginIndex(ctx, index)
		}
	}
	db.applyMu.Unlock()

	require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v1")))
	err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrIO)
	require.NotNil(t, stray)
	defer stray.Discard()

	require.Equal(t, target-1, db.s.Applied())
	require.Error(t, db.Err())
	require.NotEmpty(t, db.Stat().Halted)
	_, err = db.Begin(ctx, TermLatest)
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, tx.Update(testKVS, IntKey(2), []byte("v2")), ErrHalted)
}

func TestDB_Leases(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 1, func(c *testCluster) {
		c.cfg.Raft.UseLeases = true
	})
	defer c.close()
	db := c.leader()
	createTestKVS(t, db)
	require.NoError(t, commitTx(t, db, func(tx *Tx) {
		require.NoError(t, tx.Update(testKVS, IntKey(1), []byte("v1")))
	}))

	// a read index replaces the marker entry
	applied := db.s.Applied()
	tx, err := db.Begin(ctx, TermLatest)
	require.NoError(t, err)
	defer tx.End()
	require.Equal(t, applied, db.s.Applied())
	v, err := lookupTest(t, tx, testKVS, IntKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, tx.Update(testKVS, IntKey(2), []byte("v2")))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, applied+1, db.s.Applied())
}
