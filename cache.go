package rdb

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/cubefs/rdb/metrics"
	"github.com/cubefs/rdb/store"
)

const defaultCacheCapacity = 1024

// objectReader reads the object region at one fixed index.
type objectReader interface {
	Object(ctx context.Context, oid uint64) (*store.Object, error)
	Get(ctx context.Context, oid uint64, key []byte) ([]byte, error)
}

type readerAt struct {
	r     *store.Reader
	index uint64
}

func (v readerAt) Object(ctx context.Context, oid uint64) (*store.Object, error) {
	return v.r.Object(ctx, oid, v.index)
}

func (v readerAt) Get(ctx context.Context, oid uint64, key []byte) ([]byte, error) {
	return v.r.Get(ctx, oid, key, v.index)
}

type cacheEntry struct {
	path string
	oid  uint64
	// from is the index the backing object was created at, the entry
	// resolves lookups at any later index until it is evicted.
	from uint64
	attr KVSAttr
	refs int
	elem *list.Element
}

// kvsLease pins a resolved KVS while a caller uses it.
type kvsLease struct {
	c *pathCache
	e *cacheEntry
}

func (l *kvsLease) oid() uint64 {
	return l.e.oid
}

func (l *kvsLease) attr() KVSAttr {
	return l.e.attr
}

func (l *kvsLease) release() {
	if l.c == nil {
		return
	}
	l.c.mu.Lock()
	l.e.refs--
	l.c.mu.Unlock()
	l.c = nil
}

// resolvedPath is a mapping found by walking the object region, pending
// insertion into the cache.
type resolvedPath struct {
	path Path
	oid  uint64
	from uint64
	attr KVSAttr
}

// pathCache maps KVS paths to their backing objects. Entries are valid from
// the index their object was created at until a destroy evicts them. Results
// resolved at an index below the last destroy are never inserted, so a late
// insertion can not bring back a destroyed mapping.
type pathCache struct {
	db       string
	capacity int

	mu          sync.Mutex
	lru         *list.List
	entries     map[string]*cacheEntry
	lastDestroy uint64
}

func newPathCache(db string, capacity int) *pathCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &pathCache{
		db:       db,
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[string]*cacheEntry),
	}
}

// acquire returns a leased entry for path valid at index.
func (c *pathCache) acquire(path Path, index uint64) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[string(path)]
	if !ok || e.from > index {
		return nil
	}
	e.refs++
	c.lru.MoveToFront(e.elem)
	return e
}

// lookup resolves path at index. On a miss the path is walked from the
// nearest cached ancestor through r. With insert set, the walked mappings
// are cached at once. Otherwise they are returned for the caller to insert
// once index is durable. The returned lease must be released.
func (c *pathCache) lookup(ctx context.Context, r objectReader, path Path, index uint64, insert bool) (*kvsLease, []resolvedPath, error) {
	if e := c.acquire(path, index); e != nil {
		metrics.CacheLookups.WithLabelValues(c.db, "hit").Inc()
		return &kvsLease{c: c, e: e}, nil, nil
	}
	metrics.CacheLookups.WithLabelValues(c.db, "miss").Inc()

	var (
		base = path
		rest [][]byte
		cur  resolvedPath
		hit  bool
	)
	for len(base) > 0 {
		parent, key, err := base.Pop()
		if err != nil {
			return nil, nil, err
		}
		rest = append(rest, key)
		base = parent
		if e := c.acquire(base, index); e != nil {
			cur = resolvedPath{path: base, oid: e.oid, from: e.from, attr: e.attr}
			c.release(e)
			hit = true
			break
		}
	}

	var resolved []resolvedPath
	if !hit {
		o, err := r.Object(ctx, store.RootOid)
		if err != nil {
			return nil, nil, convertError(err)
		}
		attr, err := decodeKVSAttr(o.Attr)
		if err != nil {
			return nil, nil, err
		}
		cur = resolvedPath{path: RootPath, oid: store.RootOid, from: o.Index, attr: attr}
		resolved = append(resolved, cur)
	}
	for i := len(rest) - 1; i >= 0; i-- {
		v, err := r.Get(ctx, cur.oid, rest[i])
		if err != nil {
			return nil, nil, convertError(err)
		}
		_, oid, isKVS, err := decodeValue(v)
		if err != nil {
			return nil, nil, err
		}
		if !isKVS {
			return nil, nil, ErrMismatch
		}
		o, err := r.Object(ctx, oid)
		if err != nil {
			return nil, nil, convertError(err)
		}
		attr, err := decodeKVSAttr(o.Attr)
		if err != nil {
			return nil, nil, err
		}
		cur = resolvedPath{path: cur.path.Append(rest[i]), oid: oid, from: o.Index, attr: attr}
		resolved = append(resolved, cur)
	}

	if insert {
		c.insert(resolved, index)
		resolved = nil
	}
	if e := c.acquire(path, index); e != nil {
		return &kvsLease{c: c, e: e}, resolved, nil
	}
	// not cached, hand out a private entry
	return &kvsLease{e: &cacheEntry{path: string(cur.path), oid: cur.oid, from: cur.from, attr: cur.attr}}, resolved, nil
}

func (c *pathCache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	c.mu.Unlock()
}

// insert caches mappings resolved at index.
func (c *pathCache) insert(resolved []resolvedPath, index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < c.lastDestroy {
		return
	}
	for _, r := range resolved {
		if r.from > index {
			continue
		}
		if _, ok := c.entries[string(r.path)]; ok {
			continue
		}
		e := &cacheEntry{path: string(r.path), oid: r.oid, from: r.from, attr: r.attr}
		e.elem = c.lru.PushFront(e)
		c.entries[e.path] = e
	}
	c.shrink()
}

// shrink drops unleased entries from the cold end until the cache fits.
func (c *pathCache) shrink() {
	for elem := c.lru.Back(); elem != nil && len(c.entries) > c.capacity; {
		prev := elem.Prev()
		if e := elem.Value.(*cacheEntry); e.refs == 0 {
			c.lru.Remove(elem)
			delete(c.entries, e.path)
		}
		elem = prev
	}
}

// evict removes path and every path under it, destroyed at index. Leased
// entries stay usable by their holders.
func (c *pathCache) evict(path Path, index uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index > c.lastDestroy {
		c.lastDestroy = index
	}
	n := 0
	for p, e := range c.entries {
		if strings.HasPrefix(p, string(path)) {
			c.lru.Remove(e.elem)
			delete(c.entries, p)
			n++
		}
	}
	return n
}

// reset drops everything, used when the object region is replaced at index.
func (c *pathCache) reset(index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.entries = make(map[string]*cacheEntry)
	c.lastDestroy = index
}

func (c *pathCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
