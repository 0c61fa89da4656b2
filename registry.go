package rdb

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cubefs/rdb/raft"
)

// DefaultRegistry holds the DBs started in this process.
var DefaultRegistry = NewRegistry()

// Registry maps database uuids to started DBs. It routes inbound raft
// messages for a transport.
type Registry struct {
	dbs *xsync.MapOf[string, *DB]
}

func NewRegistry() *Registry {
	return &Registry{dbs: xsync.NewMapOf[string, *DB]()}
}

func (r *Registry) Register(db *DB) error {
	if _, loaded := r.dbs.LoadOrStore(db.uuid, db); loaded {
		return ErrExist
	}
	return nil
}

// Deregister removes db if it is the one registered under its uuid.
func (r *Registry) Deregister(db *DB) {
	r.dbs.Compute(db.uuid, func(old *DB, loaded bool) (*DB, bool) {
		return old, !loaded || old == db
	})
}

func (r *Registry) Lookup(uuid string) (*DB, bool) {
	return r.dbs.Load(uuid)
}

func (r *Registry) Range(f func(db *DB) bool) {
	r.dbs.Range(func(_ string, db *DB) bool {
		return f(db)
	})
}

// Route implements raft.Router, the group of a DB is its uuid.
func (r *Registry) Route(group string) (raft.Handler, bool) {
	db, ok := r.dbs.Load(group)
	if !ok {
		return nil, false
	}
	return db, true
}
