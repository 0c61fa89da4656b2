package raft

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StaticResolver maps node ids to addresses, loaded from configuration.
type StaticResolver map[uint64]string

func (r StaticResolver) Resolve(nodeID uint64) (string, error) {
	if addr, ok := r[nodeID]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("no address for node %d", nodeID)
}

// cachedResolver remembers every address resolved once. Replica ids never
// move between addresses, a returning rank gets a new generation.
type cachedResolver struct {
	addrs *xsync.MapOf[uint64, string]
	AddressResolver
}

func newCachedResolver(r AddressResolver) *cachedResolver {
	return &cachedResolver{addrs: xsync.NewMapOf[uint64, string](), AddressResolver: r}
}

func (r *cachedResolver) Resolve(nodeID uint64) (string, error) {
	if addr, ok := r.addrs.Load(nodeID); ok {
		return addr, nil
	}
	addr, err := r.AddressResolver.Resolve(nodeID)
	if err == nil {
		r.addrs.Store(nodeID, addr)
	}
	return addr, err
}
