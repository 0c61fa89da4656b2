package rdb

import (
	"github.com/cubefs/rdb/raft"
)

const (
	defaultSpaceLowWater      = 64 << 20
	defaultSpaceRetries       = 3
	defaultCompactIntervalMs  = 60 * 1000
	defaultCompactKeepEntries = 1024
	defaultCompactBurst       = 1
	defaultCompactPerSecond   = 1.0
	defaultMaxEntrySize       = 4 << 20
)

// Config tunes a running replica.
type Config struct {
	Raft raft.Config `json:"raft"`

	CacheCapacity int `json:"cache_capacity"`
	// SpaceLowWater is the free space below which non-critical commits
	// wait for compaction.
	SpaceLowWater      uint64  `json:"space_low_water"`
	SpaceRetries       int     `json:"space_retries"`
	CompactIntervalMs  uint32  `json:"compact_interval_ms"`
	CompactKeepEntries uint64  `json:"compact_keep_entries"`
	CompactPerSecond   float64 `json:"compact_per_second"`
	MaxEntrySize       int     `json:"max_entry_size"`

	Transport raft.Transport `json:"-"`
	// Registry routes inbound messages to the replica, DefaultRegistry
	// when nil.
	Registry *Registry `json:"-"`
}

func (cfg *Config) fillDefaults() {
	initialDefaultConfig(&cfg.CacheCapacity, defaultCacheCapacity)
	initialDefaultConfig(&cfg.SpaceLowWater, defaultSpaceLowWater)
	initialDefaultConfig(&cfg.SpaceRetries, defaultSpaceRetries)
	initialDefaultConfig(&cfg.CompactIntervalMs, defaultCompactIntervalMs)
	initialDefaultConfig(&cfg.CompactKeepEntries, defaultCompactKeepEntries)
	initialDefaultConfig(&cfg.CompactPerSecond, defaultCompactPerSecond)
	initialDefaultConfig(&cfg.MaxEntrySize, defaultMaxEntrySize)
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry
	}
}

func initialDefaultConfig[T int | uint32 | uint64 | float64](v *T, def T) {
	if *v == 0 {
		*v = def
	}
}
