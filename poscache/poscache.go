// Package poscache is a bounded concurrent map from position hash to cached
// network evaluation. It is sharded; each shard keeps a ring of recently
// inserted hashes and evicts the oldest ring slot when full, which gives the
// approximate-FIFO policy the search needs without strict LRU bookkeeping.
package poscache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/domino14/macaw/chess"
)

// Mode selects whether lookups and/or inserts occur.
type Mode int

const (
	ModeOff Mode = iota
	ModeReadOnly
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeReadOnly:
		return "readonly"
	case ModeReadWrite:
		return "readwrite"
	}
	return "unknown"
}

// MovePrior is one legal move's renormalized prior.
type MovePrior struct {
	Move  chess.Move
	Prior float32
}

// Entry is a cached evaluation: value heads plus the renormalized
// legal-move policy.
type Entry struct {
	Value     float32
	WDL       [3]float32
	MovesLeft float32
	Policy    []MovePrior
}

const numShards = 64

type shard struct {
	sync.RWMutex
	entries map[uint64]*Entry
	ring    []uint64
	ringPos int
}

// Cache is the sharded map. Reads take shard read locks only; writes take
// the write lock of a single shard.
type Cache struct {
	mode   Mode
	shards [numShards]shard

	hits    atomic.Uint64
	misses  atomic.Uint64
	inserts atomic.Uint64
}

// New creates a cache bounded at roughly capacity entries.
func New(capacity int, mode Mode) *Cache {
	if capacity < numShards {
		capacity = numShards
	}
	perShard := capacity / numShards
	c := &Cache{mode: mode}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]*Entry, perShard)
		c.shards[i].ring = make([]uint64, perShard)
	}
	return c
}

func (c *Cache) Mode() Mode {
	return c.mode
}

// shardFor remixes the position hash before taking shard bits; zobrist keys
// are uniform overall but correlated in the low bits along a game line.
func (c *Cache) shardFor(hash uint64) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], hash)
	return &c.shards[xxhash.Sum64(b[:])%numShards]
}

// Lookup returns the cached entry for a hash, if present and the cache is
// readable.
func (c *Cache) Lookup(hash uint64) (*Entry, bool) {
	if c == nil || c.mode == ModeOff {
		return nil, false
	}
	sh := c.shardFor(hash)
	sh.RLock()
	e, ok := sh.entries[hash]
	sh.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Insert stores an entry, evicting the approximately oldest entry of the
// shard when it is full. A no-op unless the cache is in read-write mode.
func (c *Cache) Insert(hash uint64, e *Entry) {
	if c == nil || c.mode != ModeReadWrite {
		return
	}
	sh := c.shardFor(hash)
	sh.Lock()
	if _, exists := sh.entries[hash]; !exists {
		if victim := sh.ring[sh.ringPos]; victim != 0 {
			delete(sh.entries, victim)
		}
		sh.ring[sh.ringPos] = hash
		sh.ringPos = (sh.ringPos + 1) % len(sh.ring)
	}
	sh.entries[hash] = e
	sh.Unlock()
	c.inserts.Add(1)
}

// Len counts entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].RLock()
		n += len(c.shards[i].entries)
		c.shards[i].RUnlock()
	}
	return n
}

// Stats returns lifetime hit/miss/insert counters.
func (c *Cache) Stats() (hits, misses, inserts uint64) {
	return c.hits.Load(), c.misses.Load(), c.inserts.Load()
}
