// Package index holds the hash-bucketed table of every chunk entry the
// master knows about, and the aggregate statistics derived from it. The
// bucketing exists so the reconciliation worker can scan the chunk space
// incrementally, a fixed number of buckets per tick, instead of rescanning
// everything (spec §4.4).
package index

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
)

// DefaultBuckets is the bucket count used when none is specified. It is a
// power of two so bucket selection is a cheap mask in spirit (we still use
// modulo for clarity, matching the teacher's general avoidance of bit
// tricks outside genuinely hot paths).
const DefaultBuckets = 4096

// Index is the master's authoritative map from chunk id to chunk.Entry,
// partitioned into hash buckets for incremental scanning. One coarse
// sync.RWMutex guards membership (not the entries themselves, which carry
// their own lock), the same layering the teacher's cs_manager.go uses for
// its `chunks map[...]`.
type Index struct {
	mu sync.RWMutex

	entries    map[common.ChunkID]*chunk.Entry
	buckets    [][]common.ChunkID
	numBuckets uint64

	nextID common.ChunkID
}

// New creates an empty index with the given number of scan buckets.
func New(numBuckets uint64) *Index {
	if numBuckets == 0 {
		numBuckets = DefaultBuckets
	}
	return &Index{
		entries:    make(map[common.ChunkID]*chunk.Entry),
		buckets:    make([][]common.ChunkID, numBuckets),
		numBuckets: numBuckets,
		nextID:     1,
	}
}

func bucketKey(id common.ChunkID) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return xxhash.Sum64(b[:])
}

func (ix *Index) bucketFor(id common.ChunkID) uint64 {
	return bucketKey(id) % ix.numBuckets
}

// NumBuckets returns the fixed number of scan buckets.
func (ix *Index) NumBuckets() uint64 {
	return ix.numBuckets
}

// Len returns the number of tracked chunk entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Get looks up an existing entry by id.
func (ix *Index) Get(id common.ChunkID) (*chunk.Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// insert adds e to the membership table and its bucket. Callers must hold
// ix.mu for writing.
func (ix *Index) insert(e *chunk.Entry) {
	ix.entries[e.ID] = e
	b := ix.bucketFor(e.ID)
	ix.buckets[b] = append(ix.buckets[b], e.ID)
	if e.ID >= ix.nextID {
		ix.nextID = e.ID + 1
	}
}

// Allocate reserves a fresh chunk id and inserts a brand-new entry for it,
// as multiModify does when old_id = 0.
func (ix *Index) Allocate() *chunk.Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := chunk.NewEntry(ix.nextID)
	ix.insert(e)
	return e
}

// GetOrCreate returns the entry for id, creating it (and advancing the id
// counter past it if necessary) if unseen, the lazy-creation path used by
// hasChunk when a chunkserver reports an id the manager has never seen.
func (ix *Index) GetOrCreate(id common.ChunkID) (entry *chunk.Entry, created bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[id]; ok {
		return e, false
	}
	e := chunk.NewEntry(id)
	ix.insert(e)
	return e, true
}

// Delete removes an entry entirely, used by the reconciliation worker's
// garbage collection of orphaned, copy-less chunks.
func (ix *Index) Delete(id common.ChunkID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.entries[id]; !ok {
		return
	}
	delete(ix.entries, id)
	b := ix.bucketFor(id)
	list := ix.buckets[b]
	for i, other := range list {
		if other == id {
			ix.buckets[b] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Bucket returns the entries currently assigned to scan bucket i, in
// insertion order. The reconciliation worker applies its own random
// rotation offset on top of this to avoid head-of-list starvation.
func (ix *Index) Bucket(i uint64) []*chunk.Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := ix.buckets[i%ix.numBuckets]
	out := make([]*chunk.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := ix.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// NextChunkID returns the id that would be allocated next, for snapshotting.
func (ix *Index) NextChunkID() common.ChunkID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.nextID
}

// AdvancePast ensures the id counter is strictly greater than id, used
// when a chunkserver reports a chunk id the manager allocated in a past
// life (e.g. after a metadata restore on another node).
func (ix *Index) AdvancePast(id common.ChunkID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if id >= ix.nextID {
		ix.nextID = id + 1
	}
}

// SetNextChunkID restores the id counter verbatim, used by snapshot load.
func (ix *Index) SetNextChunkID(id common.ChunkID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nextID = id
}

// All returns every tracked entry, for snapshotting and diagnostics. Order
// is unspecified.
func (ix *Index) All() []*chunk.Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*chunk.Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	return out
}

// Insert adds a pre-built entry (e.g. one restored from a snapshot) into
// the index, advancing the id counter if needed.
func (ix *Index) Insert(e *chunk.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insert(e)
}
