// Package bloblru is a fixed-size, size-bounded LRU cache of decrypted
// blob contents, keyed on the engine's 32-byte blob hash. It sits in
// front of Engine.GetBlob, so repeat restores of the same blob skip the
// AEAD-open/decompress path.
package bloblru

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/coldvault/coldvault/internal/debug"
)

// overhead is a crude per-entry estimate (the hash key, an LRU node and
// a handful of pointers) so a byte budget translates into a sane entry
// count without the caller having to guess one.
const overhead = 32 + 64

// Cache is a fixed-size LRU cache of blob contents, safe for concurrent
// use. Concurrent get_blob calls are explicitly allowed by the engine's
// concurrency model (§5), so this cache takes its own lock rather than
// relying on the caller to serialize reads.
type Cache struct {
	mu sync.Mutex
	c  *simplelru.LRU[[32]byte, []byte]

	free, size int // current and max capacity, in bytes.
}

// New constructs a blob cache that holds at most size bytes, counting
// each entry as its blob content plus a fixed per-entry overhead.
func New(size int) *Cache {
	c := &Cache{free: size, size: size}

	// simplelru wants a max entry count, not a byte budget; the real
	// bound is enforced by evicting in Add whenever free shrinks below
	// the incoming entry's size.
	maxEntries := size / overhead
	if maxEntries < 1 {
		maxEntries = 1
	}

	lru, err := simplelru.NewLRU[[32]byte, []byte](maxEntries, c.evict)
	if err != nil {
		// only fails for maxEntries <= 0, which we just guarded against.
		panic(err)
	}
	c.c = lru

	return c
}

// Add inserts blob under hash, evicting the least recently used entries
// until it fits within the configured byte budget. Blobs larger than
// the entire budget are silently not cached.
func (c *Cache) Add(hash [32]byte, blob []byte) {
	size := len(blob) + overhead
	if size > c.size {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.c.Contains(hash) {
		return
	}

	for size > c.free {
		c.c.RemoveOldest()
	}

	c.c.Add(hash, blob)
	c.free -= size
	debug.Log("bloblru: added %x, %d bytes", hash, len(blob))
}

// Get returns the cached blob for hash, if present.
func (c *Cache) Get(hash [32]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Get(hash)
}

func (c *Cache) evict(hash [32]byte, blob []byte) {
	c.free += len(blob) + overhead
	debug.Log("bloblru: evicted %x, %d bytes", hash, len(blob))
}
