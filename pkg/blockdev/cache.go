package blockdev

import (
	"diskstack/pkg/logging"
)

// emptySlot is the sentinel index value meaning "this cache slot holds no
// block", matching the all-ones 64-bit sentinel the original block cache
// memset-initializes its index table to.
const emptySlot = ^uint64(0)

// Cache is a direct-mapped, write-back block cache sitting in front of a
// Device. It has exactly as many slots as it was constructed with; a hash
// collision between two blocks simply evicts whichever one was cached,
// there is no chaining or associativity.
type Cache struct {
	base    Device
	size    uint32
	data    []byte
	indexes []uint64
	dirty   []bool
	log     logging.Logger
}

// NewCache wraps base with a direct-mapped cache of `slots` blocks.
func NewCache(base Device, slots uint32) *Cache {
	if slots < 1 {
		slots = 1
	}
	bs := base.BlockSize()
	indexes := make([]uint64, slots)
	for i := range indexes {
		indexes[i] = emptySlot
	}
	return &Cache{
		base:    base,
		size:    slots,
		data:    make([]byte, bs*int(slots)),
		indexes: indexes,
		dirty:   make([]bool, slots),
		log:     logging.Default(),
	}
}

// hashU64 is Thomas Wang's 64-bit integer hash mix
// (http://www.concentric.net/~ttwang/tech/inthash.htm), used unchanged so
// the slot a given block index maps to is exactly reproducible.
func hashU64(key uint64) uint32 {
	key = ^key + (key << 18)
	key = key ^ (key >> 31)
	key = key * 21
	key = key ^ (key >> 11)
	key = key + (key << 6)
	key = key ^ (key >> 22)
	return uint32(key)
}

func (c *Cache) slotFor(which uint64) uint32 {
	return hashU64(which) % c.size
}

func (c *Cache) slotBytes(slot uint32) []byte {
	bs := c.base.BlockSize()
	off := int(slot) * bs
	return c.data[off : off+bs]
}

// evict writes back slot's contents if dirty, then marks it empty. A
// failed write-back is logged, not returned: by the cache's documented
// policy the data is lost either way, matching the original cache's
// fprintf-and-continue behavior on a failed evict.
func (c *Cache) evict(slot uint32) {
	if c.dirty[slot] {
		if err := c.base.WriteBlock(c.indexes[slot], c.slotBytes(slot)); err != nil {
			c.log.Error("blockdev/cache", "failed to write back block %d when evicting slot %d: %v", c.indexes[slot], slot, err)
		}
	}
	c.dirty[slot] = false
	c.indexes[slot] = emptySlot
}

// Read reads block "which" through the cache into out.
func (c *Cache) Read(which uint64, out []byte) error {
	slot := c.slotFor(which)

	if c.indexes[slot] != which {
		c.evict(slot)
		if err := c.base.ReadBlock(which, c.slotBytes(slot)); err != nil {
			return err
		}
		c.indexes[slot] = which
	}

	copy(out, c.slotBytes(slot))
	return nil
}

// Write writes block "which" through the cache from in. The write only
// touches the cached copy and marks the slot dirty; it reaches the base
// device on the next eviction, Flush, or Sync.
func (c *Cache) Write(which uint64, in []byte) error {
	slot := c.slotFor(which)

	if c.indexes[slot] != which {
		c.evict(slot)
		c.indexes[slot] = which
	}

	copy(c.slotBytes(slot), in)
	c.dirty[slot] = true
	return nil
}

// Flush evicts every slot, writing back anything dirty.
func (c *Cache) Flush() error {
	for i := uint32(0); i < c.size; i++ {
		c.evict(i)
	}
	return nil
}

// Clear flushes, then resets every slot to empty without necessarily
// having evicted it through the normal path (kept for symmetry with the
// original bcache_clear, which is just flush-then-reset).
func (c *Cache) Clear() error {
	if err := c.Flush(); err != nil {
		return err
	}
	for i := range c.indexes {
		c.indexes[i] = emptySlot
	}
	return nil
}

// Destroy flushes and releases the cache. The base device is not closed.
func (c *Cache) Destroy() error {
	return c.Flush()
}
