// Package cache implements the write-back LRU block cache sitting between
// the filesystem logic and the raw block device (spec.md §4.1): O(1)
// get/put/evict via a hash index (map) plus a doubly linked list
// (container/list) tracking recency, dirty-marking on write, and an
// explicit flush that writes every dirty entry back before a clean
// shutdown.
package cache

import (
	"container/list"

	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

type entry struct {
	block uint64
	data  []byte
	dirty bool
}

// BlockCache is an LRU write-back cache of fixed-size filesystem blocks,
// keyed by block index, layered above a blockdev.Device. Capacity 0
// disables caching: every Get/PutDirty touches the device directly.
//
// BlockCache is not safe for concurrent use; per spec.md §5 the facade
// serializes all access to shared mutable state, including the cache.
type BlockCache struct {
	dev       blockdev.Device
	blockSize int
	capacity  int

	order *list.List // MRU at the front, LRU at the back
	index map[uint64]*list.Element
}

// New builds a BlockCache over dev with the given filesystem block size
// and capacity measured in blocks. capacity 0 disables caching.
func New(dev blockdev.Device, blockSize, capacity int) *BlockCache {
	c := &BlockCache{dev: dev, blockSize: blockSize, capacity: capacity}
	if capacity > 0 {
		c.order = list.New()
		c.index = make(map[uint64]*list.Element, capacity)
	}
	return c
}

func (c *BlockCache) blockOffset(block uint64) int64 {
	return int64(block) * int64(c.blockSize)
}

func (c *BlockCache) readThrough(block uint64) ([]byte, error) {
	buf := make([]byte, c.blockSize)
	if err := c.dev.Seek(c.blockOffset(block)); err != nil {
		return nil, fserr.Wrap("cache.readThrough", fserr.IoError, err)
	}
	if err := c.dev.ReadBlock(buf); err != nil {
		return nil, fserr.Wrap("cache.readThrough", fserr.IoError, err)
	}
	return buf, nil
}

func (c *BlockCache) writeThrough(block uint64, data []byte) error {
	if err := c.dev.Seek(c.blockOffset(block)); err != nil {
		return fserr.Wrap("cache.writeThrough", fserr.IoError, err)
	}
	if err := c.dev.WriteBlock(data); err != nil {
		return fserr.Wrap("cache.writeThrough", fserr.IoError, err)
	}
	return nil
}

// enabled reports whether the cache is active (capacity > 0).
func (c *BlockCache) enabled() bool { return c.order != nil }

// BlockSize returns the filesystem block size this cache was built
// with.
func (c *BlockCache) BlockSize() int { return c.blockSize }

// Get returns the buffer for block, reading through to the device on a
// miss. The returned slice must not be retained past the next mutating
// call into the cache; callers that need to keep bytes around should copy
// them.
func (c *BlockCache) Get(block uint64) ([]byte, error) {
	if !c.enabled() {
		return c.readThrough(block)
	}

	if el, ok := c.index[block]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry).data, nil
	}

	data, err := c.readThrough(block)
	if err != nil {
		return nil, err
	}

	if err := c.insert(block, data, false); err != nil {
		return nil, err
	}

	return data, nil
}

// PutDirty installs data as the cached contents of block and marks it
// dirty, moving it to the MRU end. The write is not visible to the
// device until Flush (or eviction) writes it back.
func (c *BlockCache) PutDirty(block uint64, data []byte) error {
	if !c.enabled() {
		return c.writeThrough(block, data)
	}

	if el, ok := c.index[block]; ok {
		e := el.Value.(*entry)
		e.data = data
		e.dirty = true
		c.order.MoveToFront(el)
		return nil
	}

	return c.insert(block, data, true)
}

// insert adds a new entry at the MRU end, evicting (and, if dirty,
// flushing) the LRU entry first if the cache is at capacity.
func (c *BlockCache) insert(block uint64, data []byte, dirty bool) error {
	if c.order.Len() >= c.capacity {
		if err := c.evictOne(); err != nil {
			return err
		}
	}

	el := c.order.PushFront(&entry{block: block, data: data, dirty: dirty})
	c.index[block] = el
	return nil
}

// evictOne drops the LRU entry, writing it back first if dirty
// (spec.md §4.1's drop_evicted).
func (c *BlockCache) evictOne() error {
	back := c.order.Back()
	if back == nil {
		return nil
	}
	e := back.Value.(*entry)
	if e.dirty {
		if err := c.writeThrough(e.block, e.data); err != nil {
			return err
		}
	}
	c.order.Remove(back)
	delete(c.index, e.block)
	return nil
}

// Flush writes every dirty entry back to the device and clears dirty
// flags. A second call with nothing newly dirtied performs no device
// writes (spec.md §8's idempotent-unmount law).
func (c *BlockCache) Flush() error {
	if !c.enabled() {
		return nil
	}
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.dirty {
			continue
		}
		if err := c.writeThrough(e.block, e.data); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// Discard drops every cached entry without writing dirty ones back. Used
// only by tests that want to simulate an unclean shutdown.
func (c *BlockCache) Discard() {
	if !c.enabled() {
		return
	}
	c.order.Init()
	c.index = make(map[uint64]*list.Element, c.capacity)
}
