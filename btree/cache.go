package btree

import (
	"container/list"
	"sync"
)

// nodeCache is a bounded, LRU-evicted cache of materialized nodes keyed
// by LBA. A dirty entry (one not yet written back by storeNode) is
// never evicted: a node mid-split can transiently hold MAXKEY+1 keys,
// and serializing that would trip encodeNode's precondition panic. The
// working set of a single operation is O(height), so skipping dirty
// entries during eviction never starves the cache in practice.
type nodeCache struct {
	mu    sync.Mutex
	order *list.List // front = most recently used; Value is uint32 lba
	nodes map[uint32]*cacheEntry
	limit int
}

type cacheEntry struct {
	node    *Node
	dirty   bool
	element *list.Element
}

func newNodeCache(limit int) *nodeCache {
	return &nodeCache{
		order: list.New(),
		nodes: make(map[uint32]*cacheEntry),
		limit: limit,
	}
}

// get returns the cached node at lba, if present, and bumps its
// recency.
func (c *nodeCache) get(lba uint32) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.nodes[lba]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(entry.element)
	return entry.node, true
}

// put inserts or updates the cached node at lba, marking it dirty or
// clean as given, and evicts a clean least-recently-used entry if the
// cache is over its configured limit.
func (c *nodeCache) put(lba uint32, node *Node, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.nodes[lba]; ok {
		entry.node = node
		entry.dirty = dirty
		c.order.MoveToFront(entry.element)
		return
	}

	element := c.order.PushFront(lba)
	c.nodes[lba] = &cacheEntry{node: node, dirty: dirty, element: element}

	if c.limit > 0 && len(c.nodes) > c.limit {
		c.evictOne()
	}
}

// markClean clears the dirty flag after a successful write-back.
func (c *nodeCache) markClean(lba uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.nodes[lba]; ok {
		entry.dirty = false
	}
}

// evictOne drops the least-recently-used clean entry, if any exists.
// Called with c.mu held.
func (c *nodeCache) evictOne() {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		lba := e.Value.(uint32)
		entry := c.nodes[lba]
		if entry.dirty {
			continue
		}
		c.order.Remove(e)
		delete(c.nodes, lba)
		return
	}
	// every entry is dirty; leave the cache over its soft limit rather
	// than risk flushing a transiently-overflowed node.
}
