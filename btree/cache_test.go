package btree

import "testing"

func TestCacheEvictsCleanNotDirty(t *testing.T) {
	c := newNodeCache(2)

	c.put(1, &Node{LBA: 1}, true)  // dirty, pinned
	c.put(2, &Node{LBA: 2}, false) // clean
	c.put(3, &Node{LBA: 3}, false) // clean, pushes the cache over its limit of 2

	if _, ok := c.get(1); !ok {
		t.Fatal("dirty entry must never be evicted")
	}
	if _, ok := c.get(2); ok {
		t.Fatal("expected the least-recently-used clean entry (lba 2) to be evicted")
	}
	if _, ok := c.get(3); !ok {
		t.Fatal("most recently inserted clean entry should still be cached")
	}
}

func TestCacheMarkCleanAllowsEviction(t *testing.T) {
	c := newNodeCache(1)

	c.put(1, &Node{LBA: 1}, true)
	c.markClean(1)
	c.put(2, &Node{LBA: 2}, false)

	if _, ok := c.get(1); ok {
		t.Fatal("expected lba 1 to become evictable once marked clean")
	}
	if _, ok := c.get(2); !ok {
		t.Fatal("expected lba 2 to remain cached")
	}
}

func TestCacheGetBumpsRecency(t *testing.T) {
	c := newNodeCache(2)

	c.put(1, &Node{LBA: 1}, false)
	c.put(2, &Node{LBA: 2}, false)
	c.get(1) // bump 1 to the front; 2 is now least-recently-used

	c.put(3, &Node{LBA: 3}, false)

	if _, ok := c.get(2); ok {
		t.Fatal("expected lba 2 to be evicted as the stale entry")
	}
	if _, ok := c.get(1); !ok {
		t.Fatal("expected lba 1 to survive eviction after being bumped")
	}
}
