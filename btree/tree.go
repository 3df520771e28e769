// Package btree implements a disk-resident B-tree engine: a single
// backing jdisk file holding a superblock at LBA 0, fixed-size binary
// keys, and variable-position payload sectors.
package btree

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"diskbtree/jdisk"
)

// TreeOptions configures the ambient concerns of a Tree: cache sizing,
// the superblock integrity key, optional payload encryption, and
// logging. All fields are optional; DefaultOptions fills in sane
// defaults.
type TreeOptions struct {
	// CacheSize bounds the node cache's soft limit (entries, not bytes).
	CacheSize int

	// HMACKey authenticates the superblock against torn/truncated
	// writes. Must match between Create and Attach; defaults to a fixed
	// package constant if nil.
	HMACKey []byte

	// EncryptionKey, if set, must be EncryptionKeySize bytes and enables
	// transparent XChaCha20 encryption of payload sectors. Must match
	// between Create/Insert and Attach/Find.
	EncryptionKey []byte

	// Logger receives coarse lifecycle and split-cascade messages.
	// Defaults to log.Default().
	Logger *log.Logger
}

// DefaultOptions returns the options a bare Create/Attach call uses.
func DefaultOptions() TreeOptions {
	return TreeOptions{CacheSize: 256}
}

func (o TreeOptions) hmacKey() []byte {
	if o.HMACKey != nil {
		return o.HMACKey
	}
	return defaultSuperHMACKey
}

func (o TreeOptions) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o TreeOptions) cacheSize() int {
	if o.CacheSize > 0 {
		return o.CacheSize
	}
	return 256
}

// Tree is a handle onto a single-file B-tree. A Tree must not be shared
// across more than one *Tree per backing path within a process; see
// attachRegistry.
type Tree struct {
	disk *jdisk.Disk
	path string

	keySize int
	maxKey  int

	rootLBA   uint32
	firstFree uint64
	root      *Node

	cache   *nodeCache
	hmacKey []byte
	encKey  []byte
	log     *log.Logger

	mu sync.Mutex
}

// findResult is the outcome of a single top-down descent: either a
// non-zero payload LBA (key present), or the external node and index
// where the key would be inserted.
type findResult struct {
	lba    uint32
	target *Node
	index  int
}

func (r findResult) found() bool { return r.lba != 0 }

// Create initializes a fresh tree: a new backing jdisk file, an empty
// external root at LBA 1, and the superblock at LBA 0.
func Create(path string, size int64, keySize int, opts ...TreeOptions) (*Tree, error) {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	if keySize <= 0 {
		return nil, fmt.Errorf("%w: key_size must be positive, got %d", ErrInvalidArgument, keySize)
	}
	maxKey := maxKeysPerNode(keySize)
	if maxKey < 1 {
		return nil, ErrSectorTooSmall
	}
	if o.EncryptionKey != nil && len(o.EncryptionKey) != EncryptionKeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes", ErrInvalidArgument, EncryptionKeySize)
	}

	if err := globalRegistry.acquire(path); err != nil {
		return nil, err
	}

	disk, err := jdisk.Create(path, size)
	if err != nil {
		globalRegistry.release(path)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	t := &Tree{
		disk:      disk,
		path:      path,
		keySize:   keySize,
		maxKey:    maxKey,
		rootLBA:   1,
		firstFree: 2,
		cache:     newNodeCache(o.cacheSize()),
		hmacKey:   o.hmacKey(),
		encKey:    o.EncryptionKey,
		log:       o.logger(),
	}

	t.root = &Node{
		LBA:      1,
		Internal: false,
		NKeys:    0,
		Keys:     make([][]byte, 0, maxKey+1),
		LBAs:     make([]uint32, 1, maxKey+2),
	}

	if err := t.storeNode(t.root); err != nil {
		disk.Close()
		globalRegistry.release(path)
		return nil, err
	}
	if err := t.storeSuper(); err != nil {
		disk.Close()
		globalRegistry.release(path)
		return nil, err
	}

	t.log.Printf("btree: created %s (key_size=%d, maxkey=%d)", path, keySize, maxKey)
	return t, nil
}

// Attach opens an existing tree, reconstructing its state from the
// superblock and materializing the root.
func Attach(path string, opts ...TreeOptions) (*Tree, error) {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	if err := globalRegistry.acquire(path); err != nil {
		return nil, err
	}

	disk, err := jdisk.Attach(path)
	if err != nil {
		globalRegistry.release(path)
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var super [jdisk.SectorSize]byte
	if err := disk.ReadSector(0, super[:]); err != nil {
		disk.Close()
		globalRegistry.release(path)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	keySize, rootLBA, firstFree, err := decodeSuper(super, o.hmacKey())
	if err != nil {
		disk.Close()
		globalRegistry.release(path)
		return nil, err
	}

	maxKey := maxKeysPerNode(int(keySize))

	t := &Tree{
		disk:      disk,
		path:      path,
		keySize:   int(keySize),
		maxKey:    maxKey,
		rootLBA:   rootLBA,
		firstFree: firstFree,
		cache:     newNodeCache(o.cacheSize()),
		hmacKey:   o.hmacKey(),
		encKey:    o.EncryptionKey,
		log:       o.logger(),
	}

	root, err := t.loadNode(rootLBA, nil)
	if err != nil {
		disk.Close()
		globalRegistry.release(path)
		return nil, err
	}
	t.root = root

	t.log.Printf("btree: attached %s (key_size=%d, root_lba=%d)", path, keySize, rootLBA)
	return t, nil
}

// Close releases the backing jdisk handle and this path's attach slot.
func (t *Tree) Close() error {
	globalRegistry.release(t.path)
	return t.disk.Close()
}

// Disk returns the underlying jdisk handle.
func (t *Tree) Disk() *jdisk.Disk { return t.disk }

// KeySize returns the fixed key size this tree was created with.
func (t *Tree) KeySize() int { return t.keySize }

// Find performs a single top-down descent for key, returning its
// payload LBA, or 0 if key is absent.
func (t *Tree) Find(key []byte) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(key) != t.keySize {
		return 0, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidArgument, t.keySize, len(key))
	}

	res, err := t.descend(key, nil)
	if err != nil {
		return 0, err
	}
	return res.lba, nil
}

// Stats reports the tree's header fields for diagnostic display: key
// size, root LBA, sector count in use, keys-per-node bound, and the
// disk's total sector count.
func (t *Tree) Stats() (keySize int, rootLBA uint32, firstFree uint64, maxKey int, numSectors uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keySize, t.rootLBA, t.firstFree, t.maxKey, t.disk.NumSectors()
}

// Root returns the materialized root node, for diagnostic tree walks.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Child resolves the child of n at idx, loading it from disk if it
// isn't already materialized. Exposed for diagnostic tree walks (the
// diag package's Dump); ordinary Find/Insert callers never need it.
func (t *Tree) Child(n *Node, idx int) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadChild(n, idx)
}

// TraceEvent records one node visited during a descent: which node, what
// key index was examined (or -1 for an empty node), the comparison sign
// (-1/0/1, meaningless when KeyIndex is -1), and which decision branch
// was taken. diag.EncodeTrace gives it a wire form.
type TraceEvent struct {
	NodeLBA    uint32
	Internal   bool
	KeyIndex   int
	Comparison int8
	Action     string
}

// Trace performs the same descent as Find but returns every TraceEvent
// recorded along the way, for the diag package and for mechanically
// checking the search-interval property of a descent path.
func (t *Tree) Trace(key []byte) ([]TraceEvent, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(key) != t.keySize {
		return nil, 0, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidArgument, t.keySize, len(key))
	}

	var events []TraceEvent
	res, err := t.descend(key, func(ev TraceEvent) { events = append(events, ev) })
	if err != nil {
		return nil, 0, err
	}
	return events, res.lba, nil
}

// Insert adds or overwrites key with record and returns the payload
// LBA, whether newly allocated or reused.
func (t *Tree) Insert(key []byte, record []byte) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(key) != t.keySize {
		return 0, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidArgument, t.keySize, len(key))
	}
	if len(record) != jdisk.SectorSize {
		return 0, fmt.Errorf("%w: record must be %d bytes, got %d", ErrInvalidArgument, jdisk.SectorSize, len(record))
	}

	res, err := t.descend(key, nil)
	if err != nil {
		return 0, err
	}

	if res.found() {
		if err := t.writePayload(res.lba, record); err != nil {
			return 0, err
		}
		return res.lba, nil
	}

	payloadLBA, err := t.allocateLBA()
	if err != nil {
		return 0, err
	}

	insertAt(res.target, res.index, append([]byte(nil), key...), payloadLBA)
	t.markDirty(res.target)

	if err := t.writePayload(payloadLBA, record); err != nil {
		return 0, err
	}

	if res.target.NKeys > t.maxKey {
		t.log.Printf("btree: node at lba %d overflowed (%d keys), splitting", res.target.LBA, res.target.NKeys)
		if err := t.split(res.target); err != nil {
			return 0, err
		}
	} else if err := t.storeNode(res.target); err != nil {
		return 0, err
	}

	if err := t.storeSuper(); err != nil {
		return 0, err
	}

	return payloadLBA, nil
}

func (t *Tree) writePayload(lba uint32, record []byte) error {
	payload := record
	if t.encKey != nil {
		enc, err := encryptPayload(t.encKey, lba, record)
		if err != nil {
			return err
		}
		payload = enc
	}
	if err := t.disk.WriteSector(lba, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// ReadPayload reads and, if configured, decrypts the record stored at
// lba. Exposed so CLI/test callers can verify a Find result without
// reimplementing the encryption scheme.
func (t *Tree) ReadPayload(lba uint32) ([]byte, error) {
	buf := make([]byte, jdisk.SectorSize)
	if err := t.disk.ReadSector(lba, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if t.encKey != nil {
		return decryptPayload(t.encKey, lba, buf)
	}
	return buf, nil
}

// descend performs a single top-down search for key. equalSeen tracks
// whether an earlier level already matched key exactly: once a separator
// key matches at an internal node, its payload LBA was left behind in
// the left child's trailing slot by split, so every level below that
// point must keep taking the rightmost child until a leaf is reached,
// and the payload is read from that leaf's trailing slot. trace, if
// non-nil, is called once per node visited with the decision made
// there — the mechanism behind Trace and the diag package's descent
// dumps.
func (t *Tree) descend(key []byte, trace func(TraceEvent)) (findResult, error) {
	curr := t.root
	equalSeen := false

	for {
		if curr.NKeys == 0 && !equalSeen {
			if trace != nil {
				trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: -1, Action: "empty-node-target"})
			}
			return findResult{target: curr, index: 0}, nil
		}

		if equalSeen {
			if !curr.Internal {
				if trace != nil {
					trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: curr.NKeys, Action: "rightmost-hit"})
				}
				return findResult{lba: curr.LBAs[curr.NKeys]}, nil
			}
			if trace != nil {
				trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: curr.NKeys, Action: "rightmost-descend"})
			}
			child, err := t.loadChild(curr, curr.NKeys)
			if err != nil {
				return findResult{}, err
			}
			curr = child
			continue
		}

		advanced := false
		for i := 0; i < curr.NKeys; i++ {
			cmp := bytes.Compare(key, curr.Keys[i])
			switch {
			case cmp == 0:
				if !curr.Internal {
					if trace != nil {
						trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: 0, Action: "leaf-hit"})
					}
					return findResult{lba: curr.LBAs[i]}, nil
				}
				if trace != nil {
					trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: 0, Action: "equal-descend-right"})
				}
				equalSeen = true
				child, err := t.loadChild(curr, i)
				if err != nil {
					return findResult{}, err
				}
				curr = child
				advanced = true
			case cmp < 0:
				if !curr.Internal {
					if trace != nil {
						trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: -1, Action: "leaf-miss-before"})
					}
					return findResult{target: curr, index: i}, nil
				}
				if trace != nil {
					trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: -1, Action: "descend-left"})
				}
				child, err := t.loadChild(curr, i)
				if err != nil {
					return findResult{}, err
				}
				curr = child
				advanced = true
			default: // cmp > 0
				if i == curr.NKeys-1 {
					// greater than every key scanned in this node: the
					// "greater-than-all" branch, checked against the last
					// key actually present in this node rather than a
					// fixed MAXKEY index, so it stays correct for a
					// partially full node.
					if !curr.Internal {
						if trace != nil {
							trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: 1, Action: "leaf-miss-after"})
						}
						return findResult{target: curr, index: curr.NKeys}, nil
					}
					if trace != nil {
						trace(TraceEvent{NodeLBA: curr.LBA, Internal: curr.Internal, KeyIndex: i, Comparison: 1, Action: "descend-right"})
					}
					child, err := t.loadChild(curr, curr.NKeys)
					if err != nil {
						return findResult{}, err
					}
					curr = child
					advanced = true
				}
			}
			if advanced {
				break
			}
		}
		if !advanced {
			return findResult{}, fmt.Errorf("%w: key scan in node at lba %d made no decision", ErrCorruption, curr.LBA)
		}
	}
}

// loadChild returns the already-resolved child at idx, loading and
// caching it on first access.
func (t *Tree) loadChild(parent *Node, idx int) (*Node, error) {
	if child := parent.childAt(idx); child != nil {
		return child, nil
	}
	lba := parent.LBAs[idx]
	child, err := t.loadNode(lba, parent)
	if err != nil {
		return nil, err
	}
	parent.setChild(idx, child)
	return child, nil
}

// loadNode reads and decodes the node at lba, validating every LBA it
// references falls within [1, firstFree).
func (t *Tree) loadNode(lba uint32, parent *Node) (*Node, error) {
	if cached, ok := t.cache.get(lba); ok {
		cached.Parent = parent
		return cached, nil
	}

	buf := make([]byte, jdisk.SectorSize)
	if err := t.disk.ReadSector(lba, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	node, err := decodeNode(buf, t.keySize, t.maxKey)
	if err != nil {
		return nil, err
	}

	for _, l := range node.LBAs {
		if l != 0 && (l < 1 || uint64(l) >= t.firstFree) {
			return nil, fmt.Errorf("%w: node at lba %d references out-of-range lba %d", ErrCorruption, lba, l)
		}
	}

	node.LBA = lba
	node.Parent = parent
	t.cache.put(lba, node, false)
	return node, nil
}

// storeNode encodes and writes n to its own LBA, then marks it clean.
func (t *Tree) storeNode(n *Node) error {
	buf := encodeNode(n, t.keySize, t.maxKey)
	if err := t.disk.WriteSector(n.LBA, buf[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	t.cache.markClean(n.LBA)
	return nil
}

// storeSuper encodes and writes the superblock at LBA 0.
func (t *Tree) storeSuper() error {
	buf := encodeSuper(uint32(t.keySize), t.rootLBA, t.firstFree, t.hmacKey)
	if err := t.disk.WriteSector(0, buf[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// markDirty pins n in the cache so an LRU eviction can't flush it while
// it may be transiently overflowed (MAXKEY+1 keys) mid-split.
func (t *Tree) markDirty(n *Node) {
	t.cache.put(n.LBA, n, true)
}

// allocateLBA is the sole LBA allocator: monotonic, never recycled.
func (t *Tree) allocateLBA() (uint32, error) {
	if t.firstFree >= uint64(t.disk.NumSectors()) {
		return 0, ErrCapacityExhausted
	}
	lba := uint32(t.firstFree)
	t.firstFree++
	return lba, nil
}

// insertAt shifts keys and LBAs in n at positions >= idx one slot to the
// right (including the trailing LBA slot), then places key and lba at
// idx.
func insertAt(n *Node, idx int, key []byte, lba uint32) {
	oldNKeys := n.NKeys

	newKeys := make([][]byte, oldNKeys+1)
	copy(newKeys[:idx], n.Keys[:idx])
	newKeys[idx] = key
	copy(newKeys[idx+1:], n.Keys[idx:oldNKeys])
	n.Keys = newKeys

	newLBAs := make([]uint32, oldNKeys+2)
	copy(newLBAs[:idx], n.LBAs[:idx])
	newLBAs[idx] = lba
	copy(newLBAs[idx+1:], n.LBAs[idx:oldNKeys+1])
	n.LBAs = newLBAs

	n.NKeys = oldNKeys + 1
}

// insertKeyAndChild inserts a promoted key into an internal node at idx,
// with the new right sibling's LBA placed immediately after the
// existing (left) child at idx, which is left untouched.
func insertKeyAndChild(p *Node, idx int, key []byte, rightLBA uint32) {
	oldNKeys := p.NKeys

	newKeys := make([][]byte, oldNKeys+1)
	copy(newKeys[:idx], p.Keys[:idx])
	newKeys[idx] = key
	copy(newKeys[idx+1:], p.Keys[idx:oldNKeys])
	p.Keys = newKeys

	newLBAs := make([]uint32, oldNKeys+2)
	copy(newLBAs[:idx+1], p.LBAs[:idx+1])
	newLBAs[idx+1] = rightLBA
	copy(newLBAs[idx+2:], p.LBAs[idx+1:oldNKeys+1])
	p.LBAs = newLBAs

	p.NKeys = oldNKeys + 1
}

// insertChildSlot makes room for a newly-split sibling's resolved child
// handle at position at, shifting any already-resolved children at
// positions >= at one slot to the right. Without this, insertKeyAndChild
// reshaping parent.Keys/LBAs would leave parent.Children's indices out
// of sync with the LBA they point at.
func insertChildSlot(p *Node, at int) {
	if at >= len(p.Children) {
		return
	}
	p.Children = append(p.Children, nil)
	copy(p.Children[at+1:], p.Children[at:len(p.Children)-1])
	p.Children[at] = nil
}

// locateInsertionIndex finds the first slot in p where key belongs: the
// first index whose key compares greater than key, or p.NKeys if key is
// greater than everything in p (an empty slot is infinity).
func locateInsertionIndex(p *Node, key []byte) int {
	for i := 0; i < p.NKeys; i++ {
		if bytes.Compare(p.Keys[i], key) > 0 {
			return i
		}
	}
	return p.NKeys
}

// split resolves a node x whose key count has reached MAXKEY+1: the
// median key is promoted, the upper half moves to a freshly allocated
// sibling, and — if the split reaches the root — a new internal root is
// created. Each split level allocates exactly one LBA for its own
// sibling; only the split of the root allocates a second one, for the
// new root.
func (t *Tree) split(x *Node) error {
	m := (t.maxKey + 1) / 2
	median := append([]byte(nil), x.Keys[m]...)
	origNKeys := x.NKeys

	newLBA, err := t.allocateLBA()
	if err != nil {
		return err
	}
	y := &Node{LBA: newLBA, Internal: x.Internal}

	y.Keys = append([][]byte{}, x.Keys[m+1:origNKeys]...)
	y.LBAs = append([]uint32{}, x.LBAs[m+1:origNKeys+1]...)
	y.NKeys = origNKeys - m - 1

	if x.Internal {
		for i := m + 1; i <= origNKeys; i++ {
			if child := x.childAt(i); child != nil {
				child.Parent = y
				y.setChild(i-(m+1), child)
			}
		}
	}

	x.Keys = x.Keys[:m]
	x.LBAs = x.LBAs[:m+1]
	x.NKeys = m
	if x.Internal && len(x.Children) > m+1 {
		x.Children = x.Children[:m+1]
	}

	t.markDirty(y)
	t.markDirty(x)

	parent := x.Parent
	if parent == nil {
		rootLBA, err := t.allocateLBA()
		if err != nil {
			return err
		}
		root := &Node{
			LBA:      rootLBA,
			Internal: true,
			NKeys:    1,
			Keys:     [][]byte{median},
			LBAs:     []uint32{x.LBA, y.LBA},
		}
		root.setChild(0, x)
		root.setChild(1, y)
		x.Parent = root
		y.Parent = root

		t.root = root
		t.rootLBA = root.LBA
		t.markDirty(root)

		if err := t.storeNode(y); err != nil {
			return err
		}
		if err := t.storeNode(x); err != nil {
			return err
		}
		return t.storeNode(root)
	}

	idx := locateInsertionIndex(parent, median)
	insertKeyAndChild(parent, idx, median, y.LBA)
	insertChildSlot(parent, idx+1)
	y.Parent = parent
	parent.setChild(idx+1, y)
	t.markDirty(parent)

	if err := t.storeNode(y); err != nil {
		return err
	}
	if err := t.storeNode(x); err != nil {
		return err
	}

	if parent.NKeys > t.maxKey {
		return t.split(parent)
	}
	return t.storeNode(parent)
}
