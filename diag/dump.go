package diag

import (
	"fmt"
	"io"

	"diskbtree/btree"
)

// nodeLevel counts parent hops to the root.
func nodeLevel(n *btree.Node) int {
	level := 0
	for p := n.Parent; p != nil; p = p.Parent {
		level++
	}
	return level
}

// dumpNode prints one node and recurses into its children: block/level
// header, key count, every key, every LBA slot, then one recursive call
// per child for an internal node.
func dumpNode(w io.Writer, t *btree.Tree, n *btree.Node) error {
	fmt.Fprintf(w, "block at lba %d (level %d)\n", n.LBA, nodeLevel(n))
	fmt.Fprintf(w, "num keys: %d\n", n.NKeys)
	for i := 0; i < n.NKeys; i++ {
		fmt.Fprintf(w, "   key %d: %x\n", i, n.Keys[i])
	}
	for i := 0; i <= n.NKeys; i++ {
		fmt.Fprintf(w, "   lba %d: %d\n", i, n.LBAs[i])
	}

	if n.Internal {
		for i := 0; i <= n.NKeys; i++ {
			child, err := t.Child(n, i)
			if err != nil {
				return fmt.Errorf("diag: dump child %d of node at lba %d: %w", i, n.LBA, err)
			}
			if err := dumpNode(w, t, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dump writes a full human-readable tree walk to w: a header of
// tree-wide stats followed by a recursive node dump starting at the
// root.
func Dump(w io.Writer, t *btree.Tree) error {
	keySize, rootLBA, firstFree, maxKey, numSectors := t.Stats()

	fmt.Fprintln(w, "b_tree information")
	fmt.Fprintf(w, "key size: %d\n", keySize)
	fmt.Fprintf(w, "root lba: %d\n", rootLBA)
	fmt.Fprintf(w, "sectors:  %d\n", firstFree)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "on a jdisk with %d sectors\n", numSectors)
	fmt.Fprintf(w, "with %d keys per node\n", maxKey)

	return dumpNode(w, t, t.Root())
}
