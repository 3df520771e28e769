package btree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"diskbtree/jdisk"
)

// smallKeySize is chosen so maxKeysPerNode(smallKeySize) == 2, forcing
// splits and split cascades after only a handful of inserts.
const smallKeySize = 500

func mustMaxKeyTwo(t *testing.T) {
	t.Helper()
	if got := maxKeysPerNode(smallKeySize); got != 2 {
		t.Fatalf("test assumption broken: maxKeysPerNode(%d) = %d, want 2", smallKeySize, got)
	}
}

func fixedKey(size int, n byte) []byte {
	k := make([]byte, size)
	k[0] = n
	return k
}

func fixedRecord(tag string) []byte {
	r := make([]byte, jdisk.SectorSize)
	copy(r, []byte(tag))
	return r
}

func newTestTree(t *testing.T, keySize int) (*Tree, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.jdisk")

	tr, err := Create(path, 4096*1024, keySize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, path
}

func TestFindOnEmptyTree(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	lba, err := tr.Find(fixedKey(8, 1))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if lba != 0 {
		t.Fatalf("expected 0 for absent key on an empty tree, got %d", lba)
	}
}

func TestInsertThenFind(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	key := fixedKey(8, 42)
	record := fixedRecord("hello")

	lba, err := tr.Insert(key, record)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if lba == 0 {
		t.Fatal("expected a non-zero payload lba")
	}

	got, err := tr.Find(key)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != lba {
		t.Fatalf("Find returned %d, want %d", got, lba)
	}

	payload, err := tr.ReadPayload(got)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(payload, record) {
		t.Fatal("payload round trip mismatch")
	}
}

func TestInsertOrderingThreeKeys(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	keys := []byte{5, 1, 9}
	for _, k := range keys {
		if _, err := tr.Insert(fixedKey(8, k), fixedRecord(fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	for _, k := range keys {
		lba, err := tr.Find(fixedKey(8, k))
		if err != nil {
			t.Fatalf("Find(%d): %v", k, err)
		}
		if lba == 0 {
			t.Fatalf("key %d not found after insert", k)
		}
	}

	if lba, _ := tr.Find(fixedKey(8, 7)); lba != 0 {
		t.Fatalf("Find(7) should be absent, got lba %d", lba)
	}
}

func TestOverwriteReusesLBA(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	key := fixedKey(8, 1)
	lba1, err := tr.Insert(key, fixedRecord("first"))
	if err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	lba2, err := tr.Insert(key, fixedRecord("second"))
	if err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	if lba1 != lba2 {
		t.Fatalf("overwrite allocated a new lba: %d != %d", lba1, lba2)
	}

	payload, err := tr.ReadPayload(lba2)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(payload, fixedRecord("second")) {
		t.Fatal("overwrite did not take effect")
	}
}

func TestForcedSplitAllKeysRemainFindable(t *testing.T) {
	mustMaxKeyTwo(t)
	tr, _ := newTestTree(t, smallKeySize)

	var inserted []byte
	for k := byte(0); k < 20; k++ {
		if _, err := tr.Insert(fixedKey(smallKeySize, k), fixedRecord(fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
		inserted = append(inserted, k)
	}

	if !tr.root.Internal {
		t.Fatal("expected root to have split into an internal node after 20 inserts with maxkey=2")
	}

	for _, k := range inserted {
		lba, err := tr.Find(fixedKey(smallKeySize, k))
		if err != nil {
			t.Fatalf("Find(%d): %v", k, err)
		}
		if lba == 0 {
			t.Fatalf("key %d lost after split cascade", k)
		}
		payload, err := tr.ReadPayload(lba)
		if err != nil {
			t.Fatalf("ReadPayload(%d): %v", k, err)
		}
		want := fixedRecord(fmt.Sprintf("v%d", k))
		if !bytes.Equal(payload, want) {
			t.Fatalf("key %d: payload mismatch after split cascade", k)
		}
	}
}

func TestPersistenceAcrossAttach(t *testing.T) {
	tr, path := newTestTree(t, 8)

	const n = 200
	want := make(map[byte][]byte)
	for k := byte(0); k < n; k++ {
		record := fixedRecord(fmt.Sprintf("value-%d", k))
		if _, err := tr.Insert(fixedKey(8, k), record); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
		want[k] = record
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reattached, err := Attach(path)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer reattached.Close()

	for k, record := range want {
		lba, err := reattached.Find(fixedKey(8, k))
		if err != nil {
			t.Fatalf("Find(%d) after attach: %v", k, err)
		}
		if lba == 0 {
			t.Fatalf("key %d missing after reattach", k)
		}
		got, err := reattached.ReadPayload(lba)
		if err != nil {
			t.Fatalf("ReadPayload(%d) after attach: %v", k, err)
		}
		if !bytes.Equal(got, record) {
			t.Fatalf("key %d: payload mismatch after reattach", k)
		}
	}
}

func TestDoubleAttachRejected(t *testing.T) {
	tr, path := newTestTree(t, 8)
	_ = tr

	if _, err := Attach(path); err == nil {
		t.Fatal("expected a second Attach on the same open path to fail")
	}
}

func TestKeySizeMismatchRejected(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	if _, err := tr.Insert(fixedKey(4, 1), fixedRecord("x")); err == nil {
		t.Fatal("expected Insert to reject a key of the wrong size")
	}
	if _, err := tr.Find(fixedKey(4, 1)); err == nil {
		t.Fatal("expected Find to reject a key of the wrong size")
	}
}

func TestRecordSizeMismatchRejected(t *testing.T) {
	tr, _ := newTestTree(t, 8)

	if _, err := tr.Insert(fixedKey(8, 1), []byte("too short")); err == nil {
		t.Fatal("expected Insert to reject a record of the wrong size")
	}
}

func TestTraceRecordsDescentAndAgreesWithFind(t *testing.T) {
	mustMaxKeyTwo(t)
	tr, _ := newTestTree(t, smallKeySize)

	for k := byte(0); k < 12; k++ {
		if _, err := tr.Insert(fixedKey(smallKeySize, k), fixedRecord(fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	events, lba, err := tr.Trace(fixedKey(smallKeySize, 7))
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if lba == 0 {
		t.Fatal("expected key 7 to be found")
	}
	if len(events) == 0 {
		t.Fatal("expected at least one trace event")
	}
	want, err := tr.Find(fixedKey(smallKeySize, 7))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want != lba {
		t.Fatalf("Trace lba %d disagrees with Find lba %d", lba, want)
	}
	last := events[len(events)-1]
	if last.Action != "leaf-hit" && last.Action != "rightmost-hit" {
		t.Fatalf("expected the last event to be a hit, got %q", last.Action)
	}
}

func TestEncryptedPayloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enc.jdisk")
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)

	tr, err := Create(path, 4096*1024, 8, TreeOptions{CacheSize: 64, EncryptionKey: key})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	record := fixedRecord("secret")
	lba, err := tr.Insert(fixedKey(8, 1), record)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// The raw sector on disk must not equal the plaintext record.
	raw := make([]byte, jdisk.SectorSize)
	if err := tr.Disk().ReadSector(lba, raw); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if bytes.Equal(raw, record) {
		t.Fatal("payload sector was stored in plaintext despite an encryption key")
	}

	got, err := tr.ReadPayload(lba)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Fatal("decrypted payload does not match the original record")
	}
}
