package diag

import (
	"bytes"
	"path/filepath"
	"testing"

	"diskbtree/btree"
)

func TestEncodeDecodeTraceRoundTrip(t *testing.T) {
	events := []btree.TraceEvent{
		{NodeLBA: 1, Internal: true, KeyIndex: 2, Comparison: -1, Action: "descend-left"},
		{NodeLBA: 5, Internal: false, KeyIndex: 0, Comparison: 0, Action: "leaf-hit"},
	}

	var buf bytes.Buffer
	if err := EncodeTrace(&buf, events); err != nil {
		t.Fatalf("EncodeTrace: %v", err)
	}

	got, err := DecodeTrace(&buf)
	if err != nil {
		t.Fatalf("DecodeTrace: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestEncodeDecodeEmptyTrace(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeTrace(&buf, nil); err != nil {
		t.Fatalf("EncodeTrace: %v", err)
	}
	got, err := DecodeTrace(&buf)
	if err != nil {
		t.Fatalf("DecodeTrace: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestDecodeTraceRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1}) // one event
	buf.Write([]byte{0, 0, 0, 0}) // wrong magic
	if _, err := DecodeTrace(&buf); err == nil {
		t.Fatal("expected an error decoding a frame with bad magic")
	}
}

func TestDumpIncludesKeysAndLBAs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.jdisk")
	tr, err := btree.Create(path, 64*1024, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	for k := byte(0); k < 5; k++ {
		key := make([]byte, 8)
		key[0] = k
		if _, err := tr.Insert(key, make([]byte, 1024)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var out bytes.Buffer
	if err := Dump(&out, tr); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	text := out.String()
	if !bytes.Contains(out.Bytes(), []byte("b_tree information")) {
		t.Fatalf("dump missing header: %s", text)
	}
	if !bytes.Contains(out.Bytes(), []byte("num keys:")) {
		t.Fatalf("dump missing node body: %s", text)
	}
}
