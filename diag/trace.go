// Package diag gives a descent trace a deterministic wire format, so a
// CLI caller (sectreectl trace) can emit a replayable record of a Find
// or Insert's path through the tree: a []btree.TraceEvent framed as
// length-prefixed big-endian fields, written to a file or pipe.
package diag

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"diskbtree/btree"
)

// frameMagic tags the start of every trace frame.
const frameMagic uint32 = 0x54524143 // "TRAC"

// EncodeTrace serializes a descent trace to w as a uint32 event count
// followed by one frame per event: magic, node LBA, internal flag, key
// index (as a signed int32), comparison sign, and the action tag's
// length-prefixed string bytes.
func EncodeTrace(w io.Writer, events []btree.TraceEvent) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(events))); err != nil {
		return fmt.Errorf("diag: write event count: %w", err)
	}

	for i, ev := range events {
		buf := new(bytes.Buffer)

		if err := binary.Write(buf, binary.BigEndian, frameMagic); err != nil {
			return fmt.Errorf("diag: frame %d: write magic: %w", i, err)
		}
		if err := binary.Write(buf, binary.BigEndian, ev.NodeLBA); err != nil {
			return fmt.Errorf("diag: frame %d: write node lba: %w", i, err)
		}

		var internal byte
		if ev.Internal {
			internal = 1
		}
		if err := buf.WriteByte(internal); err != nil {
			return fmt.Errorf("diag: frame %d: write internal flag: %w", i, err)
		}

		if err := binary.Write(buf, binary.BigEndian, int32(ev.KeyIndex)); err != nil {
			return fmt.Errorf("diag: frame %d: write key index: %w", i, err)
		}
		if err := buf.WriteByte(byte(ev.Comparison)); err != nil {
			return fmt.Errorf("diag: frame %d: write comparison: %w", i, err)
		}

		action := []byte(ev.Action)
		if err := binary.Write(buf, binary.BigEndian, uint32(len(action))); err != nil {
			return fmt.Errorf("diag: frame %d: write action length: %w", i, err)
		}
		if _, err := buf.Write(action); err != nil {
			return fmt.Errorf("diag: frame %d: write action: %w", i, err)
		}

		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("diag: frame %d: write: %w", i, err)
		}
	}
	return nil
}

// DecodeTrace is the inverse of EncodeTrace.
func DecodeTrace(r io.Reader) ([]btree.TraceEvent, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("diag: read event count: %w", err)
	}

	events := make([]btree.TraceEvent, 0, count)
	for i := uint32(0); i < count; i++ {
		var magic uint32
		if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read magic: %w", i, err)
		}
		if magic != frameMagic {
			return nil, fmt.Errorf("diag: frame %d: bad magic %#x", i, magic)
		}

		var ev btree.TraceEvent
		if err := binary.Read(r, binary.BigEndian, &ev.NodeLBA); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read node lba: %w", i, err)
		}

		internal := make([]byte, 1)
		if _, err := io.ReadFull(r, internal); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read internal flag: %w", i, err)
		}
		ev.Internal = internal[0] == 1

		var keyIndex int32
		if err := binary.Read(r, binary.BigEndian, &keyIndex); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read key index: %w", i, err)
		}
		ev.KeyIndex = int(keyIndex)

		cmp := make([]byte, 1)
		if _, err := io.ReadFull(r, cmp); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read comparison: %w", i, err)
		}
		ev.Comparison = int8(cmp[0])

		var actionLen uint32
		if err := binary.Read(r, binary.BigEndian, &actionLen); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read action length: %w", i, err)
		}
		action := make([]byte, actionLen)
		if _, err := io.ReadFull(r, action); err != nil {
			return nil, fmt.Errorf("diag: frame %d: read action: %w", i, err)
		}
		ev.Action = string(action)

		events = append(events, ev)
	}
	return events, nil
}
