package jdisk

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCreateAndAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jdisk")

	d, err := Create(path, 256*SectorSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := d.NumSectors(); got != 256 {
		t.Fatalf("NumSectors = %d, want 256", got)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Attach(path)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer d2.Close()
	if got := d2.NumSectors(); got != 256 {
		t.Fatalf("NumSectors after attach = %d, want 256", got)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jdisk")
	d, err := Create(path, 16*SectorSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0x5a}, SectorSize)
	if err := d.WriteSector(3, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := d.ReadSector(3, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back mismatch")
	}
}

func TestReadWriteOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jdisk")
	d, err := Create(path, 4*SectorSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	buf := make([]byte, SectorSize)
	if err := d.ReadSector(10, buf); err == nil {
		t.Fatal("expected ErrOutOfRange reading past capacity")
	}
	if err := d.WriteSector(10, buf); err == nil {
		t.Fatal("expected ErrOutOfRange writing past capacity")
	}
}

func TestWriteWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jdisk")
	d, err := Create(path, 4*SectorSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.WriteSector(0, make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}
