// Package jdisk implements the sector-addressed block device that the
// B-tree engine is built on top of: a single backing file, fixed-size
// 1024-byte sectors, addressed by logical block address (LBA).
package jdisk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SectorSize is the fixed size, in bytes, of every sector on a jdisk.
const SectorSize = 1024

// ErrOutOfRange is returned when an LBA falls outside the disk's capacity.
var ErrOutOfRange = errors.New("jdisk: lba out of range")

// Disk is a thread-safe handle onto a single backing file, read and
// written one sector at a time.
type Disk struct {
	file     *os.File
	path     string
	nsectors uint32
	mu       sync.RWMutex
}

// Create truncates or creates the file at path to hold size bytes
// (rounded down to a whole number of sectors) and returns a handle to it.
func Create(path string, size int64) (*Disk, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("jdisk: create %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("jdisk: create %s: %w", path, err)
	}

	nsectors := uint32(size / SectorSize)
	if err := f.Truncate(int64(nsectors) * SectorSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("jdisk: truncate %s: %w", path, err)
	}

	return &Disk{file: f, path: path, nsectors: nsectors}, nil
}

// Attach opens an existing backing file.
func Attach(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("jdisk: attach %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("jdisk: stat %s: %w", path, err)
	}

	return &Disk{file: f, path: path, nsectors: uint32(stat.Size() / SectorSize)}, nil
}

// Path returns the backing file's path.
func (d *Disk) Path() string {
	return d.path
}

// NumSectors returns the number of sectors the disk currently holds.
func (d *Disk) NumSectors() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nsectors
}

// ReadSector reads exactly SectorSize bytes from lba into buf.
func (d *Disk) ReadSector(lba uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("jdisk: read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if lba >= d.nsectors {
		return ErrOutOfRange
	}

	_, err := d.file.ReadAt(buf, int64(lba)*SectorSize)
	if err != nil {
		return fmt.Errorf("jdisk: read sector %d: %w", lba, err)
	}
	return nil
}

// WriteSector writes exactly SectorSize bytes from buf to lba.
func (d *Disk) WriteSector(lba uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("jdisk: write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if lba >= d.nsectors {
		return ErrOutOfRange
	}

	if _, err := d.file.WriteAt(buf, int64(lba)*SectorSize); err != nil {
		return fmt.Errorf("jdisk: write sector %d: %w", lba, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
