package btree

import "errors"

// ErrInvalidArgument covers a non-positive key size at Create, or an
// attach against a file that doesn't exist / can't be opened.
var ErrInvalidArgument = errors.New("btree: invalid argument")

// ErrIO wraps a failure from the underlying jdisk read or write. The
// tree's in-memory state should be discarded by the caller after seeing
// this error.
var ErrIO = errors.New("btree: io error")

// ErrCorruption is returned when a decoded sector violates an on-disk
// invariant: nkeys exceeds MAXKEY, an LBA falls outside
// [1, first_free_lba), or a superblock integrity check fails.
var ErrCorruption = errors.New("btree: corruption detected")

// ErrCapacityExhausted is returned from Insert when allocating a new LBA
// would exceed the disk's sector count.
var ErrCapacityExhausted = errors.New("btree: capacity exhausted")

// ErrSectorTooSmall is returned by Create when key_size is chosen such
// that MAXKEY would be less than 1.
var ErrSectorTooSmall = errors.New("btree: key size leaves no room for a single key per sector")

// ErrAlreadyAttached is returned when Create or Attach targets a path
// that already has a live *Tree in this process (see attachRegistry in
// registry.go).
var ErrAlreadyAttached = errors.New("btree: disk path already attached in this process")
