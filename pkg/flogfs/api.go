package flogfs

import "errors"

// Sentinel errors returned by flogfs operations.
//
// Callers should use [errors.Is] to classify errors; most are returned
// wrapped with context.
var (
	// ErrNotMounted indicates an operation before a successful [FS.Mount].
	ErrNotMounted = errors.New("flogfs: not mounted")

	// ErrMounted indicates an operation that requires an unmounted
	// filesystem, such as [FS.Format].
	ErrMounted = errors.New("flogfs: mounted")

	// ErrCorrupt indicates on-flash state that violates the format: an
	// unknown block type in the mount scan, or a missing directory head.
	//
	// Recovery: reformat the device.
	ErrCorrupt = errors.New("flogfs: corrupt")

	// ErrNotFound indicates the named file does not exist.
	ErrNotFound = errors.New("flogfs: file not found")

	// ErrNameTooLong indicates a filename of [MaxFilenameLen] bytes or more
	// was passed to an operation that does not truncate.
	ErrNameTooLong = errors.New("flogfs: filename too long")

	// ErrNoSpace indicates no free block could be allocated.
	//
	// A write that hits this keeps everything committed so far; retry
	// after deleting files.
	ErrNoSpace = errors.New("flogfs: no free blocks")

	// ErrBusy indicates a conflicting open handle: a second writer on the
	// same file, or a remove of an open file.
	ErrBusy = errors.New("flogfs: file busy")

	// ErrClosed indicates the handle was already closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("flogfs: closed")

	// ErrUnsupported indicates the operation is not implemented.
	// [ReadFile.Seek] always returns it.
	ErrUnsupported = errors.New("flogfs: unsupported")
)

// MaxFilenameLen is the size of the on-flash filename field in bytes,
// including the terminating zero byte; usable names are at most
// MaxFilenameLen-1 bytes.
//
// [FS.OpenRead] and [FS.Remove] reject longer names; [FS.OpenWrite]
// truncates them.
const MaxFilenameLen = 32

// Options configures [New].
//
// The zero value is usable; geometry comes from the device.
type Options struct {
	// AllocateHint positions the allocator's rotating cursor. Mostly a
	// test hook; the default of 0 is fine.
	AllocateHint int
}

// Stats is a point-in-time snapshot of filesystem counters.
type Stats struct {
	// NumFiles is the number of live files.
	NumFiles int

	// NumFreeBlocks counts unallocated blocks plus blocks freed by an
	// invalidation record.
	NumFreeBlocks int

	// MaxFileID is the highest file ID issued so far; IDs are sequential
	// and never reused.
	MaxFileID uint32

	// MeanBlockAge is the average reuse count over all blocks, sampled at
	// mount time.
	MeanBlockAge uint32
}
