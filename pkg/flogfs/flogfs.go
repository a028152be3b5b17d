package flogfs

import (
	"fmt"
	"sync"

	"github.com/newcuit/flogfs/pkg/flash"
)

type fsState int

const (
	stateReset fsState = iota
	stateMounted
)

// dirtyBlock records the single block that has been reserved by the
// allocator but not yet programmed with its sector-0 header. At most one
// exists system-wide; a new allocation first flushes the holder.
type dirtyBlock struct {
	block blockIdx
	file  *WriteFile
}

// pageCache remembers the last page handed to [flash.Device.OpenPage] so
// repeated accesses to the same page skip the device round trip.
type pageCache struct {
	open   bool
	block  blockIdx
	page   int
	result error
}

// FS is a flogfs filesystem instance bound to one flash device.
//
// Construct with [New], then [FS.Format] (once) and [FS.Mount]. All methods
// are safe for concurrent use.
type FS struct {
	// mu serializes every public operation.
	mu sync.Mutex

	// allocMu guards allocator state: the preallocation list, the rotating
	// cursor and the dirty block. Acquired only while mu and the device
	// lock are already held.
	allocMu sync.Mutex

	dev flash.Device
	geo flash.Geometry
	lay layout

	state fsState
	cache pageCache

	readFiles  []*ReadFile
	writeFiles []*WriteFile

	maxFileID     fileID
	numFiles      int
	numFreeBlocks int
	meanBlockAge  blockAge
	inode0        blockIdx
	t             timestamp

	// Allocator state, under allocMu.
	prealloc     preallocList
	dirty        dirtyBlock
	allocateHead blockIdx
}

// New binds a filesystem instance to a device and initializes it.
//
// The device geometry is validated and the device brought to a known state;
// the filesystem itself is not touched until [FS.Format] or [FS.Mount].
func New(dev flash.Device, opts Options) (*FS, error) {
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("flash init: %w", err)
	}

	hint := opts.AllocateHint % geo.NumBlocks
	if hint < 0 {
		hint = 0
	}

	fs := &FS{
		dev:          dev,
		geo:          geo,
		lay:          newLayout(geo),
		inode0:       blockIdxInvalid,
		dirty:        dirtyBlock{block: blockIdxInvalid},
		allocateHead: blockIdx(hint),
	}
	fs.prealloc.init(preallocSize)

	return fs, nil
}

// Stats returns a snapshot of the filesystem counters.
func (fs *FS) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return Stats{
		NumFiles:      fs.numFiles,
		NumFreeBlocks: fs.numFreeBlocks,
		MaxFileID:     uint32(fs.maxFileID),
		MeanBlockAge:  uint32(fs.meanBlockAge),
	}
}

// Close tears the instance down. It fails with [ErrBusy] while any file
// handle is open; afterwards the instance can be mounted again.
func (fs *FS) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.readFiles) > 0 || len(fs.writeFiles) > 0 {
		return fmt.Errorf("%d open handles: %w", len(fs.readFiles)+len(fs.writeFiles), ErrBusy)
	}

	fs.state = stateReset

	return nil
}

// checkMounted must be called with mu held.
func (fs *FS) checkMounted() error {
	if fs.state != stateMounted {
		return ErrNotMounted
	}

	return nil
}

// openPage opens a page through the cache: if the page is already the open
// one, the previous result is reused.
func (fs *FS) openPage(block blockIdx, page int) error {
	if fs.cache.open && fs.cache.block == block && fs.cache.page == page {
		return fs.cache.result
	}

	fs.cache.result = fs.dev.OpenPage(int(block), page)
	fs.cache.open = true
	fs.cache.block = block
	fs.cache.page = page

	return fs.cache.result
}

// openSector opens the page containing the given sector.
func (fs *FS) openSector(block blockIdx, sector int) error {
	return fs.openPage(block, sector/fs.lay.sectorsPerPage)
}

// closeSector drops the page cache. Required after erasing a block whose
// page may be the cached one.
func (fs *FS) closeSector() {
	fs.cache.open = false
}

// readAt opens the right page and copies len(dst) bytes from
// (block, sector, offset).
func (fs *FS) readAt(dst []byte, block blockIdx, sector, offset int) error {
	if err := fs.openSector(block, sector); err != nil {
		return err
	}

	return fs.dev.ReadSector(dst, sector%fs.lay.sectorsPerPage, offset)
}

// readSpare opens the right page and decodes the spare record of a sector.
func (fs *FS) readSpare(block blockIdx, sector int) (spareRecord, error) {
	if err := fs.openSector(block, sector); err != nil {
		return spareRecord{}, err
	}

	buf := make([]byte, spareRecordSize)
	if err := fs.dev.ReadSpare(buf, sector%fs.lay.sectorsPerPage); err != nil {
		return spareRecord{}, err
	}

	return decodeSpare(buf), nil
}

// writeAt stages a program of src at (sector, offset) of the currently
// open page. On failure the page cache is dropped, so the next access
// reopens the page and discards whatever was staged.
func (fs *FS) writeAt(src []byte, sector, offset int) error {
	err := fs.dev.WriteSector(src, sector%fs.lay.sectorsPerPage, offset)
	if err != nil {
		fs.closeSector()
	}

	return err
}

// writeSpare stages a spare program for a sector of the currently open
// page.
func (fs *FS) writeSpare(rec spareRecord, sector int) error {
	err := fs.dev.WriteSpare(encodeSpare(rec), sector%fs.lay.sectorsPerPage)
	if err != nil {
		fs.closeSector()
	}

	return err
}

// commit applies the staged program. A failed commit may leave staged
// bytes behind in the device; dropping the page cache forces a reopen
// that discards them before anything else is staged onto the page.
func (fs *FS) commit() error {
	err := fs.dev.Commit()
	if err != nil {
		fs.closeSector()
	}

	return err
}

// eraseBlock erases a block and drops the page cache.
func (fs *FS) eraseBlock(block blockIdx) error {
	err := fs.dev.EraseBlock(int(block))
	fs.closeSector()

	return err
}

// nextBlockOf reads the successor link from a block's tail sector. Valid
// for both inode and file blocks: the link is the first tail field in
// either layout. Returns the input when it is already invalid.
func (fs *FS) nextBlockOf(block blockIdx) (blockIdx, error) {
	if block == blockIdxInvalid {
		return block, nil
	}

	buf := make([]byte, 2)
	if err := fs.readAt(buf, block, fs.lay.tailSector, 0); err != nil {
		return blockIdxInvalid, err
	}

	return blockIdx(uint16(buf[0]) | uint16(buf[1])<<8), nil
}
