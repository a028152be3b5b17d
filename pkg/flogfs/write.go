package flogfs

import (
	"errors"
	"fmt"
	"slices"
)

// WriteFile is an append handle to one file.
//
// Bytes are buffered per sector and programmed when the sector fills, on
// [WriteFile.Sync], or on [WriteFile.Close]. Methods must not be called
// concurrently with each other; distinct files are independent.
type WriteFile struct {
	fs *FS

	id       fileID
	name     string
	block    blockIdx
	blockAge blockAge

	sector          int
	offset          int // within sector, header included
	sectorRemaining int
	bytesInBlock    uint32
	writeHead       int64

	buf  []byte // sector staging: header (when any) followed by payload
	open bool
}

// OpenWrite opens a file for appending, creating it if necessary.
//
// Names longer than [MaxFilenameLen]-1 bytes are truncated. Opening a file
// already open for writing fails with [ErrBusy].
func (fs *FS) OpenWrite(name string) (*WriteFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	if len(name) >= MaxFilenameLen {
		name = name[:MaxFilenameLen-1]
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	for _, wf := range fs.writeFiles {
		if wf.name == name {
			return nil, fmt.Errorf("%q: %w", name, ErrBusy)
		}
	}

	f := &WriteFile{
		fs:   fs,
		name: name,
		buf:  make([]byte, fs.lay.sectorSize),
	}

	var iter inodeIter

	rec, err := fs.findFile(name, &iter)

	switch {
	case err == nil:
		if err := fs.openWriteExisting(f, rec); err != nil {
			return nil, err
		}

	case errors.Is(err, ErrNotFound):
		if err := fs.openWriteCreate(f, &iter); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	f.open = true
	fs.writeFiles = append(fs.writeFiles, f)

	return f, nil
}

// openWriteExisting walks the file chain to position the write cursor at
// the logical end: past every sealed block, then past every programmed
// sector of the unsealed one.
func (fs *FS) openWriteExisting(f *WriteFile, rec allocRecord) error {
	f.id = rec.FileID
	f.block = rec.FirstBlock
	f.blockAge = rec.FirstBlockAge

	tailBuf := make([]byte, fileTailHeaderSize)
	sealed := 0

	for {
		if err := fs.readAt(tailBuf, f.block, fs.lay.tailSector, 0); err != nil {
			return fmt.Errorf("read tail of %d: %w", f.block, err)
		}

		tail := decodeFileTail(tailBuf)
		if tail.Timestamp == timestampInvalid {
			break
		}

		if sealed++; sealed > fs.geo.NumBlocks {
			return fmt.Errorf("chain of file %d does not terminate: %w", f.id, ErrCorrupt)
		}

		f.writeHead += int64(tail.BytesInBlock)
		f.block = tail.NextBlock
		f.blockAge = tail.NextAge
	}

	// Scan the unsealed block sector by sector for the first unwritten
	// one.
	spare, err := fs.readSpare(f.block, 0)
	if err != nil {
		return fmt.Errorf("read spare: %w", err)
	}

	if spare.Count == nbytesInvalid {
		// The block was announced but its header is not programmed yet
		// (or an empty fresh block after recovery): writing starts at
		// sector 0.
		f.sector = 0
		f.offset = fileSector0HeaderSize
		f.sectorRemaining = fs.lay.sectorSize - f.offset

		return nil
	}

	f.writeHead += int64(spare.Count)
	f.bytesInBlock += uint32(spare.Count)
	f.sector = fs.lay.nextSector(0)

	for {
		spare, err := fs.readSpare(f.block, f.sector)
		if err != nil {
			return fmt.Errorf("read spare: %w", err)
		}

		if spare.Count == nbytesInvalid {
			f.offset = 0
			if f.sector == fs.lay.tailSector {
				f.offset = fileTailHeaderSize
			}

			f.sectorRemaining = fs.lay.sectorSize - f.offset

			return nil
		}

		if f.sector == fs.lay.tailSector {
			// A programmed tail spare under an unwritten tail timestamp
			// cannot happen; the block would have been sealed.
			return fmt.Errorf("unsealed block %d has programmed tail: %w", f.block, ErrCorrupt)
		}

		f.writeHead += int64(spare.Count)
		f.bytesInBlock += uint32(spare.Count)
		f.sector = fs.lay.nextSector(f.sector)
	}
}

// openWriteCreate claims an inode entry and a first block for a new file.
//
// The allocation record naming the block is programmed before the block is
// erased: if power fails between the two, the mount scan detects the
// header mismatch and completes the claim.
func (fs *FS) openWriteCreate(f *WriteFile, iter *inodeIter) (err error) {
	if err := fs.inodePrepareNew(iter); err != nil {
		return err
	}

	block, age, err := fs.claimBlock(f)
	if err != nil {
		return err
	}

	// The lease must not outlive a failed open: the holder never makes it
	// into the open-write list.
	defer func() {
		if err != nil {
			fs.revokeLease(f)
		}
	}()

	fs.maxFileID++
	fs.t++

	rec := allocRecord{
		FileID:        fs.maxFileID,
		FirstBlock:    block,
		FirstBlockAge: age + 1,
		Timestamp:     fs.t,
		Name:          f.name,
	}

	if err := fs.openSector(iter.block, iter.sector); err != nil {
		return fmt.Errorf("open inode entry: %w", err)
	}

	if err := fs.writeAt(encodeAllocRecord(rec), iter.sector, 0); err != nil {
		return fmt.Errorf("write inode entry: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit inode entry: %w", err)
	}

	// From here on the directory names the file. If the claim cannot be
	// finished, invalidate the entry so the half-created file never lists
	// as live; a power loss instead of an error is healed by the mount
	// fixup.
	if age > 0 {
		if err := fs.eraseBlock(block); err != nil {
			fs.abandonEntry(iter, block)

			return fmt.Errorf("erase claimed block: %w", err)
		}
	}

	f.id = rec.FileID
	f.block = block
	f.blockAge = rec.FirstBlockAge
	f.sector = 0
	f.offset = fileSector0HeaderSize
	f.sectorRemaining = fs.lay.sectorSize - f.offset

	fs.numFiles++

	return nil
}

// Write appends p to the file.
//
// Whole sectors are committed as they fill; the remainder stays buffered
// until the next commit point. When allocation fails mid-write the bytes
// accepted so far stay committed and n reflects them.
func (f *WriteFile) Write(p []byte) (int, error) {
	fs := f.fs

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.open {
		return 0, ErrClosed
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	count := 0

	for len(p) > 0 {
		if len(p) >= f.sectorRemaining {
			n := f.sectorRemaining
			if err := fs.commitSector(f, p[:n]); err != nil {
				return count, err
			}

			count += n
			p = p[n:]

			continue
		}

		copy(f.buf[f.offset:], p)
		f.offset += len(p)
		f.sectorRemaining -= len(p)
		f.bytesInBlock += uint32(len(p))
		f.writeHead += int64(len(p))
		count += len(p)
		p = nil
	}

	return count, nil
}

// Sync commits the buffered partial sector to flash, if any.
//
// Syncing a full tail sector allocates the successor block and may fail
// with [ErrNoSpace]; everything previously committed stays intact.
func (f *WriteFile) Sync() error {
	fs := f.fs

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.open {
		return ErrClosed
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	return fs.flushWrite(f)
}

// Close flushes buffered data and releases the handle. Double close fails
// with [ErrClosed].
func (f *WriteFile) Close() error {
	fs := f.fs

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.open {
		return ErrClosed
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	err := fs.flushWrite(f)

	f.open = false
	fs.writeFiles = slices.DeleteFunc(fs.writeFiles, func(w *WriteFile) bool { return w == f })

	return err
}

// Name returns the (possibly truncated) name the handle was opened with.
func (f *WriteFile) Name() string { return f.name }

// flushWrite commits the current sector when it holds anything beyond its
// header. A descriptor parked at an untouched sector 0 is still committed:
// that write installs the block header and consumes a pending allocation
// lease.
func (fs *FS) flushWrite(f *WriteFile) error {
	if f.offset == fs.lay.headerSize(f.sector) && f.sector != 0 {
		return nil
	}

	return fs.commitSector(f, nil)
}

// commitSector programs the current sector: the staged header and payload
// from the descriptor buffer, then data, then the spare record.
//
// For the tail sector this seals the block: the successor block is claimed
// first (the seal names it), and sealing is refused when allocation fails
// so the chain never ends in a dead link.
func (fs *FS) commitSector(f *WriteFile, data []byte) error {
	if f.sector == fs.lay.tailSector {
		return fs.commitTailSector(f, data)
	}

	fs.allocMu.Lock()
	if fs.dirty.file == f {
		// The header programmed below makes the block durable; the lease
		// is consumed.
		fs.dirty = dirtyBlock{block: blockIdxInvalid}
	}
	fs.allocMu.Unlock()

	hdrSize := fs.lay.headerSize(f.sector)
	if f.sector == 0 {
		copy(f.buf, encodeFileSector0(fileSector0Header{FileID: f.id, Age: f.blockAge}))
	}

	n := len(data)
	payload := f.offset - hdrSize + n
	spare := spareRecord{Type: blockTypeFile, Count: uint16(payload)}

	if err := fs.openSector(f.block, f.sector); err != nil {
		return fmt.Errorf("open sector: %w", err)
	}

	if f.offset > 0 {
		if err := fs.writeAt(f.buf[:f.offset], f.sector, 0); err != nil {
			return fmt.Errorf("write sector: %w", err)
		}
	}

	if n > 0 {
		if err := fs.writeAt(data, f.sector, f.offset); err != nil {
			return fmt.Errorf("write sector: %w", err)
		}
	}

	if err := fs.writeSpare(spare, f.sector); err != nil {
		return fmt.Errorf("write spare: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit sector: %w", err)
	}

	f.sector = fs.lay.nextSector(f.sector)
	f.offset = fs.lay.headerSize(f.sector)
	f.bytesInBlock += uint32(n)
	f.sectorRemaining = fs.lay.sectorSize - f.offset
	f.writeHead += int64(n)

	return nil
}

// abandonEntry invalidates a freshly written allocation record whose claim
// could not be completed. Best effort: on failure the entry stays live and
// the next mount's allocation fixup repairs the block instead.
func (fs *FS) abandonEntry(iter *inodeIter, block blockIdx) {
	fs.t++
	rec := entryInvalidation{Timestamp: fs.t, LastBlock: block}

	if err := fs.openSector(iter.block, iter.sector+1); err != nil {
		return
	}

	if err := fs.writeAt(encodeEntryInvalidation(rec), iter.sector+1, 0); err != nil {
		return
	}

	_ = fs.commit()
}

// revokeLease drops the dirty-block lease if f holds it. Used on error
// paths where the leased block's header will not be written; without this
// a later flush would try to commit through a descriptor that never moved
// into the block.
func (fs *FS) revokeLease(f *WriteFile) {
	fs.allocMu.Lock()
	if fs.dirty.file == f {
		fs.dirty = dirtyBlock{block: blockIdxInvalid}
	}
	fs.allocMu.Unlock()
}

// commitTailSector seals the current block and advances the descriptor
// into a freshly claimed successor.
func (fs *FS) commitTailSector(f *WriteFile, data []byte) (err error) {
	block, age, err := fs.claimBlock(f)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			fs.revokeLease(f)
		}
	}()

	// Unlike the new-file path, the reused block is erased before the seal
	// that announces it: an erased block still reads as free, so a power
	// loss in between leaves nothing to repair. Erasing after the seal
	// would leave a failed erase unrecoverable here, since a tail can only
	// be programmed once.
	if age > 0 {
		if err := fs.eraseBlock(block); err != nil {
			return fmt.Errorf("erase claimed block: %w", err)
		}
	}

	n := len(data)
	nextAge := age + 1
	fs.t++

	hdr := fileTailHeader{
		NextBlock:    block,
		NextAge:      nextAge,
		Timestamp:    fs.t,
		BytesInBlock: f.bytesInBlock + uint32(n),
	}
	copy(f.buf, encodeFileTail(hdr))

	payload := f.offset - fileTailHeaderSize + n
	spare := spareRecord{Type: blockTypeFile, Count: uint16(payload)}

	if err := fs.openSector(f.block, fs.lay.tailSector); err != nil {
		return fmt.Errorf("open tail: %w", err)
	}

	if err := fs.writeAt(f.buf[:f.offset], fs.lay.tailSector, 0); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}

	if n > 0 {
		if err := fs.writeAt(data, fs.lay.tailSector, f.offset); err != nil {
			return fmt.Errorf("write tail: %w", err)
		}
	}

	if err := fs.writeSpare(spare, fs.lay.tailSector); err != nil {
		return fmt.Errorf("write tail spare: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit tail: %w", err)
	}

	f.block = block
	f.blockAge = nextAge
	f.sector = 0
	f.offset = fileSector0HeaderSize
	f.sectorRemaining = fs.lay.sectorSize - f.offset
	f.bytesInBlock = 0
	f.writeHead += int64(n)

	return nil
}
