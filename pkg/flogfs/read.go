package flogfs

import (
	"fmt"
	"io"
	"slices"
)

// ReadFile is a sequential read handle to one file.
//
// It implements [io.Reader]; Seek is unsupported. Reads see committed
// sectors only: bytes buffered by a concurrent writer appear once their
// sector is programmed. Methods must not be called concurrently with each
// other; distinct files are independent.
type ReadFile struct {
	fs *FS

	id    fileID
	block blockIdx

	sector          int
	offset          int
	sectorRemaining int
	readHead        int64

	// probePending marks a descriptor parked on a sector whose spare was
	// not yet programmed when we got here; the next read probes it again
	// instead of advancing past it.
	probePending bool

	open bool
}

// OpenRead opens a file for reading from the start.
//
// Fails with [ErrNotFound] for unknown names and [ErrNameTooLong] for
// names that cannot exist.
func (fs *FS) OpenRead(name string) (*ReadFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	if len(name) >= MaxFilenameLen {
		return nil, ErrNameTooLong
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	var iter inodeIter

	rec, err := fs.findFile(name, &iter)
	if err != nil {
		return nil, err
	}

	f := &ReadFile{fs: fs, id: rec.FileID, block: rec.FirstBlock}

	spare, err := fs.readSpare(f.block, 0)
	if err != nil {
		return nil, fmt.Errorf("read spare: %w", err)
	}

	switch {
	case spare.Count == nbytesInvalid:
		// Sector 0 not programmed yet; probe it again on the first read.
		f.sector = 0
		f.offset = fileSector0HeaderSize
		f.probePending = true

	case spare.Count == 0:
		if err := fs.readStartAtSector1(f); err != nil {
			return nil, err
		}

	default:
		f.sector = 0
		f.offset = fileSector0HeaderSize
		f.sectorRemaining = int(spare.Count)
	}

	f.open = true
	fs.readFiles = append(fs.readFiles, f)

	return f, nil
}

// readStartAtSector1 positions a descriptor at sector 1 after an empty
// sector 0.
func (fs *FS) readStartAtSector1(f *ReadFile) error {
	spare, err := fs.readSpare(f.block, 1)
	if err != nil {
		return fmt.Errorf("read spare: %w", err)
	}

	f.sector = 1
	f.offset = 0

	if spare.Count == nbytesInvalid {
		f.sectorRemaining = 0
		f.probePending = true
	} else {
		f.sectorRemaining = int(spare.Count)
		f.probePending = false
	}

	return nil
}

// Read copies up to len(p) bytes into p.
//
// At end of data it returns fewer bytes than requested; when no bytes are
// available it returns 0, [io.EOF]. If the file is appended to later,
// subsequent reads continue from the same position.
func (f *ReadFile) Read(p []byte) (int, error) {
	fs := f.fs

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.open {
		return 0, ErrClosed
	}

	if err := fs.checkMounted(); err != nil {
		return 0, err
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	count := 0

	for len(p) > 0 {
		if f.sectorRemaining == 0 {
			ok, err := fs.readAdvance(f)
			if err != nil {
				return count, err
			}

			if !ok {
				break
			}

			continue
		}

		n := min(len(p), f.sectorRemaining)
		if err := fs.readAt(p[:n], f.block, f.sector, f.offset); err != nil {
			return count, fmt.Errorf("read sector: %w", err)
		}

		f.offset += n
		f.sectorRemaining -= n
		f.readHead += int64(n)
		count += n
		p = p[n:]
	}

	if count == 0 && len(p) > 0 {
		return 0, io.EOF
	}

	return count, nil
}

// readAdvance moves the descriptor to the next sector holding data.
//
// It is transactional: when the next sector (or next block) is not written
// yet, the descriptor is left untouched and false is returned, so a later
// read after an append retries from the same spot.
func (fs *FS) readAdvance(f *ReadFile) (bool, error) {
	if f.probePending {
		return fs.readProbe(f)
	}

	if f.sector == fs.lay.tailSector {
		return fs.readHopBlock(f)
	}

	next := fs.lay.nextSector(f.sector)

	spare, err := fs.readSpare(f.block, next)
	if err != nil {
		return false, fmt.Errorf("read spare: %w", err)
	}

	if spare.Count == nbytesInvalid {
		return false, nil
	}

	f.sector = next
	f.offset = fs.lay.headerSize(next)
	f.sectorRemaining = int(spare.Count)

	// A written sector can carry zero payload (a bare flush); report it
	// consumed and let the caller advance again.
	return true, nil
}

// readProbe re-examines the descriptor's current sector, used when a prior
// advance parked on an unwritten sector.
func (fs *FS) readProbe(f *ReadFile) (bool, error) {
	spare, err := fs.readSpare(f.block, f.sector)
	if err != nil {
		return false, fmt.Errorf("read spare: %w", err)
	}

	if spare.Count == nbytesInvalid {
		return false, nil
	}

	if f.sector == 0 && spare.Count == 0 {
		if err := fs.readStartAtSector1(f); err != nil {
			return false, err
		}

		return !f.probePending, nil
	}

	f.sectorRemaining = int(spare.Count)
	f.probePending = false

	return true, nil
}

// readHopBlock follows the tail link into the next block of the chain.
func (fs *FS) readHopBlock(f *ReadFile) (bool, error) {
	tailBuf := make([]byte, fileTailHeaderSize)
	if err := fs.readAt(tailBuf, f.block, fs.lay.tailSector, 0); err != nil {
		return false, fmt.Errorf("read tail: %w", err)
	}

	next := decodeFileTail(tailBuf).NextBlock
	if next == blockIdxInvalid {
		return false, nil
	}

	hdrBuf := make([]byte, fileSector0HeaderSize)
	if err := fs.readAt(hdrBuf, next, 0, 0); err != nil {
		return false, fmt.Errorf("read header: %w", err)
	}

	if decodeFileSector0(hdrBuf).FileID != f.id {
		// The announced block was never initialized: end of data for now.
		return false, nil
	}

	spare, err := fs.readSpare(next, 0)
	if err != nil {
		return false, fmt.Errorf("read spare: %w", err)
	}

	f.block = next

	if spare.Count == 0 || spare.Count == nbytesInvalid {
		return fs.hopToSector1(f, spare.Count == nbytesInvalid)
	}

	f.sector = 0
	f.offset = fileSector0HeaderSize
	f.sectorRemaining = int(spare.Count)
	f.probePending = false

	return true, nil
}

// hopToSector1 lands a block hop on sector 1 (or parks on sector 0 when
// even its spare is unwritten).
func (fs *FS) hopToSector1(f *ReadFile, sector0Unwritten bool) (bool, error) {
	if sector0Unwritten {
		f.sector = 0
		f.offset = fileSector0HeaderSize
		f.sectorRemaining = 0
		f.probePending = true

		return false, nil
	}

	if err := fs.readStartAtSector1(f); err != nil {
		return false, err
	}

	return !f.probePending, nil
}

// Seek is unsupported and always fails.
func (f *ReadFile) Seek(offset int64, whence int) (int64, error) {
	return 0, ErrUnsupported
}

// Close releases the handle. Double close fails with [ErrClosed].
func (f *ReadFile) Close() error {
	fs := f.fs

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.open {
		return ErrClosed
	}

	f.open = false
	fs.readFiles = slices.DeleteFunc(fs.readFiles, func(r *ReadFile) bool { return r == f })

	return nil
}
