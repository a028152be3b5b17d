package flogfs

import (
	"fmt"

	"github.com/newcuit/flogfs/logger"
)

// findFile walks the directory for a live entry named name.
//
// On a hit it returns the allocation record and the iterator parked on the
// entry. On a miss it returns ErrNotFound with the iterator parked on the
// first unused entry (or at the chain end), which is exactly where a new
// entry goes.
func (fs *FS) findFile(name string, iter *inodeIter) (allocRecord, error) {
	if err := fs.inodeIterInit(iter, fs.inode0); err != nil {
		return allocRecord{}, err
	}

	buf := make([]byte, allocRecordSize)

	for !iter.atEnd {
		if err := fs.readAt(buf, iter.block, iter.sector, 0); err != nil {
			return allocRecord{}, fmt.Errorf("read inode entry: %w", err)
		}

		rec := decodeAllocRecord(buf)
		if rec.FileID == fileIDInvalid {
			return allocRecord{}, ErrNotFound
		}

		if rec.Name == name {
			inv, err := fs.readEntryInvalidation(iter)
			if err != nil {
				return allocRecord{}, err
			}

			if inv.Timestamp == timestampInvalid {
				return rec, nil
			}
		}

		if err := fs.inodeIterNext(iter); err != nil {
			return allocRecord{}, err
		}
	}

	return allocRecord{}, ErrNotFound
}

// readEntryInvalidation reads the invalidation half of the entry pair
// under the iterator.
func (fs *FS) readEntryInvalidation(iter *inodeIter) (entryInvalidation, error) {
	buf := make([]byte, entryInvalidationSize)
	if err := fs.readAt(buf, iter.block, iter.sector+1, 0); err != nil {
		return entryInvalidation{}, fmt.Errorf("read entry invalidation: %w", err)
	}

	return decodeEntryInvalidation(buf), nil
}

// lastBlockOf follows tail links from first to the chain's final block.
//
// A healthy chain never revisits a block, so more hops than the device has
// blocks means a damaged link structure.
func (fs *FS) lastBlockOf(first blockIdx) (blockIdx, error) {
	block := first

	for range fs.geo.NumBlocks {
		next, err := fs.nextBlockOf(block)
		if err != nil {
			return blockIdxInvalid, err
		}

		if next == blockIdxInvalid {
			return block, nil
		}

		block = next
	}

	return blockIdxInvalid, fmt.Errorf("chain from %d does not terminate: %w", first, ErrCorrupt)
}

// Remove deletes a file.
//
// The inode invalidation record (naming the chain's last block) is
// programmed before the chain itself is invalidated, so a power loss
// mid-deletion is completed by the next mount. Fails with [ErrNotFound]
// for unknown names and [ErrBusy] while the file is open.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}

	if len(name) >= MaxFilenameLen {
		return ErrNameTooLong
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	var iter inodeIter

	rec, err := fs.findFile(name, &iter)
	if err != nil {
		return err
	}

	for _, rf := range fs.readFiles {
		if rf.id == rec.FileID {
			return fmt.Errorf("open for read: %w", ErrBusy)
		}
	}

	for _, wf := range fs.writeFiles {
		if wf.id == rec.FileID {
			return fmt.Errorf("open for write: %w", ErrBusy)
		}
	}

	last, err := fs.lastBlockOf(rec.FirstBlock)
	if err != nil {
		return err
	}

	fs.t++
	inv := entryInvalidation{Timestamp: fs.t, LastBlock: last}

	if err := fs.openSector(iter.block, iter.sector+1); err != nil {
		return fmt.Errorf("open entry invalidation: %w", err)
	}

	if err := fs.writeAt(encodeEntryInvalidation(inv), iter.sector+1, 0); err != nil {
		return fmt.Errorf("write entry invalidation: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit entry invalidation: %w", err)
	}

	// A power loss past this point is recovered at mount from last.

	if err := fs.invalidateChain(rec.FirstBlock); err != nil {
		return err
	}

	fs.numFiles--

	return nil
}

// invalidateChain programs the invalidation sector of every block in the
// chain starting at base, counting each newly freed block and caching it
// for reallocation. Already-invalidated blocks are skipped, so re-running
// after a partial pass is safe.
func (fs *FS) invalidateChain(base blockIdx) error {
	tailBuf := make([]byte, fileTailHeaderSize)
	first := base

	for range fs.geo.NumBlocks {
		if err := fs.readAt(tailBuf, base, fs.lay.tailSector, 0); err != nil {
			return fmt.Errorf("read tail of %d: %w", base, err)
		}

		tail := decodeFileTail(tailBuf)

		inv, err := fs.readInvalidation(base)
		if err != nil {
			return err
		}

		if inv.Timestamp != timestampInvalid {
			// Already freed; follow the chain unless this was its end.
			if inv.NextAge == ageInvalid || tail.NextBlock == blockIdxInvalid {
				return nil
			}

			base = tail.NextBlock

			continue
		}

		fs.t++
		rec := invalidationHeader{Timestamp: fs.t, NextAge: tail.NextAge}

		if err := fs.openSector(base, fs.lay.invalidationSector); err != nil {
			return fmt.Errorf("open invalidation of %d: %w", base, err)
		}

		if err := fs.writeAt(encodeInvalidation(rec), fs.lay.invalidationSector, 0); err != nil {
			return fmt.Errorf("write invalidation of %d: %w", base, err)
		}

		if err := fs.commit(); err != nil {
			return fmt.Errorf("commit invalidation of %d: %w", base, err)
		}

		fs.numFreeBlocks++
		fs.preallocFreed(base)

		if tail.NextBlock == blockIdxInvalid {
			return nil
		}

		base = tail.NextBlock
	}

	return fmt.Errorf("chain from %d does not terminate: %w", first, ErrCorrupt)
}

// preallocFreed offers a just-freed block to the preallocation list, using
// its recorded age (0 when the block never got a header).
func (fs *FS) preallocFreed(block blockIdx) {
	buf := make([]byte, fileSector0HeaderSize)
	if err := fs.readAt(buf, block, 0, 0); err != nil {
		return
	}

	age := decodeFileSector0(buf).Age
	if age == ageInvalid {
		age = 0
	}

	fs.allocMu.Lock()
	fs.prealloc.push(block, age)
	fs.allocMu.Unlock()
}

// LsIter iterates the filenames captured by [FS.StartLs].
type LsIter struct {
	names []string
	pos   int
}

// Next returns the next filename, or false when done.
func (it *LsIter) Next() (string, bool) {
	if it.pos >= len(it.names) {
		return "", false
	}

	name := it.names[it.pos]
	it.pos++

	return name, true
}

// Close releases the iterator. It never fails; the signature matches the
// open/close discipline of the other handles.
func (it *LsIter) Close() {
	it.names = nil
}

// StartLs captures a snapshot of all live filenames in creation order.
//
// The snapshot is taken under the filesystem lock; iterating it afterwards
// touches neither the filesystem nor the device.
func (fs *FS) StartLs() (*LsIter, error) {
	names, err := fs.ListFiles()
	if err != nil {
		return nil, err
	}

	return &LsIter{names: names}, nil
}

// ListFiles returns all live filenames in creation order.
func (fs *FS) ListFiles() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	var (
		iter  inodeIter
		names []string
	)

	if err := fs.inodeIterInit(&iter, fs.inode0); err != nil {
		return nil, err
	}

	buf := make([]byte, allocRecordSize)

	for !iter.atEnd {
		if err := fs.readAt(buf, iter.block, iter.sector, 0); err != nil {
			return nil, fmt.Errorf("read inode entry: %w", err)
		}

		rec := decodeAllocRecord(buf)
		if rec.FileID == fileIDInvalid {
			break
		}

		inv, err := fs.readEntryInvalidation(&iter)
		if err != nil {
			return nil, err
		}

		if inv.Timestamp == timestampInvalid {
			names = append(names, rec.Name)
		}

		if err := fs.inodeIterNext(&iter); err != nil {
			return nil, err
		}
	}

	if iter.atEnd {
		logger.Debugf("flogfs: directory scan hit chain end without terminator")
	}

	return names, nil
}
