package flogfs

import (
	"fmt"

	"github.com/newcuit/flogfs/logger"
)

// inodeIter walks the directory entries across the inode block chain.
//
// Entries occupy pairs of sectors starting at the first sector of each
// block's second page: the even sector holds the allocation record, the
// odd one the invalidation record. The iterator keeps the successor block
// link so advancing across blocks needs no re-read.
type inodeIter struct {
	block     blockIdx
	sector    int
	entryIdx  int
	chainIdx  uint16 // position of block within the inode chain
	nextBlock blockIdx
	atEnd     bool
}

// inodeIterInit positions an iterator at the first entry of the chain head.
func (fs *FS) inodeIterInit(iter *inodeIter, inode0 blockIdx) error {
	iter.block = inode0
	iter.sector = fs.lay.firstEntrySector
	iter.entryIdx = 0
	iter.atEnd = false

	next, err := fs.nextBlockOf(inode0)
	if err != nil {
		return fmt.Errorf("read inode tail: %w", err)
	}

	iter.nextBlock = next

	spare, err := fs.readSpare(inode0, 0)
	if err != nil {
		return fmt.Errorf("read inode spare: %w", err)
	}

	iter.chainIdx = spare.Count

	return nil
}

// inodeIterNext advances to the next entry pair, hopping to the successor
// block when the current one is exhausted. When no successor exists the
// iterator is at the logical end and inodePrepareNew must extend the
// chain before anything is written.
func (fs *FS) inodeIterNext(iter *inodeIter) error {
	iter.sector += 2
	iter.entryIdx++

	if iter.sector < fs.lay.sectorsPerBlock {
		return nil
	}

	if iter.nextBlock == blockIdxInvalid {
		iter.atEnd = true

		return nil
	}

	// The successor link may name a block whose inode header never got
	// programmed (power loss during chain extension). Hop only onto real
	// inode blocks; otherwise report end and let inodePrepareNew finish
	// the extension.
	spare, err := fs.readSpare(iter.nextBlock, 0)
	if err != nil {
		return fmt.Errorf("read inode successor spare: %w", err)
	}

	if spare.Type != blockTypeInode {
		logger.Warnf("flogfs: inode successor %d not initialized, deferring", iter.nextBlock)
		iter.atEnd = true

		return nil
	}

	iter.block = iter.nextBlock
	iter.chainIdx = spare.Count
	iter.sector = fs.lay.firstEntrySector

	next, err := fs.nextBlockOf(iter.block)
	if err != nil {
		return fmt.Errorf("read inode tail: %w", err)
	}

	iter.nextBlock = next

	return nil
}

// inodePrepareNew makes the entry under the iterator writable.
//
// Usually a no-op: the iterator already points at an unused entry pair.
// When that pair is the last one in its block, the successor inode block
// is allocated and initialized now, so the chain always terminates at a
// block with spare entries. When the iterator is at the logical end behind
// an announced-but-uninitialized successor, the interrupted extension is
// completed idempotently and the iterator moves into the new block.
//
// Must be called with the FS and device locks held.
func (fs *FS) inodePrepareNew(iter *inodeIter) error {
	if iter.atEnd {
		return fs.inodeCompleteExtension(iter)
	}

	if iter.sector != fs.lay.lastEntrySector() {
		return nil
	}

	if iter.nextBlock != blockIdxInvalid {
		logger.Warnf("flogfs: inode block %d already has successor %d", iter.block, iter.nextBlock)

		return nil
	}

	block, age, err := fs.claimBlock(nil)
	if err != nil {
		return err
	}

	newAge := age + 1
	fs.t++

	// Seal the current block's tail first: once the link is durable, a
	// power loss before the new header is written is repaired on the next
	// pass through this entry.
	if err := fs.openSector(iter.block, fs.lay.tailSector); err != nil {
		return fmt.Errorf("open inode tail: %w", err)
	}

	tail := inodeTailHeader{NextBlock: block, NextAge: newAge, Timestamp: fs.t}
	if err := fs.writeAt(encodeInodeTail(tail), fs.lay.tailSector, 0); err != nil {
		return fmt.Errorf("write inode tail: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit inode tail: %w", err)
	}

	iter.nextBlock = block

	return fs.inodeInitBlock(block, newAge, fs.t, iter.chainIdx+1)
}

// inodeCompleteExtension finishes a chain extension whose successor block
// was announced in the old tail but never initialized, then steps the
// iterator into it.
func (fs *FS) inodeCompleteExtension(iter *inodeIter) error {
	next, err := fs.nextBlockOf(iter.block)
	if err != nil {
		return fmt.Errorf("read inode tail: %w", err)
	}

	if next == blockIdxInvalid {
		// True end with no announcement: the caller advanced past a block
		// whose last entry was consumed without extension. Cannot happen
		// when extensions ran through inodePrepareNew.
		return fmt.Errorf("inode chain ends with full block %d: %w", iter.block, ErrCorrupt)
	}

	buf := make([]byte, inodeTailHeaderSize)
	if err := fs.readAt(buf, iter.block, fs.lay.tailSector, 0); err != nil {
		return fmt.Errorf("read inode tail: %w", err)
	}

	tail := decodeInodeTail(buf)

	fs.t++
	logger.Warnf("flogfs: completing interrupted inode extension into block %d", next)

	if err := fs.inodeInitBlock(next, tail.NextAge, fs.t, iter.chainIdx+1); err != nil {
		return err
	}

	iter.block = next
	iter.chainIdx++
	iter.sector = fs.lay.firstEntrySector
	iter.nextBlock = blockIdxInvalid
	iter.atEnd = false

	return nil
}

// inodeInitBlock erases a freshly claimed block and programs its inode
// sector-0 header and spare.
func (fs *FS) inodeInitBlock(block blockIdx, age blockAge, ts timestamp, chainIdx uint16) error {
	if err := fs.eraseBlock(block); err != nil {
		return fmt.Errorf("erase inode block: %w", err)
	}

	if err := fs.openPage(block, 0); err != nil {
		return fmt.Errorf("open inode block: %w", err)
	}

	hdr := inodeSector0Header{Age: age, Timestamp: ts}
	if err := fs.writeAt(encodeInodeSector0(hdr), 0, 0); err != nil {
		return fmt.Errorf("write inode header: %w", err)
	}

	spare := spareRecord{Type: blockTypeInode, Count: chainIdx}
	if err := fs.writeSpare(spare, 0); err != nil {
		return fmt.Errorf("write inode spare: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit inode header: %w", err)
	}

	return nil
}
