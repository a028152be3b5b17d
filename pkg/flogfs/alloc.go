package flogfs

import (
	"fmt"

	"github.com/newcuit/flogfs/logger"
)

// preallocSize bounds the in-memory cache of free blocks.
const preallocSize = 4

type preallocEntry struct {
	block blockIdx
	age   blockAge
}

// preallocList caches free blocks sorted ascending by age so allocations
// prefer the least-worn blocks. Bounded: when full, a candidate no younger
// than the oldest member is dropped, otherwise the oldest member is evicted.
type preallocList struct {
	entries []preallocEntry
	max     int
	ageSum  uint64
}

func (p *preallocList) init(max int) {
	p.entries = p.entries[:0]
	p.max = max
	p.ageSum = 0
}

func (p *preallocList) push(block blockIdx, age blockAge) {
	if len(p.entries) == p.max {
		if age >= p.entries[len(p.entries)-1].age {
			return
		}

		p.ageSum -= uint64(p.entries[len(p.entries)-1].age)
		p.entries = p.entries[:len(p.entries)-1]
	}

	pos := len(p.entries)
	for i, e := range p.entries {
		if age <= e.age {
			pos = i

			break
		}
	}

	p.entries = append(p.entries, preallocEntry{})
	copy(p.entries[pos+1:], p.entries[pos:])
	p.entries[pos] = preallocEntry{block: block, age: age}
	p.ageSum += uint64(age)
}

// pop removes and returns the youngest entry, or false when empty.
func (p *preallocList) pop() (preallocEntry, bool) {
	if len(p.entries) == 0 {
		return preallocEntry{}, false
	}

	e := p.entries[0]
	p.entries = p.entries[1:]
	p.ageSum -= uint64(e.age)

	return e, true
}

// remove drops a specific block if present. Used when mount-time recovery
// claims a block the scan had already cached as free.
func (p *preallocList) remove(block blockIdx) {
	for i, e := range p.entries {
		if e.block == block {
			p.ageSum -= uint64(e.age)
			p.entries = append(p.entries[:i], p.entries[i+1:]...)

			return
		}
	}
}

// claimBlock flushes any outstanding dirty block, allocates a free block,
// and (when owner is non-nil) records the new block as the dirty block
// leased to owner. The lease is consumed when owner commits the block's
// sector-0 header, or revoked by the next claim flushing owner first.
//
// Must be called with the FS and device locks held.
func (fs *FS) claimBlock(owner *WriteFile) (blockIdx, blockAge, error) {
	fs.allocMu.Lock()
	d := fs.dirty
	fs.allocMu.Unlock()

	if d.block != blockIdxInvalid {
		if err := fs.flushWrite(d.file); err != nil {
			return blockIdxInvalid, 0, fmt.Errorf("flush dirty block: %w", err)
		}
	}

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	block, age, err := fs.allocateBlock()
	if err != nil {
		return blockIdxInvalid, 0, err
	}

	if owner != nil {
		fs.dirty = dirtyBlock{block: block, file: owner}
	}

	return block, age, nil
}

// allocateBlock finds a free block, preferring the preallocation list and
// falling back to a bounded scan from the rotating cursor.
//
// Must be called with allocMu (and the FS and device locks) held.
func (fs *FS) allocateBlock() (blockIdx, blockAge, error) {
	if fs.numFreeBlocks == 0 {
		return blockIdxInvalid, 0, ErrNoSpace
	}

	if e, ok := fs.prealloc.pop(); ok {
		fs.numFreeBlocks--

		return e.block, e.age, nil
	}

	for range fs.geo.NumBlocks {
		block, age, free := fs.allocateIterate()
		if free {
			fs.numFreeBlocks--

			return block, age, nil
		}
	}

	logger.Warnf("flogfs: allocator found no free block despite %d counted", fs.numFreeBlocks)

	return blockIdxInvalid, 0, ErrNoSpace
}

// allocateIterate examines the block under the rotating cursor and
// advances the cursor. It reports whether the block is free, and at what
// age: a block whose sector-0 spare was never programmed has never been
// allocated (age 0); a block with a programmed invalidation record was
// freed and keeps its recorded age; anything else is in use.
func (fs *FS) allocateIterate() (blockIdx, blockAge, bool) {
	block := fs.allocateHead
	fs.allocateHead = (fs.allocateHead + 1) % blockIdx(fs.geo.NumBlocks)

	if err := fs.openSector(block, 0); err != nil {
		return blockIdxInvalid, 0, false
	}

	if bad, err := fs.dev.BlockIsBad(); err != nil || bad {
		return blockIdxInvalid, 0, false
	}

	spare, err := fs.readSpare(block, 0)
	if err != nil {
		return blockIdxInvalid, 0, false
	}

	var age blockAge

	switch spare.Type {
	case blockTypeUnallocated:
		return block, 0, true

	case blockTypeInode:
		buf := make([]byte, inodeSector0HeaderSize)
		if err := fs.readAt(buf, block, 0, 0); err != nil {
			return blockIdxInvalid, 0, false
		}

		age = decodeInodeSector0(buf).Age

	case blockTypeFile:
		buf := make([]byte, fileSector0HeaderSize)
		if err := fs.readAt(buf, block, 0, 0); err != nil {
			return blockIdxInvalid, 0, false
		}

		age = decodeFileSector0(buf).Age

	default:
		return blockIdxInvalid, 0, false
	}

	inv, err := fs.readInvalidation(block)
	if err != nil || inv.Timestamp == timestampInvalid {
		return blockIdxInvalid, 0, false
	}

	return block, age, true
}

// readInvalidation decodes a block's invalidation sector record.
func (fs *FS) readInvalidation(block blockIdx) (invalidationHeader, error) {
	buf := make([]byte, invalidationSize)
	if err := fs.readAt(buf, block, fs.lay.invalidationSector, 0); err != nil {
		return invalidationHeader{}, err
	}

	return decodeInvalidation(buf), nil
}
