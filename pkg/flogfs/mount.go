package flogfs

import (
	"fmt"

	"github.com/newcuit/flogfs/logger"
)

// Format erases every usable block and writes a fresh directory head.
//
// The first non-bad block becomes the inode chain head with age 0,
// timestamp 0 and chain index 0. Format refuses to run on a mounted
// filesystem.
func (fs *FS) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state == stateMounted {
		return ErrMounted
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	firstValid := blockIdxInvalid

	for i := range fs.geo.NumBlocks {
		block := blockIdx(i)

		if err := fs.openPage(block, 0); err != nil {
			logger.Warnf("flogfs: format: open block %d: %v", i, err)

			continue
		}

		bad, err := fs.dev.BlockIsBad()
		if err != nil {
			return fmt.Errorf("bad-block check %d: %w", i, err)
		}

		if bad {
			logger.Infof("flogfs: format: skipping bad block %d", i)

			continue
		}

		if err := fs.eraseBlock(block); err != nil {
			return fmt.Errorf("erase block %d: %w", i, err)
		}

		if firstValid == blockIdxInvalid {
			firstValid = block
		}
	}

	if firstValid == blockIdxInvalid {
		return fmt.Errorf("no usable blocks: %w", ErrNoSpace)
	}

	if err := fs.openPage(firstValid, 0); err != nil {
		return fmt.Errorf("open inode0: %w", err)
	}

	hdr := inodeSector0Header{Age: 0, Timestamp: 0}
	if err := fs.writeAt(encodeInodeSector0(hdr), 0, 0); err != nil {
		return fmt.Errorf("write inode0 header: %w", err)
	}

	if err := fs.writeSpare(spareRecord{Type: blockTypeInode, Count: 0}, 0); err != nil {
		return fmt.Errorf("write inode0 spare: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit inode0: %w", err)
	}

	return nil
}

// scanClaim tracks the most recently announced block allocation observed
// during the mount scan, so an interrupted claim can be completed.
type scanClaim struct {
	block blockIdx
	age   blockAge
	id    fileID
	ts    timestamp
}

// scanDeletion tracks the most recent file deletion observed during the
// mount scan, so an interrupted chain invalidation can be completed.
type scanDeletion struct {
	firstBlock blockIdx
	lastBlock  blockIdx
	id         fileID
	ts         timestamp
}

// Mount scans the device, reconstructs all in-memory state and repairs any
// operation a power loss left half done. Mounting a mounted filesystem
// succeeds and changes nothing.
func (fs *FS) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state == stateMounted {
		return nil
	}

	fs.dev.Lock()
	defer fs.dev.Unlock()

	fs.resetState()

	lastAlloc, lastDel, err := fs.mountScanBlocks()
	if err != nil {
		return err
	}

	if fs.inode0 == blockIdxInvalid {
		logger.Errorf("flogfs: mount: no directory head found")

		return fmt.Errorf("no inode chain head: %w", ErrCorrupt)
	}

	if err := fs.mountScanInodes(&lastAlloc, &lastDel); err != nil {
		return err
	}

	if err := fs.mountFixAllocation(lastAlloc); err != nil {
		return err
	}

	if err := fs.mountFixDeletion(lastDel); err != nil {
		return err
	}

	fs.state = stateMounted

	return nil
}

// resetState clears everything a previous mount may have left behind.
func (fs *FS) resetState() {
	fs.maxFileID = 0
	fs.numFiles = 0
	fs.numFreeBlocks = 0
	fs.meanBlockAge = 0
	fs.inode0 = blockIdxInvalid
	fs.t = 0
	fs.dirty = dirtyBlock{block: blockIdxInvalid}
	fs.prealloc.init(preallocSize)
	fs.closeSector()
}

// bumpT raises the timestamp floor to a value observed on flash.
func (fs *FS) bumpT(ts timestamp) {
	if ts != timestampInvalid && ts > fs.t {
		fs.t = ts
	}
}

// mountScanBlocks is pass 1: classify every block from its first page,
// counting free blocks, seeding the preallocation list, tracking ages and
// timestamps, and remembering the most recent tail-announced allocation.
func (fs *FS) mountScanBlocks() (scanClaim, scanDeletion, error) {
	var (
		lastAlloc scanClaim
		lastDel   scanDeletion
		ageSum    uint64
	)

	lastDel.id = fileIDInvalid
	lastAlloc.block = blockIdxInvalid

	for i := range fs.geo.NumBlocks {
		block := blockIdx(i)

		if err := fs.openPage(block, 0); err != nil {
			logger.Debugf("flogfs: mount: open block %d: %v", i, err)

			continue
		}

		bad, err := fs.dev.BlockIsBad()
		if err != nil || bad {
			if bad {
				logger.Debugf("flogfs: mount: skipping bad block %d", i)
			}

			continue
		}

		spare, err := fs.readSpare(block, 0)
		if err != nil {
			continue
		}

		switch spare.Type {
		case blockTypeInode:
			if err := fs.mountScanInodeBlock(block, spare, &ageSum); err != nil {
				return lastAlloc, lastDel, err
			}

		case blockTypeFile:
			if err := fs.mountScanFileBlock(block, &lastAlloc, &ageSum); err != nil {
				return lastAlloc, lastDel, err
			}

		case blockTypeUnallocated:
			fs.numFreeBlocks++
			fs.prealloc.push(block, 0)

		default:
			logger.Errorf("flogfs: mount: block %d has unknown type 0x%02x", i, spare.Type)

			return lastAlloc, lastDel, fmt.Errorf("block %d type 0x%02x: %w", i, spare.Type, ErrCorrupt)
		}
	}

	fs.meanBlockAge = blockAge(ageSum / uint64(fs.geo.NumBlocks))

	return lastAlloc, lastDel, nil
}

func (fs *FS) mountScanInodeBlock(block blockIdx, spare spareRecord, ageSum *uint64) error {
	hdrBuf := make([]byte, inodeSector0HeaderSize)
	if err := fs.readAt(hdrBuf, block, 0, 0); err != nil {
		return fmt.Errorf("read inode header %d: %w", block, err)
	}

	hdr := decodeInodeSector0(hdrBuf)
	*ageSum += uint64(hdr.Age)
	fs.bumpT(hdr.Timestamp)

	tailBuf := make([]byte, inodeTailHeaderSize)
	if err := fs.readAt(tailBuf, block, fs.lay.tailSector, 0); err != nil {
		return fmt.Errorf("read inode tail %d: %w", block, err)
	}

	fs.bumpT(decodeInodeTail(tailBuf).Timestamp)

	inv, err := fs.readInvalidation(block)
	if err != nil {
		return fmt.Errorf("read invalidation %d: %w", block, err)
	}

	if inv.Timestamp != timestampInvalid {
		fs.bumpT(inv.Timestamp)
		fs.numFreeBlocks++
		fs.prealloc.push(block, hdr.Age)

		return nil
	}

	if spare.Count == 0 {
		fs.inode0 = block
	}

	return nil
}

func (fs *FS) mountScanFileBlock(block blockIdx, lastAlloc *scanClaim, ageSum *uint64) error {
	hdrBuf := make([]byte, fileSector0HeaderSize)
	if err := fs.readAt(hdrBuf, block, 0, 0); err != nil {
		return fmt.Errorf("read file header %d: %w", block, err)
	}

	hdr := decodeFileSector0(hdrBuf)
	*ageSum += uint64(hdr.Age)

	tailBuf := make([]byte, fileTailHeaderSize)
	if err := fs.readAt(tailBuf, block, fs.lay.tailSector, 0); err != nil {
		return fmt.Errorf("read file tail %d: %w", block, err)
	}

	tail := decodeFileTail(tailBuf)
	if tail.Timestamp != timestampInvalid {
		fs.bumpT(tail.Timestamp)

		if tail.Timestamp > lastAlloc.ts {
			*lastAlloc = scanClaim{
				block: tail.NextBlock,
				age:   tail.NextAge,
				id:    hdr.FileID,
				ts:    tail.Timestamp,
			}
		}
	}

	inv, err := fs.readInvalidation(block)
	if err != nil {
		return fmt.Errorf("read invalidation %d: %w", block, err)
	}

	if inv.Timestamp != timestampInvalid {
		fs.bumpT(inv.Timestamp)
		fs.numFreeBlocks++
		fs.prealloc.push(block, hdr.Age)
	}

	return nil
}

// mountScanInodes is pass 2: walk the directory, recovering the maximum
// file ID, the live-file count, and the most recent allocation and
// deletion stamped in inode entries.
func (fs *FS) mountScanInodes(lastAlloc *scanClaim, lastDel *scanDeletion) error {
	var iter inodeIter

	if err := fs.inodeIterInit(&iter, fs.inode0); err != nil {
		return err
	}

	buf := make([]byte, allocRecordSize)

	for !iter.atEnd {
		if err := fs.readAt(buf, iter.block, iter.sector, 0); err != nil {
			return fmt.Errorf("read inode entry: %w", err)
		}

		rec := decodeAllocRecord(buf)
		if rec.FileID == fileIDInvalid {
			break
		}

		// Entries are issued sequentially; the last one seen is the max.
		fs.maxFileID = rec.FileID
		fs.bumpT(rec.Timestamp)

		inv, err := fs.readEntryInvalidation(&iter)
		if err != nil {
			return err
		}

		if inv.Timestamp == timestampInvalid {
			fs.numFiles++

			if rec.Timestamp > lastAlloc.ts {
				*lastAlloc = scanClaim{
					block: rec.FirstBlock,
					age:   rec.FirstBlockAge,
					id:    rec.FileID,
					ts:    rec.Timestamp,
				}
			}
		} else {
			fs.bumpT(inv.Timestamp)

			if inv.Timestamp > lastDel.ts {
				*lastDel = scanDeletion{
					firstBlock: rec.FirstBlock,
					lastBlock:  inv.LastBlock,
					id:         rec.FileID,
					ts:         inv.Timestamp,
				}
			}
		}

		if err := fs.inodeIterNext(&iter); err != nil {
			return err
		}
	}

	return nil
}

// mountFixAllocation is pass 3: if the most recent announced allocation
// names a block that never received its header, the claim is completed
// idempotently — erase, then program the header the announcement promised.
func (fs *FS) mountFixAllocation(lastAlloc scanClaim) error {
	if lastAlloc.ts == 0 || lastAlloc.block == blockIdxInvalid {
		return nil
	}

	hdrBuf := make([]byte, fileSector0HeaderSize)
	if err := fs.readAt(hdrBuf, lastAlloc.block, 0, 0); err != nil {
		return fmt.Errorf("read claimed block %d: %w", lastAlloc.block, err)
	}

	if decodeFileSector0(hdrBuf).FileID == lastAlloc.id {
		return nil
	}

	logger.Warnf("flogfs: mount: completing interrupted allocation of block %d for file %d",
		lastAlloc.block, lastAlloc.id)

	if err := fs.eraseBlock(lastAlloc.block); err != nil {
		return fmt.Errorf("erase claimed block: %w", err)
	}

	if err := fs.openPage(lastAlloc.block, 0); err != nil {
		return fmt.Errorf("open claimed block: %w", err)
	}

	hdr := fileSector0Header{FileID: lastAlloc.id, Age: lastAlloc.age}
	if err := fs.writeAt(encodeFileSector0(hdr), 0, 0); err != nil {
		return fmt.Errorf("write claimed header: %w", err)
	}

	if err := fs.writeSpare(spareRecord{Type: blockTypeFile, Count: 0}, 0); err != nil {
		return fmt.Errorf("write claimed spare: %w", err)
	}

	if err := fs.commit(); err != nil {
		return fmt.Errorf("commit claimed header: %w", err)
	}

	// The block was counted free by pass 1 under its stale state; it is
	// claimed now.
	fs.numFreeBlocks--
	fs.prealloc.remove(lastAlloc.block)
	fs.bumpT(lastAlloc.ts + 1)

	return nil
}

// mountFixDeletion is pass 4: if the most recent deletion's chain still
// carries live blocks, re-run the invalidation from the first block.
func (fs *FS) mountFixDeletion(lastDel scanDeletion) error {
	if lastDel.ts == 0 || lastDel.id == fileIDInvalid {
		return nil
	}

	hdrBuf := make([]byte, fileSector0HeaderSize)
	if err := fs.readAt(hdrBuf, lastDel.lastBlock, 0, 0); err != nil {
		return fmt.Errorf("read deleted block %d: %w", lastDel.lastBlock, err)
	}

	if decodeFileSector0(hdrBuf).FileID != lastDel.id {
		// The chain has since been reclaimed; nothing left to do.
		return nil
	}

	inv, err := fs.readInvalidation(lastDel.lastBlock)
	if err != nil {
		return err
	}

	if inv.Timestamp != timestampInvalid {
		return nil
	}

	logger.Warnf("flogfs: mount: completing interrupted deletion of file %d", lastDel.id)

	return fs.invalidateChain(lastDel.firstBlock)
}
