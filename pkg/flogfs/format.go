package flogfs

import (
	"bytes"
	"encoding/binary"

	"github.com/newcuit/flogfs/pkg/flash"
)

// On-flash integer types. Erased NAND reads as all-ones, so the all-ones
// pattern of each width is the "never written" sentinel.
type (
	blockIdx  uint16
	blockAge  uint32
	timestamp uint32
	fileID    uint32
)

const (
	blockIdxInvalid  blockIdx  = 0xFFFF
	ageInvalid       blockAge  = 0xFFFFFFFF
	timestampInvalid timestamp = 0xFFFFFFFF
	fileIDInvalid    fileID    = 0xFFFFFFFF
	nbytesInvalid    uint16    = 0xFFFF
)

// Block type tags stored in the spare area of sector 0.
const (
	blockTypeInode       = 0x01
	blockTypeFile        = 0x02
	blockTypeUnallocated = 0xFF // erased spare
)

// Record sizes. All records use little-endian fixed-width integers with
// natural packing; 16-bit fields that precede 32-bit fields are padded to
// the next 32-bit boundary.
const (
	fileSector0HeaderSize  = 8  // file_id u32, age u32
	inodeSector0HeaderSize = 8  // age u32, timestamp u32
	fileTailHeaderSize     = 16 // next_block u16 +pad, next_age u32, timestamp u32, bytes_in_block u32
	inodeTailHeaderSize    = 12 // next_block u16 +pad, next_age u32, timestamp u32
	invalidationSize       = 8  // timestamp u32, next_age u32
	allocHeaderSize        = 16 // file_id u32, first_block u16 +pad, first_block_age u32, timestamp u32
	allocRecordSize        = allocHeaderSize + MaxFilenameLen
	entryInvalidationSize  = 8 // timestamp u32, last_block u16 +pad
	spareRecordSize        = 4 // type u8, reserved u8, nbytes/inode_index u16
)

// fileSector0Header sits at the start of sector 0 of every file block.
type fileSector0Header struct {
	FileID fileID
	Age    blockAge
}

func encodeFileSector0(h fileSector0Header) []byte {
	buf := make([]byte, fileSector0HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.FileID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.Age))

	return buf
}

func decodeFileSector0(buf []byte) fileSector0Header {
	return fileSector0Header{
		FileID: fileID(binary.LittleEndian.Uint32(buf[0:])),
		Age:    blockAge(binary.LittleEndian.Uint32(buf[4:])),
	}
}

// inodeSector0Header sits at the start of sector 0 of every inode block.
type inodeSector0Header struct {
	Age       blockAge
	Timestamp timestamp
}

func encodeInodeSector0(h inodeSector0Header) []byte {
	buf := make([]byte, inodeSector0HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Age))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.Timestamp))

	return buf
}

func decodeInodeSector0(buf []byte) inodeSector0Header {
	return inodeSector0Header{
		Age:       blockAge(binary.LittleEndian.Uint32(buf[0:])),
		Timestamp: timestamp(binary.LittleEndian.Uint32(buf[4:])),
	}
}

// fileTailHeader seals a file block and links it to its successor.
//
// NextBlock is the first field in both tail layouts so chain walking can
// read it without knowing the block type.
type fileTailHeader struct {
	NextBlock    blockIdx
	NextAge      blockAge
	Timestamp    timestamp
	BytesInBlock uint32
}

func encodeFileTail(h fileTailHeader) []byte {
	buf := make([]byte, fileTailHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:], uint16(h.NextBlock))
	buf[2], buf[3] = 0xFF, 0xFF // pad, left unprogrammed
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.NextAge))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[12:], h.BytesInBlock)

	return buf
}

func decodeFileTail(buf []byte) fileTailHeader {
	return fileTailHeader{
		NextBlock:    blockIdx(binary.LittleEndian.Uint16(buf[0:])),
		NextAge:      blockAge(binary.LittleEndian.Uint32(buf[4:])),
		Timestamp:    timestamp(binary.LittleEndian.Uint32(buf[8:])),
		BytesInBlock: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// inodeTailHeader seals an inode block and links it to its successor.
type inodeTailHeader struct {
	NextBlock blockIdx
	NextAge   blockAge
	Timestamp timestamp
}

func encodeInodeTail(h inodeTailHeader) []byte {
	buf := make([]byte, inodeTailHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:], uint16(h.NextBlock))
	buf[2], buf[3] = 0xFF, 0xFF
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.NextAge))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Timestamp))

	return buf
}

func decodeInodeTail(buf []byte) inodeTailHeader {
	return inodeTailHeader{
		NextBlock: blockIdx(binary.LittleEndian.Uint16(buf[0:])),
		NextAge:   blockAge(binary.LittleEndian.Uint32(buf[4:])),
		Timestamp: timestamp(binary.LittleEndian.Uint32(buf[8:])),
	}
}

// invalidationHeader declares a block free once its timestamp is
// programmed. NextAge carries the age announced for the successor block;
// all-ones marks the last block of a freed chain.
type invalidationHeader struct {
	Timestamp timestamp
	NextAge   blockAge
}

func encodeInvalidation(h invalidationHeader) []byte {
	buf := make([]byte, invalidationSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.NextAge))

	return buf
}

func decodeInvalidation(buf []byte) invalidationHeader {
	return invalidationHeader{
		Timestamp: timestamp(binary.LittleEndian.Uint32(buf[0:])),
		NextAge:   blockAge(binary.LittleEndian.Uint32(buf[4:])),
	}
}

// allocRecord is the even sector of an inode entry pair: it names a file
// and its first block. An all-ones FileID marks the end of used entries.
type allocRecord struct {
	FileID        fileID
	FirstBlock    blockIdx
	FirstBlockAge blockAge
	Timestamp     timestamp
	Name          string
}

func encodeAllocRecord(r allocRecord) []byte {
	buf := make([]byte, allocRecordSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.FileID))
	binary.LittleEndian.PutUint16(buf[4:], uint16(r.FirstBlock))
	buf[6], buf[7] = 0xFF, 0xFF
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.FirstBlockAge))
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.Timestamp))
	copy(buf[allocHeaderSize:], r.Name) // zero padding terminates the name

	return buf
}

func decodeAllocRecord(buf []byte) allocRecord {
	name := buf[allocHeaderSize : allocHeaderSize+MaxFilenameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return allocRecord{
		FileID:        fileID(binary.LittleEndian.Uint32(buf[0:])),
		FirstBlock:    blockIdx(binary.LittleEndian.Uint16(buf[4:])),
		FirstBlockAge: blockAge(binary.LittleEndian.Uint32(buf[8:])),
		Timestamp:     timestamp(binary.LittleEndian.Uint32(buf[12:])),
		Name:          string(name),
	}
}

// entryInvalidation is the odd sector of an inode entry pair. Unwritten
// means the file still exists; LastBlock lets recovery finish an
// interrupted chain invalidation.
type entryInvalidation struct {
	Timestamp timestamp
	LastBlock blockIdx
}

func encodeEntryInvalidation(r entryInvalidation) []byte {
	buf := make([]byte, entryInvalidationSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Timestamp))
	binary.LittleEndian.PutUint16(buf[4:], uint16(r.LastBlock))
	buf[6], buf[7] = 0xFF, 0xFF

	return buf
}

func decodeEntryInvalidation(buf []byte) entryInvalidation {
	return entryInvalidation{
		Timestamp: timestamp(binary.LittleEndian.Uint32(buf[0:])),
		LastBlock: blockIdx(binary.LittleEndian.Uint16(buf[4:])),
	}
}

// spareRecord is the 4-byte per-sector spare area record. On sector 0 the
// Count field carries the inode chain index for inode blocks; on file
// blocks it counts the sector's payload bytes (headers excluded).
type spareRecord struct {
	Type  byte
	Count uint16
}

func encodeSpare(r spareRecord) []byte {
	buf := make([]byte, spareRecordSize)
	buf[0] = r.Type
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], r.Count)

	return buf
}

func decodeSpare(buf []byte) spareRecord {
	return spareRecord{
		Type:  buf[0],
		Count: binary.LittleEndian.Uint16(buf[2:]),
	}
}

// layout holds the sector-index constants derived from a device geometry.
//
// The last two sectors of every block's first page are reserved: the tail
// sector seals a block with a link to its successor, and the invalidation
// sector declares it free. Payload sectors are consumed in the order given
// by [layout.nextSector]: 0, 1, .., tail-1, then the second page onward,
// and the tail sector last, so the reserved sectors' page is programmed
// only once the rest of the block is full.
type layout struct {
	sectorSize      int
	sectorsPerPage  int
	sectorsPerBlock int

	tailSector         int // sectorsPerPage - 2
	invalidationSector int // sectorsPerPage - 1
	firstEntrySector   int // first inode entry pair, second page
}

func newLayout(geo flash.Geometry) layout {
	return layout{
		sectorSize:         geo.SectorSize,
		sectorsPerPage:     geo.SectorsPerPage,
		sectorsPerBlock:    geo.SectorsPerBlock(),
		tailSector:         geo.SectorsPerPage - 2,
		invalidationSector: geo.SectorsPerPage - 1,
		firstEntrySector:   geo.SectorsPerPage,
	}
}

// nextSector is the canonical successor function for payload sectors.
func (l layout) nextSector(sector int) int {
	switch sector {
	case l.tailSector - 1:
		return l.sectorsPerPage
	case l.sectorsPerBlock - 1:
		return l.tailSector
	default:
		return sector + 1
	}
}

// headerSize returns the bytes reserved at the start of a file-block
// sector.
func (l layout) headerSize(sector int) int {
	switch sector {
	case 0:
		return fileSector0HeaderSize
	case l.tailSector:
		return fileTailHeaderSize
	default:
		return 0
	}
}

// lastEntrySector is the alloc sector of the final inode entry pair in a
// block.
func (l layout) lastEntrySector() int {
	return l.sectorsPerBlock - 2
}
