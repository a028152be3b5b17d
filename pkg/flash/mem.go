package flash

import (
	"fmt"
	"sync"
)

// Mem is an in-memory NAND simulation.
//
// It enforces NAND physics: [Mem.EraseBlock] sets every data and spare byte
// of a block to 0xFF, and committing a staged program ANDs the staged bytes
// onto the stored bytes, so programming can only clear bits. Tests rely on
// this to exercise the filesystem's all-ones sentinel checks against the
// same constraints a real device imposes.
//
// Mem additionally tracks per-block erase counts, which wear-leveling tests
// read through [Mem.EraseCount].
type Mem struct {
	mu sync.Mutex

	geo   Geometry
	data  []byte // NumBlocks * PagesPerBlock * PageSize
	spare []byte // NumBlocks * SectorsPerBlock * SpareSize
	bad   []bool

	eraseCount []int

	// Page cache state.
	pageOpen  bool
	openBlock int
	openPage  int

	// Staged program, all-ones where untouched.
	stagedData  []byte
	stagedSpare []byte
	stagedDirty bool
}

var _ Device = (*Mem)(nil)

// NewMem creates an erased in-memory device with the given geometry.
func NewMem(geo Geometry) (*Mem, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	m := &Mem{
		geo:         geo,
		data:        make([]byte, geo.NumBlocks*geo.PagesPerBlock*geo.PageSize()),
		spare:       make([]byte, geo.NumBlocks*geo.SectorsPerBlock()*geo.SpareSize),
		bad:         make([]bool, geo.NumBlocks),
		eraseCount:  make([]int, geo.NumBlocks),
		stagedData:  make([]byte, geo.PageSize()),
		stagedSpare: make([]byte, geo.SectorsPerPage*geo.SpareSize),
	}

	fill(m.data, 0xFF)
	fill(m.spare, 0xFF)
	fill(m.stagedData, 0xFF)
	fill(m.stagedSpare, 0xFF)

	return m, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Init implements [Device]. The simulated device is always ready.
func (m *Mem) Init() error { return nil }

// Lock implements [Device].
func (m *Mem) Lock() { m.mu.Lock() }

// Unlock implements [Device].
func (m *Mem) Unlock() { m.mu.Unlock() }

// Geometry implements [Device].
func (m *Mem) Geometry() Geometry { return m.geo }

// MarkBad marks a block as a factory bad block. Test hook.
func (m *Mem) MarkBad(block int) {
	m.bad[block] = true
}

// EraseCount returns how many times a block has been erased. Test hook.
func (m *Mem) EraseCount(block int) int {
	return m.eraseCount[block]
}

func (m *Mem) pageBase(block, page int) int {
	return (block*m.geo.PagesPerBlock + page) * m.geo.PageSize()
}

func (m *Mem) spareBase(block, page int) int {
	return (block*m.geo.PagesPerBlock + page) * m.geo.SectorsPerPage * m.geo.SpareSize
}

// OpenPage implements [Device]. Any staged, uncommitted program is discarded.
func (m *Mem) OpenPage(block, page int) error {
	if block < 0 || block >= m.geo.NumBlocks || page < 0 || page >= m.geo.PagesPerBlock {
		return fmt.Errorf("open page %d/%d: %w", block, page, ErrOutOfRange)
	}

	m.pageOpen = true
	m.openBlock = block
	m.openPage = page
	m.discardStaged()

	return nil
}

func (m *Mem) discardStaged() {
	if m.stagedDirty {
		fill(m.stagedData, 0xFF)
		fill(m.stagedSpare, 0xFF)
		m.stagedDirty = false
	}
}

func (m *Mem) checkSector(sector, offset, n int) error {
	if !m.pageOpen {
		return ErrNoOpenPage
	}

	if sector < 0 || sector >= m.geo.SectorsPerPage ||
		offset < 0 || offset+n > m.geo.SectorSize {
		return fmt.Errorf("sector %d offset %d len %d: %w", sector, offset, n, ErrOutOfRange)
	}

	return nil
}

// ReadSector implements [Device].
func (m *Mem) ReadSector(dst []byte, sector, offset int) error {
	if err := m.checkSector(sector, offset, len(dst)); err != nil {
		return err
	}

	base := m.pageBase(m.openBlock, m.openPage) + sector*m.geo.SectorSize + offset
	copy(dst, m.data[base:])

	return nil
}

// ReadSpare implements [Device].
func (m *Mem) ReadSpare(dst []byte, sector int) error {
	if !m.pageOpen {
		return ErrNoOpenPage
	}

	if sector < 0 || sector >= m.geo.SectorsPerPage || len(dst) > m.geo.SpareSize {
		return fmt.Errorf("spare %d len %d: %w", sector, len(dst), ErrOutOfRange)
	}

	base := m.spareBase(m.openBlock, m.openPage) + sector*m.geo.SpareSize
	copy(dst, m.spare[base:])

	return nil
}

// WriteSector implements [Device]. Overlapping stages AND together.
func (m *Mem) WriteSector(src []byte, sector, offset int) error {
	if err := m.checkSector(sector, offset, len(src)); err != nil {
		return err
	}

	base := sector*m.geo.SectorSize + offset
	for i, b := range src {
		m.stagedData[base+i] &= b
	}

	m.stagedDirty = true

	return nil
}

// WriteSpare implements [Device].
func (m *Mem) WriteSpare(src []byte, sector int) error {
	if !m.pageOpen {
		return ErrNoOpenPage
	}

	if sector < 0 || sector >= m.geo.SectorsPerPage || len(src) > m.geo.SpareSize {
		return fmt.Errorf("spare %d len %d: %w", sector, len(src), ErrOutOfRange)
	}

	base := sector * m.geo.SpareSize
	for i, b := range src {
		m.stagedSpare[base+i] &= b
	}

	m.stagedDirty = true

	return nil
}

// Commit implements [Device]: the staged program is ANDed onto the stored
// page, clearing bits only.
func (m *Mem) Commit() error {
	if !m.pageOpen {
		return ErrNoOpenPage
	}

	if !m.stagedDirty {
		return nil
	}

	dataBase := m.pageBase(m.openBlock, m.openPage)
	for i, b := range m.stagedData {
		m.data[dataBase+i] &= b
	}

	spareBase := m.spareBase(m.openBlock, m.openPage)
	for i, b := range m.stagedSpare {
		m.spare[spareBase+i] &= b
	}

	m.discardStaged()

	return nil
}

// EraseBlock implements [Device].
func (m *Mem) EraseBlock(block int) error {
	if block < 0 || block >= m.geo.NumBlocks {
		return fmt.Errorf("erase block %d: %w", block, ErrOutOfRange)
	}

	dataBase := m.pageBase(block, 0)
	fill(m.data[dataBase:dataBase+m.geo.PagesPerBlock*m.geo.PageSize()], 0xFF)

	spareBase := m.spareBase(block, 0)
	fill(m.spare[spareBase:spareBase+m.geo.SectorsPerBlock()*m.geo.SpareSize], 0xFF)

	m.eraseCount[block]++

	return nil
}

// BlockIsBad implements [Device].
func (m *Mem) BlockIsBad() (bool, error) {
	if !m.pageOpen {
		return false, ErrNoOpenPage
	}

	return m.bad[m.openBlock], nil
}
