// Package flash provides the raw NAND device abstraction consumed by the
// filesystem core, together with simulated devices for testing and host-side
// tooling.
//
// The main types are:
//   - [Device]: interface for page-programmed, block-erased flash
//   - [Geometry]: device shape (blocks, pages, sectors, spare bytes)
//   - [Mem]: in-memory NAND simulation enforcing NAND physics
//   - [Image]: a [Mem] persisted to a host file
//   - [Chaos]: testing wrapper that injects deterministic failures
//   - [Crash]: testing wrapper that simulates power loss at an operation
//     boundary
//
// A Device models real NAND: erased flash reads as all-ones, programming can
// only clear bits, and programs are staged per page and applied by
// [Device.Commit]. Those semantics are load-bearing for the filesystem's
// "all-ones means unwritten" checks, and [Mem] enforces them.
package flash

import "errors"

// Sentinel errors returned by flash devices.
//
// Callers should use [errors.Is] to classify failures.
var (
	// ErrIO indicates a device-level read, program or erase failure.
	ErrIO = errors.New("flash: i/o error")

	// ErrOutOfRange indicates an access outside the device geometry.
	//
	// This is a programming error in the caller.
	ErrOutOfRange = errors.New("flash: out of range")

	// ErrNoOpenPage indicates a sector access with no page open.
	//
	// This is a programming error in the caller.
	ErrNoOpenPage = errors.New("flash: no open page")

	// ErrPowerLoss indicates the simulated device has lost power.
	//
	// Only returned by [Crash]. Recovery: [Crash.PowerOn] and remount.
	ErrPowerLoss = errors.New("flash: power loss")
)

// Geometry describes the shape of a flash device.
//
// All filesystem layout constants derive from it. The zero value is invalid;
// use [DefaultGeometry] or fill every field and call [Geometry.Validate].
type Geometry struct {
	// NumBlocks is the number of erase blocks.
	NumBlocks int

	// PagesPerBlock is the number of program pages per erase block.
	PagesPerBlock int

	// SectorsPerPage is the number of logical sectors per page.
	//
	// Must be at least 4: the filesystem reserves the last two sectors of
	// the first page of every block for its tail and invalidation records.
	SectorsPerPage int

	// SectorSize is the sector payload size in bytes.
	SectorSize int

	// SpareSize is the number of out-of-band spare bytes per sector.
	SpareSize int
}

// DefaultGeometry returns the reference geometry used by the simulated
// devices: 16 blocks of 64 pages, 4 sectors of 512 bytes per page, 4 spare
// bytes per sector.
func DefaultGeometry() Geometry {
	return Geometry{
		NumBlocks:      16,
		PagesPerBlock:  64,
		SectorsPerPage: 4,
		SectorSize:     512,
		SpareSize:      4,
	}
}

// Validate checks the geometry for internal consistency.
func (g Geometry) Validate() error {
	switch {
	case g.NumBlocks < 2:
		return errors.New("flash: geometry: need at least 2 blocks")
	case g.PagesPerBlock < 2:
		return errors.New("flash: geometry: need at least 2 pages per block")
	case g.SectorsPerPage < 4:
		return errors.New("flash: geometry: need at least 4 sectors per page")
	case g.SectorSize < 64:
		return errors.New("flash: geometry: sector size too small")
	case g.SpareSize < 4:
		return errors.New("flash: geometry: need at least 4 spare bytes per sector")
	}

	return nil
}

// PageSize returns the data bytes per page.
func (g Geometry) PageSize() int { return g.SectorsPerPage * g.SectorSize }

// SectorsPerBlock returns the number of sectors per erase block.
func (g Geometry) SectorsPerBlock() int { return g.PagesPerBlock * g.SectorsPerPage }

// Device is the flash driver contract consumed by the filesystem.
//
// Access is page-oriented: [Device.OpenPage] loads one page (data and spare)
// into the device cache, sector reads copy from it, and sector/spare writes
// are staged and applied atomically by [Device.Commit]. Programming is
// bitwise-AND onto the stored content; only [Device.EraseBlock] restores
// bits to one.
//
// Implementations must be safe for use under the caller's [Device.Lock] /
// [Device.Unlock] discipline; the methods themselves need not be
// independently thread-safe.
type Device interface {
	// Init brings the device to a known state.
	Init() error

	// Lock acquires exclusive use of the device.
	Lock()

	// Unlock releases the device.
	Unlock()

	// OpenPage reads the given page into the device cache.
	OpenPage(block, page int) error

	// ReadSector copies len(dst) bytes from the cached page, starting at
	// the given byte offset within the given sector.
	ReadSector(dst []byte, sector, offset int) error

	// ReadSpare copies len(dst) spare bytes for the given sector of the
	// cached page.
	ReadSpare(dst []byte, sector int) error

	// WriteSector stages a program of src at the given offset within the
	// given sector of the cached page.
	WriteSector(src []byte, sector, offset int) error

	// WriteSpare stages a program of src into the spare bytes of the given
	// sector of the cached page.
	WriteSpare(src []byte, sector int) error

	// Commit applies all staged programs to the cached page.
	Commit() error

	// EraseBlock erases a whole block to all-ones, data and spare.
	EraseBlock(block int) error

	// BlockIsBad reports whether the block of the currently open page is
	// marked bad.
	BlockIsBad() (bool, error)

	// Geometry returns the device shape.
	Geometry() Geometry
}
