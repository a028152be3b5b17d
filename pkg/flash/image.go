package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// FLG1 image file layout: a fixed header followed by the raw bad-block map,
// per-block erase counters, data array and spare array.
const (
	imageMagic      = "FLG1"
	imageHeaderSize = 28

	offImageMagic          = 0x00 // [4]byte
	offImageVersion        = 0x04 // uint32
	offImageNumBlocks      = 0x08 // uint32
	offImagePagesPerBlock  = 0x0C // uint32
	offImageSectorsPerPage = 0x10 // uint32
	offImageSectorSize     = 0x14 // uint32
	offImageSpareSize      = 0x18 // uint32

	imageVersion = 1
)

// Image-specific errors.
var (
	// ErrImageCorrupt indicates the image file does not parse.
	ErrImageCorrupt = errors.New("flash: image corrupt")

	// ErrImageLocked indicates another process holds the image lock.
	ErrImageLocked = errors.New("flash: image locked")
)

// Image is a [Mem] device persisted to a host file.
//
// The image holds the complete simulated NAND state (data, spare, bad-block
// map, erase counters) so a filesystem image survives across flogctl
// invocations exactly as NAND contents survive power cycles. [Image.Save]
// replaces the file atomically; an exclusive advisory lock on a sidecar
// ".lock" file guards against concurrent writers.
type Image struct {
	*Mem

	path   string
	lockFd int
}

// CreateImage creates a new erased image at path.
//
// Fails if another process holds the image lock. The file itself is not
// written until [Image.Save].
func CreateImage(path string, geo Geometry) (*Image, error) {
	mem, err := NewMem(geo)
	if err != nil {
		return nil, err
	}

	return lockImage(path, mem)
}

// LoadImage opens an existing image file.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	mem, err := decodeImage(data)
	if err != nil {
		return nil, err
	}

	return lockImage(path, mem)
}

func lockImage(path string, mem *Mem) (*Image, error) {
	fd, err := unix.Open(path+".lock", unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open image lock: %w", err)
	}

	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = unix.Close(fd)

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrImageLocked
		}

		return nil, fmt.Errorf("lock image: %w", err)
	}

	return &Image{Mem: mem, path: path, lockFd: fd}, nil
}

// Save writes the current device state back to the image file atomically.
func (im *Image) Save() error {
	buf := encodeImage(im.Mem)

	err := atomic.WriteFile(im.path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}

	return nil
}

// Close releases the image lock. The file keeps its last saved state.
func (im *Image) Close() error {
	if im.lockFd < 0 {
		return nil
	}

	err := unix.Close(im.lockFd)
	im.lockFd = -1

	if err != nil {
		return fmt.Errorf("close image lock: %w", err)
	}

	return nil
}

// Path returns the image file path.
func (im *Image) Path() string { return im.path }

func encodeImage(m *Mem) []byte {
	geo := m.geo
	size := imageHeaderSize + geo.NumBlocks + 4*geo.NumBlocks + len(m.data) + len(m.spare)
	buf := make([]byte, size)

	copy(buf[offImageMagic:], imageMagic)
	binary.LittleEndian.PutUint32(buf[offImageVersion:], imageVersion)
	binary.LittleEndian.PutUint32(buf[offImageNumBlocks:], uint32(geo.NumBlocks))
	binary.LittleEndian.PutUint32(buf[offImagePagesPerBlock:], uint32(geo.PagesPerBlock))
	binary.LittleEndian.PutUint32(buf[offImageSectorsPerPage:], uint32(geo.SectorsPerPage))
	binary.LittleEndian.PutUint32(buf[offImageSectorSize:], uint32(geo.SectorSize))
	binary.LittleEndian.PutUint32(buf[offImageSpareSize:], uint32(geo.SpareSize))

	pos := imageHeaderSize
	for i, isBad := range m.bad {
		if isBad {
			buf[pos+i] = 1
		}
	}

	pos += geo.NumBlocks
	for i, n := range m.eraseCount {
		binary.LittleEndian.PutUint32(buf[pos+4*i:], uint32(n))
	}

	pos += 4 * geo.NumBlocks
	copy(buf[pos:], m.data)
	pos += len(m.data)
	copy(buf[pos:], m.spare)

	return buf
}

func decodeImage(buf []byte) (*Mem, error) {
	if len(buf) < imageHeaderSize {
		return nil, fmt.Errorf("image too small: %w", ErrImageCorrupt)
	}

	if !bytes.Equal(buf[offImageMagic:offImageMagic+4], []byte(imageMagic)) {
		return nil, fmt.Errorf("bad magic %q: %w", buf[:4], ErrImageCorrupt)
	}

	if v := binary.LittleEndian.Uint32(buf[offImageVersion:]); v != imageVersion {
		return nil, fmt.Errorf("unsupported image version %d: %w", v, ErrImageCorrupt)
	}

	geo := Geometry{
		NumBlocks:      int(binary.LittleEndian.Uint32(buf[offImageNumBlocks:])),
		PagesPerBlock:  int(binary.LittleEndian.Uint32(buf[offImagePagesPerBlock:])),
		SectorsPerPage: int(binary.LittleEndian.Uint32(buf[offImageSectorsPerPage:])),
		SectorSize:     int(binary.LittleEndian.Uint32(buf[offImageSectorSize:])),
		SpareSize:      int(binary.LittleEndian.Uint32(buf[offImageSpareSize:])),
	}

	mem, err := NewMem(geo)
	if err != nil {
		return nil, fmt.Errorf("image geometry: %w", err)
	}

	want := imageHeaderSize + geo.NumBlocks + 4*geo.NumBlocks + len(mem.data) + len(mem.spare)
	if len(buf) != want {
		return nil, fmt.Errorf("image size %d, want %d: %w", len(buf), want, ErrImageCorrupt)
	}

	pos := imageHeaderSize
	for i := range mem.bad {
		mem.bad[i] = buf[pos+i] != 0
	}

	pos += geo.NumBlocks
	for i := range mem.eraseCount {
		mem.eraseCount[i] = int(binary.LittleEndian.Uint32(buf[pos+4*i:]))
	}

	pos += 4 * geo.NumBlocks
	copy(mem.data, buf[pos:])
	pos += len(mem.data)
	copy(mem.spare, buf[pos:])

	return mem, nil
}
