// Package lazyzero implements on-demand zeroing of a device by way of a
// header plus a usage bitmap: a chunk of blocks reads back as all-zero
// until its first write, at which point it is explicitly zeroed and marked
// usable, avoiding the cost of zeroing an entire large device up front.
//
// Disk format:
//
//	header block
//	bitmap blocks
//	data blocks
//
// Header block format (all fields big-endian):
//
//	magic number "LAZY0000"
//	uint64 device total block count
//	uint64 number of bitmap blocks
//	uint64 chunk size
package lazyzero

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"diskstack/internal/bitops"
	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

const (
	magic          = "LAZY0000"
	headerBlockLen = 32
	cacheSlots     = 16

	// defaultChunkSize matches the original layer's fixed chunk size,
	// still sized for spinning-disk-era capacities rather than adjusted
	// automatically for the device.
	defaultChunkSize = 1024
)

// Device is a lazyzero-layer Device wrapping a base blockdev.Device.
type Device struct {
	base blockdev.Device
	log  logging.Logger

	bitsPerBlock  uint64
	bitmapBlocks  uint64
	chunkSize     uint64

	cache   *blockdev.Cache
	scratch []byte
}

// Create lays out a fresh lazyzero header and bitmap atop base, which must
// already be entirely zero-filled (a freshly allocated MemoryBackend, a
// freshly Truncate-d FileBackend, or a freshly extended MmapBackend all
// satisfy this).
func Create(base blockdev.Device) error {
	if base.BlockSize() < headerBlockLen {
		return errors.Wrapf(blockdev.ErrBadGeometry, "lazyzero: block size %d is less than %d bytes", base.BlockSize(), headerBlockLen)
	}
	if base.BlockCount() < 3 {
		return errors.Wrap(blockdev.ErrBadGeometry, "lazyzero: device has fewer than 3 blocks")
	}

	bitsPerBlock := uint64(base.BlockSize()) * 8
	chunkSize := uint64(defaultChunkSize)
	bitmapBits := ((base.BlockCount() - 1) + chunkSize - 1) / chunkSize
	bitmapBlocks := (bitmapBits + bitsPerBlock - 1) / bitsPerBlock

	header := make([]byte, base.BlockSize())
	copy(header, magic)
	binary.BigEndian.PutUint64(header[8:], base.BlockCount())
	binary.BigEndian.PutUint64(header[16:], bitmapBlocks)
	binary.BigEndian.PutUint64(header[24:], chunkSize)

	if err := base.WriteBlock(0, header); err != nil {
		return err
	}

	// Preserved quirk (not a fix): this loop writes zeroed blocks at
	// physical indices 2..bitmapBlocks+1 (i goes 1..bitmapBlocks, written
	// at i+1), rather than 1..bitmapBlocks. On an already-zeroed base
	// device this has no observable effect, because the skipped block
	// (physical index 1, the first bitmap block) and the extra block
	// touched past the bitmap region both already read as zero. Pointed
	// at a base device whose storage was not already zero, the first
	// bitmap block would read back stale data instead of an empty
	// bitmap. See DESIGN.md Open Question 4.
	zero := make([]byte, base.BlockSize())
	for i := uint64(1); i < bitmapBlocks+1; i++ {
		if err := base.WriteBlock(i+1, zero); err != nil {
			return err
		}
	}

	return nil
}

// Open wraps base as a lazyzero Device.
func Open(base blockdev.Device, log logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	if base.BlockSize() < headerBlockLen {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "lazyzero: block size %d is less than %d bytes", base.BlockSize(), headerBlockLen)
	}
	if base.BlockCount() < 3 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "lazyzero: device has fewer than 3 blocks")
	}

	buf := make([]byte, base.BlockSize())
	if err := base.ReadBlock(0, buf); err != nil {
		return nil, err
	}
	if string(buf[:8]) != magic {
		return nil, errors.Wrap(blockdev.ErrBadMagic, "lazyzero")
	}

	headerBlockCount := binary.BigEndian.Uint64(buf[8:])
	bitmapBlocks := binary.BigEndian.Uint64(buf[16:])
	chunkSize := binary.BigEndian.Uint64(buf[24:])
	bitsPerBlock := uint64(base.BlockSize()) * 8

	if headerBlockCount != base.BlockCount() {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry,
			"lazyzero: device was initialized for %d blocks, but is now %d blocks", headerBlockCount, base.BlockCount())
	}

	dataBlocks := base.BlockCount() - 1 - bitmapBlocks
	if chunkSize == 0 || bitmapBlocks*bitsPerBlock < (dataBlocks+chunkSize-1)/chunkSize {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "lazyzero: not enough bitmap blocks for this device size")
	}

	d := &Device{
		base:         base,
		log:          log,
		bitsPerBlock: bitsPerBlock,
		bitmapBlocks: bitmapBlocks,
		chunkSize:    chunkSize,
		cache:        blockdev.NewCache(base, cacheSlots),
		scratch:      make([]byte, base.BlockSize()),
	}

	return d, nil
}

func (d *Device) BlockSize() int     { return d.base.BlockSize() }
func (d *Device) BlockCount() uint64 { return d.base.BlockCount() - 1 - d.bitmapBlocks }

// bitmap blocks start at base block 1, right after the header block.
func (d *Device) chunkUsable(chunk uint64) (bool, error) {
	bitmapBlock := chunk/d.bitsPerBlock + 1
	interior := chunk % d.bitsPerBlock

	buf := make([]byte, d.BlockSize())
	if err := d.cache.Read(bitmapBlock, buf); err != nil {
		return false, err
	}
	return bitops.Get(buf, interior), nil
}

func (d *Device) setChunkUsable(chunk uint64) error {
	bitmapBlock := chunk/d.bitsPerBlock + 1
	interior := chunk % d.bitsPerBlock

	buf := make([]byte, d.BlockSize())
	if err := d.cache.Read(bitmapBlock, buf); err != nil {
		return err
	}
	bitops.Set(buf, interior)
	return d.cache.Write(bitmapBlock, buf)
}

func (d *Device) clearChunk(chunk uint64) error {
	zero := make([]byte, d.BlockSize())
	baseBlock := chunk*d.chunkSize + d.bitmapBlocks + 1
	for i := uint64(0); i < d.chunkSize; i++ {
		if baseBlock+i < d.base.BlockCount() {
			if err := d.base.WriteBlock(baseBlock+i, zero); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) ReadBlock(which uint64, into []byte) error {
	if which >= d.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "lazyzero.ReadBlock")
	}

	chunk := which / d.chunkSize
	usable, err := d.chunkUsable(chunk)
	if err != nil {
		return err
	}
	if !usable {
		for i := range into {
			into[i] = 0
		}
		return nil
	}

	return d.base.ReadBlock(which+1+d.bitmapBlocks, into)
}

func (d *Device) WriteBlock(which uint64, from []byte) error {
	if which >= d.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "lazyzero.WriteBlock")
	}

	chunk := which / d.chunkSize
	usable, err := d.chunkUsable(chunk)
	if err != nil {
		return err
	}
	if !usable {
		if err := d.clearChunk(chunk); err != nil {
			return err
		}
		if err := d.setChunkUsable(chunk); err != nil {
			return err
		}
	}

	return d.base.WriteBlock(which+1+d.bitmapBlocks, from)
}

func (d *Device) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(d, offset, out, d.scratch)
}

func (d *Device) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(d, offset, in, d.scratch)
}

func (d *Device) Flush() error {
	if err := d.cache.Flush(); err != nil {
		return err
	}
	return d.base.Flush()
}

func (d *Device) Sync() error {
	if err := d.cache.Flush(); err != nil {
		return err
	}
	return d.base.Sync()
}

func (d *Device) ClearCaches() error {
	if err := d.cache.Clear(); err != nil {
		return err
	}
	return d.base.ClearCaches()
}

func (d *Device) Close() error {
	if err := d.cache.Destroy(); err != nil {
		return err
	}
	return d.base.Close()
}
