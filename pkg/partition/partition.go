// Package partition implements a disk partitioner layer: a header block
// naming up to 61 partitions by block count, a usage bitmap over the whole
// device, and a per-partition block mapping table that allocates physical
// blocks to logical ones on first write.
//
// On-disk layout:
//
//	header block       "PART0000" + device block count + block size +
//	                    61 uint64 partition sizes (0 if undefined)
//	usage bitmap        packed bits, one per physical block, 1 = used
//	mapping blocks      one uint64 per logical block across all defined
//	                    partitions, 0 = unmapped, physical location otherwise
//	data blocks
package partition

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"diskstack/internal/bitops"
	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

const (
	magic              = "PART0000"
	maxPartitionNumber = 60
	minBlockSize       = 512
	mapFailureSentinel = 1 // partitioner_block_maploc's "never exists" return
)

// Manager administers the header, bitmap and mapping tables shared by every
// partition on a device. It does not itself implement blockdev.Device --
// Open returns a Device for a single partition, backed by a Manager.
type Manager struct {
	base blockdev.Device
	log  logging.Logger

	bitmapBlocksPerMap uint64
	mapsBlocksPerMap   uint64

	blockCount      uint64
	blocksUsed      uint64
	bitmapLen       uint64
	mapsLen         uint64
	mappedTotalSize uint64
	freeScanFrom    uint64

	bitmapBlock      []byte
	bitmapBlockWhich uint64
	haveBitmapBlock  bool

	mapBlock      []byte
	mapBlockWhich uint64
	haveMapBlock  bool
}

func bitmapStart() uint64             { return 1 }
func (m *Manager) mapsStart() uint64  { return m.bitmapLen + bitmapStart() }
func (m *Manager) dataStart() uint64  { return m.mapsLen + m.mapsStart() }

// Initialize writes a fresh header, zeroes the usage bitmap and marks the
// header/bitmap/mapping blocks used, on a device with no partitions yet
// defined.
func Initialize(base blockdev.Device) error {
	if base.BlockSize() < minBlockSize {
		return errors.Wrapf(blockdev.ErrBadGeometry, "partition: block size %d is smaller than the minimum %d", base.BlockSize(), minBlockSize)
	}

	header := make([]byte, base.BlockSize())
	copy(header, magic)
	binary.BigEndian.PutUint64(header[8:16], base.BlockCount())
	binary.BigEndian.PutUint64(header[16:24], uint64(base.BlockSize()))

	if err := base.WriteBlock(0, header); err != nil {
		return errors.Wrap(err, "partition: couldn't write header block")
	}

	mgr, err := openManager(base, nil)
	if err != nil {
		return errors.Wrap(err, "partition: couldn't re-open manager after writing header")
	}

	zero := make([]byte, base.BlockSize())
	for i := bitmapStart(); i < mgr.mapsStart(); i++ {
		if err := base.WriteBlock(i, zero); err != nil {
			return errors.Wrapf(err, "partition: couldn't zero bitmap block %d", i)
		}
	}

	for i := uint64(0); i < mgr.dataStart(); i++ {
		if err := mgr.markBlockAs(i, true); err != nil {
			return errors.Wrapf(err, "partition: couldn't mark header/bitmap/mapping block %d used", i)
		}
	}

	return nil
}

// openManager reads the header and scans the bitmap to recompute the usage
// count, mirroring partitioner_setup_io.
func openManager(base blockdev.Device, log logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Default()
	}
	if base.BlockSize() < minBlockSize {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "partition: block size %d is smaller than the minimum %d", base.BlockSize(), minBlockSize)
	}

	header := make([]byte, base.BlockSize())
	if err := base.ReadBlock(0, header); err != nil {
		return nil, errors.Wrap(err, "partition: couldn't read header block")
	}
	if string(header[:8]) != magic {
		return nil, errors.Wrap(blockdev.ErrBadMagic, "partition: header block has the wrong magic")
	}

	blockCount := binary.BigEndian.Uint64(header[8:16])
	if blockCount > base.BlockCount() {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "partition: block count on disk (%d) is larger than the physical device (%d)", blockCount, base.BlockCount())
	} else if blockCount < base.BlockCount() {
		log.Warn("partition", "block count on disk (%d) is smaller than the physical device (%d); reshape to fix", blockCount, base.BlockCount())
	}

	blockSize := binary.BigEndian.Uint64(header[16:24])
	if blockSize != uint64(base.BlockSize()) {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "partition: block size on disk (%d) doesn't match the device (%d)", blockSize, base.BlockSize())
	}

	bitmapBlocksPerMap := uint64(base.BlockSize()) * 8
	mapsBlocksPerMap := uint64(base.BlockSize()) / 8

	bitmapLen := (blockCount + bitmapBlocksPerMap - 1) / bitmapBlocksPerMap

	var mappedTotalSize uint64
	for i := 3; i < 64; i++ {
		mappedTotalSize += binary.BigEndian.Uint64(header[i*8 : i*8+8])
	}
	mapsLen := (mappedTotalSize + mapsBlocksPerMap - 1) / mapsBlocksPerMap

	m := &Manager{
		base:               base,
		log:                log,
		bitmapBlocksPerMap: bitmapBlocksPerMap,
		mapsBlocksPerMap:   mapsBlocksPerMap,
		blockCount:         blockCount,
		bitmapLen:          bitmapLen,
		mapsLen:            mapsLen,
		mappedTotalSize:    mappedTotalSize,
		freeScanFrom:       1,
		bitmapBlock:        make([]byte, base.BlockSize()),
		mapBlock:           make([]byte, base.BlockSize()),
	}

	for i := bitmapStart(); i < m.mapsStart(); i++ {
		if err := base.ReadBlock(i, m.bitmapBlock); err != nil {
			return nil, errors.Wrapf(err, "partition: couldn't read bitmap block %d", i)
		}
		m.bitmapBlockWhich = i
		m.haveBitmapBlock = true

		for j := 0; j < base.BlockSize()/4; j++ {
			word := binary.LittleEndian.Uint32(m.bitmapBlock[j*4 : j*4+4])
			m.blocksUsed += bitops.CountU32(word)
		}
	}

	return m, nil
}

func (m *Manager) openBitmapBlockFor(block uint64) error {
	wanted := block/m.bitmapBlocksPerMap + bitmapStart()
	if m.haveBitmapBlock && wanted == m.bitmapBlockWhich {
		return nil
	}
	m.haveBitmapBlock = false
	if err := m.base.ReadBlock(wanted, m.bitmapBlock); err != nil {
		return err
	}
	m.bitmapBlockWhich = wanted
	m.haveBitmapBlock = true
	return nil
}

// scanFreeBlock finds the next unused physical block, starting from the
// last place one was found. Returns 0 if the device is out of space.
func (m *Manager) scanFreeBlock() (uint64, error) {
	startScan := m.freeScanFrom

	for {
		if err := m.openBitmapBlockFor(m.freeScanFrom); err != nil {
			return 0, err
		}

		interior := m.freeScanFrom % m.bitmapBlocksPerMap
		if !bitops.Get(m.bitmapBlock, interior) {
			return m.freeScanFrom, nil
		}

		m.freeScanFrom++
		if m.freeScanFrom >= m.blockCount {
			m.freeScanFrom = 1
		}

		if m.freeScanFrom == startScan {
			return 0, nil
		}
	}
}

func (m *Manager) markBlockAs(which uint64, used bool) error {
	if err := m.openBitmapBlockFor(which); err != nil {
		return err
	}

	interior := which % m.bitmapBlocksPerMap
	old := bitops.Get(m.bitmapBlock, interior)

	if used {
		bitops.Set(m.bitmapBlock, interior)
		if !old {
			m.blocksUsed++
		}
	} else {
		bitops.Clear(m.bitmapBlock, interior)
		if old {
			m.blocksUsed--
		}
	}

	if err := m.base.WriteBlock(m.bitmapBlockWhich, m.bitmapBlock); err != nil {
		m.haveBitmapBlock = false
		return err
	}
	return nil
}

// getPartSize reads the declared size of a partition straight from the
// header block (the header is always re-read, matching
// partitioner_get_part_size's behavior of not trusting any cached copy).
func (m *Manager) getPartSize(partition int) (uint64, error) {
	header := make([]byte, m.base.BlockSize())
	if err := m.base.ReadBlock(0, header); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(header[(partition+3)*8 : (partition+3)*8+8]), nil
}

// getPartitionOffset computes how many logical blocks precede the given
// partition in the mapping-block table.
//
// This reproduces a bug present in the source this layer is ported from:
// the loop index used to read the size table is the outer "partition"
// parameter rather than the loop counter "i", so the loop adds the target
// partition's own declared size to itself "partition" times instead of
// summing the declared sizes of the partitions before it. For partition 0
// this happens to be harmless (the loop body never runs), but for any
// later partition the returned offset is wrong. See
// TestPartitionOffsetBugPreserved.
func (m *Manager) getPartitionOffset(partition int) (uint64, error) {
	header := make([]byte, m.base.BlockSize())
	if err := m.base.ReadBlock(0, header); err != nil {
		return 0, err
	}

	var offset uint64
	for i := 0; i < partition; i++ {
		offset += binary.BigEndian.Uint64(header[(partition+3)*8 : (partition+3)*8+8])
	}
	return offset, nil
}

func (m *Manager) openMapBlockFor(which uint64) error {
	wanted := m.mapsStart() + which/m.mapsBlocksPerMap
	if m.haveMapBlock && wanted == m.mapBlockWhich {
		return nil
	}
	m.haveMapBlock = false
	if err := m.base.ReadBlock(wanted, m.mapBlock); err != nil {
		return err
	}
	m.mapBlockWhich = wanted
	m.haveMapBlock = true
	return nil
}

// blockMaploc returns the physical block mapped to logical block "which",
// 0 if unmapped, or mapFailureSentinel if the mapping block couldn't be
// read (which must never be a legitimate location).
func (m *Manager) blockMaploc(which uint64) uint64 {
	if err := m.openMapBlockFor(which); err != nil {
		return mapFailureSentinel
	}
	interior := which % m.mapsBlocksPerMap
	return binary.BigEndian.Uint64(m.mapBlock[8*interior : 8*interior+8])
}

func (m *Manager) blockSetMaploc(which, to uint64) error {
	if err := m.openMapBlockFor(which); err != nil {
		return err
	}
	interior := which % m.mapsBlocksPerMap
	binary.BigEndian.PutUint64(m.mapBlock[8*interior:8*interior+8], to)

	if err := m.base.WriteBlock(m.mapBlockWhich, m.mapBlock); err != nil {
		m.haveMapBlock = false
		return err
	}
	return nil
}

// SetPartitionSize changes the declared block count of a partition.
// Shrinking is not supported, matching the layer this is ported from,
// which logs a message and gives up rather than implementing it.
func SetPartitionSize(base blockdev.Device, partition int, newSize uint64) error {
	if base.BlockSize() < minBlockSize {
		return errors.Wrapf(blockdev.ErrBadGeometry, "partition: block size %d is smaller than the minimum %d", base.BlockSize(), minBlockSize)
	}
	if partition < 0 || partition > maxPartitionNumber {
		return errors.Wrapf(blockdev.ErrInvalidBlock, "partition: bad partition number %d", partition)
	}

	m, err := openManager(base, nil)
	if err != nil {
		return err
	}

	oldSize, err := m.getPartSize(partition)
	if err != nil {
		return err
	}
	if newSize == oldSize {
		return nil
	}
	if newSize < oldSize {
		m.log.Warn("partition", "partition shrinking is not supported")
		return errors.Wrap(blockdev.ErrNotSupported, "partition: shrinking is not supported")
	}

	blocksToPad := (newSize - oldSize + m.mapsBlocksPerMap - 1) / m.mapsBlocksPerMap
	badAreaStart := m.dataStart()
	badAreaEnd := badAreaStart + blocksToPad

	for i := uint64(0); i < m.mappedTotalSize; i++ {
		maploc := m.blockMaploc(i)
		if maploc == mapFailureSentinel {
			return errors.Wrap(blockdev.ErrBackendIo, "partition: resize scan failed reading a mapping block")
		}

		if maploc >= badAreaStart && maploc < badAreaEnd {
			newloc, err := m.scanFreeBlock()
			if err != nil {
				return err
			}
			if newloc == 0 {
				return errors.Wrap(blockdev.ErrOutOfSpace, "partition: resize couldn't remap a block, out of space")
			}

			buf := make([]byte, base.BlockSize())
			if err := base.ReadBlock(maploc, buf); err != nil {
				return err
			}
			if err := base.WriteBlock(newloc, buf); err != nil {
				return err
			}
			if err := m.markBlockAs(newloc, true); err != nil {
				return err
			}
			if err := m.blockSetMaploc(i, newloc); err != nil {
				return err
			}
			if err := m.markBlockAs(maploc, false); err != nil {
				return err
			}
		}
	}

	mapShift := newSize - oldSize

	var startShiftAt uint64
	for i := 0; i < partition; i++ {
		sz, err := m.getPartSize(i)
		if err != nil {
			return err
		}
		startShiftAt += sz
	}
	startShiftAt += oldSize

	endShiftAt := m.mappedTotalSize

	if endShiftAt > 0 && endShiftAt-1 >= startShiftAt {
		for i := endShiftAt - 1; ; i-- {
			blk := m.blockMaploc(i)
			if blk == mapFailureSentinel {
				return errors.Wrap(blockdev.ErrBackendIo, "partition: resize shift failed reading a mapping block")
			}
			if err := m.blockSetMaploc(i+mapShift, blk); err != nil {
				return err
			}
			if i == startShiftAt {
				break
			}
		}
	}

	for i := startShiftAt; i < startShiftAt+mapShift; i++ {
		if err := m.blockSetMaploc(i, 0); err != nil {
			return err
		}
	}

	mapMarkStart := m.mapsStart() + endShiftAt/m.mapsBlocksPerMap
	mapMarkEnd := m.mapsStart() + (m.mappedTotalSize-oldSize+newSize+m.mapsBlocksPerMap-1)/m.mapsBlocksPerMap
	for i := mapMarkStart; i <= mapMarkEnd; i++ {
		if err := m.markBlockAs(i, true); err != nil {
			return err
		}
	}

	header := make([]byte, base.BlockSize())
	if err := base.ReadBlock(0, header); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(header[(partition+3)*8:(partition+3)*8+8], newSize)
	return base.WriteBlock(0, header)
}

// Device exposes a single partition of a partitioned base device as its own
// blockdev.Device. Reads of never-written blocks return zeroes; writes
// allocate a physical block on first touch.
type Device struct {
	mgr       *Manager
	partition int

	blockCount uint64
	offset     uint64
	blockSize  int
	scratch    []byte
}

// Open opens partition number "partition" (0-based, up to 60) on base,
// which must already have been initialized with Initialize.
func Open(base blockdev.Device, partition int, log logging.Logger) (*Device, error) {
	if base.BlockSize() < minBlockSize {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "partition: block size %d is smaller than the minimum %d", base.BlockSize(), minBlockSize)
	}
	if partition < 0 || partition > maxPartitionNumber {
		return nil, errors.Wrapf(blockdev.ErrInvalidBlock, "partition: bad partition number %d", partition)
	}

	mgr, err := openManager(base, log)
	if err != nil {
		return nil, err
	}

	size, err := mgr.getPartSize(partition)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "partition: partition %d has not been defined", partition)
	}

	offset, err := mgr.getPartitionOffset(partition)
	if err != nil {
		return nil, err
	}

	return &Device{
		mgr:        mgr,
		partition:  partition,
		blockCount: size,
		offset:     offset,
		blockSize:  base.BlockSize(),
		scratch:    make([]byte, base.BlockSize()),
	}, nil
}

func (d *Device) BlockSize() int     { return d.blockSize }
func (d *Device) BlockCount() uint64 { return d.blockCount }

func (d *Device) ReadBlock(which uint64, into []byte) error {
	if which >= d.blockCount {
		return errors.Wrap(blockdev.ErrInvalidBlock, "partition.ReadBlock")
	}

	maploc := d.mgr.blockMaploc(which + d.offset)
	if maploc == mapFailureSentinel {
		return errors.Wrap(blockdev.ErrBackendIo, "partition.ReadBlock: couldn't read the mapping block")
	}
	if maploc == 0 {
		for i := range into {
			into[i] = 0
		}
		return nil
	}
	return d.mgr.base.ReadBlock(maploc, into)
}

func (d *Device) WriteBlock(which uint64, from []byte) error {
	if which >= d.blockCount {
		return errors.Wrap(blockdev.ErrInvalidBlock, "partition.WriteBlock")
	}

	logical := which + d.offset
	maploc := d.mgr.blockMaploc(logical)
	if maploc == mapFailureSentinel {
		return errors.Wrap(blockdev.ErrBackendIo, "partition.WriteBlock: couldn't read the mapping block")
	}

	if maploc == 0 {
		newloc, err := d.mgr.scanFreeBlock()
		if err != nil {
			return err
		}
		if newloc == 0 {
			return errors.Wrap(blockdev.ErrOutOfSpace, "partition.WriteBlock: no free blocks left")
		}
		if err := d.mgr.blockSetMaploc(logical, newloc); err != nil {
			return err
		}
		if err := d.mgr.markBlockAs(newloc, true); err != nil {
			return err
		}
		maploc = newloc
	}

	return d.mgr.base.WriteBlock(maploc, from)
}

func (d *Device) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(d, offset, out, d.scratch)
}

func (d *Device) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(d, offset, in, d.scratch)
}

func (d *Device) Flush() error { return d.mgr.base.Flush() }
func (d *Device) Sync() error  { return d.mgr.base.Sync() }

func (d *Device) ClearCaches() error {
	d.mgr.haveBitmapBlock = false
	d.mgr.haveMapBlock = false
	return d.mgr.base.ClearCaches()
}

// Close is a no-op beyond releasing in-memory buffers; the base device's
// lifetime is owned by whoever opened it, not by the partition.
func (d *Device) Close() error { return nil }
