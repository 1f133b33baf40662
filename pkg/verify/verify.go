// Package verify implements a per-block CRC-32 integrity layer: hash
// blocks are interleaved with data blocks on the base device, and every
// data block read is checked against its stored CRC.
//
// There is no header; the all-zero device is a valid, fully-verifying
// verify device, because every stored CRC is XORed against the CRC of an
// all-zero block before being compared.
//
// For a base device with hashesPerBlock=8, the block layout looks like:
//
//	HddddddddHddddddddHddddd
//
// where each run of one hash block followed by up to hashesPerBlock data
// blocks is a "chunk".
package verify

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

// Device is a verify-layer Device wrapping a base blockdev.Device.
type Device struct {
	base blockdev.Device
	log  logging.Logger

	hashesPerBlock uint64
	hashBlockCount uint64
	dataBlockCount uint64

	hashBlock      []byte
	whichHashBlock uint64
	haveHashBlock  bool

	zeroCRC  uint32
	scratch  []byte
}

const noHashBlockLoaded = ^uint64(0)

func zeroBlockCRC(blockSize int) uint32 {
	zeroes := make([]byte, 16)
	crc := crc32.NewIEEE()
	toSend := blockSize
	for toSend >= 16 {
		crc.Write(zeroes)
		toSend -= 16
	}
	if toSend > 0 {
		crc.Write(zeroes[:toSend])
	}
	return crc.Sum32()
}

// isHashBlock reports whether index, a block index on the base device, is
// a hash block rather than a data block.
func isHashBlock(hashesPerBlock, index uint64) bool {
	return index%(hashesPerBlock+1) == 0
}

// Create initializes a verify layer's invariants atop base. There is
// nothing to write: the layer has no header, so Create exists only to
// validate geometry up front; Open performs the same validation and is
// sufficient on its own for an already-zeroed base.
func Create(base blockdev.Device) error {
	_, err := newDevice(base, nil)
	return err
}

// Open wraps base as a verify Device.
func Open(base blockdev.Device, log logging.Logger) (*Device, error) {
	return newDevice(base, log)
}

func newDevice(base blockdev.Device, log logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	if base.BlockCount() == 1 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "verify: can't build atop a one-block device")
	}
	if base.BlockSize() < 4 {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "verify: block size %d is less than 4 bytes", base.BlockSize())
	}

	d := &Device{
		base:           base,
		log:            log,
		hashBlock:      make([]byte, base.BlockSize()),
		whichHashBlock: noHashBlockLoaded,
		scratch:        make([]byte, base.BlockSize()),
	}

	d.hashesPerBlock = uint64(base.BlockSize()) / 4
	d.hashBlockCount = (base.BlockCount() + d.hashesPerBlock) / (1 + d.hashesPerBlock)
	d.dataBlockCount = base.BlockCount() - d.hashBlockCount

	// Preserved quirk (not a fix): when the base device ends on a
	// trailing hash-only block (one representing no data, since there's
	// nothing left below it), hashBlockCount is decremented to reflect
	// that the trailing block is wasted space, but dataBlockCount -
	// already computed above, and exposed as BlockCount() - is
	// deliberately NOT recomputed from the decremented value. So
	// hashBlockCount + dataBlockCount != base.BlockCount() in this case.
	// This matches the original verify layer bit for bit; see DESIGN.md
	// Open Question 1.
	if isHashBlock(d.hashesPerBlock, base.BlockCount()-1) {
		d.hashBlockCount--
	}

	if d.hashesPerBlock == 0 || d.hashBlockCount == 0 || d.dataBlockCount == 0 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "verify: degenerate geometry")
	}

	d.zeroCRC = zeroBlockCRC(base.BlockSize())

	return d, nil
}

func (d *Device) BlockSize() int     { return d.base.BlockSize() }
func (d *Device) BlockCount() uint64 { return d.dataBlockCount }

func (d *Device) loadHashBlock(needed uint64) error {
	if d.haveHashBlock && d.whichHashBlock == needed {
		return nil
	}
	if err := d.base.ReadBlock(needed, d.hashBlock); err != nil {
		return err
	}
	d.whichHashBlock = needed
	d.haveHashBlock = true
	return nil
}

func (d *Device) ReadBlock(which uint64, into []byte) error {
	if which >= d.dataBlockCount {
		return errors.Wrap(blockdev.ErrInvalidBlock, "verify.ReadBlock")
	}

	neededChunk := which / d.hashesPerBlock
	neededHashBlock := neededChunk * (d.hashesPerBlock + 1)
	neededDataBlock := which + neededChunk + 1
	interiorOffset := which % d.hashesPerBlock

	if err := d.loadHashBlock(neededHashBlock); err != nil {
		return err
	}

	neededCRC := binary.BigEndian.Uint32(d.hashBlock[interiorOffset*4:]) ^ d.zeroCRC

	if err := d.base.ReadBlock(neededDataBlock, into); err != nil {
		return err
	}

	readCRC := crc32.ChecksumIEEE(into[:d.BlockSize()])
	if neededCRC != readCRC {
		d.log.Junk("verify", "CRC error on block %d (mapped %d) - %d != %d", neededDataBlock, which, readCRC, neededCRC)
		return errors.Wrapf(blockdev.ErrVerifyMismatch, "block %d", which)
	}

	return nil
}

func (d *Device) WriteBlock(which uint64, from []byte) error {
	if which >= d.dataBlockCount {
		return errors.Wrap(blockdev.ErrInvalidBlock, "verify.WriteBlock")
	}

	neededChunk := which / d.hashesPerBlock
	neededHashBlock := neededChunk * (d.hashesPerBlock + 1)
	neededDataBlock := which + neededChunk + 1
	interiorOffset := which % d.hashesPerBlock

	if err := d.loadHashBlock(neededHashBlock); err != nil {
		// Hash block failed to read: assume it's zeroed. We won't lose
		// any more data than we've already lost, and keep writing.
		for i := range d.hashBlock {
			d.hashBlock[i] = 0
		}
		d.whichHashBlock = neededHashBlock
		d.haveHashBlock = true
	}

	binary.BigEndian.PutUint32(d.hashBlock[interiorOffset*4:], crc32.ChecksumIEEE(from[:d.BlockSize()])^d.zeroCRC)
	if err := d.base.WriteBlock(neededHashBlock, d.hashBlock); err != nil {
		return err
	}

	return d.base.WriteBlock(neededDataBlock, from)
}

func (d *Device) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(d, offset, out, d.scratch)
}

func (d *Device) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(d, offset, in, d.scratch)
}

func (d *Device) Flush() error { return d.base.Flush() }
func (d *Device) Sync() error  { return d.base.Sync() }

func (d *Device) ClearCaches() error {
	d.haveHashBlock = false
	d.whichHashBlock = noHashBlockLoaded
	return d.base.ClearCaches()
}

func (d *Device) Close() error { return d.base.Close() }
