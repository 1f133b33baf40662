// Package xordev implements single-parity (RAID5-style) redundancy across
// N >= 3 member devices: one parity block per "slice" (one block from every
// member, at the same base index), with the parity member rotating slice
// to slice so no single device carries all the parity write load.
//
// There is no header; an all-zero array of members is a valid, fully
// consistent xor device.
//
// Arranging the members vertically, with 4 devices:
//
//	D1   D2   D3   D4
//	p1_1 d2_1 d3_1 d4_1
//	d1_2 p2_2 d3_2 d4_2
//	d1_3 d2_3 p3_3 d4_3
//	...
//
// Each row is a "slice". The exposed device is the concatenation, row by
// row (slice by slice, left to right within a slice), of the members' data
// blocks (excluding parity blocks).
package xordev

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

// Device is an xordev-layer Device wrapping count >= 3 equally-sized
// member devices.
type Device struct {
	devices []blockdev.Device
	count   int
	log     logging.Logger

	blockSize int

	slice       []byte // count blocks, concatenated
	sliceIndex  uint64
	haveSlice   bool
	sliceDirty  bool

	scratch []byte
}

const noSliceLoaded = ^uint64(0)

// Open builds an xordev Device atop the given members. All members must
// report the same block size; members may differ in block count, in which
// case the array is truncated to the smallest member's size and a warning
// is logged.
func Open(devices []blockdev.Device, log logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	if len(devices) < 3 {
		return nil, errors.Wrapf(blockdev.ErrBadGeometry, "xordev: need at least 3 devices, have %d", len(devices))
	}

	blockSize := devices[0].BlockSize()
	for _, dv := range devices[1:] {
		if dv.BlockSize() != blockSize {
			return nil, errors.Wrapf(blockdev.ErrBadGeometry, "xordev: mismatched block sizes (%d and %d)", blockSize, dv.BlockSize())
		}
	}

	minSize := devices[0].BlockCount()
	maxSize := devices[0].BlockCount()
	for _, dv := range devices[1:] {
		if dv.BlockCount() < minSize {
			minSize = dv.BlockCount()
		}
		if dv.BlockCount() > maxSize {
			maxSize = dv.BlockCount()
		}
	}
	if minSize != maxSize {
		log.Warn("xordev", "some members are smaller than others; truncating array to %d blocks (longest member has %d)", minSize, maxSize)
	}

	count := len(devices)
	d := &Device{
		devices:    append([]blockdev.Device(nil), devices...),
		count:      count,
		log:        log,
		blockSize:  blockSize,
		slice:      make([]byte, blockSize*count),
		sliceIndex: noSliceLoaded,
		scratch:    make([]byte, blockSize),
	}

	return d, nil
}

func (d *Device) BlockSize() int     { return d.blockSize }
func (d *Device) BlockCount() uint64 { return d.minMemberSize() * uint64(d.count-1) }

func (d *Device) minMemberSize() uint64 {
	min := d.devices[0].BlockCount()
	for _, dv := range d.devices[1:] {
		if dv.BlockCount() < min {
			min = dv.BlockCount()
		}
	}
	return min
}

func (d *Device) memberSlice(i int) []byte {
	off := i * d.blockSize
	return d.slice[off : off+d.blockSize]
}

func (d *Device) flushSlice() error {
	if d.sliceIndex == noSliceLoaded {
		return nil
	}

	var failed int
	var errs *multierror.Error
	for i := 0; i < d.count; i++ {
		if err := d.devices[i].WriteBlock(d.sliceIndex, d.memberSlice(i)); err != nil {
			failed++
			errs = multierror.Append(errs, err)
			if failed > 1 {
				d.log.Error("xordev", "couldn't write multiple members for slice %d, failing the write", d.sliceIndex)
				return errors.Wrap(blockdev.ErrRedundancyLost, errs.Error())
			}
			d.log.Error("xordev", "couldn't write member %d for slice %d: %v", i, d.sliceIndex, err)
		}
	}

	d.sliceDirty = false
	return nil
}

func (d *Device) rebuildSlicePart(failed int) {
	for i := 0; i < d.blockSize; i++ {
		var b byte
		for j := 0; j < d.count; j++ {
			if j != failed {
				b ^= d.slice[j*d.blockSize+i]
			}
		}
		d.slice[failed*d.blockSize+i] = b
	}
}

func (d *Device) switchSlice(slice uint64) error {
	if d.haveSlice && d.sliceIndex == slice {
		return nil
	}

	if d.sliceDirty {
		if err := d.flushSlice(); err != nil {
			return err
		}
	}

	d.haveSlice = false
	d.sliceIndex = noSliceLoaded

	whichFailed := -1
	for i := 0; i < d.count; i++ {
		if err := d.devices[i].ReadBlock(slice, d.memberSlice(i)); err != nil {
			if whichFailed != -1 {
				return errors.Wrap(blockdev.ErrRedundancyLost, "xordev: two members failed in the same slice")
			}
			whichFailed = i
		}
	}

	if whichFailed != -1 {
		d.rebuildSlicePart(whichFailed)
		if err := d.devices[whichFailed].WriteBlock(slice, d.memberSlice(whichFailed)); err != nil {
			d.log.Error("xordev", "repaired slice %d but couldn't write repaired data back to member %d, ignoring: %v", slice, whichFailed, err)
		}
	}

	d.sliceIndex = slice
	d.haveSlice = true

	return nil
}

func (d *Device) locate(which uint64) (slice, dataAt, parityAt uint64) {
	slice = which / uint64(d.count-1)
	dataAt = which % uint64(d.count-1)
	parityAt = slice % uint64(d.count)
	if parityAt <= dataAt {
		dataAt++
	}
	return
}

func (d *Device) ReadBlock(which uint64, into []byte) error {
	if which >= d.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "xordev.ReadBlock")
	}

	slice, dataAt, _ := d.locate(which)

	if err := d.switchSlice(slice); err != nil {
		return err
	}

	copy(into, d.memberSlice(int(dataAt)))
	return nil
}

func (d *Device) WriteBlock(which uint64, from []byte) error {
	if which >= d.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "xordev.WriteBlock")
	}

	slice, dataAt, parityAt := d.locate(which)

	if err := d.switchSlice(slice); err != nil {
		return err
	}

	parity := d.memberSlice(int(parityAt))
	data := d.memberSlice(int(dataAt))
	for i := 0; i < d.blockSize; i++ {
		parity[i] ^= from[i] ^ data[i]
	}
	copy(data, from)
	d.sliceDirty = true

	return nil
}

func (d *Device) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(d, offset, out, d.scratch)
}

func (d *Device) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(d, offset, in, d.scratch)
}

func (d *Device) Flush() error {
	if err := d.flushSlice(); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, dv := range d.devices {
		if err := dv.Flush(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Device) Sync() error {
	if err := d.Flush(); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, dv := range d.devices {
		if err := dv.Sync(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Device) ClearCaches() error {
	if err := d.flushSlice(); err != nil {
		return err
	}
	d.sliceIndex = noSliceLoaded
	d.haveSlice = false

	var errs *multierror.Error
	for _, dv := range d.devices {
		if err := dv.ClearCaches(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Device) Close() error {
	var errs *multierror.Error
	for _, dv := range d.devices {
		if err := dv.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
