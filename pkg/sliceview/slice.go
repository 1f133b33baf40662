// Package sliceview exposes a contiguous sub-range of a base device as its
// own device, with block 0 of the slice mapping to block "start" of the
// base.
package sliceview

import (
	"github.com/pkg/errors"

	"diskstack/pkg/blockdev"
)

// Device is a windowed view onto [start, start+len) of a base device.
type Device struct {
	base  blockdev.Device
	start uint64
	len   uint64

	scratch []byte
	closed  bool
}

// New builds a Device over base[start, start+len). Unlike the layer this is
// ported from, New always returns a distinct wrapper — it never hands back
// base itself even when the requested range is the whole device, so that
// Owned and Close behave consistently regardless of the range picked.
func New(base blockdev.Device, start, length uint64) (*Device, error) {
	if length == 0 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "sliceview: length must be > 0")
	}
	if start+length > base.BlockCount() {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "sliceview: range extends past the end of the base device")
	}

	return &Device{
		base:    base,
		start:   start,
		len:     length,
		scratch: make([]byte, base.BlockSize()),
	}, nil
}

// Owned reports whether this slice spans the whole of its base device. A
// caller can use this to decide whether closing the slice should also close
// the base, since in that case the two are otherwise indistinguishable.
func (d *Device) Owned() bool {
	return d.start == 0 && d.len == d.base.BlockCount()
}

func (d *Device) BlockSize() int     { return d.base.BlockSize() }
func (d *Device) BlockCount() uint64 { return d.len }

func (d *Device) ReadBlock(which uint64, into []byte) error {
	if d.closed {
		return blockdev.ErrClosed
	}
	if which >= d.len {
		return errors.Wrap(blockdev.ErrInvalidBlock, "sliceview.ReadBlock")
	}
	return d.base.ReadBlock(which+d.start, into)
}

func (d *Device) WriteBlock(which uint64, from []byte) error {
	if d.closed {
		return blockdev.ErrClosed
	}
	if which >= d.len {
		return errors.Wrap(blockdev.ErrInvalidBlock, "sliceview.WriteBlock")
	}
	return d.base.WriteBlock(which+d.start, from)
}

func (d *Device) ReadBytes(offset uint64, out []byte) error {
	if d.closed {
		return blockdev.ErrClosed
	}
	return blockdev.GenericReadBytes(d, offset, out, d.scratch)
}

func (d *Device) WriteBytes(offset uint64, in []byte) error {
	if d.closed {
		return blockdev.ErrClosed
	}
	return blockdev.GenericWriteBytes(d, offset, in, d.scratch)
}

// Flush, Sync and ClearCaches all delegate straight to the base device:
// a slice carries no cache or buffering of its own, so there is nothing
// slice-local to flush.
func (d *Device) Flush() error {
	if d.closed {
		return blockdev.ErrClosed
	}
	return d.base.Flush()
}

func (d *Device) Sync() error {
	if d.closed {
		return blockdev.ErrClosed
	}
	return d.base.Sync()
}

func (d *Device) ClearCaches() error {
	if d.closed {
		return blockdev.ErrClosed
	}
	return d.base.ClearCaches()
}

// Close never closes the base device; the caller owns the base's lifetime
// independently of any slices taken over it. Safe to call more than once.
func (d *Device) Close() error {
	d.closed = true
	return nil
}
