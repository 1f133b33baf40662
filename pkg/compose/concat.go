package compose

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

// Concat joins its members end to end into one linear address space: block
// w lives on whichever member's range contains w. A one-entry "last hit"
// cache makes sequential access close to O(1) instead of rescanning the
// member list on every block.
type Concat struct {
	devices []blockdev.Device
	count   int
	log     logging.Logger

	blockSize int

	lastIndex  int
	lastOffset uint64
	lastLen    uint64

	scratch []byte
}

// OpenConcat builds a Concat atop the given members, in the order given.
// All members must report the same block size.
func OpenConcat(devices []blockdev.Device, log logging.Logger) (*Concat, error) {
	if log == nil {
		log = logging.Default()
	}
	if len(devices) == 0 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "concat: need at least 1 device")
	}

	blockSize := devices[0].BlockSize()
	for _, dv := range devices[1:] {
		if dv.BlockSize() != blockSize {
			return nil, errors.Wrapf(blockdev.ErrBadGeometry, "concat: mismatched block sizes (%d and %d)", blockSize, dv.BlockSize())
		}
	}

	c := &Concat{
		devices:    append([]blockdev.Device(nil), devices...),
		count:      len(devices),
		log:        log,
		blockSize:  blockSize,
		lastIndex:  0,
		lastOffset: 0,
		lastLen:    devices[0].BlockCount(),
		scratch:    make([]byte, blockSize),
	}

	return c, nil
}

func (c *Concat) BlockSize() int { return c.blockSize }

func (c *Concat) BlockCount() uint64 {
	var total uint64
	for _, dv := range c.devices {
		total += dv.BlockCount()
	}
	return total
}

// find locates which member owns block, updating the last-hit cache.
func (c *Concat) find(block uint64) bool {
	if c.lastOffset <= block && block < c.lastOffset+c.lastLen {
		return true
	}

	var offset uint64
	for i, dv := range c.devices {
		if dv.BlockCount() > block {
			c.lastIndex = i
			c.lastOffset = offset
			c.lastLen = dv.BlockCount()
			return true
		}
		block -= dv.BlockCount()
		offset += dv.BlockCount()
	}
	return false
}

func (c *Concat) ReadBlock(which uint64, into []byte) error {
	if which >= c.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "concat.ReadBlock")
	}
	if !c.find(which) {
		return errors.Wrap(blockdev.ErrInvalidBlock, "concat.ReadBlock: could not locate member")
	}
	return c.devices[c.lastIndex].ReadBlock(which-c.lastOffset, into)
}

func (c *Concat) WriteBlock(which uint64, from []byte) error {
	if which >= c.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "concat.WriteBlock")
	}
	if !c.find(which) {
		return errors.Wrap(blockdev.ErrInvalidBlock, "concat.WriteBlock: could not locate member")
	}
	return c.devices[c.lastIndex].WriteBlock(which-c.lastOffset, from)
}

// ReadBytes and WriteBytes fall back to the generic byte-I/O algorithm
// rather than a per-member fast path, because a requested range may cross
// a member boundary.
func (c *Concat) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(c, offset, out, c.scratch)
}

func (c *Concat) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(c, offset, in, c.scratch)
}

func (c *Concat) Flush() error {
	var errs *multierror.Error
	for _, dv := range c.devices {
		if err := dv.Flush(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Concat) Sync() error {
	if err := c.Flush(); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, dv := range c.devices {
		if err := dv.Sync(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Concat) ClearCaches() error {
	var errs *multierror.Error
	for _, dv := range c.devices {
		if err := dv.ClearCaches(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Concat) Close() error {
	var errs *multierror.Error
	for _, dv := range c.devices {
		if err := dv.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
