// Package compose implements the stripe and concat composers: two ways of
// assembling several equally-block-sized devices into one larger device,
// differing in how a logical block index maps onto a member and offset.
package compose

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"diskstack/pkg/blockdev"
	"diskstack/pkg/logging"
)

// Stripe interleaves blocks across its members round-robin: logical block
// w lives on member w%N at member-relative index w/N.
type Stripe struct {
	devices []blockdev.Device
	count   int
	log     logging.Logger

	blockSize int
	scratch   []byte
}

// OpenStripe builds a Stripe atop the given members. All members must
// report the same block size; members may differ in block count, in which
// case the stripe is truncated to the smallest member's size and a
// warning is logged.
func OpenStripe(devices []blockdev.Device, log logging.Logger) (*Stripe, error) {
	if log == nil {
		log = logging.Default()
	}
	if len(devices) == 0 {
		return nil, errors.Wrap(blockdev.ErrBadGeometry, "stripe: need at least 1 device")
	}

	blockSize := devices[0].BlockSize()
	for _, dv := range devices[1:] {
		if dv.BlockSize() != blockSize {
			return nil, errors.Wrapf(blockdev.ErrBadGeometry, "stripe: mismatched block sizes (%d and %d)", blockSize, dv.BlockSize())
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
		log.Warn("stripe", "some members are smaller than others; truncating array to %d blocks (longest member has %d)", minSize, maxSize)
	}

	return &Stripe{
		devices:   append([]blockdev.Device(nil), devices...),
		count:     len(devices),
		log:       log,
		blockSize: blockSize,
		scratch:   make([]byte, blockSize),
	}, nil
}

func (s *Stripe) minMemberSize() uint64 {
	min := s.devices[0].BlockCount()
	for _, dv := range s.devices[1:] {
		if dv.BlockCount() < min {
			min = dv.BlockCount()
		}
	}
	return min
}

func (s *Stripe) BlockSize() int     { return s.blockSize }
func (s *Stripe) BlockCount() uint64 { return s.minMemberSize() * uint64(s.count) }

func (s *Stripe) ReadBlock(which uint64, into []byte) error {
	if which >= s.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "stripe.ReadBlock")
	}
	device := which % uint64(s.count)
	block := which / uint64(s.count)
	return s.devices[device].ReadBlock(block, into)
}

func (s *Stripe) WriteBlock(which uint64, from []byte) error {
	if which >= s.BlockCount() {
		return errors.Wrap(blockdev.ErrInvalidBlock, "stripe.WriteBlock")
	}
	device := which % uint64(s.count)
	block := which / uint64(s.count)
	return s.devices[device].WriteBlock(block, from)
}

func (s *Stripe) ReadBytes(offset uint64, out []byte) error {
	return blockdev.GenericReadBytes(s, offset, out, s.scratch)
}

func (s *Stripe) WriteBytes(offset uint64, in []byte) error {
	return blockdev.GenericWriteBytes(s, offset, in, s.scratch)
}

func (s *Stripe) Flush() error {
	var errs *multierror.Error
	for _, dv := range s.devices {
		if err := dv.Flush(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Stripe) Sync() error {
	if err := s.Flush(); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, dv := range s.devices {
		if err := dv.Sync(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Stripe) ClearCaches() error {
	var errs *multierror.Error
	for _, dv := range s.devices {
		if err := dv.ClearCaches(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Stripe) Close() error {
	var errs *multierror.Error
	for _, dv := range s.devices {
		if err := dv.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
