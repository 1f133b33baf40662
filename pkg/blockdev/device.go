package blockdev

import (
	"github.com/pkg/errors"
)

// Device is the contract every layer in this module implements and stacks
// on. A Device is not safe for concurrent use from multiple goroutines: the
// model is a single cooperative caller, matching the cooperative single-
// threaded model of the layers underneath it.
type Device interface {
	// BlockSize returns the fixed size, in bytes, of every block.
	BlockSize() int

	// BlockCount returns the number of addressable blocks, [0, BlockCount()).
	BlockCount() uint64

	// ReadBlock reads one full block into out, which must have length
	// BlockSize().
	ReadBlock(index uint64, out []byte) error

	// WriteBlock writes one full block from in, which must have length
	// BlockSize().
	WriteBlock(index uint64, in []byte) error

	// ReadBytes reads len(out) bytes starting at the given byte offset,
	// which may straddle block boundaries.
	ReadBytes(offset uint64, out []byte) error

	// WriteBytes writes len(in) bytes starting at the given byte offset,
	// which may straddle block boundaries.
	WriteBytes(offset uint64, in []byte) error

	// Flush writes back any buffered dirty data without discarding it.
	Flush() error

	// Sync flushes and additionally requests the backend persist to
	// stable storage (e.g. fsync).
	Sync() error

	// ClearCaches discards any buffered data, re-reading from the base on
	// next access. Layers that buffer writes write dirty data back first.
	ClearCaches() error

	// Close releases resources, recursively closing any base device this
	// layer owns. After Close, the Device must not be used again.
	Close() error
}

// GenericReadBytes implements ReadBytes purely atop ReadBlock, for layers
// with no faster byte-range path of their own. scratch must have length
// dev.BlockSize() and is used as read-modify-write staging for any block
// the range only partially covers.
func GenericReadBytes(dev Device, offset uint64, out []byte, scratch []byte) error {
	length := uint64(len(out))
	if length == 0 {
		return nil
	}

	blockSize := uint64(dev.BlockSize())
	startBlock := offset / blockSize
	endBlock := (offset + length - 1) / blockSize
	skip := offset - startBlock*blockSize

	if startBlock >= dev.BlockCount() || endBlock >= dev.BlockCount() {
		return errors.Wrap(ErrInvalidBlock, "GenericReadBytes")
	}

	for length > 0 {
		if startBlock == endBlock {
			if err := dev.ReadBlock(startBlock, scratch); err != nil {
				return err
			}
			copy(out, scratch[skip:skip+length])
			return nil
		}

		if skip != 0 {
			if err := dev.ReadBlock(startBlock, scratch); err != nil {
				return err
			}
			readSize := blockSize - skip
			copy(out, scratch[skip:skip+readSize])
			out = out[readSize:]
			length -= readSize
			startBlock++
			skip = 0
		} else {
			if err := dev.ReadBlock(startBlock, out[:blockSize]); err != nil {
				return err
			}
			out = out[blockSize:]
			length -= blockSize
			startBlock++
		}
	}

	return nil
}

// GenericWriteBytes implements WriteBytes purely atop ReadBlock/WriteBlock,
// mirroring GenericReadBytes. Any block only partially covered by the range
// is read-modify-written through scratch.
func GenericWriteBytes(dev Device, offset uint64, in []byte, scratch []byte) error {
	length := uint64(len(in))
	if length == 0 {
		return nil
	}

	blockSize := uint64(dev.BlockSize())
	startBlock := offset / blockSize
	endBlock := (offset + length - 1) / blockSize
	skip := offset - startBlock*blockSize

	if startBlock >= dev.BlockCount() || endBlock >= dev.BlockCount() {
		return errors.Wrap(ErrInvalidBlock, "GenericWriteBytes")
	}

	for length > 0 {
		if skip != 0 || startBlock == endBlock {
			if err := dev.ReadBlock(startBlock, scratch); err != nil {
				return err
			}

			cp := blockSize - skip
			if cp > length {
				cp = length
			}
			copy(scratch[skip:skip+cp], in[:cp])
			in = in[cp:]
			length -= cp
			skip = 0

			if err := dev.WriteBlock(startBlock, scratch); err != nil {
				return err
			}
			startBlock++
		} else {
			if err := dev.WriteBlock(startBlock, in[:blockSize]); err != nil {
				return err
			}
			in = in[blockSize:]
			length -= blockSize
			startBlock++
		}
	}

	return nil
}
