// Package blockdev defines the uniform block-device contract every layer
// in this module stacks on: a small set of block- and byte-addressable
// operations, a shared error taxonomy, and the generic byte-I/O algorithm
// every layer that doesn't need a faster path reuses unmodified.
package blockdev

import "errors"

// Error kinds shared across every layer. A layer wraps one of these with
// github.com/pkg/errors.Wrapf so callers can still errors.Is against the
// sentinel after the message gains call-site context.
var (
	// ErrBackendIo indicates the underlying backend (file, memory, mmap)
	// failed to service a read or write.
	ErrBackendIo = errors.New("blockdev: backend i/o error")

	// ErrVerifyMismatch indicates a block's stored CRC did not match its
	// recomputed CRC in the verify layer.
	ErrVerifyMismatch = errors.New("blockdev: crc verification mismatch")

	// ErrAuthFailure indicates the encrypt layer's key-verification value
	// did not match on open — the supplied key is wrong.
	ErrAuthFailure = errors.New("blockdev: key verification failed")

	// ErrBadMagic indicates a layer's header magic number did not match
	// on open.
	ErrBadMagic = errors.New("blockdev: bad magic number")

	// ErrBadGeometry indicates a layer was asked to open or create atop a
	// base device with an incompatible block size or block count.
	ErrBadGeometry = errors.New("blockdev: incompatible device geometry")

	// ErrRedundancyLost indicates more simultaneous member failures
	// occurred than a redundant layer (xordev) can tolerate.
	ErrRedundancyLost = errors.New("blockdev: redundancy lost, too many member failures")

	// ErrOutOfSpace indicates an allocate-on-write layer (partition) had
	// no free region left to allocate.
	ErrOutOfSpace = errors.New("blockdev: out of space")

	// ErrInvalidBlock indicates a block index outside [0, BlockCount()).
	ErrInvalidBlock = errors.New("blockdev: block index out of range")

	// ErrClosed indicates an operation was attempted on a closed device.
	ErrClosed = errors.New("blockdev: device is closed")

	// ErrNotSupported indicates an operation a layer deliberately does not
	// implement, such as partition shrinking.
	ErrNotSupported = errors.New("blockdev: operation not supported")
)
