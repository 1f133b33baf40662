package blockdev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"diskstack/pkg/logging"
)

// MmapBackend is a Device backed by a shared mmap of a file, useful when a
// caller wants page-cache-speed random access without going through
// ReadAt/WriteAt syscalls per block.
type MmapBackend struct {
	f          *os.File
	data       []byte
	blockSize  int
	blockCount uint64
	log        logging.Logger
}

// OpenMmapBackend mmaps an existing file, which must already be at least
// blockSize*blockCount bytes, as a Device.
func OpenMmapBackend(path string, blockSize int, blockCount uint64) (*MmapBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendIo, "open mmap backend %q: %v", path, err)
	}

	size := int(blockSize) * int(blockCount)
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrBackendIo, "mmap %q: %v", path, err)
	}

	return &MmapBackend{
		f:          f,
		data:       data,
		blockSize:  blockSize,
		blockCount: blockCount,
		log:        logging.Default(),
	}, nil
}

func (mb *MmapBackend) BlockSize() int     { return mb.blockSize }
func (mb *MmapBackend) BlockCount() uint64 { return mb.blockCount }

func (mb *MmapBackend) ReadBlock(index uint64, out []byte) error {
	if index >= mb.blockCount {
		return errors.Wrapf(ErrInvalidBlock, "read block %d", index)
	}
	off := int(index) * mb.blockSize
	copy(out, mb.data[off:off+mb.blockSize])
	return nil
}

func (mb *MmapBackend) WriteBlock(index uint64, in []byte) error {
	if index >= mb.blockCount {
		return errors.Wrapf(ErrInvalidBlock, "write block %d", index)
	}
	off := int(index) * mb.blockSize
	copy(mb.data[off:off+mb.blockSize], in)
	return nil
}

func (mb *MmapBackend) ReadBytes(offset uint64, out []byte) error {
	scratch := make([]byte, mb.blockSize)
	return GenericReadBytes(mb, offset, out, scratch)
}

func (mb *MmapBackend) WriteBytes(offset uint64, in []byte) error {
	scratch := make([]byte, mb.blockSize)
	return GenericWriteBytes(mb, offset, in, scratch)
}

func (mb *MmapBackend) Flush() error {
	if err := unix.Msync(mb.data, unix.MS_ASYNC); err != nil {
		mb.log.Warn("blockdev/mmap", "msync (async) failed: %v", err)
		return errors.Wrap(ErrBackendIo, err.Error())
	}
	return nil
}

func (mb *MmapBackend) Sync() error {
	if err := unix.Msync(mb.data, unix.MS_SYNC); err != nil {
		mb.log.Warn("blockdev/mmap", "msync failed: %v", err)
		return errors.Wrap(ErrBackendIo, err.Error())
	}
	return nil
}

func (mb *MmapBackend) ClearCaches() error { return nil }

func (mb *MmapBackend) Close() error {
	if err := unix.Munmap(mb.data); err != nil {
		mb.f.Close()
		return errors.Wrap(ErrBackendIo, err.Error())
	}
	if err := mb.f.Close(); err != nil {
		return errors.Wrap(ErrBackendIo, err.Error())
	}
	return nil
}
