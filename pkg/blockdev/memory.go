package blockdev

import (
	"sync"

	"github.com/pkg/errors"
)

// MemoryBackend is an in-RAM Device, primarily useful for tests and for the
// block-cache and layer tests in this module that need a cheap base device.
type MemoryBackend struct {
	mu        sync.RWMutex
	blockSize int
	blocks    [][]byte
	closed    bool
}

// NewMemoryBackend allocates a zero-filled in-memory device of the given
// geometry.
func NewMemoryBackend(blockSize int, blockCount uint64) *MemoryBackend {
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemoryBackend{blockSize: blockSize, blocks: blocks}
}

func (m *MemoryBackend) BlockSize() int        { return m.blockSize }
func (m *MemoryBackend) BlockCount() uint64    { return uint64(len(m.blocks)) }

func (m *MemoryBackend) ReadBlock(index uint64, out []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if index >= uint64(len(m.blocks)) {
		return errors.Wrapf(ErrInvalidBlock, "read block %d", index)
	}
	copy(out, m.blocks[index])
	return nil
}

func (m *MemoryBackend) WriteBlock(index uint64, in []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if index >= uint64(len(m.blocks)) {
		return errors.Wrapf(ErrInvalidBlock, "write block %d", index)
	}
	copy(m.blocks[index], in)
	return nil
}

func (m *MemoryBackend) ReadBytes(offset uint64, out []byte) error {
	scratch := make([]byte, m.blockSize)
	return GenericReadBytes(m, offset, out, scratch)
}

func (m *MemoryBackend) WriteBytes(offset uint64, in []byte) error {
	scratch := make([]byte, m.blockSize)
	return GenericWriteBytes(m, offset, in, scratch)
}

func (m *MemoryBackend) Flush() error        { return nil }
func (m *MemoryBackend) Sync() error         { return nil }
func (m *MemoryBackend) ClearCaches() error  { return nil }

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
