package blockdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	dev := NewMemoryBackend(64, 8)
	in := make([]byte, 64)
	for i := range in {
		in[i] = byte(i)
	}

	require.NoError(t, dev.WriteBlock(3, in))

	out := make([]byte, 64)
	require.NoError(t, dev.ReadBlock(3, out))
	require.Equal(t, in, out)
}

func TestMemoryBackendInvalidBlock(t *testing.T) {
	dev := NewMemoryBackend(64, 8)
	buf := make([]byte, 64)
	require.ErrorIs(t, dev.ReadBlock(8, buf), ErrInvalidBlock)
	require.ErrorIs(t, dev.WriteBlock(100, buf), ErrInvalidBlock)
}

func TestGenericBytesStraddlingBlocks(t *testing.T) {
	dev := NewMemoryBackend(16, 4)
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}

	require.NoError(t, dev.WriteBytes(5, data))

	out := make([]byte, 40)
	require.NoError(t, dev.ReadBytes(5, out))
	require.Equal(t, data, out)

	block0 := make([]byte, 16)
	require.NoError(t, dev.ReadBlock(0, block0))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, block0)
}

func TestCacheHitsAndWriteBack(t *testing.T) {
	base := NewMemoryBackend(8, 4)
	cache := NewCache(base, 2)

	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, cache.Write(1, in))

	baseCopy := make([]byte, 8)
	require.NoError(t, base.ReadBlock(1, baseCopy))
	require.NotEqual(t, in, baseCopy, "write should stay buffered until flush")

	out := make([]byte, 8)
	require.NoError(t, cache.Read(1, out))
	require.Equal(t, in, out)

	require.NoError(t, cache.Flush())
	require.NoError(t, base.ReadBlock(1, baseCopy))
	require.Equal(t, in, baseCopy)
}

func TestCacheEvictionWritesBackDirtySlot(t *testing.T) {
	base := NewMemoryBackend(8, 256)
	cache := NewCache(base, 1)

	a := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	b := []byte{2, 2, 2, 2, 2, 2, 2, 2}

	require.NoError(t, cache.Write(10, a))
	// with a single slot, every block index maps to the same slot, so
	// writing any other block forces an eviction of block 10's data.
	require.NoError(t, cache.Write(20, b))

	out := make([]byte, 8)
	require.NoError(t, base.ReadBlock(10, out))
	require.Equal(t, a, out, "evicting the dirty slot for block 10 must write it back first")
}
