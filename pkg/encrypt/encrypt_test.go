package encrypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskstack/pkg/blockdev"
)

// TestE1 is the seed scenario from the spec: create with one key, open
// with the same key, round-trip data through several blocks.
func TestE1(t *testing.T) {
	base := blockdev.NewMemoryBackend(32, 9)
	key := []byte("correct horse battery staple")

	require.NoError(t, Create(base, key))

	dev, err := Open(base, key, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(8), dev.BlockCount())

	for i := uint64(0); i < dev.BlockCount(); i++ {
		buf := make([]byte, dev.BlockSize())
		for j := range buf {
			buf[j] = byte(i*7 + uint64(j))
		}
		require.NoError(t, dev.WriteBlock(i, buf))
	}

	for i := uint64(0); i < dev.BlockCount(); i++ {
		expect := make([]byte, dev.BlockSize())
		for j := range expect {
			expect[j] = byte(i*7 + uint64(j))
		}
		got := make([]byte, dev.BlockSize())
		require.NoError(t, dev.ReadBlock(i, got))
		require.Equal(t, expect, got)
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	base := blockdev.NewMemoryBackend(32, 9)
	require.NoError(t, Create(base, []byte("right key")))

	_, err := Open(base, []byte("wrong key"), nil)
	require.ErrorIs(t, err, blockdev.ErrAuthFailure)
}

func TestDataIsActuallyEncryptedOnDisk(t *testing.T) {
	base := blockdev.NewMemoryBackend(32, 9)
	key := []byte("another key")
	require.NoError(t, Create(base, key))

	dev, err := Open(base, key, nil)
	require.NoError(t, err)

	plain := make([]byte, dev.BlockSize())
	for i := range plain {
		plain[i] = 0x55
	}
	require.NoError(t, dev.WriteBlock(0, plain))

	onDisk := make([]byte, base.BlockSize())
	require.NoError(t, base.ReadBlock(1, onDisk))
	require.NotEqual(t, plain, onDisk)
}

func TestRejectsSmallBlockSize(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 4)
	require.ErrorIs(t, Create(base, []byte("k")), blockdev.ErrBadGeometry)
}
