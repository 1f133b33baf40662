package compose

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskstack/pkg/blockdev"
)

func devices(n int, blockSize int, blockCount uint64) []blockdev.Device {
	out := make([]blockdev.Device, n)
	for i := range out {
		out[i] = blockdev.NewMemoryBackend(blockSize, blockCount)
	}
	return out
}

// TestS1 is the seed scenario from the spec: write a recognizable pattern
// across a striped array and confirm round-trip and the expected
// member/offset mapping.
func TestS1(t *testing.T) {
	members := devices(3, 16, 4)
	stripe, err := OpenStripe(members, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(12), stripe.BlockCount())

	for i := uint64(0); i < stripe.BlockCount(); i++ {
		buf := make([]byte, stripe.BlockSize())
		buf[0] = byte(i)
		require.NoError(t, stripe.WriteBlock(i, buf))
	}

	// block 3 should land on member 0, offset 1 (3%3==0, 3/3==1).
	out := make([]byte, stripe.BlockSize())
	require.NoError(t, members[0].ReadBlock(1, out))
	require.Equal(t, byte(3), out[0])

	for i := uint64(0); i < stripe.BlockCount(); i++ {
		got := make([]byte, stripe.BlockSize())
		require.NoError(t, stripe.ReadBlock(i, got))
		require.Equal(t, byte(i), got[0])
	}
}

// TestC1 is the seed scenario from the spec: a concat device's block
// count is the sum of its members', and logical blocks map onto the
// correct member and member-relative offset.
func TestC1(t *testing.T) {
	a := blockdev.NewMemoryBackend(16, 3)
	b := blockdev.NewMemoryBackend(16, 5)
	concat, err := OpenConcat([]blockdev.Device{a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(8), concat.BlockCount())

	for i := uint64(0); i < concat.BlockCount(); i++ {
		buf := make([]byte, concat.BlockSize())
		buf[0] = byte(i + 1)
		require.NoError(t, concat.WriteBlock(i, buf))
	}

	out := make([]byte, 16)
	require.NoError(t, a.ReadBlock(2, out))
	require.Equal(t, byte(3), out[0])

	require.NoError(t, b.ReadBlock(0, out))
	require.Equal(t, byte(4), out[0])

	for i := uint64(0); i < concat.BlockCount(); i++ {
		got := make([]byte, concat.BlockSize())
		require.NoError(t, concat.ReadBlock(i, got))
		require.Equal(t, byte(i+1), got[0])
	}
}

func TestConcatRejectsMismatchedBlockSizes(t *testing.T) {
	a := blockdev.NewMemoryBackend(16, 3)
	b := blockdev.NewMemoryBackend(32, 3)
	_, err := OpenConcat([]blockdev.Device{a, b}, nil)
	require.ErrorIs(t, err, blockdev.ErrBadGeometry)
}

func TestStripeTruncatesToSmallestMember(t *testing.T) {
	a := blockdev.NewMemoryBackend(16, 4)
	b := blockdev.NewMemoryBackend(16, 2)
	stripe, err := OpenStripe([]blockdev.Device{a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stripe.BlockCount())
}
