package sliceview

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskstack/pkg/blockdev"
)

func TestRoundTripWithinWindow(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 10)
	view, err := New(base, 3, 4)
	require.NoError(t, err)
	require.False(t, view.Owned())
	require.Equal(t, uint64(4), view.BlockCount())

	buf := make([]byte, 16)
	buf[0] = 0xAB
	require.NoError(t, view.WriteBlock(1, buf))

	out := make([]byte, 16)
	require.NoError(t, base.ReadBlock(4, out))
	require.Equal(t, byte(0xAB), out[0])
}

func TestWholeRangeIsStillOwnedWrapper(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 5)
	view, err := New(base, 0, 5)
	require.NoError(t, err)
	require.True(t, view.Owned())

	// Even though this slice spans the whole base, it must not BE the
	// base: closing it must never affect the base device.
	require.NoError(t, view.Close())
	buf := make([]byte, 16)
	require.NoError(t, base.ReadBlock(0, buf))
}

func TestRejectsOutOfRangeSlice(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 5)
	_, err := New(base, 3, 4)
	require.ErrorIs(t, err, blockdev.ErrBadGeometry)
}

func TestOutOfWindowBlockRejected(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 10)
	view, err := New(base, 2, 3)
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.ErrorIs(t, view.ReadBlock(3, buf), blockdev.ErrInvalidBlock)
}

func TestCloseIsIdempotent(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 5)
	view, err := New(base, 0, 2)
	require.NoError(t, err)
	require.NoError(t, view.Close())
	require.NoError(t, view.Close())
}

func TestClosedDeviceRejectsEveryOperation(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 5)
	view, err := New(base, 0, 2)
	require.NoError(t, err)
	require.NoError(t, view.Close())

	buf := make([]byte, 16)
	require.ErrorIs(t, view.ReadBlock(0, buf), blockdev.ErrClosed)
	require.ErrorIs(t, view.WriteBlock(0, buf), blockdev.ErrClosed)
	require.ErrorIs(t, view.ReadBytes(0, buf), blockdev.ErrClosed)
	require.ErrorIs(t, view.WriteBytes(0, buf), blockdev.ErrClosed)
	require.ErrorIs(t, view.Flush(), blockdev.ErrClosed)
	require.ErrorIs(t, view.Sync(), blockdev.ErrClosed)
	require.ErrorIs(t, view.ClearCaches(), blockdev.ErrClosed)
}

func TestByteRangeStraddlingTwoBlocksWithinWindow(t *testing.T) {
	base := blockdev.NewMemoryBackend(16, 10)
	view, err := New(base, 3, 4)
	require.NoError(t, err)

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, view.WriteBytes(5, data))

	out := make([]byte, 20)
	require.NoError(t, view.ReadBytes(5, out))
	require.Equal(t, data, out)

	// the bytes must have landed inside the window, not at the base's own
	// block 0.
	untouched := make([]byte, 16)
	require.NoError(t, base.ReadBlock(0, untouched))
	for _, b := range untouched {
		require.Equal(t, byte(0), b)
	}
}
