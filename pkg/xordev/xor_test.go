package xordev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskstack/pkg/blockdev"
)

// failingDevice wraps a blockdev.Device and fails every Read/WriteBlock
// once "fail" is set, simulating a dead array member for reconstruction
// tests.
type failingDevice struct {
	blockdev.Device
	fail bool
}

func (f *failingDevice) ReadBlock(index uint64, out []byte) error {
	if f.fail {
		return blockdev.ErrBackendIo
	}
	return f.Device.ReadBlock(index, out)
}

func (f *failingDevice) WriteBlock(index uint64, in []byte) error {
	if f.fail {
		return blockdev.ErrBackendIo
	}
	return f.Device.WriteBlock(index, in)
}

func newArray(t *testing.T, n int) ([]*failingDevice, *Device) {
	t.Helper()
	members := make([]*failingDevice, n)
	devs := make([]blockdev.Device, n)
	for i := range members {
		members[i] = &failingDevice{Device: blockdev.NewMemoryBackend(32, 16)}
		devs[i] = members[i]
	}
	dev, err := Open(devs, nil)
	require.NoError(t, err)
	return members, dev
}

// TestX1 is the seed scenario from the spec: write and read back data
// across a healthy array, then confirm reads still succeed and
// reconstruct correctly with exactly one member failed.
func TestX1(t *testing.T) {
	members, dev := newArray(t, 4)

	for i := uint64(0); i < dev.BlockCount(); i++ {
		buf := make([]byte, dev.BlockSize())
		for j := range buf {
			buf[j] = byte(i*3 + uint64(j))
		}
		require.NoError(t, dev.WriteBlock(i, buf))
	}
	require.NoError(t, dev.Flush())

	members[1].fail = true

	for i := uint64(0); i < dev.BlockCount(); i++ {
		expect := make([]byte, dev.BlockSize())
		for j := range expect {
			expect[j] = byte(i*3 + uint64(j))
		}
		got := make([]byte, dev.BlockSize())
		require.NoError(t, dev.ReadBlock(i, got))
		require.Equal(t, expect, got)
	}
}

func TestTwoFailuresInOneSliceIsRedundancyLost(t *testing.T) {
	members, dev := newArray(t, 4)

	buf := make([]byte, dev.BlockSize())
	require.NoError(t, dev.WriteBlock(0, buf))
	require.NoError(t, dev.Flush())
	require.NoError(t, dev.ClearCaches())

	members[0].fail = true
	members[1].fail = true

	out := make([]byte, dev.BlockSize())
	err := dev.ReadBlock(0, out)
	require.ErrorIs(t, err, blockdev.ErrRedundancyLost)
}

func TestRejectsFewerThanThreeMembers(t *testing.T) {
	devs := []blockdev.Device{
		blockdev.NewMemoryBackend(32, 16),
		blockdev.NewMemoryBackend(32, 16),
	}
	_, err := Open(devs, nil)
	require.ErrorIs(t, err, blockdev.ErrBadGeometry)
}
