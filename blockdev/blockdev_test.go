package blockdev

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// devices returns the set of Device implementations every adapter-contract
// test runs against, mirroring the teacher's dual in-memory/os.File test
// runs.
func devices(t *testing.T) map[string]Device {
	ram := NewRAM(8, 4) // 256B blocks, 4 blocks

	f, err := os.CreateTemp("", "tofs-blockdev-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	f.Close()

	file, err := OpenFile(f.Name(), 8, 4)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	return map[string]Device{"ram": ram, "file": file}
}

func TestReadWriteRoundTrip(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			r.NoError(dev.Write(10, []byte("hello")))
			buf := make([]byte, 5)
			r.NoError(dev.Read(10, buf))
			r.Equal([]byte("hello"), buf)
		})
	}
}

func TestEraseResetsToAllOnes(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			r.NoError(dev.Write(0, []byte("data")))
			r.NoError(dev.Erase(0))

			buf := make([]byte, dev.BlockSize())
			r.NoError(dev.Read(0, buf))
			for _, b := range buf {
				r.Equal(byte(0xFF), b)
			}
		})
	}
}

func TestCrossBlockAccessRejected(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			bs := dev.BlockSize()
			err := dev.Write(bs-2, make([]byte, 4))
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestOutOfRangeAccessRejected(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			err := dev.Read(dev.BlockSize()*dev.BlockCount(), make([]byte, 1))
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestEraseBadBlockIndex(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, dev.Erase(dev.BlockCount()), ErrBadBlockIndex)
		})
	}
}

func TestNewRAMIsPreErased(t *testing.T) {
	ram := NewRAM(8, 1)
	buf := make([]byte, ram.BlockSize())
	require.NoError(t, ram.Read(0, buf))
	for _, b := range buf {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestFlush(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dev.Flush())
		})
	}
}
