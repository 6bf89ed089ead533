package tofs

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gprossliner/tofs/blockdev"
)

func encodePair(a, b int32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b))
	return buf
}

func decodePair(buf []byte) (int32, int32) {
	return int32(binary.LittleEndian.Uint32(buf[0:4])), int32(binary.LittleEndian.Uint32(buf[4:8]))
}

// TestQueueRoundTrip implements scenario (a): an 8 KB RAM volume with 1 KB
// blocks, a HIGH priority queue file written with paired records inside one
// transaction, then drained and bookmarked.
func TestQueueRoundTrip(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(10, 8) // 1KB blocks, 8 blocks = 8KB
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("q", OpenFlags{Priority: PriorityHigh}, ModeAppend)
	r.NoError(err)

	r.NoError(vol.Transaction())
	for i := int32(0); i < 10; i++ {
		r.NoError(w.Write(encodePair(i, i*10)))
		r.NoError(w.Write(encodePair(i, 0)))
	}
	r.NoError(vol.Commit())
	r.NoError(w.Close())

	rd, err := vol.Open("q", OpenFlags{}, ModeQueue)
	r.NoError(err)

	for i := int32(0); i < 10; i++ {
		n, err := rd.Read(nil)
		r.NoError(err)
		r.Equal(8, n)

		buf := make([]byte, 8)
		n, err = rd.Read(buf)
		r.NoError(err)
		r.Equal(8, n)
		a, b := decodePair(buf)
		r.Equal(i, a)
		r.Equal(i*10, b)

		n, err = rd.Read(buf)
		r.NoError(err)
		r.Equal(8, n)
		a, b = decodePair(buf)
		r.Equal(i, a)
		r.Equal(int32(0), b)
	}

	_, err = rd.Read(make([]byte, 8))
	r.ErrorIs(err, io.EOF)

	r.NoError(rd.Bookmark())

	fi, err := vol.Stat("q")
	r.NoError(err)
	r.Equal(uint64(0), fi.Size)
}

// TestTransactionRollback implements scenario (b): an aborted multi-write
// transaction leaves no trace, neither in the live volume nor after a
// remount.
func TestTransactionRollback(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(10, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("f", OpenFlags{}, ModeAppend)
	r.NoError(err)
	r.NoError(w.Write([]byte("committed")))
	sizeBefore, err := vol.Stat("f")
	r.NoError(err)

	r.NoError(vol.Transaction())
	r.NoError(w.Write([]byte("aaa")))
	r.NoError(w.Write([]byte("bbb")))
	r.NoError(w.Write([]byte("ccc")))
	r.NoError(vol.Abort())

	fi, err := vol.Stat("f")
	r.NoError(err)
	r.Equal(sizeBefore.Size, fi.Size)

	r.NoError(w.Close())
	r.NoError(vol.Unmount())

	vol2, err := Mount(dev, false, DefaultConfig())
	r.NoError(err)
	fi2, err := vol2.Stat("f")
	r.NoError(err)
	r.Equal(sizeBefore.Size, fi2.Size)
}

// TestCrashBeforeCommit implements scenario (c): records written but never
// committed are invisible after a remount, because the dangling TENTATIVE
// markers are converted to DEAD during scan recovery.
func TestCrashBeforeCommit(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(10, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("f", OpenFlags{}, ModeAppend)
	r.NoError(err)
	r.NoError(w.Write([]byte("safe")))

	r.NoError(vol.Transaction())
	r.NoError(w.Write([]byte("never committed")))
	// crash: no Commit, no Abort, just remount on the same device.

	vol2, err := Mount(dev, false, DefaultConfig())
	r.NoError(err)
	fi, err := vol2.Stat("f")
	r.NoError(err)
	r.Equal(uint64(len("safe")), fi.Size)
}

// TestPriorityEviction implements scenario (e): a HIGH priority write
// evicts LOW priority content once the volume is full, but a further LOW
// write once only HIGH blocks remain fails with ErrNoSpace.
func TestPriorityEviction(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 4) // 256B blocks, 4 blocks = 1KB
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	lo, err := vol.Open("lo", OpenFlags{Priority: PriorityLow}, ModeAppend)
	r.NoError(err)

	chunk := make([]byte, 64)
	var fillErr error
	for i := 0; i < 1000; i++ {
		if fillErr = lo.Write(chunk); fillErr != nil {
			break
		}
	}
	r.ErrorIs(fillErr, ErrNoSpace)

	hi, err := vol.Open("hi", OpenFlags{Priority: PriorityHigh}, ModeAppend)
	r.NoError(err)
	r.NoError(hi.Write([]byte("important")))

	r.NoError(lo.Close())
	lo2, err := vol.Open("lo", OpenFlags{Priority: PriorityLow}, ModeAppend)
	r.NoError(err)
	var secondFillErr error
	for i := 0; i < 1000; i++ {
		if secondFillErr = lo2.Write(chunk); secondFillErr != nil {
			break
		}
	}
	r.ErrorIs(secondFillErr, ErrNoSpace)
}

// TestEnumeration implements scenario (f).
func TestEnumeration(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(10, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	for _, name := range []string{"a", "b", "c"} {
		h, err := vol.Open(name, OpenFlags{}, ModeAppend)
		r.NoError(err)
		r.NoError(h.Write([]byte(name)))
		r.NoError(h.Close())
	}

	var names []string
	r.NoError(vol.List(func(fi FileInfo) bool {
		names = append(names, fi.Name)
		return true
	}))
	r.ElementsMatch([]string{"a", "b", "c"}, names)

	r.NoError(vol.Delete("b"))

	names = nil
	r.NoError(vol.List(func(fi FileInfo) bool {
		names = append(names, fi.Name)
		return true
	}))
	r.ElementsMatch([]string{"a", "c"}, names)
}
