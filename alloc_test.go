package tofs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gprossliner/tofs/blockdev"
)

// TestSuperblockBlockNeverTreatedAsGarbage checks the §6.3 invariant that
// block 0 -- the superblock's block -- is never a GC candidate, even once
// it looks exactly like pure garbage: sealed, zero live records. Without
// the fix, lowestGarbageBlock's ascending scan returns index 0 itself.
func TestSuperblockBlockNeverTreatedAsGarbage(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	vol.blocks[0] = blockMeta{state: blockSealed, liveRecords: 0}
	vol.blocks[1] = blockMeta{state: blockWritable}

	_, ok := vol.lowestGarbageBlock()
	r.False(ok, "block 0 must never be offered as a garbage-collection candidate")
}

// TestSuperblockBlockNeverTreatedAsPriorityVictim checks the same pin for
// the priority-eviction path: even if block 0 would otherwise win the
// "lowest priority, ties broken by lowest address" comparison outright, it
// must be skipped in favor of the next-best candidate.
func TestSuperblockBlockNeverTreatedAsPriorityVictim(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	vol.blocks[0] = blockMeta{state: blockSealed, liveRecords: 1, minPriority: PriorityLow}
	vol.blocks[1] = blockMeta{state: blockSealed, liveRecords: 1, minPriority: PriorityLow}
	vol.blocks[2] = blockMeta{state: blockSealed, liveRecords: 1, minPriority: PriorityHigh}

	bi, pri, ok := vol.lowestPriorityBlock()
	r.True(ok)
	r.Equal(1, bi, "block 0 must be skipped even when it ties for lowest priority and lowest address")
	r.Equal(PriorityLow, pri)
}

// TestEvictionPreservesBookmarkAcrossRemount exercises the Truncate/Delete
// relocation fix end to end: a bookmark (Truncate) written at a LOW
// priority file's own priority must keep its effect durable even if the
// block it landed in is later reclaimed by priority eviction for a HIGH
// priority writer.
func TestEvictionPreservesBookmarkAcrossRemount(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 6) // 256B blocks, 6 blocks = 1.5KB, block 0 reserved
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("q", OpenFlags{Priority: PriorityLow}, ModeAppend)
	r.NoError(err)
	payload := make([]byte, 80)
	for i := 0; i < 3; i++ {
		r.NoError(w.Write(payload))
	}
	r.NoError(w.Close())

	rd, err := vol.Open("q", OpenFlags{}, ModeQueue)
	r.NoError(err)
	buf := make([]byte, 80)
	for i := 0; i < 3; i++ {
		_, err := rd.Read(buf)
		r.NoError(err)
	}
	r.NoError(rd.Bookmark())

	fi, err := vol.Stat("q")
	r.NoError(err)
	r.Equal(uint64(0), fi.Size)

	// Drive enough HIGH priority allocation to force priority eviction to
	// cycle through every LOW priority block, including whichever one
	// ended up holding the bookmark's Truncate record.
	hi, err := vol.Open("hi", OpenFlags{Priority: PriorityHigh}, ModeAppend)
	r.NoError(err)
	filler := make([]byte, 60)
	for i := 0; i < 40; i++ {
		_ = hi.Write(filler)
	}
	r.NoError(hi.Close())

	r.NoError(vol.Unmount())
	vol2, err := Mount(dev, false, DefaultConfig())
	r.NoError(err)

	fi2, err := vol2.Stat("q")
	r.NoError(err)
	r.Equal(uint64(0), fi2.Size, "bookmarked head must survive eviction of the block holding its Truncate record")
}

// TestEvictionPreservesDeleteAcrossRemount is the Delete-record analogue of
// TestEvictionPreservesBookmarkAcrossRemount: a deleted file must stay
// deleted across a remount even if the block holding its live Delete
// record was itself reclaimed by priority eviction in the meantime.
func TestEvictionPreservesDeleteAcrossRemount(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 6)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("gone", OpenFlags{Priority: PriorityLow}, ModeAppend)
	r.NoError(err)
	r.NoError(w.Write([]byte("temporary")))
	r.NoError(w.Close())
	r.NoError(vol.Delete("gone"))

	_, err = vol.Stat("gone")
	r.ErrorIs(err, ErrNotFound)

	hi, err := vol.Open("hi", OpenFlags{Priority: PriorityHigh}, ModeAppend)
	r.NoError(err)
	filler := make([]byte, 60)
	for i := 0; i < 40; i++ {
		_ = hi.Write(filler)
	}
	r.NoError(hi.Close())

	r.NoError(vol.Unmount())
	vol2, err := Mount(dev, false, DefaultConfig())
	r.NoError(err)

	_, err = vol2.Stat("gone")
	r.ErrorIs(err, ErrNotFound, "a deleted file must not be resurrected by eviction losing its Delete record")
}

// TestBookmarkReclaimsContentBlocks exercises testable property 7 (space
// conservation): once a queue file's appended content is read and
// bookmarked past, the blocks that held nothing but that content (no
// surviving file metadata) become reclaimable.
func TestBookmarkReclaimsContentBlocks(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 8) // 256B blocks, 8 blocks = 2KB
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	w, err := vol.Open("q", OpenFlags{}, ModeAppend)
	r.NoError(err)

	payload := make([]byte, 100)
	for i := 0; i < 5; i++ {
		r.NoError(w.Write(payload))
	}
	r.NoError(w.Close())

	before, err := vol.Stats()
	r.NoError(err)
	r.Equal(uint32(0), before.ReclaimableBlocks)

	rd, err := vol.Open("q", OpenFlags{}, ModeQueue)
	r.NoError(err)
	buf := make([]byte, 100)
	for i := 0; i < 5; i++ {
		n, err := rd.Read(buf)
		r.NoError(err)
		r.Equal(100, n)
	}
	r.NoError(rd.Bookmark())

	after, err := vol.Stats()
	r.NoError(err)
	r.Greater(after.ReclaimableBlocks, before.ReclaimableBlocks)

	fi, err := vol.Stat("q")
	r.NoError(err)
	r.Equal(uint64(0), fi.Size)
}

// TestAllocatorReusesFreeBlockBeforeEvicting checks step 1 of the §4.3
// selection order: a free block is always preferred over eviction, even
// when a reclaimable, lower-priority block also exists.
func TestAllocatorReusesFreeBlockBeforeEvicting(t *testing.T) {
	r := require.New(t)

	dev := blockdev.NewRAM(8, 4)
	vol, err := Mount(dev, true, DefaultConfig())
	r.NoError(err)

	stats, err := vol.Stats()
	r.NoError(err)
	r.Equal(uint32(3), stats.FreeBlocks) // block 0 holds the superblock/writable cursor

	vol.blocks[1] = blockMeta{state: blockSealed, liveRecords: 1, minPriority: PriorityLow}
	bi, err := vol.pickBlock(PriorityHigh)
	r.NoError(err)
	r.Equal(uint32(2), bi, "the free block 2 must be chosen over evicting the LOW block 1")
}
