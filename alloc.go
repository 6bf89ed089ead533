package tofs

import "github.com/gprossliner/tofs/record"

// blockState is the derived, in-RAM classification of a block.
type blockState uint8

const (
	blockFree     blockState = iota // erased, never written since
	blockWritable                   // the current write cursor's block
	blockSealed                     // written, not the write cursor, may hold live or dead content
)

// blockMeta is the per-block derived metadata §3 calls for: a refcount of
// live records (a count of records, not of bytes), the lowest priority
// among files referencing it, and its state.
type blockMeta struct {
	state       blockState
	liveRecords int      // count of currently-LIVE, not-superseded records
	minPriority Priority // meaningful only when liveRecords > 0
}

func blockIndex(v *Volume, addr uint32) uint32 { return addr / v.dev.BlockSize() }

// superblockBlock is the index of the block holding the volume's
// superblock record (§6.3: "byte 0 of block 0"). It is never a candidate
// for garbage-collection or priority eviction, even once every content
// record that happened to share it has died off and its liveRecords count
// drops to zero -- erasing it would make the volume unmountable.
const superblockBlock = 0

// noteDead decrements the owning block's live refcount when a record that
// used to count as live (an Append, FileCreate, Truncate, or Delete that
// contributed to liveRecords) is retired, either by an explicit delete or
// by eviction.
func (v *Volume) noteDead(addr uint32) {
	bi := blockIndex(v, addr)
	if bi >= uint32(len(v.blocks)) {
		return
	}
	bm := &v.blocks[bi]
	if bm.liveRecords > 0 {
		bm.liveRecords--
	}
}

// noteLive increments the owning block's live refcount and folds in the
// referencing file's priority for min-priority eviction bookkeeping.
func (v *Volume) noteLive(addr uint32, pri Priority) {
	bi := blockIndex(v, addr)
	if bi >= uint32(len(v.blocks)) {
		return
	}
	bm := &v.blocks[bi]
	if bm.liveRecords == 0 || pri.Less(bm.minPriority) {
		bm.minPriority = pri
	}
	bm.liveRecords++
}

// allocate returns the (block, offset) address at which a record of
// needLen bytes (header included) carrying priority pri should be written,
// sealing the current block with a Padding record and/or evicting a block
// as necessary. When it moves to a new block it sets v.curBlock to that
// block and v.curOff to 0; it never advances v.curOff past the returned
// address -- the caller advances the cursor once the record is actually
// written.
func (v *Volume) allocate(needLen int, pri Priority) (uint32, error) {
	bs := v.dev.BlockSize()

	remaining := int(bs - v.curOff)
	if record.Fits(needLen-record.HeaderSize, remaining) {
		return v.curBlock*bs + v.curOff, nil
	}

	if remaining > 0 {
		if err := v.sealCurrentBlock(); err != nil {
			return 0, err
		}
	}

	nb, err := v.pickBlock(pri)
	if err != nil {
		return 0, err
	}

	v.curBlock = nb
	v.curOff = 0
	v.blocks[nb].state = blockWritable

	return v.curBlock*bs + v.curOff, nil
}

// sealCurrentBlock writes a Padding record filling the remainder of the
// current block, per §3's "record never spans a block boundary" rule.
func (v *Volume) sealCurrentBlock() error {
	bs := v.dev.BlockSize()
	remaining := int(bs - v.curOff)
	if !record.Fits(0, remaining) {
		// Not even a bare header fits; the allocator never leaves less
		// than HeaderSize free (see writeAt), so this should not happen
		// in practice, but treat it as already sealed.
		v.blocks[v.curBlock].state = blockSealed
		return nil
	}

	buf, err := record.Encode(record.TagPadding, 0, make([]byte, remaining-record.HeaderSize))
	if err != nil {
		return err
	}
	addr := v.curBlock*bs + v.curOff
	if err := v.dev.Write(addr, buf); err != nil {
		return wrapIo(err)
	}
	if err := record.MarkLive(v.dev, addr); err != nil {
		return wrapIo(err)
	}

	v.blocks[v.curBlock].state = blockSealed
	return nil
}

// pickBlock implements the §4.3 block selection order for a write carrying
// priority pri.
func (v *Volume) pickBlock(pri Priority) (uint32, error) {
	// 1. A free block, lowest address first.
	for i := range v.blocks {
		if v.blocks[i].state == blockFree {
			return uint32(i), nil
		}
	}

	// 2a. Any block with zero live refcount: pure garbage, erase and use.
	if bi, ok := v.lowestGarbageBlock(); ok {
		if err := v.eraseBlock(uint32(bi)); err != nil {
			return 0, err
		}
		return uint32(bi), nil
	}

	// 2b. Priority eviction: only if pri is strictly higher than the
	// lowest min-priority among reclaimable (sealed, non-empty) blocks.
	bi, minPri, ok := v.lowestPriorityBlock()
	if ok && minPri.Less(pri) {
		if err := v.evictBlock(uint32(bi)); err != nil {
			return 0, err
		}
		if err := v.eraseBlock(uint32(bi)); err != nil {
			return 0, err
		}
		return uint32(bi), nil
	}

	return 0, ErrNoSpace
}

func (v *Volume) lowestGarbageBlock() (int, bool) {
	for i := range v.blocks {
		if i == superblockBlock {
			continue
		}
		if v.blocks[i].state == blockSealed && v.blocks[i].liveRecords == 0 {
			return i, true
		}
	}
	return 0, false
}

// lowestPriorityBlock finds the reclaimable (sealed, non-empty) block with
// the lowest aggregate priority, breaking ties by lowest live count then
// lowest address, as §4.3 specifies.
func (v *Volume) lowestPriorityBlock() (int, Priority, bool) {
	best := -1
	var bestPri Priority
	var bestLive int
	for i := range v.blocks {
		if i == superblockBlock {
			continue
		}
		bm := &v.blocks[i]
		if bm.state != blockSealed || bm.liveRecords == 0 {
			continue
		}
		if best == -1 || betterEvictionCandidate(bm.minPriority, bm.liveRecords, bestPri, bestLive) {
			best, bestPri, bestLive = i, bm.minPriority, bm.liveRecords
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, bestPri, true
}

// betterEvictionCandidate reports whether (pri, live) should be preferred
// over the current best (bestPri, bestLive): lowest priority first, then
// lowest live count. Lowest address is handled for free by the caller's
// ascending scan order (only a strictly-better candidate replaces best).
func betterEvictionCandidate(pri Priority, live int, bestPri Priority, bestLive int) bool {
	if pri != bestPri {
		return pri.Less(bestPri)
	}
	return live < bestLive
}

func (v *Volume) eraseBlock(bi uint32) error {
	if err := v.dev.Erase(bi); err != nil {
		return wrapIo(err)
	}
	v.blocks[bi] = blockMeta{state: blockFree}
	return nil
}

// evictBlock reclaims a block that still holds live, lower-priority
// content. Every LIVE Append is evicted by advancing the owning file's head
// past it in RAM (§4.3's file-coherence rule: no file ever observes a gap).
// A LIVE Truncate, Delete, or SetFlags record is structural metadata whose
// semantic effect (a head advance, a deletion, a priority change) already
// happened and must keep surviving a crash -- so instead of just being
// marked DEAD in place, it is re-written at a freshly allocated address
// before the old copy's block is erased. A LIVE FileCreate is left in
// place and simply marked DEAD; see DESIGN.md for why that narrower gap is
// accepted rather than relocated too.
func (v *Volume) evictBlock(bi uint32) error {
	bs := v.dev.BlockSize()
	start := bi * bs
	off := start

	touched := make(map[uint32]bool)

	for off < start+bs {
		rec, next, err := record.DecodeAt(v.dev, off)
		if err == record.ErrErasedSlot {
			break
		}
		if err != nil && err != record.ErrCorruption {
			return wrapIo(err)
		}

		if rec.State == record.StateLive {
			switch rec.Tag {
			case record.TagAppend:
				fileID, _, derr := record.DecodeAppend(rec.Payload)
				if derr == nil {
					if fm, ok := v.dir.byID[fileID]; ok {
						v.evictFileAppend(fm, off)
						touched[fileID] = true
					}
				}

			case record.TagTruncate, record.TagDelete, record.TagSetFlags:
				if err := v.relocateStructural(rec); err != nil {
					return err
				}

			default:
				if err := record.MarkDead(v.dev, off); err != nil {
					return wrapIo(err)
				}
			}
		}

		off = next
	}

	for fid := range touched {
		v.recomputeHead(v.dir.byID[fid])
	}

	return nil
}

// relocateStructural re-persists a LIVE Truncate/Delete/SetFlags record at a
// newly allocated address, carrying the owning file's current priority, so
// its on-medium durability survives the eviction of the block it used to
// live in. The record's in-RAM effect was already applied when it was first
// written; this only gives it a new home on the medium.
func (v *Volume) relocateStructural(rec record.Record) error {
	pri, ok := v.structuralOwner(rec)
	if !ok {
		// The owning file is gone from the directory entirely (should not
		// happen: Delete keeps a deleted fileMeta in dir.byID). Nothing to
		// relocate for.
		return nil
	}

	buf, err := record.Encode(rec.Tag, rec.TxnID, rec.Payload)
	if err != nil {
		return err
	}
	addr, err := v.allocate(len(buf), pri)
	if err != nil {
		return err
	}
	if err := v.dev.Write(addr, buf); err != nil {
		return wrapIo(err)
	}
	v.advanceCursor(len(buf))
	if err := record.MarkLive(v.dev, addr); err != nil {
		return wrapIo(err)
	}
	v.noteLive(addr, pri)
	return nil
}

// structuralOwner resolves the current priority of the file a
// Truncate/Delete/SetFlags record's payload names.
func (v *Volume) structuralOwner(rec record.Record) (Priority, bool) {
	var fileID uint32
	switch rec.Tag {
	case record.TagTruncate:
		t, err := record.DecodeTruncate(rec.Payload)
		if err != nil {
			return 0, false
		}
		fileID = t.FileID
	case record.TagDelete:
		id, err := record.DecodeFileID(rec.Payload)
		if err != nil {
			return 0, false
		}
		fileID = id
	case record.TagSetFlags:
		sf, err := record.DecodeSetFlags(rec.Payload)
		if err != nil {
			return 0, false
		}
		fileID = sf.FileID
	default:
		return 0, false
	}

	fm, ok := v.dir.byID[fileID]
	if !ok {
		return 0, false
	}
	return fm.priority, true
}

// evictFileAppend marks the file's appendRef at addr dead, together with
// every still-live entry before it, and advances the file's headBytes past
// them, so the file's visible prefix never develops a hole. headIdx is
// moved afterwards by recomputeHead.
func (v *Volume) evictFileAppend(fm *fileMeta, addr uint32) {
	for i := fm.headIdx; i < len(fm.appends); i++ {
		ar := &fm.appends[i]
		if ar.dead {
			continue
		}
		// Anything still in the head window up to and including the
		// evicted record is evicted too, to keep the head contiguous
		// (§4.3's file-coherence rule: no file ever observes a gap).
		ar.dead = true
		v.noteDead(ar.addr)
		fm.headBytes += uint64(ar.length)
		if ar.addr == addr {
			return
		}
	}
}

// recomputeHead advances fm.headIdx past every dead entry at the front of
// the append slice, after an eviction pass has marked some dead.
func (v *Volume) recomputeHead(fm *fileMeta) {
	for fm.headIdx < len(fm.appends) && fm.appends[fm.headIdx].dead {
		fm.headIdx++
	}
}

// Stats reports allocator/GC state for property-based tests and the host
// tool's reporting.
func (v *Volume) Stats() (Stats, error) {
	if err := v.requireMounted(); err != nil {
		return Stats{}, err
	}
	st := Stats{BlockCount: uint32(len(v.blocks))}
	for i := range v.blocks {
		bm := &v.blocks[i]
		switch {
		case bm.state == blockFree:
			st.FreeBlocks++
		case i != superblockBlock && bm.state == blockSealed && bm.liveRecords == 0:
			st.ReclaimableBlocks++
		}
	}
	for _, fm := range v.dir.byID {
		if !fm.deleted {
			st.LiveBytes += fm.size()
		}
	}
	return st, nil
}
