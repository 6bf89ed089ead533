package tofs

import "github.com/gprossliner/tofs/record"

// readSuperblock decodes the volume's first LIVE record, the superblock
// written at byte 0 of block 0.
func readSuperblock(dev record.Device) (record.Superblock, error) {
	rec, _, err := record.DecodeAt(dev, 0)
	if err != nil {
		return record.Superblock{}, err
	}
	if rec.Tag != record.TagSuperblock || rec.State != record.StateLive {
		return record.Superblock{}, ErrBadFormat
	}
	return record.DecodeSuperblock(rec.Payload)
}

// formatVolume erases every block and writes a fresh superblock as block
// 0's first LIVE record (§4.2, §6.3).
func formatVolume(v *Volume) error {
	for bi := uint32(0); bi < v.dev.BlockCount(); bi++ {
		if err := v.dev.Erase(bi); err != nil {
			return wrapIo(err)
		}
		v.blocks[bi] = blockMeta{state: blockFree}
	}

	payload := record.EncodeSuperblock(record.Superblock{
		Version:    record.FormatVersion,
		OffsetBits: v.dev.OffsetBits(),
		BlockCount: v.dev.BlockCount(),
		Epoch:      1,
	})
	buf, err := record.Encode(record.TagSuperblock, 0, payload)
	if err != nil {
		return err
	}
	if err := v.dev.Write(0, buf); err != nil {
		return wrapIo(err)
	}
	if err := record.MarkLive(v.dev, 0); err != nil {
		return wrapIo(err)
	}
	if err := v.dev.Flush(); err != nil {
		return wrapIo(err)
	}

	v.curBlock = 0
	v.curOff = uint32(len(buf))
	v.blocks[0].state = blockWritable
	v.nextFileID = 1
	v.nextTxnID = 1
	return nil
}

// scanVolume replays the log in address order to reconstruct the
// directory, the per-file append chains, the per-block live refcounts, and
// the write cursor (§4.2). Recovery fixups -- dangling TENTATIVE records,
// deleted files' surviving appends -- are applied in the same pass, as
// each is discovered.
func scanVolume(v *Volume) error {
	var tentative []uint32
	var maxTxnID, maxFileID uint32

	bs := v.dev.BlockSize()
	for bi := uint32(0); bi < v.dev.BlockCount(); bi++ {
		blockStart := bi * bs
		blockEnd := blockStart + bs
		off := blockStart

		for off < blockEnd {
			rec, next, err := record.DecodeAt(v.dev, off)
			if err == record.ErrErasedSlot {
				break
			}
			if err != nil && err != record.ErrCorruption {
				return wrapIo(err)
			}

			if rec.TxnID > maxTxnID {
				maxTxnID = rec.TxnID
			}

			switch {
			case err == record.ErrCorruption:
				_ = record.MarkDead(v.dev, off)
			case rec.State == record.StateTentative:
				tentative = append(tentative, off)
			case rec.State == record.StateLive:
				if fid := v.applyLiveRecord(rec, off); fid > maxFileID {
					maxFileID = fid
				}
			}

			off = next
		}

		switch {
		case off == blockStart:
			v.blocks[bi].state = blockFree
		case off == blockEnd:
			v.blocks[bi].state = blockSealed
		default:
			v.blocks[bi].state = blockWritable
			v.curBlock = bi
			v.curOff = off - blockStart
		}
	}

	for _, addr := range tentative {
		if err := record.MarkDead(v.dev, addr); err != nil {
			return wrapIo(err)
		}
	}

	v.nextTxnID = maxTxnID + 1
	v.nextFileID = maxFileID + 1
	return nil
}

// applyLiveRecord folds one LIVE record into the volume's in-memory
// indices and returns the file-id it concerned, if any (0 for
// txn-control/structural records, which concern no file).
func (v *Volume) applyLiveRecord(rec record.Record, addr uint32) uint32 {
	switch rec.Tag {
	case record.TagFileCreate:
		fc, err := record.DecodeFileCreate(rec.Payload)
		if err != nil {
			return 0
		}
		fm := &fileMeta{id: fc.FileID, name: fc.Name, priority: Priority(fc.Priority)}
		v.dir.add(fm)
		v.noteLive(addr, fm.priority)
		return fc.FileID

	case record.TagAppend:
		fileID, data, err := record.DecodeAppend(rec.Payload)
		if err != nil {
			return 0
		}
		fm, ok := v.dir.byID[fileID]
		if !ok {
			return fileID
		}
		fm.appends = append(fm.appends, appendRef{addr: addr, length: uint32(len(data))})
		fm.tailBytes += uint64(len(data))
		v.noteLive(addr, fm.priority)
		return fileID

	case record.TagTruncate:
		t, err := record.DecodeTruncate(rec.Payload)
		if err != nil {
			return 0
		}
		fm, ok := v.dir.byID[t.FileID]
		if !ok {
			return t.FileID
		}
		for fm.headIdx < len(fm.appends) && fm.headBytes < t.HeadBytes {
			ar := &fm.appends[fm.headIdx]
			if !ar.dead {
				ar.dead = true
				v.noteDead(ar.addr)
			}
			fm.headBytes += uint64(ar.length)
			fm.headIdx++
		}
		fm.headBytes = t.HeadBytes
		v.noteLive(addr, fm.priority)
		return t.FileID

	case record.TagDelete:
		fileID, err := record.DecodeFileID(rec.Payload)
		if err != nil {
			return 0
		}
		fm, ok := v.dir.byID[fileID]
		if !ok {
			return fileID
		}
		v.dir.remove(fm)
		for i := range fm.appends {
			ar := &fm.appends[i]
			if !ar.dead {
				ar.dead = true
				v.noteDead(ar.addr)
				_ = record.MarkDead(v.dev, ar.addr)
			}
		}
		v.noteLive(addr, fm.priority)
		return fileID

	case record.TagSetFlags:
		sf, err := record.DecodeSetFlags(rec.Payload)
		if err != nil {
			return 0
		}
		fm, ok := v.dir.byID[sf.FileID]
		if !ok {
			return sf.FileID
		}
		fm.priority = Priority(sf.Priority)
		v.noteLive(addr, fm.priority)
		return sf.FileID

	default:
		// TxnBegin, TxnCommit, TxnAbort, Padding, Superblock: structural,
		// no file-level effect, not counted as live content.
		return 0
	}
}
