package tofs

import (
	"io"

	"github.com/gprossliner/tofs/record"
)

// Handle is per-open state: an append cursor, a read cursor, or (in queue
// mode) both a read cursor and the Bookmark capability (§4.5).
type Handle struct {
	id     int
	vol    *Volume
	fm     *fileMeta
	mode   OpenMode
	readIdx int // next append-chain index this handle will read, Read/Queue only
	closed bool
}

// Open creates (unless DontCreate) or opens name and returns a handle in
// the requested mode. A file admits exactly one open append handle at a
// time; opening a second returns ErrBusy.
func (v *Volume) Open(name string, flags OpenFlags, mode OpenMode) (*Handle, error) {
	if err := v.requireMounted(); err != nil {
		return nil, err
	}
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	if len(v.handles) >= v.cfg.MaxOpenHandles {
		return nil, ErrExhausted
	}

	fm, ok := v.dir.lookup(name)
	if !ok {
		if flags.DontCreate {
			return nil, ErrNotFound
		}
		var err error
		fm, err = v.createFile(name, flags.Priority)
		if err != nil {
			return nil, err
		}
	} else if flags.SetPriority && fm.priority != flags.Priority {
		if err := v.setPriority(fm, flags.Priority); err != nil {
			return nil, err
		}
	}

	if mode == ModeAppend {
		if fm.appendOpen {
			return nil, ErrBusy
		}
		fm.appendOpen = true
	}

	h := &Handle{id: v.nextHandleID, vol: v, fm: fm, mode: mode}
	if mode != ModeAppend {
		h.readIdx = fm.headIdx
		if flags.StartOffset != nil {
			h.readIdx = indexAtOffset(fm, *flags.StartOffset)
		}
	}

	v.nextHandleID++
	v.handles[h.id] = h
	return h, nil
}

func (v *Volume) createFile(name string, pri Priority) (*fileMeta, error) {
	if len(v.dir.byID) >= v.cfg.MaxFiles {
		return nil, ErrExhausted
	}
	id := v.nextFileID
	v.nextFileID++

	payload := record.EncodeFileCreate(record.FileCreate{FileID: id, Priority: uint8(pri), Name: name})
	if _, err := v.writeRecordPriority(record.TagFileCreate, payload, pri); err != nil {
		return nil, err
	}

	fm := &fileMeta{id: id, name: name, priority: pri}
	v.dir.add(fm)
	v.addUndo(func() { v.dir.removeEntirely(fm) })
	return fm, nil
}

func (v *Volume) setPriority(fm *fileMeta, pri Priority) error {
	payload := record.EncodeSetFlags(record.SetFlags{FileID: fm.id, Priority: uint8(pri)})
	if _, err := v.writeRecordPriority(record.TagSetFlags, payload, pri); err != nil {
		return err
	}
	old := fm.priority
	fm.priority = pri
	v.addUndo(func() { fm.priority = old })
	return nil
}

// indexAtOffset finds the append-chain index whose record covers logical
// byte position offset, for open_queue's caller-supplied start position.
func indexAtOffset(fm *fileMeta, offset uint64) int {
	cum := fm.headBytes
	for i := fm.headIdx; i < len(fm.appends); i++ {
		if fm.appends[i].dead {
			continue
		}
		end := cum + uint64(fm.appends[i].length)
		if offset < end {
			return i
		}
		cum = end
	}
	return len(fm.appends)
}

// Close releases the handle. A Write made outside an explicit transaction
// has already committed by the time it returns; Close does not commit or
// abort an explicit transaction that is still open. It only releases the
// append-handle exclusivity bit and frees the handle slot.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.mode == ModeAppend {
		h.fm.appendOpen = false
	}
	delete(h.vol.handles, h.id)
	return nil
}

// Write appends buf, atomic within its enclosing transaction. A payload
// larger than one record can hold is split across multiple Append records
// (§4.1's "callers must partition larger payloads"); the split is wrapped
// in its own explicit transaction so the whole buf still becomes visible,
// or not, as a unit.
func (h *Handle) Write(buf []byte) error {
	if h.closed {
		return ErrNotFound
	}
	if h.mode != ModeAppend {
		return ErrInvalidFlags
	}

	maxChunk := int(h.vol.dev.BlockSize()) - record.HeaderSize - 4 // fileID prefix
	if maxChunk <= 0 {
		return ErrNoSpace
	}

	if len(buf) <= maxChunk {
		return h.writeChunk(buf)
	}

	if err := h.vol.Transaction(); err != nil {
		return err
	}
	for off := 0; off < len(buf); off += maxChunk {
		end := off + maxChunk
		if end > len(buf) {
			end = len(buf)
		}
		if err := h.writeChunk(buf[off:end]); err != nil {
			h.vol.Abort()
			return err
		}
	}
	return h.vol.Commit()
}

func (h *Handle) writeChunk(chunk []byte) error {
	payload := record.EncodeAppend(h.fm.id, chunk)
	addr, err := h.vol.writeRecordPriority(record.TagAppend, payload, h.fm.priority)
	if err != nil {
		return err
	}

	fm := h.fm
	length := uint32(len(chunk))
	idx := len(fm.appends)
	fm.appends = append(fm.appends, appendRef{addr: addr, length: length})
	fm.tailBytes += uint64(length)
	h.vol.addUndo(func() {
		fm.appends = fm.appends[:idx]
		fm.tailBytes -= uint64(length)
	})
	return nil
}

// Read consumes the next Append record into buf and advances the read
// cursor. If buf is nil, Read returns the size of the next record without
// consuming it -- the only size-peek API (§4.5). Each call corresponds to
// exactly one Append record; Read never spans record boundaries.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.closed {
		return 0, ErrNotFound
	}
	if h.mode == ModeAppend {
		return 0, ErrInvalidFlags
	}

	fm := h.fm
	if h.readIdx < fm.headIdx {
		h.readIdx = fm.headIdx
	}
	for h.readIdx < len(fm.appends) && fm.appends[h.readIdx].dead {
		h.readIdx++
	}
	if h.readIdx >= len(fm.appends) {
		return 0, io.EOF
	}
	ar := fm.appends[h.readIdx]

	if buf == nil {
		return int(ar.length), nil
	}

	rec, _, err := record.DecodeAt(h.vol.dev, ar.addr)
	if err != nil {
		return 0, wrapIo(err)
	}
	_, data, err := record.DecodeAppend(rec.Payload)
	if err != nil {
		return 0, err
	}

	n := copy(buf, data)
	h.readIdx++
	return n, nil
}

// Bookmark writes a Truncate record moving the file's head_offset up to
// this handle's current read cursor, enabling GC to reclaim everything
// below it (§4.5, queue mode only).
func (h *Handle) Bookmark() error {
	if h.closed {
		return ErrNotFound
	}
	if h.mode != ModeQueue {
		return ErrInvalidFlags
	}

	fm := h.fm
	if h.readIdx <= fm.headIdx {
		return nil
	}

	newHead := fm.headBytes
	for i := fm.headIdx; i < h.readIdx && i < len(fm.appends); i++ {
		newHead += uint64(fm.appends[i].length)
	}

	payload := record.EncodeTruncate(record.Truncate{FileID: fm.id, HeadBytes: newHead})
	if _, err := h.vol.writeRecordPriority(record.TagTruncate, payload, fm.priority); err != nil {
		return err
	}

	oldHeadIdx, oldHeadBytes := fm.headIdx, fm.headBytes
	var revived []int
	for i := fm.headIdx; i < h.readIdx && i < len(fm.appends); i++ {
		ar := &fm.appends[i]
		if !ar.dead {
			ar.dead = true
			h.vol.noteDead(ar.addr)
			revived = append(revived, i)
		}
	}
	fm.headIdx = h.readIdx
	fm.headBytes = newHead

	h.vol.addUndo(func() {
		fm.headIdx = oldHeadIdx
		fm.headBytes = oldHeadBytes
		for _, i := range revived {
			fm.appends[i].dead = false
			h.vol.noteLive(fm.appends[i].addr, fm.priority)
		}
	})
	return nil
}
