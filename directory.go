package tofs

import "github.com/gprossliner/tofs/record"

// appendRef is a RAM-resident pointer to one Append record belonging to a
// file: its on-medium address and payload (data) length, plus whether it
// has since been evicted or superseded. Keeping these in an ordered slice
// per file, instead of walking an on-medium pointer chain on every read, is
// the Go-native reading of the design notes' "replace pointer-heavy file
// chains with address-based links": the address is still what is stored,
// just held in a slice the scanner rebuilds at mount instead of a chain
// re-walked one on-medium hop at a time.
type appendRef struct {
	addr   uint32
	length uint32
	dead   bool
}

// fileMeta is a directory entry's full in-RAM state: everything §4.6 lists
// (flags, head/tail, first/last append address) plus the append chain
// itself.
type fileMeta struct {
	id       uint32
	name     string
	priority Priority
	deleted  bool

	appends []appendRef
	headIdx int // index into appends of the first still-readable entry

	headBytes uint64 // head_offset
	tailBytes uint64 // tail_offset

	appendOpen bool // true while an append handle is open on this file
}

func (f *fileMeta) size() uint64 { return f.tailBytes - f.headBytes }

func (f *fileMeta) firstAppendAddr() uint32 {
	if f.headIdx >= len(f.appends) {
		return 0
	}
	return f.appends[f.headIdx].addr
}

func (f *fileMeta) lastAppendAddr() uint32 {
	if len(f.appends) == 0 {
		return 0
	}
	return f.appends[len(f.appends)-1].addr
}

// directory is the in-RAM name -> file-id index plus the file-id -> fileMeta
// map, per §4.6.
type directory struct {
	byName map[string]uint32
	byID   map[uint32]*fileMeta
}

func newDirectory() *directory {
	return &directory{
		byName: make(map[string]uint32),
		byID:   make(map[uint32]*fileMeta),
	}
}

func (d *directory) lookup(name string) (*fileMeta, bool) {
	id, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	fm, ok := d.byID[id]
	return fm, ok
}

func (d *directory) add(fm *fileMeta) {
	d.byID[fm.id] = fm
	if !fm.deleted {
		d.byName[fm.name] = fm.id
	}
}

func (d *directory) remove(fm *fileMeta) {
	fm.deleted = true
	delete(d.byName, fm.name)
}

// restore reverses remove, for rolling back a Delete whose enclosing
// transaction aborted before the Delete record went LIVE.
func (d *directory) restore(fm *fileMeta) {
	fm.deleted = false
	d.byName[fm.name] = fm.id
}

// removeEntirely reverses add, for rolling back a FileCreate whose enclosing
// transaction aborted before the FileCreate record went LIVE.
func (d *directory) removeEntirely(fm *fileMeta) {
	delete(d.byID, fm.id)
	delete(d.byName, fm.name)
}

// List enumerates live files via callback cb, in directory-map order
// (unspecified, stable within a mount per §4.6). Enumeration stops early if
// cb returns false.
func (v *Volume) List(cb func(FileInfo) bool) error {
	if err := v.requireMounted(); err != nil {
		return err
	}
	for _, fm := range v.dir.byID {
		if fm.deleted {
			continue
		}
		if !cb(fileInfoOf(fm)) {
			break
		}
	}
	return nil
}

// ListInto fills buf with up to len(buf) live files and returns how many
// were written. This is the fill-a-buffer counterpart to List's
// call-a-callback form (§4.6).
func (v *Volume) ListInto(buf []FileInfo) (int, error) {
	if err := v.requireMounted(); err != nil {
		return 0, err
	}
	n := 0
	for _, fm := range v.dir.byID {
		if fm.deleted {
			continue
		}
		if n >= len(buf) {
			break
		}
		buf[n] = fileInfoOf(fm)
		n++
	}
	return n, nil
}

// Stat looks up a single file by name without enumerating the whole
// directory.
func (v *Volume) Stat(name string) (FileInfo, error) {
	if err := v.requireMounted(); err != nil {
		return FileInfo{}, err
	}
	fm, ok := v.dir.lookup(name)
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	return fileInfoOf(fm), nil
}

func fileInfoOf(fm *fileMeta) FileInfo {
	return FileInfo{
		FileID:   fm.id,
		Name:     fm.name,
		Priority: fm.priority,
		Size:     fm.size(),
	}
}

// Delete removes a file. The delete itself is a single record written
// atomically (in its own implicit transaction, unless the caller already
// has one open); the file's blocks are not reclaimed until GC observes that
// the delete is LIVE and every append is DEAD or below head (§3's
// Lifecycle).
func (v *Volume) Delete(name string) error {
	if err := v.requireMounted(); err != nil {
		return err
	}
	fm, ok := v.dir.lookup(name)
	if !ok {
		return ErrNotFound
	}
	if fm.appendOpen {
		return ErrBusy
	}

	_, err := v.writeRecordPriority(record.TagDelete, record.EncodeFileID(fm.id), fm.priority)
	if err != nil {
		return err
	}

	v.dir.remove(fm)
	var revived []int
	for i := range fm.appends {
		if !fm.appends[i].dead {
			fm.appends[i].dead = true
			v.noteDead(fm.appends[i].addr)
			revived = append(revived, i)
		}
	}

	v.addUndo(func() {
		v.dir.restore(fm)
		for _, i := range revived {
			fm.appends[i].dead = false
			v.noteLive(fm.appends[i].addr, fm.priority)
		}
	})
	return nil
}
