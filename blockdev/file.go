package blockdev

import "os"

// File is a block device backed by a host file, for hosted testing and for
// any integration that wants a tofs volume to live on a regular
// filesystem rather than raw flash.
type File struct {
	f          *os.File
	blockSize  uint32
	blockCount uint32
	offsetBits uint8
}

// OpenFile opens (creating if necessary) path as a File device of
// blockCount blocks, each 2^offsetBits bytes. A newly created file is
// pre-erased (all 0xFF); an existing file shorter than the device is
// extended with 0xFF bytes, otherwise its contents are used as-is.
func OpenFile(path string, offsetBits uint8, blockCount uint32) (*File, error) {
	bs := uint32(1) << offsetBits
	size := int64(bs) * int64(blockCount)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	dev := &File{f: f, blockSize: bs, blockCount: blockCount, offsetBits: offsetBits}

	if info.Size() != size {
		if err := dev.growAndErase(info.Size(), size); err != nil {
			f.Close()
			return nil, err
		}
	}

	return dev, nil
}

func (d *File) growAndErase(from, to int64) error {
	erased := make([]byte, 1<<16)
	for i := range erased {
		erased[i] = 0xFF
	}
	for off := from; off < to; {
		n := int64(len(erased))
		if off+n > to {
			n = to - off
		}
		if _, err := d.f.WriteAt(erased[:n], off); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (d *File) Read(off uint32, buf []byte) error {
	if err := checkBounds(d, off, len(buf)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(off))
	return err
}

func (d *File) Write(off uint32, buf []byte) error {
	if err := checkBounds(d, off, len(buf)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(off))
	return err
}

func (d *File) Erase(block uint32) error {
	if block >= d.blockCount {
		return ErrBadBlockIndex
	}
	erased := make([]byte, d.blockSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	_, err := d.f.WriteAt(erased, int64(block)*int64(d.blockSize))
	return err
}

// Flush syncs the underlying file, matching the host-journal convention
// (Barrier over a real fsync) used elsewhere in the pack for durability.
func (d *File) Flush() error { return d.f.Sync() }

func (d *File) Close() error { return d.f.Close() }

func (d *File) BlockSize() uint32  { return d.blockSize }
func (d *File) BlockCount() uint32 { return d.blockCount }
func (d *File) OffsetBits() uint8  { return d.offsetBits }
