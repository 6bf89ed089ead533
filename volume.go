package tofs

import "github.com/gprossliner/tofs/blockdev"

// Volume is a mounted tofs volume: the write cursor, the transaction slot,
// and the directory/block-metadata indices the scanner reconstructs at
// mount time. Per the design notes, there is no ambient/global state -- every
// operation takes an explicit *Volume.
type Volume struct {
	dev blockdev.Device
	cfg Config

	dir    *directory
	blocks []blockMeta

	curBlock uint32
	curOff   uint32

	txn *txn

	nextFileID   uint32
	nextTxnID    uint32
	nextHandleID int

	handles map[int]*Handle

	closed bool
}

// Mount scans dev to reconstruct in-memory state, or formats it if
// autoFormat is true and no valid superblock is found (§4.2). Mounting is
// otherwise idempotent: mounting the same unchanged medium twice yields the
// same directory and file contents (testable property 6).
func Mount(dev blockdev.Device, autoFormat bool, cfg Config) (*Volume, error) {
	if dev.OffsetBits() < 8 || dev.OffsetBits() > 16 {
		return nil, ErrBadFormat
	}

	v := &Volume{
		dev:     dev,
		cfg:     cfg,
		dir:     newDirectory(),
		blocks:  make([]blockMeta, dev.BlockCount()),
		handles: make(map[int]*Handle),
	}

	sb, err := readSuperblock(dev)
	if err != nil || sb.BlockCount != dev.BlockCount() || sb.OffsetBits != dev.OffsetBits() {
		if !autoFormat {
			return nil, ErrBadFormat
		}
		if err := formatVolume(v); err != nil {
			return nil, err
		}
		return v, nil
	}

	if err := scanVolume(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unmount releases the volume's in-RAM state. Any open handles are
// implicitly closed; a subsequent operation on v returns ErrNotMounted.
func (v *Volume) Unmount() error {
	if v.closed {
		return nil
	}
	for _, h := range v.handles {
		h.Close()
	}
	v.closed = true
	return nil
}

func (v *Volume) requireMounted() error {
	if v.closed {
		return ErrNotMounted
	}
	return nil
}
