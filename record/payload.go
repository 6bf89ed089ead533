package record

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SuperblockMagic identifies a formatted tofs volume.
const SuperblockMagic = "TOFS"

// FormatVersion is the on-medium superblock format version this package
// writes and understands.
const FormatVersion = 1

// ErrBadMagic is returned by DecodeSuperblock when the magic bytes don't
// match SuperblockMagic.
var ErrBadMagic = errors.New("record: bad superblock magic")

// Superblock is the payload of the volume's first LIVE record.
type Superblock struct {
	Version    uint8
	OffsetBits uint8
	BlockCount uint32
	Epoch      uint32
}

func EncodeSuperblock(sb Superblock) []byte {
	buf := make([]byte, 4+1+1+4+4)
	copy(buf[0:4], SuperblockMagic)
	buf[4] = sb.Version
	buf[5] = sb.OffsetBits
	binary.LittleEndian.PutUint32(buf[6:10], sb.BlockCount)
	binary.LittleEndian.PutUint32(buf[10:14], sb.Epoch)
	return buf
}

func DecodeSuperblock(payload []byte) (Superblock, error) {
	if len(payload) < 14 || string(payload[0:4]) != SuperblockMagic {
		return Superblock{}, ErrBadMagic
	}
	return Superblock{
		Version:    payload[4],
		OffsetBits: payload[5],
		BlockCount: binary.LittleEndian.Uint32(payload[6:10]),
		Epoch:      binary.LittleEndian.Uint32(payload[10:14]),
	}, nil
}

// FileCreate is the payload of a FileCreate record.
type FileCreate struct {
	FileID   uint32
	Priority uint8
	Name     string
}

func EncodeFileCreate(fc FileCreate) []byte {
	name := []byte(fc.Name)
	buf := make([]byte, 4+1+1+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], fc.FileID)
	buf[4] = fc.Priority
	buf[5] = uint8(len(name))
	copy(buf[6:], name)
	return buf
}

func DecodeFileCreate(payload []byte) (FileCreate, error) {
	if len(payload) < 6 {
		return FileCreate{}, errors.Wrap(ErrCorruption, "record: short FileCreate payload")
	}
	nameLen := int(payload[5])
	if 6+nameLen > len(payload) {
		return FileCreate{}, errors.Wrap(ErrCorruption, "record: FileCreate name overruns payload")
	}
	return FileCreate{
		FileID:   binary.LittleEndian.Uint32(payload[0:4]),
		Priority: payload[4],
		Name:     string(payload[6 : 6+nameLen]),
	}, nil
}

// EncodeAppend prefixes data with the owning file-id.
func EncodeAppend(fileID uint32, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], fileID)
	copy(buf[4:], data)
	return buf
}

// DecodeAppend splits an Append payload back into file-id and data. The
// returned data slice aliases payload.
func DecodeAppend(payload []byte) (fileID uint32, data []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, errors.Wrap(ErrCorruption, "record: short Append payload")
	}
	return binary.LittleEndian.Uint32(payload[0:4]), payload[4:], nil
}

// Truncate is the payload of a head-advance (bookmark) record.
type Truncate struct {
	FileID    uint32
	HeadBytes uint64
}

func EncodeTruncate(t Truncate) []byte {
	buf := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(buf[0:4], t.FileID)
	binary.LittleEndian.PutUint64(buf[4:12], t.HeadBytes)
	return buf
}

func DecodeTruncate(payload []byte) (Truncate, error) {
	if len(payload) < 12 {
		return Truncate{}, errors.Wrap(ErrCorruption, "record: short Truncate payload")
	}
	return Truncate{
		FileID:    binary.LittleEndian.Uint32(payload[0:4]),
		HeadBytes: binary.LittleEndian.Uint64(payload[4:12]),
	}, nil
}

// EncodeFileID / DecodeFileID cover the bare file-id payloads carried by
// Delete records.
func EncodeFileID(fileID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, fileID)
	return buf
}

func DecodeFileID(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.Wrap(ErrCorruption, "record: short file-id payload")
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}

// SetFlags is the payload of a priority/flags metadata-update record.
type SetFlags struct {
	FileID   uint32
	Priority uint8
}

func EncodeSetFlags(f SetFlags) []byte {
	buf := make([]byte, 4+1)
	binary.LittleEndian.PutUint32(buf[0:4], f.FileID)
	buf[4] = f.Priority
	return buf
}

func DecodeSetFlags(payload []byte) (SetFlags, error) {
	if len(payload) < 5 {
		return SetFlags{}, errors.Wrap(ErrCorruption, "record: short SetFlags payload")
	}
	return SetFlags{
		FileID:   binary.LittleEndian.Uint32(payload[0:4]),
		Priority: payload[4],
	}, nil
}
