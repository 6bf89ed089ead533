// Package record implements the on-medium record format: the self-delimiting,
// tagged log entries that make up a tofs volume, their TENTATIVE/LIVE/DEAD
// state-marker transitions, and the short integrity checksum carried by
// every record.
//
// The header layout is fixed and little-endian throughout:
//
//	offset 0: tag      (1 byte)
//	offset 1: state    (1 byte)
//	offset 2: length   (2 bytes) -- total record length, header included
//	offset 4: txnID    (4 bytes)
//	offset 8: checksum (8 bytes) -- highwayhash over tag|length|txnID|payload
//
// HeaderSize bytes precede the payload. A record never spans a block
// boundary; callers that need more payload than fits in the remainder of a
// block must split it across multiple records (Append records in
// particular).
package record

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the number of header bytes preceding every record's payload.
const HeaderSize = 16

// Tag identifies the kind of a record.
type Tag uint8

const (
	TagFileCreate Tag = 1
	TagAppend     Tag = 2
	TagTruncate   Tag = 3
	TagDelete     Tag = 4
	TagTxnBegin   Tag = 5
	TagTxnCommit  Tag = 6
	TagTxnAbort   Tag = 7
	TagPadding    Tag = 8
	TagSuperblock Tag = 9
	TagSetFlags   Tag = 10

	// tagErased is never written; it is what an erased (all 0xFF) tag byte
	// decodes as, and marks "end of log in this block".
	tagErased Tag = 0xFF
)

// State is the record's state-marker byte. Valid transitions are strictly
// TENTATIVE -> LIVE -> DEAD, each reachable by clearing bits only.
type State uint8

const (
	// StateTentative is the state of a freshly encoded, not yet committed
	// record: the erased value, unmodified.
	StateTentative State = 0xFF

	// StateLive is TENTATIVE with bit 0 cleared.
	StateLive State = 0xFE

	// StateDead is every bit cleared.
	StateDead State = 0x00
)

// ErrCorruption is returned by DecodeAt when a record's checksum does not
// match its payload. The caller's policy (per the volume scanner) is to
// treat the record as DEAD and continue.
var ErrCorruption = errors.New("record: checksum mismatch")

// ErrTooLarge is returned by Encode when header+payload would exceed the
// 16-bit length field (65535 bytes).
var ErrTooLarge = errors.New("record: record too large for length field")

// ErrErasedSlot is returned by DecodeAt when the slot at addr is still
// erased (0xFF throughout the header) -- the normal "end of log in this
// block" sentinel, not a real error condition for callers that expect it.
var ErrErasedSlot = errors.New("record: erased slot")

// Device is the minimal device surface the codec needs; blockdev.Device
// satisfies it.
type Device interface {
	Read(off uint32, buf []byte) error
	Write(off uint32, buf []byte) error
}

// Record is a decoded log entry.
type Record struct {
	Tag     Tag
	State   State
	Len     uint16 // total on-medium length, header included
	TxnID   uint32
	Payload []byte
}

// Encode serializes tag/txnID/payload into a TENTATIVE record. It fails with
// ErrTooLarge only when the total length does not fit the 16-bit length
// field; it does not check the record against the block size or the space
// left in the current block (see Fits).
func Encode(tag Tag, txnID uint32, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload)
	if total > 1<<16-1 {
		return nil, ErrTooLarge
	}

	buf := make([]byte, total)
	buf[0] = byte(tag)
	buf[1] = byte(StateTentative)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	binary.LittleEndian.PutUint32(buf[4:8], txnID)
	copy(buf[HeaderSize:], payload)

	sum := checksum(buf[0:1], buf[2:8], payload)
	binary.LittleEndian.PutUint64(buf[8:16], sum)

	return buf, nil
}

// Fits reports whether a record carrying payloadLen bytes of payload fits
// in remaining bytes of block space.
func Fits(payloadLen, remaining int) bool {
	return HeaderSize+payloadLen <= remaining
}

// DecodeAt reads and decodes the record at off. It returns the record, the
// address immediately following it (off+record.Len), and an error.
//
// A fully erased header (tag byte 0xFF) decodes as ErrErasedSlot, signaling
// end-of-log-in-this-block to the caller. A record whose state is LIVE but
// whose checksum fails is returned with State forced to StateDead and
// ErrCorruption, per the codec's "treat as DEAD, skip" integrity contract.
func DecodeAt(dev Device, off uint32) (Record, uint32, error) {
	hdr := make([]byte, HeaderSize)
	if err := dev.Read(off, hdr); err != nil {
		return Record{}, 0, errors.Wrap(err, "record: read header")
	}

	if Tag(hdr[0]) == tagErased && hdr[1] == 0xFF {
		return Record{}, 0, ErrErasedSlot
	}

	length := binary.LittleEndian.Uint16(hdr[2:4])
	if int(length) < HeaderSize {
		return Record{}, 0, errors.Wrap(ErrCorruption, "record: length underflow")
	}

	rec := Record{
		Tag:   Tag(hdr[0]),
		State: State(hdr[1]),
		Len:   length,
		TxnID: binary.LittleEndian.Uint32(hdr[4:8]),
	}

	payloadLen := int(length) - HeaderSize
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		if err := dev.Read(off+HeaderSize, rec.Payload); err != nil {
			return Record{}, 0, errors.Wrap(err, "record: read payload")
		}
	}

	wantSum := binary.LittleEndian.Uint64(hdr[8:16])
	gotSum := checksum(hdr[0:1], hdr[2:8], rec.Payload)
	next := off + uint32(length)

	if rec.State == StateLive && gotSum != wantSum {
		rec.State = StateDead
		return rec, next, ErrCorruption
	}

	return rec, next, nil
}

// MarkLive flips the state byte at addr from TENTATIVE to LIVE by clearing
// bit 0. Idempotent: re-applying to an already-LIVE or already-DEAD byte is
// a no-op (clearing an already-clear bit changes nothing).
func MarkLive(dev Device, addr uint32) error {
	cur := make([]byte, 1)
	if err := dev.Read(addr+1, cur); err != nil {
		return err
	}
	return dev.Write(addr+1, []byte{cur[0] & byte(StateLive)})
}

// MarkDead flips the state byte at addr to DEAD by clearing every bit.
// Idempotent for the same reason as MarkLive.
func MarkDead(dev Device, addr uint32) error {
	return dev.Write(addr+1, []byte{byte(StateDead)})
}
