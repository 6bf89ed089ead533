package record

import "github.com/minio/highwayhash"

// checksumKey is a fixed, well-known key. The checksum here defends against
// torn/partial writes and bit-rot, not against a hostile payload, so a
// constant key (rather than a per-volume secret) is the right call.
var checksumKey = make([]byte, highwayhash.Size)

// checksum hashes the fixed header fields that are stable at encode time
// (tag and length+txnID, skipping the mutable state byte and the checksum
// field itself) together with the payload.
func checksum(tag, lenAndTxnID, payload []byte) uint64 {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		// highwayhash.New64 only fails on a wrong-size key; ours is
		// constructed with the correct size above.
		panic(err)
	}
	h.Write(tag)
	h.Write(lenAndTxnID)
	h.Write(payload)
	return h.Sum64()
}
