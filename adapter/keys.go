package adapter

import "encoding/binary"

// Sentinel keys in the sequence store. Data keys there are 8-byte
// big-endian sequence numbers, so these longer ASCII keys cannot collide
// with them; sequence scans skip any key that is not exactly 8 bytes.
const (
	keyUpdateSeq = "_local_last_update_seq"
	keyDocCount  = "_local_doc_count"
)

// encodeSeq renders a sequence number so lexicographic key order equals
// numeric order.
func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// decodeSeq parses a sequence-store key. ok is false for sentinel keys.
func decodeSeq(key []byte) (uint64, bool) {
	if len(key) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key), true
}
