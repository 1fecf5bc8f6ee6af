package storagenode

import (
	"encoding/binary"
	"fmt"

	"github.com/rowkv/cluster/pkg/oplog"
)

// encodeReplayEntries packs a RPLY reply body as a sequence of
// [4-byte block length][8-byte seq][opBytes] records, so a variable
// number of variable-length operations can ride in one frame.
func encodeReplayEntries(entries []oplog.Entry) []byte {
	var out []byte
	for _, e := range entries {
		block := make([]byte, 8+len(e.Op))
		binary.BigEndian.PutUint64(block[:8], e.Seq)
		copy(block[8:], e.Op)

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(block)))
		out = append(out, lenBuf[:]...)
		out = append(out, block...)
	}
	return out
}

// decodeReplayEntries is encodeReplayEntries' inverse.
func decodeReplayEntries(rest []byte) ([]oplog.Entry, error) {
	var entries []oplog.Entry
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("storagenode: truncated RPLY block length")
		}
		blockLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < blockLen || blockLen < 8 {
			return nil, fmt.Errorf("storagenode: truncated RPLY block")
		}
		block := rest[:blockLen]
		rest = rest[blockLen:]

		entries = append(entries, oplog.Entry{
			Seq: binary.BigEndian.Uint64(block[:8]),
			Op:  append([]byte(nil), block[8:]...),
		})
	}
	return entries, nil
}
