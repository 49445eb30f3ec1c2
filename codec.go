package router

import (
	"encoding/binary"

	"github.com/reachkad/router/wire"
)

// dictString reads a string-valued key from a wire.Dict.
func dictString(d wire.Dict, key string) (string, bool) {
	if d == nil {
		return "", false
	}
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// dictDict reads a dict-valued key from a wire.Dict.
func dictDict(d wire.Dict, key string) (wire.Dict, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(wire.Dict)
	return nested, ok
}

// encodeTxnID packs a transaction id as a 4-byte big-endian wire token,
// matching compact "t" tokens instead of a variable-width integer, so
// collision wraparound (spec.md §5) is cheap to compare as raw bytes.
func encodeTxnID(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return string(b[:])
}

// decodeTxnID reverses encodeTxnID, rejecting any token that isn't
// exactly 4 bytes.
func decodeTxnID(s string) (uint32, bool) {
	if len(s) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32([]byte(s)), true
}

// nodeRecordLen is the compact node-info record width: a 20-byte
// Identifier followed by a 6-byte NetAddress.
const nodeRecordLen = IDLength + AddrLength

// encodeNodes packs nodes as a concatenation of 26-byte compact
// records, the wire shape spec.md §4.5 requires for the "nodes" reply
// key.
func encodeNodes(nodes []Node) string {
	buf := make([]byte, 0, len(nodes)*nodeRecordLen)
	for _, n := range nodes {
		buf = append(buf, n.ID.Bytes()...)
		buf = append(buf, n.NetAddress.Bytes()...)
	}
	return string(buf)
}

// decodeNodes unpacks a concatenated compact-node-info string. It
// returns false if the length isn't a multiple of 26 bytes, the signal
// spec.md §4.5 uses to distinguish a real node list from a bare ping
// reply.
func decodeNodes(b []byte) ([]Node, bool) {
	if len(b) == 0 || len(b)%nodeRecordLen != 0 {
		return nil, false
	}
	out := make([]Node, 0, len(b)/nodeRecordLen)
	for i := 0; i < len(b); i += nodeRecordLen {
		id, _ := IdentifierFromBytes(b[i : i+IDLength])
		addr, _ := NetAddressFromBytes(b[i+IDLength : i+nodeRecordLen])
		out = append(out, Node{ID: id, NetAddress: addr})
	}
	return out, true
}
