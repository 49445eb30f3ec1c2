package router

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// IDLength is the width in bytes of a 160-bit identifier.
const IDLength = 20

// AddrLength is the width in bytes of an opaque routable endpoint handle.
const AddrLength = 6

// Identifier is a 160-bit opaque byte string. Two Identifiers are equal
// iff their bytes are equal; distance between them is bitwise XOR.
type Identifier [IDLength]byte

// NetAddress is a 6-byte opaque endpoint handle (e.g. 4-byte IPv4 +
// 2-byte port, compact-node-info style). The router never interprets
// its contents; it only compares, stores, and forwards it.
type NetAddress [AddrLength]byte

// ParseIdentifier decodes a 40-character hex string into an Identifier.
func ParseIdentifier(hexStr string) (Identifier, error) {
	var id Identifier
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("router: invalid identifier hex: %w", err)
	}
	if len(decoded) != IDLength {
		return id, fmt.Errorf("router: invalid identifier length: got %d want %d", len(decoded), IDLength)
	}
	copy(id[:], decoded)
	return id, nil
}

// RandomIdentifier returns a cryptographically random 160-bit id, used
// by the maintenance loops to pick self-training search targets.
func RandomIdentifier() Identifier {
	var id Identifier
	_, _ = rand.Read(id[:])
	return id
}

// IdentifierFromBytes copies exactly IDLength bytes into an Identifier,
// returning false if the slice is the wrong length.
func IdentifierFromBytes(b []byte) (Identifier, bool) {
	var id Identifier
	if len(b) != IDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// NetAddressFromBytes copies exactly AddrLength bytes into a NetAddress.
func NetAddressFromBytes(b []byte) (NetAddress, bool) {
	var a NetAddress
	if len(b) != AddrLength {
		return a, false
	}
	copy(a[:], b)
	return a, true
}

func (id Identifier) String() string { return hex.EncodeToString(id[:]) }

func (id Identifier) Bytes() []byte { return id[:] }

func (a NetAddress) Bytes() []byte { return a[:] }

// xorDistance returns the bitwise XOR of a and b, interpreted
// downstream as a 160-bit unsigned integer (most-significant byte
// first).
func xorDistance(a, b Identifier) Identifier {
	var d Identifier
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// less reports whether x is strictly less than y when both are
// interpreted as big-endian unsigned integers. Used to compare XOR
// distances.
func (x Identifier) less(y Identifier) bool {
	for i := 0; i < IDLength; i++ {
		if x[i] != y[i] {
			return x[i] < y[i]
		}
	}
	return false
}

// prefix extracts the first 4 bytes of id, big-endian, as used
// throughout the hot ranking path instead of the full 160-bit value.
func prefix(id Identifier) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// closerToTarget reports whether a's XOR distance to target is
// strictly less than b's.
func closerToTarget(a, b, target Identifier) bool {
	da := xorDistance(a, target)
	db := xorDistance(b, target)
	return da.less(db)
}
