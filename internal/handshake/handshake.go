// Package handshake computes and validates the 8-byte wire handshake tag
// exchanged at the start of every agent connection.
package handshake

import (
	"encoding/binary"
	"sort"
	"time"
)

// DefaultSkewWindow is the reference clock-skew tolerance from spec.md §4.1:
// a client timestamp is accepted if it falls within this many seconds of the
// server's own clock, in either direction.
const DefaultSkewWindow = 30 * time.Second

// TagSize is the fixed length in bytes of the handshake tag on the wire.
const TagSize = 8

// ecmaPoly182 is the CRC-64/ECMA-182 polynomial, used MSB-first against the
// unreflected input/output this algorithm requires (catalog: init=0,
// refin=false, refout=false, xorout=0). This is a different animal from Go's
// `hash/crc64.ECMA` table, which despite the name implements the *reflected*
// CRC-64/XZ polynomial representation — init=all-ones, refin/refout=true,
// final complement — and produces a different checksum for the same input.
// `fastcrc.crc64.ecma_182` in original_source/challenge/decrypt.py is the
// non-reflected algorithm this table reproduces bit-for-bit.
const ecmaPoly182 = 0x42F0E1EBA9EA3693

var ecmaTable182 = buildECMA182Table()

// buildECMA182Table builds the standard MSB-first (non-reflected) CRC-64
// lookup table for ecmaPoly182.
func buildECMA182Table() [256]uint64 {
	var table [256]uint64
	for i := range table {
		crc := uint64(i) << 56
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000000000000000 != 0 {
				crc = (crc << 1) ^ ecmaPoly182
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// crc64ECMA182 computes the non-reflected CRC-64/ECMA-182 checksum of data:
// init=0, one byte consumed at a time MSB-first against the table above, no
// final XOR.
func crc64ECMA182(data []byte) uint64 {
	var crc uint64
	for _, b := range data {
		crc = (crc << 8) ^ ecmaTable182[byte(crc>>56)^b]
	}
	return crc
}

// Compute returns the 8-byte big-endian CRC-64/ECMA-182 of secret || the
// big-endian uint64 Unix-second encoding of t. This is the only structured
// field on the wire (spec.md §4.1).
func Compute(secret []byte, t int64) [TagSize]byte {
	buf := make([]byte, len(secret)+8)
	copy(buf, secret)
	binary.BigEndian.PutUint64(buf[len(secret):], uint64(t))

	sum := crc64ECMA182(buf)

	var tag [TagSize]byte
	binary.BigEndian.PutUint64(tag[:], sum)
	return tag
}

// Match is a successful handshake: the agent id and secret whose candidate
// timestamp produced the observed tag, plus the tag itself (needed for key
// mangling).
type Match struct {
	AgentID string
	Secret  []byte
	Tag     [TagSize]byte
}

// Validate searches the keystore snapshot for a (secret, timestamp) pair
// that reproduces the observed tag. Iteration order is secrets outer (in
// ascending agent_id order), timestamps inner ascending within
// [now-window, now+window]; the first match is
// returned even if other (secret, timestamp) pairs in the snapshot would
// also reproduce the tag — spec.md §9 leaves this ambiguity intentionally
// unresolved and instructs against reinterpreting it.
//
// keys is agent_id -> secret, as produced by keystore.Store.List. now is the
// server's current time (injected for testability); window is the
// acceptable skew, typically handshake.DefaultSkewWindow.
func Validate(keys map[string]string, observed [TagSize]byte, now time.Time, window time.Duration) (Match, bool) {
	nowUnix := now.Unix()
	skew := int64(window / time.Second)

	agentIDs := make([]string, 0, len(keys))
	for agentID := range keys {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	for _, agentID := range agentIDs {
		secretBytes := []byte(keys[agentID])
		for t := nowUnix - skew; t <= nowUnix+skew; t++ {
			if Compute(secretBytes, t) == observed {
				return Match{AgentID: agentID, Secret: secretBytes, Tag: observed}, true
			}
		}
	}
	return Match{}, false
}

// MangledKey derives the per-connection RC4 key by XORing secret against the
// accepted tag, cycling the tag over the full length of secret (spec.md
// §4.1 "Key mangling").
func MangledKey(secret []byte, tag [TagSize]byte) []byte {
	mangled := make([]byte, len(secret))
	for i, b := range secret {
		mangled[i] = b ^ tag[i%TagSize]
	}
	return mangled
}
