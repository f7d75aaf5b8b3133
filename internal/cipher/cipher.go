// Package cipher wraps the per-connection RC4 framing cipher: independent
// encryptor and decryptor streams over the mangled handshake key, never
// reset for the lifetime of the connection.
package cipher

import (
	"crypto/rc4"
	"fmt"
)

// Stream is one direction of the per-connection RC4 keystream. The zero
// value is not usable; construct with NewStream.
type Stream struct {
	c *rc4.Cipher
}

// NewStream builds an RC4 stream over key. A zero-length key produces a
// Stream whose XORKeyStream is a no-op pass-through (spec.md §8: "Zero-
// length secret is accepted... mangled key is empty").
func NewStream(key []byte) (*Stream, error) {
	if len(key) == 0 {
		return &Stream{}, nil
	}
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &Stream{c: c}, nil
}

// XORKeyStream transforms src into dst under the running keystream,
// advancing cipher state — the stream is never reset, so decryption is a
// pure function of the concatenation of all bytes ever passed to it.
// dst and src may overlap entirely (alias), matching crypto/cipher.Stream.
func (s *Stream) XORKeyStream(dst, src []byte) {
	if s.c == nil {
		copy(dst, src)
		return
	}
	s.c.XORKeyStream(dst, src)
}

// Pair holds the two independent RC4 streams for one connection direction
// pair: Encryptor for bytes leaving the server to the agent, Decryptor for
// bytes arriving from the agent. Both are seeded from the same mangled key
// but never share state (spec.md §4.1: "decryptor and encryptor are
// independent instances over independent streams with identical initial
// state").
type Pair struct {
	Encryptor *Stream
	Decryptor *Stream
}

// NewPair builds a Pair from the mangled per-connection key (see
// internal/handshake.MangledKey).
func NewPair(mangledKey []byte) (*Pair, error) {
	enc, err := NewStream(mangledKey)
	if err != nil {
		return nil, err
	}
	dec, err := NewStream(mangledKey)
	if err != nil {
		return nil, err
	}
	return &Pair{Encryptor: enc, Decryptor: dec}, nil
}
