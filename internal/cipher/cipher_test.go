package cipher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPair_RoundTrip(t *testing.T) {
	key := []byte("mangled-key-bytes")

	serverSide, err := NewPair(key)
	require.NoError(t, err)
	agentSide, err := NewPair(key)
	require.NoError(t, err)

	plaintext := []byte("whoami\n")
	ciphertext := make([]byte, len(plaintext))
	serverSide.Encryptor.XORKeyStream(ciphertext, plaintext)

	decrypted := make([]byte, len(ciphertext))
	agentSide.Decryptor.XORKeyStream(decrypted, ciphertext)

	require.Equal(t, plaintext, decrypted)
}

func TestPair_StreamNeverResetsAcrossCalls(t *testing.T) {
	key := []byte("another-key")
	pair, err := NewPair(key)
	require.NoError(t, err)

	full := []byte("abcdefghijklmnop")
	oneShot := make([]byte, len(full))
	pair.Encryptor.XORKeyStream(oneShot, full)

	pair2, err := NewPair(key)
	require.NoError(t, err)
	split := make([]byte, len(full))
	pair2.Encryptor.XORKeyStream(split[:7], full[:7])
	pair2.Encryptor.XORKeyStream(split[7:], full[7:])

	require.Equal(t, oneShot, split)
}

func TestStream_ZeroLengthKeyIsPassthrough(t *testing.T) {
	s, err := NewStream(nil)
	require.NoError(t, err)

	plaintext := []byte("unchanged")
	out := make([]byte, len(plaintext))
	s.XORKeyStream(out, plaintext)

	require.Equal(t, plaintext, out)
}
