package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_GoldenVector(t *testing.T) {
	secret := []byte("V6h9A_wyEE6YLFiAtxY4W601RkBQIsLn")
	tag := Compute(secret, 1733155227)

	require.Equal(t, uint64(0x530673b302e65741), beUint64(tag))
}

func TestValidate_AcceptsKnownSecretWithinWindow(t *testing.T) {
	secret := "V6h9A_wyEE6YLFiAtxY4W601RkBQIsLn"
	clientTime := int64(1733155227)
	tag := Compute([]byte(secret), clientTime)

	keys := map[string]string{"agent-1": secret}
	serverNow := time.Unix(clientTime, 0)

	match, ok := Validate(keys, tag, serverNow, DefaultSkewWindow)
	require.True(t, ok)
	assert.Equal(t, "agent-1", match.AgentID)
	assert.Equal(t, []byte(secret), match.Secret)
}

func TestValidate_SkewBoundary(t *testing.T) {
	secret := "V6h9A_wyEE6YLFiAtxY4W601RkBQIsLn"
	clientTime := int64(1733155227)
	tag := Compute([]byte(secret), clientTime)
	keys := map[string]string{"agent-1": secret}

	// Offset +30: within window, accepted.
	_, ok := Validate(keys, tag, time.Unix(clientTime+30, 0), DefaultSkewWindow)
	assert.True(t, ok)

	// Offset +31: outside window, rejected.
	_, ok = Validate(keys, tag, time.Unix(clientTime+31, 0), DefaultSkewWindow)
	assert.False(t, ok)
}

func TestValidate_UnknownSecretRejected(t *testing.T) {
	tag := Compute([]byte("nope"), 1733155227)
	keys := map[string]string{"agent-1": "V6h9A_wyEE6YLFiAtxY4W601RkBQIsLn"}

	_, ok := Validate(keys, tag, time.Unix(1733155227, 0), DefaultSkewWindow)
	assert.False(t, ok)
}

func TestValidate_ZeroLengthSecretAcceptedIfPresent(t *testing.T) {
	clientTime := int64(1733155227)
	tag := Compute(nil, clientTime)
	keys := map[string]string{"agent-empty": ""}

	match, ok := Validate(keys, tag, time.Unix(clientTime, 0), DefaultSkewWindow)
	require.True(t, ok)
	assert.Empty(t, match.Secret)
	assert.Empty(t, MangledKey(match.Secret, match.Tag))
}

func TestMangledKey_CyclesTagOverSecretLength(t *testing.T) {
	secret := []byte("abcdefghij")
	tag := [TagSize]byte{1, 2, 3, 4, 5, 6, 7, 8}

	mangled := MangledKey(secret, tag)
	require.Len(t, mangled, len(secret))
	for i, b := range secret {
		assert.Equal(t, b^tag[i%TagSize], mangled[i])
	}
}

func beUint64(b [TagSize]byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
