package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		require.Len(t, id, 24)
		require.NotContains(t, id, "+")
		require.NotContains(t, id, "/")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestVerifierRoundTrip(t *testing.T) {
	v, err := DeriveVerifier("p@ss", testParams)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v, "$argon2id$v=19$m=1024,t=1,p=1$"))
	assert.NotContains(t, v, "p@ss")

	ok, err := MatchVerifier("p@ss", v)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchVerifier("p@sS", v)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = MatchVerifier("", v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierUsesFreshSalt(t *testing.T) {
	a, err := DeriveVerifier("same", testParams)
	require.NoError(t, err)
	b, err := DeriveVerifier("same", testParams)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveVerifierRejectsEmptyPassword(t *testing.T) {
	_, err := DeriveVerifier("", testParams)
	require.ErrorIs(t, err, ErrEmptyPassword)
}

func TestMatchVerifierMalformed(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
	}
	for _, c := range cases {
		_, err := MatchVerifier("x", c)
		assert.ErrorIs(t, err, ErrMalformedVerifier, c)
	}
}

func TestSealer(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	s, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("hunter2 notes"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2 notes", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open([]byte("short"))
	assert.Error(t, err)
}

func TestNewSealerWithoutKeyPassesThrough(t *testing.T) {
	s, err := NewSealer(nil)
	require.NoError(t, err)
	out, err := s.Seal([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestNewSealerBadKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	raw := bytes.Repeat([]byte{1}, 32)

	key, err := ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = ParseKey(base64.RawURLEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = ParseKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)

	_, err = ParseKey("%%%")
	assert.Error(t, err)
}
