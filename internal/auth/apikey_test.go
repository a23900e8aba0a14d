package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	tests := []struct {
		name        string
		keyName     string
		expectError bool
	}{
		{name: "valid_name", keyName: "ci pipeline"},
		{name: "unicode_name", keyName: "ops 🔑"},
		{name: "empty_name", keyName: "", expectError: true},
		{name: "too_long_name", keyName: strings.Repeat("a", 256), expectError: true},
		{name: "control_chars", keyName: "bad\x00name", expectError: true},
		{name: "bidi_override", keyName: "bad\u202ename", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := GenerateAPIKey(tt.keyName)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(gen.Key, APIKeyPrefix+"_"))
			assert.Len(t, gen.Key, len(APIKeyPrefix)+1+APIKeyLength)
			assert.True(t, ValidateAPIKey(gen.Key, gen.Hash))
			assert.Equal(t, gen.Key[:11]+"...", gen.DisplayPrefix)
		})
	}
}

func TestHashAndValidate(t *testing.T) {
	_, err := HashAPIKey("")
	assert.Error(t, err)

	long := strings.Repeat("k", 100)
	hash, err := HashAPIKey(long)
	require.NoError(t, err)
	assert.True(t, ValidateAPIKey(long, hash))
	assert.False(t, ValidateAPIKey(long[:80], hash), "pre-hashing keeps long keys distinct")
	assert.False(t, ValidateAPIKey("", hash))
	assert.False(t, ValidateAPIKey(long, ""))
}

func TestDisplayPrefix(t *testing.T) {
	assert.Equal(t, "sq_abcdefgh...", DisplayPrefix("sq_abcdefghijkl"))
	assert.Equal(t, "sq_abc...", DisplayPrefix("sq_abc"))
	assert.Equal(t, "invalid_key", DisplayPrefix("nounderscore"))
}

func TestKeyring(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sq_hashed"), bcrypt.MinCost)
	require.NoError(t, err)

	kr, err := NewKeyring([]Key{
		{Name: "plain", Key: "sq_plain"},
		{Name: "hashed", Hash: string(hash)},
	})
	require.NoError(t, err)
	assert.True(t, kr.Enabled())

	name, ok := kr.Authenticate("sq_plain")
	assert.True(t, ok)
	assert.Equal(t, "plain", name)

	for i := 0; i < 2; i++ {
		name, ok = kr.Authenticate("sq_hashed")
		assert.True(t, ok)
		assert.Equal(t, "hashed", name)
	}
	assert.Len(t, kr.verified, 1)

	_, ok = kr.Authenticate("sq_wrong")
	assert.False(t, ok)
	_, ok = kr.Authenticate("")
	assert.False(t, ok)
}

func TestNewKeyringRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		key  Key
	}{
		{"missing name", Key{Key: "k"}},
		{"key and hash", Key{Name: "n", Key: "k", Hash: "h"}},
		{"neither", Key{Name: "n"}},
		{"hash not bcrypt", Key{Name: "n", Hash: "plaintext"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyring([]Key{tt.key})
			assert.Error(t, err)
		})
	}
}

func TestEmptyKeyringDisabled(t *testing.T) {
	kr, err := NewKeyring(nil)
	require.NoError(t, err)
	assert.False(t, kr.Enabled())

	var nilRing *Keyring
	assert.False(t, nilRing.Enabled())
	_, ok := nilRing.Authenticate("x")
	assert.False(t, ok)
}
