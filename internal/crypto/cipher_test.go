package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	aad := []byte("folder-id:abc123")

	sealed, err := Seal(key, plaintext, aad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	other, err := RandomKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = Open(other, sealed, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("secret"), nil)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = Open(key, sealed, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDeriveKeyFromPasswordIsDeterministic(t *testing.T) {
	salt := []byte("fixed-salt-value")
	k1 := DeriveKeyFromPassword("correct horse battery staple", salt)
	k2 := DeriveKeyFromPassword("correct horse battery staple", salt)
	assert.Equal(t, k1, k2)

	k3 := DeriveKeyFromPassword("different password", salt)
	assert.NotEqual(t, k1, k3)
}

func TestSubkeyIsPurposeScoped(t *testing.T) {
	folderKey, err := RandomKey()
	require.NoError(t, err)

	subjectKey, err := Subkey(folderKey, "subject_obfuscation")
	require.NoError(t, err)
	segmentKey, err := Subkey(folderKey, "segment_encryption")
	require.NoError(t, err)

	assert.NotEqual(t, subjectKey, segmentKey)

	again, err := Subkey(folderKey, "subject_obfuscation")
	require.NoError(t, err)
	assert.Equal(t, subjectKey, again)
}
