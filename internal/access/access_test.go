package access

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/crypto"
	"github.com/usenetsync/usenetsync/internal/model"
)

func TestPublicShareRoundTrip(t *testing.T) {
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)

	token, err := Encode(Share{
		FolderID:  "folder-1",
		Access:    model.AccessPublic,
		IndexRefs: []string{"idx-1@usenetsync.idx", "idx-2@usenetsync.idx"},
		FolderKey: folderKey,
	})
	require.NoError(t, err)

	env, err := Open(token, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "folder-1", env.FolderID)
	assert.Equal(t, model.AccessPublic, env.Access)
	assert.Equal(t, []string{"idx-1@usenetsync.idx", "idx-2@usenetsync.idx"}, env.IndexRefs)
	assert.Equal(t, folderKey, env.FolderKey)
}

func TestProtectedShareRequiresCorrectPassword(t *testing.T) {
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)

	token, err := Encode(Share{
		FolderID:  "folder-2",
		Access:    model.AccessProtected,
		IndexRefs: []string{"idx@usenetsync.idx"},
		FolderKey: folderKey,
		Password:  "hunter2",
	})
	require.NoError(t, err)

	env, err := Open(token, Credentials{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, folderKey, env.FolderKey)

	_, err = Open(token, Credentials{Password: "wrong-password"})
	assert.Error(t, err)
}

func TestPrivateShareCarriesSeedNotFolderKey(t *testing.T) {
	seed, err := crypto.RandomKey()
	require.NoError(t, err)

	token, err := Encode(Share{
		FolderID:  "folder-3",
		Access:    model.AccessPrivate,
		IndexRefs: []string{"idx@usenetsync.idx"},
		ShareID:   "share-abc",
		ShareSeed: seed,
	})
	require.NoError(t, err)

	env, err := Open(token, Credentials{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "share-abc", env.ShareID)
	assert.Equal(t, seed, env.ShareSeed)
	assert.Equal(t, crypto.Key{}, env.FolderKey, "the token alone must not yield the folder key")
}

func TestTokensHaveUniformSurface(t *testing.T) {
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)

	public, err := Encode(Share{FolderID: "f", Access: model.AccessPublic, FolderKey: folderKey})
	require.NoError(t, err)
	protected, err := Encode(Share{FolderID: "f", Access: model.AccessProtected, FolderKey: folderKey, Password: "pw"})
	require.NoError(t, err)

	// Nothing outside the sealed envelope may distinguish access types:
	// both read as prefix + one opaque base64url blob.
	for _, token := range []string{public, protected} {
		require.True(t, strings.HasPrefix(token, "usenetsync://"))
		body := strings.TrimPrefix(token, "usenetsync://")
		assert.NotContains(t, body, ".")
		assert.NotContains(t, body, "=")
	}
}

func TestExpiredShareIsRejected(t *testing.T) {
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)

	token, err := Encode(Share{FolderID: "folder-4", Access: model.AccessPublic, FolderKey: folderKey, ExpiresAt: &past})
	require.NoError(t, err)

	_, err = Open(token, Credentials{})
	assert.Error(t, err)
}

func TestPrivateMemberWrapUnwrap(t *testing.T) {
	shareSeed, err := crypto.RandomKey()
	require.NoError(t, err)
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)

	wrapped, err := WrapForMember(shareSeed, "user-42", folderKey)
	require.NoError(t, err)

	got, err := UnwrapForMember(shareSeed, "user-42", wrapped)
	require.NoError(t, err)
	assert.Equal(t, folderKey, got)

	_, err = UnwrapForMember(shareSeed, "someone-else", wrapped)
	assert.Error(t, err)
}

func TestPrivateCommitmentIsStableAndUserSpecific(t *testing.T) {
	seed, err := crypto.RandomKey()
	require.NoError(t, err)

	a := PrivateCommitment(seed, "user-1")
	b := PrivateCommitment(seed, "user-1")
	c := PrivateCommitment(seed, "user-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
