package usenetsyncerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(Transport, "nntp.Dial", cause)

	require.Error(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "nntp.Dial")
	assert.Contains(t, err.Error(), "transport")
}

func TestOfAndIsTransient(t *testing.T) {
	assert.Equal(t, Transport, Of(New(Transport, "op", nil)))
	assert.Equal(t, Internal, Of(errors.New("plain")))

	assert.True(t, IsTransient(New(Transport, "op", nil)))
	assert.True(t, IsTransient(New(RateLimited, "op", nil)))
	assert.False(t, IsTransient(New(Integrity, "op", nil)))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := New(NotFound, "store.GetFolder", errors.New("no rows"))
	assert.True(t, errors.Is(err, Sentinel(NotFound)))
	assert.False(t, errors.Is(err, Sentinel(Denied)))
}

func TestExitCodes(t *testing.T) {
	cases := map[Kind]int{
		Usage: 2, NotFound: 3, Denied: 4, Transport: 5,
		RateLimited: 5, Integrity: 6, Cancelled: 7, Internal: 1,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.ExitCode(), kind.String())
	}
}
