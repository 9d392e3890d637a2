package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInnerSubjectIsDeterministic(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)

	a, err := InnerSubject(key, "file-1", 3)
	require.NoError(t, err)
	b, err := InnerSubject(key, "file-1", 3)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := InnerSubject(key, "file-1", 4)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestOuterSubjectVariesPerCall(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	inner, err := InnerSubject(key, "file-1", 0)
	require.NoError(t, err)

	first, err := OuterSubject(inner)
	require.NoError(t, err)
	second, err := OuterSubject(inner)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, inner+"."))
}
