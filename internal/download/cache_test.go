package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newSegmentCache(10)
	c.Put("a", []byte("12345"))
	c.Put("b", []byte("12345"))

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", []byte("12345"))

	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok, "a was touched and should survive")
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestSegmentCachePinPreventsEviction(t *testing.T) {
	c := newSegmentCache(10)
	c.Put("a", []byte("12345"))
	c.Pin("a")
	c.Put("b", []byte("12345"))

	c.Put("c", []byte("12345"))

	_, ok := c.Get("a")
	assert.True(t, ok, "pinned entry must survive eviction pressure")

	c.Unpin("a")
	c.Put("d", []byte("12345"))
	_, ok = c.Get("a")
	assert.False(t, ok, "unpinned entry becomes evictable again")
}

func TestSegmentCacheGetMissingKey(t *testing.T) {
	c := newSegmentCache(10)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}
