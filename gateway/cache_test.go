package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheBoundHolds(t *testing.T) {
	c := newResponseCache(1000, 500)
	for i := 0; i < 2500; i++ {
		c.put(fmt.Sprintf("fp-%d", i), cacheEntry{response: "r"})
		assert.LessOrEqual(t, c.size(), 1000)
	}
}

func TestCacheEvictionPreservesMostRecent(t *testing.T) {
	c := newResponseCache(1000, 500)
	for i := 0; i < 1001; i++ {
		c.put(fmt.Sprintf("fp-%d", i), cacheEntry{response: fmt.Sprintf("r-%d", i)})
	}
	// The overflow insert dropped the oldest entries down to the keep bound.
	assert.Equal(t, 501, c.size())
	_, ok := c.get("fp-0")
	assert.False(t, ok, "oldest entry evicted")
	e, ok := c.get("fp-1000")
	require.True(t, ok)
	assert.Equal(t, "r-1000", e.response)
	e, ok = c.get("fp-999")
	require.True(t, ok)
	assert.Equal(t, "r-999", e.response)
}

func TestCacheReinsertRefreshes(t *testing.T) {
	c := newResponseCache(10, 5)
	c.put("fp", cacheEntry{response: "old"})
	c.put("fp", cacheEntry{response: "new"})
	assert.Equal(t, 1, c.size())
	e, ok := c.get("fp")
	require.True(t, ok)
	assert.Equal(t, "new", e.response)
}

func TestCacheDrop(t *testing.T) {
	c := newResponseCache(10, 5)
	for i := 0; i < 5; i++ {
		c.put(fmt.Sprintf("fp-%d", i), cacheEntry{})
	}
	assert.Equal(t, 5, c.drop())
	assert.Equal(t, 0, c.size())
	_, ok := c.get("fp-0")
	assert.False(t, ok)
}
