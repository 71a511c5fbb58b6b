package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonceCacheRemembersAndRejects(t *testing.T) {
	c := newNonceCache(4)
	require.True(t, c.Remember("a"))
	require.False(t, c.Remember("a"))
}

func TestNonceCacheEvictsOldest(t *testing.T) {
	c := newNonceCache(2)
	require.True(t, c.Remember("a"))
	require.True(t, c.Remember("b"))
	require.True(t, c.Remember("c")) // evicts a

	require.True(t, c.Remember("a"))
	require.False(t, c.Remember("c"))
}

func TestNonceCacheReplayRefreshesRecency(t *testing.T) {
	c := newNonceCache(2)
	require.True(t, c.Remember("a"))
	require.True(t, c.Remember("b"))
	require.False(t, c.Remember("a")) // a is now most recent
	require.True(t, c.Remember("c"))  // evicts b, not a

	require.False(t, c.Remember("a"))
	require.True(t, c.Remember("b"))
}
