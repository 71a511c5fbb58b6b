package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingKeepsEverythingUnderCapacity(t *testing.T) {
	r := newRing(16)
	_, err := r.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(r.Tail()))
}

func TestRingEvictsOldestBytes(t *testing.T) {
	r := newRing(8)
	_, _ = r.Write([]byte("aaaa"))
	_, _ = r.Write([]byte("bbbb"))
	_, _ = r.Write([]byte("cc"))
	require.Equal(t, "aabbbbcc", string(r.Tail()))
}

func TestRingOversizedWriteKeepsSuffix(t *testing.T) {
	r := newRing(4)
	_, _ = r.Write([]byte("0123456789"))
	require.Equal(t, "6789", string(r.Tail()))
}
