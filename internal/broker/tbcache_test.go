package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Cache_PutAndLen(t *testing.T) {
	c := NewCache()
	require.Equal(t, 0, c.Len())

	c.Put(2, [][]byte{{1, 2, 3, 4}})
	require.Equal(t, 3, c.Len())

	c.Put(0, [][]byte{{5, 6, 7, 8}})
	require.Equal(t, 3, c.Len())
}

func Test_Cache_GetForExecution_UnknownIndex(t *testing.T) {
	c := NewCache()
	_, err := c.GetForExecution(0, 0x1000, ReferenceDecoder{Width: 4})
	require.ErrorIs(t, err, ErrUnknownTB)
}

func Test_Cache_GetForExecution_DecodesOnFirstUse(t *testing.T) {
	c := NewCache()
	c.Put(0, [][]byte{{1, 2, 3, 4}})

	tb, err := c.GetForExecution(0, 0x1000, ReferenceDecoder{Width: 4})
	require.NoError(t, err)
	require.Len(t, tb.Decoded, 1)
	require.Equal(t, uint64(0x1000), tb.VAddr)

	tb2, err := c.GetForExecution(0, 0x9999, ReferenceDecoder{Width: 4})
	require.NoError(t, err)
	require.Same(t, tb, tb2)
	require.Equal(t, uint64(0x1000), tb2.VAddr)
}

func Test_Cache_Stats(t *testing.T) {
	c := NewCache()
	c.Put(0, [][]byte{{1, 2, 3, 4}})
	c.Put(1, [][]byte{{5, 6, 7, 8}})

	require.Equal(t, CacheStats{Registered: 2, Decoded: 0}, c.Stats())

	_, err := c.GetForExecution(0, 0x1000, ReferenceDecoder{Width: 4})
	require.NoError(t, err)

	require.Equal(t, CacheStats{Registered: 2, Decoded: 1}, c.Stats())
}

func Test_Cache_Get_DoesNotDecode(t *testing.T) {
	c := NewCache()
	c.Put(0, [][]byte{{1, 2, 3, 4}})

	tb := c.get(0)
	require.NotNil(t, tb)
	require.Empty(t, tb.Decoded)

	require.Nil(t, c.get(5))
}
