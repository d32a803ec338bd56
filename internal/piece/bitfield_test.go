package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldMSBFirst(t *testing.T) {
	bf := NewBitfield(10)
	bf.Set(0)
	require.Equal(t, byte(0x80), bf.Bytes()[0], "bit 0 must be the high bit of byte 0")

	bf.Set(7)
	require.Equal(t, byte(0x81), bf.Bytes()[0])

	require.True(t, bf.Get(0))
	require.True(t, bf.Get(7))
	require.False(t, bf.Get(1))

	bf.Clear(0)
	require.False(t, bf.Get(0))
}

func TestBitfieldComplete(t *testing.T) {
	bf := NewBitfield(3)
	require.False(t, bf.Complete())
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	require.True(t, bf.Complete())
	require.Equal(t, 3, bf.Count())
}
