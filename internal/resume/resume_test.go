package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	var hash [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")

	_, ok, err := c.Get(hash)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(hash, []byte{0xff, 0x0f}))

	bf, ok, err := c.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xff, 0x0f}, bf)

	require.NoError(t, c.Delete(hash))
	_, ok, err = c.Get(hash)
	require.NoError(t, err)
	require.False(t, ok)
}
