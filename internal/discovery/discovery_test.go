package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledDiscovererIsInert(t *testing.T) {
	var d Disabled
	require.NoError(t, d.Announce([20]byte{1}))
	require.Nil(t, d.Peers())
	require.NoError(t, d.Close())
}

func TestJoinHosts(t *testing.T) {
	require.Equal(t, "a", joinHosts([]string{"a"}))
	require.Equal(t, "a,b,c", joinHosts([]string{"a", "b", "c"}))
}
