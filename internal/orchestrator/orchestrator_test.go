package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cenkalti/dlrain/internal/model"
)

func TestStateToStateTag(t *testing.T) {
	cases := map[State]model.StateTag{
		StateChecking:         model.StateConnecting,
		StateFetchingMetadata: model.StateConnecting,
		StateDownloading:      model.StateDownloading,
		StateSeeding:          model.StateSeeding,
		StatePaused:           model.StatePaused,
		StateStopped:          model.StateCompleted,
		StateError:            model.StateError,
	}
	for state, want := range cases {
		require.Equal(t, want, state.ToStateTag(), "state %s", state)
	}
}

func TestNewPeerIDHasClientPrefix(t *testing.T) {
	id, err := NewPeerID()
	require.NoError(t, err)
	require.Equal(t, "-DL0100-", string(id[:8]))
}

func TestTrackerRequestCarriesInfoHashAndPort(t *testing.T) {
	cfg := Config{
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{4, 5, 6},
		ListenPort: 6881,
	}
	req := trackerRequest(cfg, 1024)
	require.Equal(t, cfg.InfoHash, req.InfoHash)
	require.Equal(t, cfg.PeerID, req.PeerID)
	require.Equal(t, 6881, req.Port)
	require.Equal(t, int64(1024), req.Left)
}
