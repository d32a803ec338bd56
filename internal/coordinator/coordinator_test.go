package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.MaxConcurrentDownloads = 2

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c, err := New(cfg, st, nil)
	require.NoError(t, err)
	return c
}

func TestAddHTTPDownloadsToCompletion(t *testing.T) {
	body := []byte("hello world, this is test content for a segmented download")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(body)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.AddHTTP(ctx, srv.URL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Status(id)
		require.NoError(t, err)
		return st.State.Tag == model.StateCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStatusUnknownIDReturnsNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Status(did.New())
	require.Error(t, err)
	ee, ok := err.(*model.EngineError)
	require.True(t, ok)
	require.Equal(t, model.ErrNotFound, ee.Kind)
}

func TestCancelRemovesDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		if r.Method == http.MethodGet {
			time.Sleep(2 * time.Second)
		}
	}))
	defer srv.Close()

	c := newTestCoordinator(t)
	id, err := c.AddHTTP(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(id))
	_, err = c.Status(id)
	require.Error(t, err)
}

func TestGlobalStatsEmptyCoordinator(t *testing.T) {
	c := newTestCoordinator(t)
	require.Equal(t, 0, c.GlobalStats().Active)
	require.Empty(t, c.List())
}

func TestSetConfigValidates(t *testing.T) {
	c := newTestCoordinator(t)
	bad := c.GetConfig()
	bad.MaxConcurrentDownloads = 0
	require.Error(t, c.SetConfig(bad))
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "a_b", sanitizeName("a/b"))
	require.Equal(t, "torrent", sanitizeName(""))
}

