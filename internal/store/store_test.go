package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.HealthCheck())

	var tables []string
	err := s.db.Select(&tables, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'goose_%' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	require.NoError(t, err)
	require.Contains(t, tables, "downloads")
	require.Contains(t, tables, "segments")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id := did.New()
	total := int64(100)
	rec := model.PersistentRecord{
		Status: model.DownloadStatus{
			ID:    id,
			Kind:  model.KindHTTP,
			State: model.Downloading(),
			Metadata: model.DownloadMetadata{
				Name:     "ubuntu.iso",
				URL:      "https://example.com/ubuntu.iso",
				SaveDir:  "/downloads",
				Filename: "ubuntu.iso",
			},
			Progress: model.DownloadProgress{
				TotalSize:     &total,
				CompletedSize: 50,
			},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
		Segments: []model.Segment{
			{Index: 0, Start: 0, End: 49, Downloaded: 50, State: model.SegCompleted},
			{Index: 1, Start: 50, End: 99, Downloaded: 0, State: model.SegPending},
		},
	}

	require.NoError(t, s.Save(rec))

	got, err := s.Load(id)
	require.NoError(t, err)
	require.Equal(t, rec.Status.Metadata.Name, got.Status.Metadata.Name)
	require.Equal(t, model.StateDownloading, got.Status.State.Tag)
	require.Len(t, got.Segments, 2)
	require.Equal(t, model.SegCompleted, got.Segments[0].State)

	// Save again to exercise the upsert path.
	rec.Status.State = model.Completed()
	rec.Segments[1].State = model.SegCompleted
	rec.Segments[1].Downloaded = 50
	require.NoError(t, s.Save(rec))

	got, err = s.Load(id)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.Status.State.Tag)
	require.Equal(t, int64(50), got.Segments[1].Downloaded)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(did.New())
	require.Error(t, err)
	ee, ok := err.(*model.EngineError)
	require.True(t, ok)
	require.Equal(t, model.ErrNotFound, ee.Kind)
}

func TestDeleteCascadesSegments(t *testing.T) {
	s := newTestStore(t)
	id := did.New()
	rec := model.PersistentRecord{
		Status: model.DownloadStatus{
			ID:   id,
			Kind: model.KindHTTP,
			State: model.Queued(),
			Metadata: model.DownloadMetadata{Name: "f", SaveDir: "/tmp", Filename: "f"},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
		Segments: []model.Segment{{Index: 0, Start: 0, End: 9, State: model.SegPending}},
	}
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Delete(id))

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM segments WHERE download_id = ?`, id.String()))
	require.Equal(t, 0, count)

	_, err := s.Load(id)
	require.Error(t, err)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		rec := model.PersistentRecord{
			Status: model.DownloadStatus{
				ID:        did.New(),
				Kind:      model.KindHTTP,
				State:     model.Queued(),
				Metadata:  model.DownloadMetadata{Name: "f", SaveDir: "/tmp", Filename: "f"},
				CreatedAt: time.Now().UTC().Truncate(time.Second),
			},
		}
		require.NoError(t, s.Save(rec))
	}
	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestMemoryMode(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.HealthCheck())
}
