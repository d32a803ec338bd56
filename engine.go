// Package dlrain is a multi-protocol download engine: HTTP segmented
// downloads and BitTorrent transfers behind one Engine, with enough
// persisted state to resume either kind of download after a restart.
// The RPC transport, presentation database, tray UI, and CLI layers
// that would normally sit in front of this package are not part of it;
// Engine only defines the interface boundary they consume.
package dlrain

import (
	"context"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/coordinator"
	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/eventbus"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/resume"
	"github.com/cenkalti/dlrain/internal/store"
)

// Re-exported so callers never need to import internal/model directly.
type (
	DownloadID       = did.ID
	DownloadStatus   = model.DownloadStatus
	DownloadProgress = model.DownloadProgress
	DownloadState    = model.DownloadState
	Header           = model.Header
	GlobalStats      = model.GlobalStats
	Config           = config.Config
)

// Event and Subscription mirror the coordinator's event bus so callers
// never need to import internal/eventbus either.
type Event = eventbus.Event
type Subscription = eventbus.Subscription

// DefaultConfig returns the engine's built-in configuration defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML config file, falling back to DefaultConfig
// when the file does not exist.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Engine is the embeddable entry point: open a store, open a resume
// cache, and construct one Engine per process.
type Engine struct {
	co *coordinator.Coordinator
	st *store.Store
	rc *resume.Cache
}

// Open builds an Engine backed by a SQLite PersistentStore at
// cfg.DatabasePath and a boltdb resume cache at resumeDBPath.
func Open(cfg Config, resumeDBPath string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	rc, err := resume.Open(resumeDBPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	co, err := coordinator.New(cfg, st, rc)
	if err != nil {
		st.Close()
		rc.Close()
		return nil, err
	}
	return &Engine{co: co, st: st, rc: rc}, nil
}

// AddHTTP registers a new HTTP/HTTPS download.
func (e *Engine) AddHTTP(ctx context.Context, url string, headers []Header) (DownloadID, error) {
	return e.co.AddHTTP(ctx, url, headers)
}

// AddTorrent registers a download from already-fetched .torrent bytes.
func (e *Engine) AddTorrent(ctx context.Context, raw []byte) (DownloadID, error) {
	return e.co.AddTorrent(ctx, raw)
}

// AddMagnet registers a download from a magnet: URI.
func (e *Engine) AddMagnet(ctx context.Context, magnetURI string) (DownloadID, error) {
	return e.co.AddMagnet(ctx, magnetURI)
}

// Pause stops a download's workers without removing it from the engine.
func (e *Engine) Pause(id DownloadID) error { return e.co.Pause(id) }

// Resume restarts a paused torrent download.
func (e *Engine) Resume(ctx context.Context, id DownloadID) error { return e.co.Resume(ctx, id) }

// Cancel stops a download and removes it from the engine and store.
func (e *Engine) Cancel(id DownloadID) error { return e.co.Cancel(id) }

// Status returns a point-in-time snapshot of one managed download.
func (e *Engine) Status(id DownloadID) (DownloadStatus, error) { return e.co.Status(id) }

// List returns every managed download's status.
func (e *Engine) List() []DownloadStatus { return e.co.List() }

// Active returns downloads currently transferring data.
func (e *Engine) Active() []DownloadStatus { return e.co.Active() }

// Waiting returns downloads queued but not yet admitted.
func (e *Engine) Waiting() []DownloadStatus { return e.co.Waiting() }

// Stopped returns downloads that are paused, completed, or errored.
func (e *Engine) Stopped() []DownloadStatus { return e.co.Stopped() }

// GlobalStats aggregates counters across every managed download.
func (e *Engine) GlobalStats() GlobalStats { return e.co.GlobalStats() }

// Subscribe registers a listener for lifecycle events.
func (e *Engine) Subscribe() *Subscription { return e.co.Subscribe() }

// Unsubscribe removes a listener.
func (e *Engine) Unsubscribe(sub *Subscription) { e.co.Unsubscribe(sub) }

// GetConfig returns the engine's current configuration.
func (e *Engine) GetConfig() Config { return e.co.GetConfig() }

// SetConfig replaces the engine's configuration for new downloads.
func (e *Engine) SetConfig(cfg Config) error { return e.co.SetConfig(cfg) }

// Close shuts down every managed download, bounded by ctx, then closes
// the underlying store and resume cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.co.Shutdown(ctx)
	e.rc.Close()
	e.st.Close()
	return err
}
