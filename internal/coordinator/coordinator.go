// Package coordinator implements the top-level download-engine FSM: a
// single entry point that admits new downloads behind a concurrency
// gate, drives each one (HTTP segmented or BitTorrent) to completion,
// persists enough state to resume after a restart, and fans out
// lifecycle events to subscribers.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/discovery"
	"github.com/cenkalti/dlrain/internal/eventbus"
	"github.com/cenkalti/dlrain/internal/httpdl"
	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/orchestrator"
	"github.com/cenkalti/dlrain/internal/piece"
	"github.com/cenkalti/dlrain/internal/resume"
	"github.com/cenkalti/dlrain/internal/store"
	"github.com/cenkalti/dlrain/internal/torrentfile"
	"github.com/cenkalti/dlrain/internal/tracker"
)

// managed is the coordinator's private view of one download, layered on
// top of the external model.DownloadStatus the rest of the engine sees.
type managed struct {
	mu     sync.Mutex
	status model.DownloadStatus

	cancel context.CancelFunc
	done   chan struct{}

	http *httpdl.Download
	orch *orchestrator.Orchestrator
}

func (m *managed) snapshot() model.DownloadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *managed) setState(s model.DownloadState) {
	m.mu.Lock()
	m.status.State = s
	m.mu.Unlock()
}

func (m *managed) setProgress(p model.DownloadProgress) {
	m.mu.Lock()
	m.status.Progress = p
	m.mu.Unlock()
}

// Coordinator is the engine's single entry point.
type Coordinator struct {
	mu     sync.Mutex
	cfg    config.Config
	store  *store.Store
	resume *resume.Cache
	bus    *eventbus.Bus
	log    logger.Logger

	httpClient *http.Client
	trackerCli *tracker.Client
	peerID     [20]byte

	downloads map[did.ID]*managed
	admission chan struct{} // buffered to cfg.MaxConcurrentDownloads

	wg sync.WaitGroup // one entry per in-flight runManaged goroutine
}

// New builds a Coordinator around an already-open store.
func New(cfg config.Config, st *store.Store, resumeCache *resume.Cache) (*Coordinator, error) {
	peerID, err := orchestrator.NewPeerID()
	if err != nil {
		return nil, model.Internal("generate peer id: %s", err)
	}
	c := &Coordinator{
		cfg:        cfg,
		store:      st,
		resume:     resumeCache,
		bus:        eventbus.New(),
		log:        logger.New("coordinator"),
		httpClient: &http.Client{Timeout: cfg.HTTP.ReadTimeout},
		trackerCli: tracker.New(&http.Client{Timeout: 30 * time.Second}),
		peerID:     peerID,
		downloads:  make(map[did.ID]*managed),
		admission:  make(chan struct{}, cfg.MaxConcurrentDownloads),
	}
	return c, nil
}

// Subscribe registers a listener for lifecycle events.
func (c *Coordinator) Subscribe() *eventbus.Subscription { return c.bus.Subscribe() }

// Unsubscribe removes a listener.
func (c *Coordinator) Unsubscribe(sub *eventbus.Subscription) { c.bus.Unsubscribe(sub) }

// GetConfig returns the coordinator's current configuration.
func (c *Coordinator) GetConfig() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the coordinator's configuration. Already-running
// downloads keep the settings they started with; only new Add* calls
// see the update. The admission gate's width is fixed when New runs, so
// a changed MaxConcurrentDownloads has no effect on it.
func (c *Coordinator) SetConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

// AddHTTP registers a new HTTP/HTTPS download and starts it once the
// concurrency gate admits it.
func (c *Coordinator) AddHTTP(ctx context.Context, rawURL string, headers []model.Header) (did.ID, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return did.ID{}, model.InvalidInput("url", "not a valid http(s) url: %q", rawURL)
	}

	cfg := c.GetConfig()
	caps, err := httpdl.RangeProbe(c.httpClient, rawURL, cfg.UserAgent, headers)
	if err != nil {
		return did.ID{}, err
	}

	filename := caps.SuggestedFilename
	if filename == "" {
		filename = "download"
	}
	destPath := filepath.Join(cfg.DownloadDir, filename)

	id := did.New()
	status := model.DownloadStatus{
		ID:   id,
		Kind: model.KindHTTP,
		State: model.Queued(),
		Metadata: model.DownloadMetadata{
			Name:      filename,
			URL:       rawURL,
			SaveDir:   cfg.DownloadDir,
			Filename:  filename,
			UserAgent: cfg.UserAgent,
			Headers:   headers,
		},
		CreatedAt: time.Now(),
	}
	if caps.ContentLength != nil {
		status.Progress.TotalSize = caps.ContentLength
	}

	m := &managed{status: status, done: make(chan struct{})}
	c.mu.Lock()
	c.downloads[id] = m
	c.mu.Unlock()
	c.publish(eventbus.Added, id, status.State, status.State)

	var totalSize int64
	if caps.ContentLength != nil {
		totalSize = *caps.ContentLength
	}

	dl := httpdl.New(httpdl.Config{
		URL:            rawURL,
		DestPath:       destPath,
		UserAgent:      cfg.UserAgent,
		Headers:        headers,
		ETag:           caps.ETag,
		TotalSize:      totalSize,
		SupportsRange:  caps.SupportsRange,
		MaxConnections: cfg.MaxConnectionsPerDownload,
		MinSegmentSize: cfg.MinSegmentSize,
		Client:         c.httpClient,
	})
	m.http = dl

	c.runManaged(ctx, id, m, eventbus.Started, func(ctx context.Context) error {
		return dl.Run(ctx, func(p model.DownloadProgress) {
			m.setProgress(p)
			c.publish(eventbus.Progress, id, model.DownloadState{}, model.DownloadState{})
			c.persist(id, m, dl.Segments(), nil)
		})
	})

	return id, nil
}

// AddTorrent registers a download from already-fetched .torrent bytes.
func (c *Coordinator) AddTorrent(ctx context.Context, raw []byte) (did.ID, error) {
	mi, err := torrentfile.ParseMetaInfo(bytes.NewReader(raw))
	if err != nil {
		return did.ID{}, err
	}
	return c.startTorrent(ctx, mi.Info, mi.Trackers(), mi.Info.Name)
}

// AddMagnet registers a download from a magnet: URI. Metadata fetch over
// the wire (ut_metadata) is out of scope here; callers supply the
// .torrent bytes via AddTorrent once discovered, which registers a
// separate download under a new ID.
func (c *Coordinator) AddMagnet(ctx context.Context, magnetURI string) (did.ID, error) {
	m, err := torrentfile.ParseMagnet(magnetURI)
	if err != nil {
		return did.ID{}, err
	}
	name := m.DisplayName
	if name == "" {
		name = fmt.Sprintf("magnet-%x", m.InfoHash[:8])
	}
	id := did.New()
	status := model.DownloadStatus{
		ID:   id,
		Kind: model.KindMagnet,
		State: model.Connecting(),
		Metadata: model.DownloadMetadata{
			Name:      name,
			MagnetURI: magnetURI,
			InfoHash:  fmt.Sprintf("%x", m.InfoHash),
			SaveDir:   c.GetConfig().DownloadDir,
		},
		CreatedAt: time.Now(),
	}
	managedDL := &managed{status: status, done: make(chan struct{})}
	c.mu.Lock()
	c.downloads[id] = managedDL
	c.mu.Unlock()
	c.publish(eventbus.Added, id, status.State, status.State)
	// Metadata exchange (BEP9) is not implemented; this download stays
	// in Connecting. A later AddTorrent call for the same torrent does
	// not update or replace it.
	return id, nil
}

func (c *Coordinator) startTorrent(ctx context.Context, info *torrentfile.Info, trackers []string, name string) (did.ID, error) {
	cfg := c.GetConfig()
	saveDir := filepath.Join(cfg.DownloadDir, sanitizeName(name))
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return did.ID{}, model.Storage(model.StorageIO, saveDir, "create dir: %s", err)
	}

	var existing *piece.Bitfield
	if c.resume != nil {
		if bf, ok, err := c.resume.Get(info.Hash()); err == nil && ok {
			existing = piece.NewBitfieldFromBytes(bf, info.NumPieces())
		}
	}

	engine, err := piece.NewEngine(info, saveDir, cfg.Torrent.AllocationMode, existing)
	if err != nil {
		return did.ID{}, err
	}

	var disc discovery.Discoverer = discovery.Disabled{}
	if cfg.EnableDHT && !info.Private {
		if d, err := discovery.NewDHT(discovery.DHTConfig{
			Port:           int(cfg.Torrent.ListenPortBegin),
			BootstrapNodes: cfg.Torrent.DHTBootstrapNodes,
		}); err == nil {
			disc = d
		} else {
			c.log.Warningf("dht unavailable: %s", err)
		}
	}

	id := did.New()
	infoHash := info.Hash()
	status := model.DownloadStatus{
		ID:   id,
		Kind: model.KindTorrent,
		State: model.Connecting(),
		Metadata: model.DownloadMetadata{
			Name:     name,
			InfoHash: fmt.Sprintf("%x", infoHash),
			SaveDir:  saveDir,
		},
		CreatedAt: time.Now(),
	}
	total := info.TotalLength()
	status.Progress.TotalSize = &total

	m := &managed{status: status, done: make(chan struct{})}
	c.mu.Lock()
	c.downloads[id] = m
	c.mu.Unlock()
	c.publish(eventbus.Added, id, status.State, status.State)

	orch := orchestrator.New(orchestrator.Config{
		InfoHash:    infoHash,
		Trackers:    trackers,
		PeerID:      c.peerID,
		ListenPort:  int(cfg.Torrent.ListenPortBegin),
		MaxPeers:    cfg.MaxPeers,
		MaxPending:  cfg.Torrent.MaxPendingRequests,
		PeerTimeout: cfg.Torrent.PeerTimeout,
		SeedRatio:   cfg.SeedRatio,
	}, info, engine, c.trackerCli, disc)
	m.orch = orch

	c.runManaged(ctx, id, m, eventbus.Started, func(ctx context.Context) error {
		go c.progressPoll(ctx, id, m, engine, total)
		err := orch.Run(ctx)
		if c.resume != nil {
			_ = c.resume.Put(infoHash, engine.Have().Bytes())
		}
		engine.Close()
		return err
	})

	return id, nil
}

func (c *Coordinator) progressPoll(ctx context.Context, id did.ID, m *managed, engine *piece.Engine, total int64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			done := int64(engine.Have().Count()) * total / int64(maxInt(engine.NumPieces(), 1))
			m.setProgress(model.DownloadProgress{TotalSize: &total, CompletedSize: done})
			c.publish(eventbus.Progress, id, model.DownloadState{}, model.DownloadState{})
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runManaged admits the download behind the concurrency gate and runs
// fn in a tracked goroutine, updating status on completion or error.
// startKind is the lifecycle event published once the download is
// admitted and begins running: eventbus.Started for a fresh Add*, or
// eventbus.ResumedEvt when called from Resume.
func (c *Coordinator) runManaged(ctx context.Context, id did.ID, m *managed, startKind eventbus.EventKind, fn func(context.Context) error) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	doneC := make(chan struct{})
	m.done = doneC
	m.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(doneC)

		select {
		case c.admission <- struct{}{}:
		case <-runCtx.Done():
			m.setState(model.Errored(model.ErrShutdown, "cancelled before start", false))
			return
		}
		defer func() { <-c.admission }()

		m.setState(model.Connecting())
		c.publish(startKind, id, model.DownloadState{}, m.snapshot().State)

		err := fn(runCtx)
		if err != nil {
			ee, _ := err.(*model.EngineError)
			retryable := ee != nil && ee.IsRetryable()
			kind := model.ErrInternal
			msg := err.Error()
			if ee != nil {
				kind = ee.Kind
			}
			m.setState(model.Errored(kind, msg, retryable))
			c.publish(eventbus.Failed, id, model.DownloadState{}, m.snapshot().State)
			return
		}

		now := time.Now()
		m.mu.Lock()
		if m.status.State.Tag == model.StatePaused {
			// fn returned because Pause stopped its workers, not because
			// the download finished; Pause already recorded the state.
			m.mu.Unlock()
			return
		}
		m.status.State = model.Completed()
		m.status.CompletedAt = &now
		m.mu.Unlock()
		c.publish(eventbus.CompletedEvt, id, model.DownloadState{}, model.Completed())
	}()
}

// Pause stops a download's workers without removing it from the engine.
func (c *Coordinator) Pause(id did.ID) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.http != nil:
		m.http.Pause()
	case m.orch != nil:
		m.orch.Stop()
	default:
		return model.InvalidState("pause", m.status.State.Tag.String())
	}
	m.status.State = model.Paused()
	c.publish(eventbus.PausedEvt, id, model.DownloadState{}, model.Paused())
	return nil
}

// Resume restarts a paused download. Not implemented for HTTP downloads
// mid-run in this engine: callers re-add a paused HTTP download with its
// persisted segment list to resume it, since Download has no in-place
// restart; torrents resume cleanly since Orchestrator.Run can be called
// again with the same engine.
func (c *Coordinator) Resume(ctx context.Context, id did.ID) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	orch := m.orch
	m.mu.Unlock()
	if orch == nil {
		return model.InvalidState("resume", "http downloads resume via Add with a persisted segment list")
	}
	c.runManaged(ctx, id, m, eventbus.ResumedEvt, func(ctx context.Context) error {
		return orch.Run(ctx)
	})
	return nil
}

// Cancel stops a download and removes it from the engine and store.
func (c *Coordinator) Cancel(id did.ID) error {
	m, err := c.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.mu.Lock()
	delete(c.downloads, id)
	c.mu.Unlock()
	if c.store != nil {
		_ = c.store.Delete(id)
	}
	c.publish(eventbus.Removed, id, model.DownloadState{}, model.DownloadState{})
	return nil
}

// Status returns a point-in-time snapshot of one managed download.
func (c *Coordinator) Status(id did.ID) (model.DownloadStatus, error) {
	m, err := c.get(id)
	if err != nil {
		return model.DownloadStatus{}, err
	}
	return m.snapshot(), nil
}

// List returns every managed download's status.
func (c *Coordinator) List() []model.DownloadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.DownloadStatus, 0, len(c.downloads))
	for _, m := range c.downloads {
		out = append(out, m.snapshot())
	}
	return out
}

// Active returns downloads currently transferring data.
func (c *Coordinator) Active() []model.DownloadStatus {
	return c.filter(func(s model.DownloadState) bool {
		return s.Tag == model.StateDownloading || s.Tag == model.StateSeeding || s.Tag == model.StateConnecting
	})
}

// Waiting returns downloads queued but not yet admitted.
func (c *Coordinator) Waiting() []model.DownloadStatus {
	return c.filter(func(s model.DownloadState) bool { return s.Tag == model.StateQueued })
}

// Stopped returns downloads that are paused, completed, or errored.
func (c *Coordinator) Stopped() []model.DownloadStatus {
	return c.filter(func(s model.DownloadState) bool {
		return s.Tag == model.StatePaused || s.Tag == model.StateCompleted || s.Tag == model.StateError
	})
}

func (c *Coordinator) filter(pred func(model.DownloadState) bool) []model.DownloadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.DownloadStatus
	for _, m := range c.downloads {
		s := m.snapshot()
		if pred(s.State) {
			out = append(out, s)
		}
	}
	return out
}

// GlobalStats aggregates counters across every managed download.
func (c *Coordinator) GlobalStats() model.GlobalStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stats model.GlobalStats
	for _, m := range c.downloads {
		s := m.snapshot()
		switch s.State.Tag {
		case model.StateDownloading, model.StateConnecting:
			stats.Active++
		case model.StateQueued:
			stats.Waiting++
		case model.StatePaused, model.StateCompleted, model.StateError:
			stats.Stopped++
		}
		stats.TotalDownloadSpeed += s.Progress.DownloadSpeed
		stats.TotalUploadSpeed += s.Progress.UploadSpeed
		stats.TotalPeers += s.Progress.Peers
		stats.TotalSeeders += s.Progress.Seeders
	}
	return stats
}

// Shutdown cancels every managed download and waits for their runManaged
// goroutines to unwind, bounded by ctx, the way the teacher's session.Stop
// waits on its torrents.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	all := make([]*managed, 0, len(c.downloads))
	for _, m := range c.downloads {
		all = append(all, m)
	}
	c.mu.Unlock()

	for _, m := range all {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		c.bus.Close()
		return nil
	case <-ctx.Done():
		c.bus.Close()
		return model.Shutdown()
	}
}

func (c *Coordinator) get(id did.ID) (*managed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.downloads[id]
	if !ok {
		return nil, model.NotFound(id.String())
	}
	return m, nil
}

// publish fans out kind plus a matching StateChanged event, so a
// subscriber can watch transitions generically without listing every
// specific kind.
func (c *Coordinator) publish(kind eventbus.EventKind, id did.ID, oldState, newState model.DownloadState) {
	c.bus.Publish(eventbus.Event{Kind: eventbus.StateChanged, ID: id, OldState: oldState, NewState: newState})
	c.bus.Publish(eventbus.Event{Kind: kind, ID: id, OldState: oldState, NewState: newState})
}

func (c *Coordinator) persist(id did.ID, m *managed, segments []model.Segment, bitfield []byte) {
	if c.store == nil {
		return
	}
	rec := model.PersistentRecord{Status: m.snapshot(), Segments: segments, Bitfield: bitfield}
	if err := c.store.Save(rec); err != nil {
		c.log.Warningf("persist %s: %s", id, err)
	}
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "torrent"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(name)
}
