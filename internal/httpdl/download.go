package httpdl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"

	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
)

// progressInterval matches gosh-dl's http/segment.rs PROGRESS_INTERVAL.
const progressInterval = 250 * time.Millisecond

// ProgressFunc receives throttled progress updates during a download.
type ProgressFunc func(model.DownloadProgress)

// Download drives a single HTTP/HTTPS download to completion, fetching
// its segments concurrently and resuming any that are already partially
// filled in.
type Download struct {
	client    *http.Client
	url       string
	destPath  string
	userAgent string
	headers   []model.Header
	etag      string

	totalSize     int64
	supportsRange bool
	segments      []model.Segment
	segmentsMu    sync.Mutex

	downloaded  atomic.Int64
	activeConns atomic.Int32
	speed       metrics.EWMA
	paused      atomic.Bool

	log logger.Logger
}

// Config bundles the parameters a Download needs to start.
type Config struct {
	URL            string
	DestPath       string
	UserAgent      string
	Headers        []model.Header
	ETag           string
	TotalSize      int64
	SupportsRange  bool // from Capabilities.SupportsRange; false forces a single, Range-less segment
	MaxConnections int
	MinSegmentSize int64
	Client         *http.Client
	Resume         []model.Segment // nil for a fresh download
}

// New builds a Download, partitioning segments unless Resume was given.
// A server that doesn't support range requests gets exactly one segment
// fetched with a plain GET.
func New(cfg Config) *Download {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	segs := cfg.Resume
	if segs == nil {
		if cfg.SupportsRange {
			segs = PartitionSegments(cfg.TotalSize, cfg.MaxConnections, cfg.MinSegmentSize)
		} else {
			segs = []model.Segment{{Index: 0, Start: 0, End: cfg.TotalSize - 1, State: model.SegPending}}
		}
	}
	var downloaded int64
	for _, s := range segs {
		downloaded += s.Downloaded
	}
	d := &Download{
		client:        client,
		url:           cfg.URL,
		destPath:      cfg.DestPath,
		userAgent:     cfg.UserAgent,
		headers:       cfg.Headers,
		etag:          cfg.ETag,
		totalSize:     cfg.TotalSize,
		supportsRange: cfg.SupportsRange,
		segments:      segs,
		speed:         metrics.NewEWMA1(),
		log:           logger.New("httpdl"),
	}
	d.downloaded.Store(downloaded)
	return d
}

func (d *Download) partPath() string { return d.destPath + ".part" }

// Run fetches every pending segment concurrently and renames the .part
// file to its final name on completion. It returns when the context is
// canceled, the download pauses, or every segment completes.
func (d *Download) Run(ctx context.Context, onProgress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(d.destPath), 0755); err != nil {
		return model.Storage(model.StorageIO, filepath.Dir(d.destPath), "create dir: %s", err)
	}

	file, err := os.OpenFile(d.partPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return model.Storage(model.StorageIO, d.partPath(), "open: %s", err)
	}
	defer file.Close()
	if err := file.Truncate(d.totalSize); err != nil {
		return model.Storage(model.StorageAllocFailed, d.partPath(), "preallocate: %s", err)
	}

	speedTicker := time.NewTicker(time.Second)
	defer speedTicker.Stop()
	speedDone := make(chan struct{})
	go func() {
		defer close(speedDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-speedDone:
				return
			case <-speedTicker.C:
				d.speed.Tick()
			}
		}
	}()

	progressDone := make(chan struct{})
	go d.progressLoop(ctx, onProgress, progressDone)

	var wg sync.WaitGroup
	errCh := make(chan error, len(d.segments))

	for i := range d.segments {
		seg := d.segments[i]
		if seg.IsComplete() {
			continue
		}
		wg.Add(1)
		go func(seg model.Segment) {
			defer wg.Done()
			if err := d.runSegment(ctx, file, seg); err != nil && err != context.Canceled {
				errCh <- err
			}
		}(seg)
	}

	wg.Wait()
	close(errCh)
	close(progressDone)
	<-speedDone

	for err := range errCh {
		if err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := file.Sync(); err != nil {
		return model.Storage(model.StorageIO, d.partPath(), "sync: %s", err)
	}
	file.Close()

	if d.downloaded.Load() >= d.totalSize {
		if err := os.Rename(d.partPath(), d.destPath); err != nil {
			return model.Storage(model.StorageIO, d.destPath, "finalize: %s", err)
		}
	}
	return nil
}

func (d *Download) runSegment(ctx context.Context, file *os.File, seg model.Segment) error {
	d.activeConns.Add(1)
	defer d.activeConns.Add(-1)

	start := seg.Start + seg.Downloaded
	if start > seg.End {
		return nil
	}

	op := func() error {
		return d.fetchRange(ctx, file, seg.Index, start, seg.End)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ee, ok := err.(*model.EngineError); ok && !ee.IsRetryable() {
			return backoff.Permanent(err)
		}
		d.log.Warningf("segment %d retrying: %s", seg.Index, err)
		return err
	}, backoff.WithContext(b, ctx))
}

func (d *Download) fetchRange(ctx context.Context, file *os.File, index int, start, end int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return model.InvalidInput("url", "%s", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if d.supportsRange {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		if d.etag != "" {
			req.Header.Set("If-Range", d.etag)
		}
	}
	for _, h := range d.headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return model.Network(model.NetOther, 0, "segment %d: %s", index, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && start == 0:
	case resp.StatusCode == http.StatusOK:
		// Server ignored our Range header and sent the whole body back
		// instead of the requested offset: treat it the same as any
		// other bad response rather than writing it at the wrong offset.
		return model.Network(model.NetHTTPStatus, resp.StatusCode, "segment %d: server ignored Range, got 200 at offset %d", index, start)
	default:
		return model.Network(model.NetHTTPStatus, resp.StatusCode, "segment %d: %s", index, resp.Status)
	}

	offset := start
	buf := make([]byte, 32*1024)
	for {
		if d.paused.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return model.Storage(model.StorageIO, d.partPath(), "write: %s", werr)
			}
			offset += int64(n)
			d.downloaded.Add(int64(n))
			d.speed.Update(int64(n))
			d.updateSegmentProgress(index, offset-start)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return model.Network(model.NetOther, 0, "segment %d read: %s", index, rerr)
		}
	}
}

func (d *Download) updateSegmentProgress(index int, downloaded int64) {
	d.segmentsMu.Lock()
	defer d.segmentsMu.Unlock()
	seg := &d.segments[index]
	seg.Downloaded = downloaded
	if seg.IsComplete() {
		seg.State = model.SegCompleted
	} else {
		seg.State = model.SegDownloading
	}
}

func (d *Download) progressLoop(ctx context.Context, onProgress ProgressFunc, done <-chan struct{}) {
	if onProgress == nil {
		return
	}
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			onProgress(d.snapshot())
			return
		case <-ticker.C:
			onProgress(d.snapshot())
		}
	}
}

func (d *Download) snapshot() model.DownloadProgress {
	completed := d.downloaded.Load()
	speed := int64(d.speed.Rate())
	p := model.DownloadProgress{
		TotalSize:     &d.totalSize,
		CompletedSize: completed,
		DownloadSpeed: speed,
		ActiveConns:   int(d.activeConns.Load()),
	}
	if speed > 0 {
		remaining := d.totalSize - completed
		if remaining < 0 {
			remaining = 0
		}
		eta := remaining / speed
		p.ETASeconds = &eta
	}
	return p
}

// Segments returns a snapshot of segment state, for persistence.
func (d *Download) Segments() []model.Segment {
	d.segmentsMu.Lock()
	defer d.segmentsMu.Unlock()
	out := make([]model.Segment, len(d.segments))
	copy(out, d.segments)
	return out
}

// Pause stops all segment workers as soon as they next check in.
func (d *Download) Pause() { d.paused.Store(true) }
