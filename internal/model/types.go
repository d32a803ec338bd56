package model

import (
	"time"

	"github.com/cenkalti/dlrain/internal/did"
)

// DownloadKind classifies how a download is fetched.
type DownloadKind int

const (
	KindHTTP DownloadKind = iota
	KindTorrent
	KindMagnet
)

func (k DownloadKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindTorrent:
		return "torrent"
	case KindMagnet:
		return "magnet"
	default:
		return "unknown"
	}
}

// StateTag is the discriminant of DownloadState's tagged variant.
type StateTag int

const (
	StateQueued StateTag = iota
	StateConnecting
	StateDownloading
	StateSeeding
	StatePaused
	StateCompleted
	StateError
)

func (s StateTag) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateConnecting:
		return "connecting"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DownloadState is the tagged-variant lifecycle state of a download.
// Completed is terminal except for torrents which may enter Seeding;
// Seeding ends in Completed when the ratio is reached or seeding is
// stopped; Error.Retryable drives resume eligibility.
type DownloadState struct {
	Tag             StateTag
	ErrorKind       ErrorKind
	ErrorMessage    string
	ErrorRetryable  bool
}

func Queued() DownloadState      { return DownloadState{Tag: StateQueued} }
func Connecting() DownloadState  { return DownloadState{Tag: StateConnecting} }
func Downloading() DownloadState { return DownloadState{Tag: StateDownloading} }
func Seeding() DownloadState     { return DownloadState{Tag: StateSeeding} }
func Paused() DownloadState      { return DownloadState{Tag: StatePaused} }
func Completed() DownloadState   { return DownloadState{Tag: StateCompleted} }

func Errored(kind ErrorKind, message string, retryable bool) DownloadState {
	return DownloadState{Tag: StateError, ErrorKind: kind, ErrorMessage: message, ErrorRetryable: retryable}
}

// Header is a single (name, value) HTTP header pair.
type Header struct {
	Name  string
	Value string
}

// DownloadMetadata is immutable after creation except Filename, which is
// fixed once finalization determines the actual on-disk name.
type DownloadMetadata struct {
	Name       string
	URL        string
	MagnetURI  string
	InfoHash   string
	SaveDir    string
	Filename   string
	UserAgent  string
	Referer    string
	Headers    []Header
}

// DownloadProgress is the point-in-time progress snapshot of a download.
type DownloadProgress struct {
	TotalSize        *int64
	CompletedSize    int64
	DownloadSpeed    int64
	UploadSpeed      int64
	ActiveConns      int
	Seeders          int
	Peers            int
	ETASeconds       *int64
}

// SegmentState is the per-segment lifecycle of an HTTP download.
type SegmentState int

const (
	SegPending SegmentState = iota
	SegDownloading
	SegCompleted
	SegFailed
)

// Segment is one contiguous byte range of an HTTP download, fetched by a
// single connection. Invariants: Start <= End; Downloaded <=
// End-Start+1; segments for one download partition [0, total) contiguously
// without overlap; Completed implies Downloaded == End-Start+1.
type Segment struct {
	Index         int
	Start         int64
	End           int64
	Downloaded    int64
	State         SegmentState
	FailError     string
	FailRetries   int
}

// Length returns the segment's byte span.
func (s Segment) Length() int64 { return s.End - s.Start + 1 }

// Remaining returns the bytes left to fetch in this segment.
func (s Segment) Remaining() int64 { return s.Length() - s.Downloaded }

// IsComplete reports whether the segment has received its whole span.
func (s Segment) IsComplete() bool { return s.Downloaded >= s.Length() }

// DownloadStatus is the full external projection of one managed download.
type DownloadStatus struct {
	ID          did.ID
	Kind        DownloadKind
	State       DownloadState
	Progress    DownloadProgress
	Metadata    DownloadMetadata
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// PersistentRecord is the projection of a DownloadStatus plus its HTTP
// segment list or torrent bitfield, sufficient to reconstruct in-flight
// state on restart.
type PersistentRecord struct {
	Status   DownloadStatus
	Segments []Segment
	Bitfield []byte
}

// GlobalStats aggregates counters across every managed download.
type GlobalStats struct {
	Active            int
	Waiting           int
	Stopped           int
	TotalDownloadSpeed int64
	TotalUploadSpeed   int64
	TotalPeers         int
	TotalSeeders       int
}
