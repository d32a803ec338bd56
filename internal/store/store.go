// Package store holds enough of each download's state in a SQLite
// database to resume it across restarts, built the way uber-kraken's
// localdb package builds its own embedded SQLite database.
package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	_ "github.com/cenkalti/dlrain/internal/store/migrations"

	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
)

var log = logger.New("store")

// Store is the persistent record of every managed download.
type Store struct {
	db *sqlx.DB
}

// Open creates or migrates the SQLite database at path. Passing ":memory:"
// gives an in-memory store, used by tests and by ephemeral sessions that
// don't need a database file on disk.
func Open(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_synchronous=NORMAL"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, model.Storage(model.StorageIO, path, "open sqlite3: %s", err)
	}
	// SQLite serializes writers regardless; one connection avoids
	// "database is locked" errors under WAL with concurrent goroutines.
	db.SetMaxOpenConns(1)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, model.Internal("set goose dialect: %s", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, model.Storage(model.StorageIO, path, "migrate: %s", err)
	}
	log.Infof("opened store at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck verifies the database connection is alive.
func (s *Store) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return model.Storage(model.StorageIO, "", "health check: %s", err)
	}
	return nil
}

type downloadRow struct {
	ID              string         `db:"id"`
	Kind            string         `db:"kind"`
	Name            string         `db:"name"`
	URL             sql.NullString `db:"url"`
	MagnetURI       sql.NullString `db:"magnet_uri"`
	InfoHash        sql.NullString `db:"info_hash"`
	SaveDir         string         `db:"save_dir"`
	Filename        string         `db:"filename"`
	StateTag        string         `db:"state_tag"`
	ErrorKind       sql.NullString `db:"error_kind"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorRetryable  bool           `db:"error_retryable"`
	TotalSize       sql.NullInt64  `db:"total_size"`
	CompletedSize   int64          `db:"completed_size"`
	CreatedAt       time.Time      `db:"created_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	Bitfield        []byte         `db:"bitfield"`
}

type segmentRow struct {
	DownloadID  string `db:"download_id"`
	Index       int    `db:"idx"`
	Start       int64  `db:"start"`
	End         int64  `db:"end_off"`
	Downloaded  int64  `db:"downloaded"`
	State       string `db:"state"`
	FailError   sql.NullString `db:"fail_error"`
	FailRetries int    `db:"fail_retries"`
}

func kindString(k model.DownloadKind) string { return k.String() }

func kindFromString(s string) model.DownloadKind {
	switch s {
	case "http":
		return model.KindHTTP
	case "magnet":
		return model.KindMagnet
	default:
		return model.KindTorrent
	}
}

func stateTagString(t model.StateTag) string { return t.String() }

func stateTagFromString(s string) model.StateTag {
	switch s {
	case "queued":
		return model.StateQueued
	case "connecting":
		return model.StateConnecting
	case "downloading":
		return model.StateDownloading
	case "seeding":
		return model.StateSeeding
	case "paused":
		return model.StatePaused
	case "completed":
		return model.StateCompleted
	default:
		return model.StateError
	}
}

func segStateString(s model.SegmentState) string {
	switch s {
	case model.SegDownloading:
		return "downloading"
	case model.SegCompleted:
		return "completed"
	case model.SegFailed:
		return "failed"
	default:
		return "pending"
	}
}

func segStateFromString(s string) model.SegmentState {
	switch s {
	case "downloading":
		return model.SegDownloading
	case "completed":
		return model.SegCompleted
	case "failed":
		return model.SegFailed
	default:
		return model.SegPending
	}
}

// Save upserts a download's status, segments, and optional torrent
// bitfield inside a single transaction.
func (s *Store) Save(rec model.PersistentRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return model.Storage(model.StorageIO, "", "begin tx: %s", err)
	}
	defer tx.Rollback()

	st := rec.Status
	row := downloadRow{
		ID:             st.ID.String(),
		Kind:           kindString(st.Kind),
		Name:           st.Metadata.Name,
		URL:            nullString(st.Metadata.URL),
		MagnetURI:      nullString(st.Metadata.MagnetURI),
		InfoHash:       nullString(st.Metadata.InfoHash),
		SaveDir:        st.Metadata.SaveDir,
		Filename:       st.Metadata.Filename,
		StateTag:       stateTagString(st.State.Tag),
		ErrorKind:      nullErrorKind(st.State),
		ErrorMessage:   nullString(st.State.ErrorMessage),
		ErrorRetryable: st.State.ErrorRetryable,
		CompletedSize:  st.Progress.CompletedSize,
		CreatedAt:      st.CreatedAt,
		Bitfield:       rec.Bitfield,
	}
	if st.Progress.TotalSize != nil {
		row.TotalSize = sql.NullInt64{Int64: *st.Progress.TotalSize, Valid: true}
	}
	if st.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *st.CompletedAt, Valid: true}
	}

	_, err = tx.NamedExec(`
		INSERT INTO downloads (id, kind, name, url, magnet_uri, info_hash, save_dir, filename,
			state_tag, error_kind, error_message, error_retryable, total_size, completed_size,
			created_at, completed_at, bitfield)
		VALUES (:id, :kind, :name, :url, :magnet_uri, :info_hash, :save_dir, :filename,
			:state_tag, :error_kind, :error_message, :error_retryable, :total_size, :completed_size,
			:created_at, :completed_at, :bitfield)
		ON CONFLICT(id) DO UPDATE SET
			state_tag=excluded.state_tag, error_kind=excluded.error_kind,
			error_message=excluded.error_message, error_retryable=excluded.error_retryable,
			total_size=excluded.total_size, completed_size=excluded.completed_size,
			filename=excluded.filename, completed_at=excluded.completed_at,
			bitfield=excluded.bitfield`, row)
	if err != nil {
		return model.Storage(model.StorageIO, "", "upsert download: %s", err)
	}

	for _, seg := range rec.Segments {
		sr := segmentRow{
			DownloadID:  row.ID,
			Index:       seg.Index,
			Start:       seg.Start,
			End:         seg.End,
			Downloaded:  seg.Downloaded,
			State:       segStateString(seg.State),
			FailError:   nullString(seg.FailError),
			FailRetries: seg.FailRetries,
		}
		_, err = tx.NamedExec(`
			INSERT INTO segments (download_id, idx, start, end_off, downloaded, state, fail_error, fail_retries)
			VALUES (:download_id, :idx, :start, :end_off, :downloaded, :state, :fail_error, :fail_retries)
			ON CONFLICT(download_id, idx) DO UPDATE SET
				downloaded=excluded.downloaded, state=excluded.state,
				fail_error=excluded.fail_error, fail_retries=excluded.fail_retries`,
			struct {
				DownloadID  string `db:"download_id"`
				Index       int    `db:"idx"`
				Start       int64  `db:"start"`
				End         int64  `db:"end_off"`
				Downloaded  int64  `db:"downloaded"`
				State       string `db:"state"`
				FailError   sql.NullString `db:"fail_error"`
				FailRetries int    `db:"fail_retries"`
			}{sr.DownloadID, sr.Index, sr.Start, sr.End, sr.Downloaded, sr.State, sr.FailError, sr.FailRetries})
		if err != nil {
			return model.Storage(model.StorageIO, "", "upsert segment %d: %s", seg.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Storage(model.StorageIO, "", "commit: %s", err)
	}
	return nil
}

// Load reconstructs a PersistentRecord by id.
func (s *Store) Load(id did.ID) (model.PersistentRecord, error) {
	var row downloadRow
	err := s.db.Get(&row, `SELECT * FROM downloads WHERE id = ?`, id.String())
	if err == sql.ErrNoRows {
		return model.PersistentRecord{}, model.NotFound(id.String())
	}
	if err != nil {
		return model.PersistentRecord{}, model.Storage(model.StorageIO, "", "load download: %s", err)
	}

	var segRows []segmentRow
	if err := s.db.Select(&segRows, `SELECT * FROM segments WHERE download_id = ? ORDER BY idx`, id.String()); err != nil {
		return model.PersistentRecord{}, model.Storage(model.StorageIO, "", "load segments: %s", err)
	}

	return rowToRecord(row, segRows), nil
}

// List returns every persisted download's record.
func (s *Store) List() ([]model.PersistentRecord, error) {
	var rows []downloadRow
	if err := s.db.Select(&rows, `SELECT * FROM downloads ORDER BY created_at`); err != nil {
		return nil, model.Storage(model.StorageIO, "", "list downloads: %s", err)
	}
	out := make([]model.PersistentRecord, 0, len(rows))
	for _, row := range rows {
		var segRows []segmentRow
		if err := s.db.Select(&segRows, `SELECT * FROM segments WHERE download_id = ? ORDER BY idx`, row.ID); err != nil {
			return nil, model.Storage(model.StorageIO, "", "list segments: %s", err)
		}
		out = append(out, rowToRecord(row, segRows))
	}
	return out, nil
}

// Delete removes a download and its segments (cascading FK).
func (s *Store) Delete(id did.ID) error {
	res, err := s.db.Exec(`DELETE FROM downloads WHERE id = ?`, id.String())
	if err != nil {
		return model.Storage(model.StorageIO, "", "delete download: %s", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NotFound(id.String())
	}
	log.Debugf("deleted download %s", id)
	return nil
}

// Compact runs SQLite's VACUUM to reclaim space after bulk deletes.
func (s *Store) Compact() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return model.Storage(model.StorageIO, "", "vacuum: %s", err)
	}
	return nil
}

func rowToRecord(row downloadRow, segRows []segmentRow) model.PersistentRecord {
	id, _ := did.Parse(row.ID)
	st := model.DownloadStatus{
		ID:   id,
		Kind: kindFromString(row.Kind),
		State: model.DownloadState{
			Tag:            stateTagFromString(row.StateTag),
			ErrorKind:      errorKindFromString(row.ErrorKind.String),
			ErrorMessage:   row.ErrorMessage.String,
			ErrorRetryable: row.ErrorRetryable,
		},
		Metadata: model.DownloadMetadata{
			Name:      row.Name,
			URL:       row.URL.String,
			MagnetURI: row.MagnetURI.String,
			InfoHash:  row.InfoHash.String,
			SaveDir:   row.SaveDir,
			Filename:  row.Filename,
		},
		Progress: model.DownloadProgress{
			CompletedSize: row.CompletedSize,
		},
		CreatedAt: row.CreatedAt,
	}
	if row.TotalSize.Valid {
		st.Progress.TotalSize = &row.TotalSize.Int64
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		st.CompletedAt = &t
	}

	segs := make([]model.Segment, 0, len(segRows))
	for _, sr := range segRows {
		segs = append(segs, model.Segment{
			Index:       sr.Index,
			Start:       sr.Start,
			End:         sr.End,
			Downloaded:  sr.Downloaded,
			State:       segStateFromString(sr.State),
			FailError:   sr.FailError.String,
			FailRetries: sr.FailRetries,
		})
	}

	return model.PersistentRecord{Status: st, Segments: segs, Bitfield: row.Bitfield}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullErrorKind(state model.DownloadState) sql.NullString {
	if state.Tag != model.StateError {
		return sql.NullString{}
	}
	return sql.NullString{String: state.ErrorKind.String(), Valid: true}
}

func errorKindFromString(s string) model.ErrorKind {
	switch s {
	case "InvalidInput":
		return model.ErrInvalidInput
	case "NotFound":
		return model.ErrNotFound
	case "InvalidState":
		return model.ErrInvalidState
	case "Network":
		return model.ErrNetwork
	case "Storage":
		return model.ErrStorage
	case "Protocol":
		return model.ErrProtocol
	case "Shutdown":
		return model.ErrShutdown
	default:
		return model.ErrInternal
	}
}
