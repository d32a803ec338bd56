// Package migrations registers the schema history for the persistent
// store, in the teacher's style of one goose.AddMigration per file.
package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(up00001, down00001)
}

func up00001(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS downloads (
			id             text PRIMARY KEY,
			kind           text      NOT NULL,
			name           text      NOT NULL,
			url            text,
			magnet_uri     text,
			info_hash      text,
			save_dir       text      NOT NULL,
			filename       text      NOT NULL,
			state_tag      text      NOT NULL,
			error_kind     text,
			error_message  text,
			error_retryable integer  NOT NULL DEFAULT 0,
			total_size     integer,
			completed_size integer   NOT NULL DEFAULT 0,
			created_at     timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at   timestamp,
			bitfield       blob
		);`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state_tag);`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_downloads_kind ON downloads(kind);`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			download_id text    NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
			idx         integer NOT NULL,
			start       integer NOT NULL,
			end_off     integer NOT NULL,
			downloaded  integer NOT NULL DEFAULT 0,
			state       text    NOT NULL,
			fail_error  text,
			fail_retries integer NOT NULL DEFAULT 0,
			PRIMARY KEY(download_id, idx)
		);`)
	return err
}

func down00001(tx *sql.Tx) error {
	if _, err := tx.Exec(`DROP TABLE segments;`); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP TABLE downloads;`)
	return err
}
