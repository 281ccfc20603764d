// Package journal keeps a local, append-only record of every archive this
// worker has uploaded. The sync record remains the source of truth for the
// high-water mark; the journal exists for operators chasing a specific
// archive and for verifying replay idempotence.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m-lab/scraper/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
    name        TEXT PRIMARY KEY,
    object_key  TEXT NOT NULL,
    min_mtime   INTEGER NOT NULL,
    max_mtime   INTEGER NOT NULL,
    file_count  INTEGER NOT NULL,
    size_bytes  INTEGER NOT NULL,
    uploaded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_max_mtime ON uploads(max_mtime);
`

// Entry is one uploaded archive.
type Entry struct {
	Name       string `db:"name"`
	ObjectKey  string `db:"object_key"`
	MinMtime   int64  `db:"min_mtime"`
	MaxMtime   int64  `db:"max_mtime"`
	FileCount  int    `db:"file_count"`
	SizeBytes  int64  `db:"size_bytes"`
	UploadedAt string `db:"uploaded_at"`
}

// Journal is a SQLite-backed upload log.
type Journal struct {
	db *sqlx.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	database, err := db.OpenSqlite(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, err
	}
	return &Journal{db: database}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record upserts one uploaded archive. Replays of the same archive overwrite
// the same row, mirroring the overwrite semantics of the object store.
func (j *Journal) Record(ctx context.Context, e *Entry) error {
	if e.UploadedAt == "" {
		e.UploadedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO uploads (name, object_key, min_mtime, max_mtime, file_count, size_bytes, uploaded_at)
		VALUES (:name, :object_key, :min_mtime, :max_mtime, :file_count, :size_bytes, :uploaded_at)
		ON CONFLICT(name) DO UPDATE SET
			object_key = excluded.object_key,
			min_mtime = excluded.min_mtime,
			max_mtime = excluded.max_mtime,
			file_count = excluded.file_count,
			size_bytes = excluded.size_bytes,
			uploaded_at = excluded.uploaded_at
	`, e)
	return err
}

// Latest returns the most recently archived entry by max mtime, or nil when
// the journal is empty.
func (j *Journal) Latest(ctx context.Context) (*Entry, error) {
	var e Entry
	err := j.db.GetContext(ctx, &e, `SELECT * FROM uploads ORDER BY max_mtime DESC, name DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Count returns the number of journaled uploads.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM uploads`)
	return n, err
}
