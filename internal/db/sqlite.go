package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/video-stream/captioner/internal/db/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Database struct {
	db *sql.DB
}

func NewSQLite(path string) (*Database, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	d := &Database{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// DB exposes the connection pool for components that keep their own tables.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media (
		id TEXT PRIMARY KEY,
		path TEXT UNIQUE NOT NULL,
		original_name TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		duration REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_media_created_at ON media(created_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		file_path TEXT NOT NULL,
		params TEXT NOT NULL,
		progress REAL DEFAULT 0,
		result TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

func (d *Database) InsertMedia(m *models.Media) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	_, err := d.db.Exec(
		"INSERT INTO media (id, path, original_name, size, duration, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.Path, m.OriginalName, m.Size, m.Duration, m.CreatedAt,
	)
	return err
}

func (d *Database) GetMediaByPath(path string) (*models.Media, error) {
	m := &models.Media{}
	err := d.db.QueryRow(
		"SELECT id, path, original_name, size, duration, created_at FROM media WHERE path = ?",
		path,
	).Scan(&m.ID, &m.Path, &m.OriginalName, &m.Size, &m.Duration, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Database) DeleteMediaByPath(path string) error {
	_, err := d.db.Exec("DELETE FROM media WHERE path = ?", path)
	return err
}

// MediaCreatedBefore lists uploads older than cutoff, oldest first.
func (d *Database) MediaCreatedBefore(cutoff time.Time) ([]*models.Media, error) {
	rows, err := d.db.Query(
		"SELECT id, path, original_name, size, duration, created_at FROM media WHERE created_at < ? ORDER BY created_at ASC",
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Media
	for rows.Next() {
		m := &models.Media{}
		if err := rows.Scan(&m.ID, &m.Path, &m.OriginalName, &m.Size, &m.Duration, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteFinishedJobsBefore removes completed, failed and cancelled jobs that
// finished before cutoff.
func (d *Database) DeleteFinishedJobsBefore(cutoff time.Time) (int, error) {
	res, err := d.db.Exec(
		"DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
