// Package archive keeps a SQLite audit trail of terminal jobs for operators.
// It is write-only from the service's point of view: nothing is ever read
// back into the live registry, so a restart still starts from a clean slate.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mediascrub/mediascrub/internal/job"
)

type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at dbPath and runs migrations.
func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	a := &Archive{db: db}
	if err = a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id            TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			download_url  TEXT NOT NULL DEFAULT '',
			video_noise   INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME NOT NULL,
			completed_at  DATETIME,
			expires_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
	`)
	return err
}

// Record stores the terminal snapshot of a job. Re-recording the same id
// overwrites the previous row.
func (a *Archive) Record(ctx context.Context, j *job.Job) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO history
			(id, original_name, status, error, download_url, video_noise, created_at, completed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.OriginalName,
		string(j.Status),
		j.Error,
		j.DownloadURL,
		j.VideoNoise,
		j.CreatedAt.UTC(),
		nullableTime(j.CompletedAt),
		nullableTime(j.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// Entry is one archived terminal job as exposed by the history endpoint.
type Entry struct {
	ID           string     `json:"job_id"`
	OriginalName string     `json:"original_name"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	VideoNoise   bool       `json:"video_noise"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Recent returns the most recently created archived jobs, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, original_name, status, error, download_url, video_noise,
		       created_at, completed_at, expires_at
		FROM history
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var completedAt, expiresAt sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.OriginalName, &e.Status, &e.Error, &e.DownloadURL,
			&e.VideoNoise, &e.CreatedAt, &completedAt, &expiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
