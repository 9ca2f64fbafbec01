package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises read-modify-write updates and keeps
	// ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			urls          TEXT NOT NULL,
			output_path   TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			completed     INTEGER NOT NULL DEFAULT 0,
			url_statuses  TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count    INTEGER NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT '',
			callback_url  TEXT NOT NULL DEFAULT '',
			revision      INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME NOT NULL,
			started_at    DATETIME,
			completed_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`)
	return err
}

const selectColumns = `
	SELECT id, urls, output_path, status, completed, url_statuses, success_count,
	       fail_count, error, callback_url, revision, created_at, started_at, completed_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var urls, statuses string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &urls, &j.OutputPath, &j.Status, &j.Completed, &statuses,
		&j.SuccessCount, &j.FailCount, &j.Error, &j.CallbackURL, &j.Revision,
		&j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(urls), &j.URLs); err != nil {
		return nil, fmt.Errorf("decode urls: %w", err)
	}
	if err := json.Unmarshal([]byte(statuses), &j.URLStatuses); err != nil {
		return nil, fmt.Errorf("decode url statuses: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	urls, err := json.Marshal(j.URLs)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	statuses, err := json.Marshal(j.URLStatuses)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, urls, output_path, status, completed, url_statuses, callback_url, created_at)
		VALUES
			(?, ?, ?, ?, 0, ?, ?, ?)
	`,
		j.ID,
		string(urls),
		j.OutputPath,
		StatusPending,
		string(statuses),
		j.CallbackURL,
		j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := scanJob(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	if err := p.Apply(j, s.now()); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	statuses, err := json.Marshal(j.URLStatuses)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	var startedAt, completedAt any
	if j.StartedAt != nil {
		startedAt = j.StartedAt.UTC()
	}
	if j.CompletedAt != nil {
		completedAt = j.CompletedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET output_path = ?, status = ?, completed = ?, url_statuses = ?,
			success_count = ?, fail_count = ?, error = ?, revision = ?,
			started_at = ?, completed_at = ?
		WHERE id = ? AND completed = 0
	`, j.OutputPath, j.Status, j.Completed, string(statuses),
		j.SuccessCount, j.FailCount, j.Error, j.Revision,
		startedAt, completedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job %s: commit: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return n > 0, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// FailInterrupted marks every non-terminal job as failed and returns their IDs.
// Called at startup: a job that was running when the process stopped cannot
// resume because its browser session is gone.
func (s *SQLiteStore) FailInterrupted(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE completed = 0`)
	if err != nil {
		return nil, fmt.Errorf("query interrupted jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interrupted jobs: %w", err)
	}
	rows.Close()

	failed := StatusFailed
	for _, id := range ids {
		if _, err := s.Update(ctx, id, Patch{Status: &failed, Error: &reason}); err != nil && !errors.Is(err, ErrFinalized) {
			return nil, err
		}
	}
	return ids, nil
}
