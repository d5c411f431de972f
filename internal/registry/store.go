package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratus-run/stratus/pkg/api"
)

// Store is the SQLite-backed registry state. Registrations are
// last-write-wins by name: redefining a name bumps its revision instead
// of inserting a second row.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned by lookups for names that were never registered.
var ErrNotFound = errors.New("not found")

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single pooled connection
	// serializes access instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// PutEnvironment upserts an environment spec and returns the resulting
// revision.
func (s *Store) PutEnvironment(ctx context.Context, spec api.EnvironmentSpec) (int64, time.Time, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return 0, time.Time{}, err
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO environments (name, spec, revision, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			spec = excluded.spec,
			revision = environments.revision + 1,
			updated_at = excluded.updated_at`,
		spec.Name, string(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("put environment: %w", err)
	}
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM environments WHERE name = ?`, spec.Name).Scan(&rev); err != nil {
		return 0, time.Time{}, fmt.Errorf("read back revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, err
	}
	return rev, now, nil
}

func (s *Store) GetEnvironment(ctx context.Context, name string) (*api.EnvironmentRecord, error) {
	var raw, updated string
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT spec, revision, updated_at FROM environments WHERE name = ?`, name).
		Scan(&raw, &rev, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	rec := api.EnvironmentRecord{Revision: rev}
	if err := json.Unmarshal([]byte(raw), &rec.EnvironmentSpec); err != nil {
		return nil, fmt.Errorf("decode environment %s: %w", name, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

func (s *Store) ListEnvironments(ctx context.Context) ([]api.EnvironmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec, revision, updated_at FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()
	var out []api.EnvironmentRecord
	for rows.Next() {
		var raw, updated string
		var rec api.EnvironmentRecord
		if err := rows.Scan(&raw, &rec.Revision, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &rec.EnvironmentSpec); err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEnvironment(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnvironmentExists reports whether name is currently registered. The
// job registrar uses it to enforce referential integrity.
func (s *Store) EnvironmentExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM environments WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutJob upserts a job spec with its attached-file metadata and returns
// the resulting revision. File rows are replaced wholesale so a
// redefinition cannot leave stale attachments behind.
func (s *Store) PutJob(ctx context.Context, spec api.JobSpec, files []api.FilePayload) (int64, time.Time, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return 0, time.Time{}, err
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (name, software, spec, revision, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			software = excluded.software,
			spec = excluded.spec,
			revision = jobs.revision + 1,
			updated_at = excluded.updated_at`,
		spec.Name, spec.Software, string(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("put job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_name = ?`, spec.Name); err != nil {
		return 0, time.Time{}, fmt.Errorf("clear job files: %w", err)
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_files (job_name, path, size, sha256) VALUES (?, ?, ?, ?)`,
			spec.Name, f.Path, f.Size, f.SHA256); err != nil {
			return 0, time.Time{}, fmt.Errorf("record job file %s: %w", f.Path, err)
		}
	}
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM jobs WHERE name = ?`, spec.Name).Scan(&rev); err != nil {
		return 0, time.Time{}, fmt.Errorf("read back revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, err
	}
	return rev, now, nil
}

func (s *Store) GetJob(ctx context.Context, name string) (*api.JobRecord, error) {
	var raw, updated string
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT spec, revision, updated_at FROM jobs WHERE name = ?`, name).
		Scan(&raw, &rev, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	rec := api.JobRecord{Revision: rev}
	if err := json.Unmarshal([]byte(raw), &rec.JobSpec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", name, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]api.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec, revision, updated_at FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []api.JobRecord
	for rows.Next() {
		var raw, updated string
		var rec api.JobRecord
		if err := rows.Scan(&raw, &rec.Revision, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &rec.JobSpec); err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_name = ?`, name); err != nil {
		return fmt.Errorf("delete job files: %w", err)
	}
	return tx.Commit()
}
