// Package sqlite is a single-node Store backed by an embedded SQLite file.
//
// All access goes through one connection, so claims and inserts are
// serialized by the pool. Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/registry"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `
    j.id, j.group_key, j.description, j.payload, j.delivery_status, j.created_at,
    t.trigger_key, t.trigger_group, t.description, t.fire_at, t.misfire_policy, t.state, t.fired_at, t.created_at`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts the job and its trigger in one transaction.
func (s *Store) CreateJob(ctx context.Context, job domain.ScheduledJob, trigger domain.Trigger) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := job.CreatedAt.UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, group_key, description, payload, delivery_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.GroupKey, job.Description, string(payload), string(job.DeliveryStatus), created, created,
	)
	if err != nil {
		return mapInsertError(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO triggers (trigger_key, trigger_group, job_id, description, fire_at, misfire_policy, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.Key, trigger.Group, trigger.JobID.String(), trigger.Description,
		ceilMillis(trigger.FireAt), string(trigger.MisfirePolicy), string(trigger.State), trigger.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return mapInsertError(err)
	}

	return tx.Commit()
}

// ClaimDueTriggers marks up to limit due triggers as fired and returns them
// with their jobs, oldest FireAt first.
func (s *Store) ClaimDueTriggers(ctx context.Context, now time.Time, limit int) ([]domain.JobWithTrigger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`UPDATE triggers SET state = 'fired', fired_at = ?
		 WHERE rowid IN (
		     SELECT rowid FROM triggers
		     WHERE state = 'pending' AND fire_at <= ?
		     ORDER BY fire_at ASC
		     LIMIT ?
		 )
		 RETURNING job_id`,
		nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	result := make([]domain.JobWithTrigger, 0, len(ids))
	for _, id := range ids {
		jt, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT`+jobColumns+` FROM jobs j JOIN triggers t ON t.job_id = j.id WHERE j.id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("load claimed job %s: %w", id, err)
		}
		result = append(result, jt)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Trigger.FireAt.Before(result[j].Trigger.FireAt)
	})
	return result, nil
}

func (s *Store) NextFireTime(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(fire_at) FROM triggers WHERE state = 'pending'`).Scan(&next)
	if err != nil {
		return time.Time{}, false, err
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(next.Int64).UTC(), true, nil
}

// GetJob returns sql.ErrNoRows if the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (domain.JobWithTrigger, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT`+jobColumns+` FROM jobs j JOIN triggers t ON t.job_id = j.id WHERE j.id = ?`, jobID.String()))
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]domain.JobWithTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+jobColumns+` FROM jobs j JOIN triggers t ON t.job_id = j.id
		 ORDER BY j.created_at DESC, j.rowid DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) GetUndeliveredJobs(ctx context.Context, firedBefore time.Time, maxResults int) ([]domain.JobWithTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+jobColumns+` FROM jobs j JOIN triggers t ON t.job_id = j.id
		 WHERE t.state = 'fired' AND j.delivery_status = 'pending' AND t.fired_at < ?
		 ORDER BY t.fired_at ASC
		 LIMIT ?`, firedBefore.UnixMilli(), maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateDeliveryStatus returns dispatcher.ErrStatusTransitionDenied when the
// job is already delivered or failed.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, jobID uuid.UUID, status domain.DeliveryStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET delivery_status = ?, updated_at = ?
		 WHERE id = ? AND delivery_status NOT IN ('delivered', 'failed')`,
		string(status), time.Now().UnixMilli(), jobID.String())
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT delivery_status FROM jobs WHERE id = ?`, jobID.String()).Scan(&current)
	if err != nil {
		return err
	}
	return dispatcher.ErrStatusTransitionDenied
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, job_id, attempt, status_code, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.JobID.String(), attempt.Attempt, attempt.StatusCode, attempt.Error,
		attempt.StartedAt.UnixMilli(), attempt.FinishedAt.UnixMilli(),
	)
	return err
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt, status_code, error, started_at, finished_at
		 FROM delivery_attempts WHERE job_id = ?
		 ORDER BY attempt ASC
		 LIMIT ? OFFSET ?`, jobID.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var id, job string
		var started, finished int64
		if err := rows.Scan(&id, &job, &a.Attempt, &a.StatusCode, &a.Error, &started, &finished); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if a.JobID, err = uuid.Parse(job); err != nil {
			return nil, err
		}
		a.StartedAt = time.UnixMilli(started).UTC()
		a.FinishedAt = time.UnixMilli(finished).UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.JobWithTrigger, error) {
	var jt domain.JobWithTrigger
	var id, payload, deliveryStatus, misfirePolicy, state string
	var jobCreated, fireAt, triggerCreated int64
	var firedAt sql.NullInt64

	err := row.Scan(
		&id,
		&jt.Job.GroupKey,
		&jt.Job.Description,
		&payload,
		&deliveryStatus,
		&jobCreated,
		&jt.Trigger.Key,
		&jt.Trigger.Group,
		&jt.Trigger.Description,
		&fireAt,
		&misfirePolicy,
		&state,
		&firedAt,
		&triggerCreated,
	)
	if err != nil {
		return domain.JobWithTrigger{}, err
	}

	if jt.Job.ID, err = uuid.Parse(id); err != nil {
		return domain.JobWithTrigger{}, fmt.Errorf("parse job id %q: %w", id, err)
	}
	jt.Job.Payload = make(map[string]string)
	if err := json.Unmarshal([]byte(payload), &jt.Job.Payload); err != nil {
		return domain.JobWithTrigger{}, fmt.Errorf("decode payload of job %s: %w", id, err)
	}
	jt.Job.DeliveryStatus = domain.DeliveryStatus(deliveryStatus)
	jt.Job.CreatedAt = time.UnixMilli(jobCreated).UTC()

	jt.Trigger.JobID = jt.Job.ID
	jt.Trigger.FireAt = time.UnixMilli(fireAt).UTC()
	jt.Trigger.MisfirePolicy = domain.MisfirePolicy(misfirePolicy)
	jt.Trigger.State = domain.TriggerState(state)
	jt.Trigger.CreatedAt = time.UnixMilli(triggerCreated).UTC()
	if firedAt.Valid {
		t := time.UnixMilli(firedAt.Int64).UTC()
		jt.Trigger.FiredAt = &t
	}
	return jt, nil
}

func scanJobs(rows *sql.Rows) ([]domain.JobWithTrigger, error) {
	var result []domain.JobWithTrigger
	for rows.Next() {
		jt, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, jt)
	}
	return result, rows.Err()
}

// ceilMillis rounds up so a stored fire time is never earlier than requested.
func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func mapInsertError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return registry.ErrDuplicateJob
		}
	}
	return err
}

var (
	_ registry.Store   = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
