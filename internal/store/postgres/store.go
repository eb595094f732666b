package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/registry"
)

//go:embed schema.sql
var schemaSQL string

// Store implements registry.Store, dispatcher.Store, reconciler.Store and
// api.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. opTimeout bounds each operation;
// zero leaves the caller's deadline as the only bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateJob inserts the job and its trigger in one transaction.
// Returns registry.ErrDuplicateJob if either key already exists.
func (s *Store) CreateJob(ctx context.Context, job domain.ScheduledJob, trigger domain.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.GroupKey,
		job.Description,
		string(payload),
		string(job.DeliveryStatus),
		job.CreatedAt,
	)
	if err != nil {
		return mapInsertError(err)
	}

	_, err = tx.ExecContext(ctx, queryInsertTrigger,
		trigger.Key,
		trigger.Group,
		trigger.JobID,
		trigger.Description,
		ceilMicros(trigger.FireAt),
		string(trigger.MisfirePolicy),
		string(trigger.State),
		trigger.CreatedAt,
	)
	if err != nil {
		return mapInsertError(err)
	}

	return tx.Commit()
}

// ClaimDueTriggers marks up to limit due triggers as fired and returns them,
// oldest FireAt first.
func (s *Store) ClaimDueTriggers(ctx context.Context, now time.Time, limit int) ([]domain.JobWithTrigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryClaimDueTriggers, floorMicros(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Trigger.FireAt.Before(result[j].Trigger.FireAt)
	})
	return result, nil
}

func (s *Store) NextFireTime(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var next sql.NullTime
	if err := s.db.QueryRowContext(ctx, queryNextFireTime).Scan(&next); err != nil {
		return time.Time{}, false, err
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return next.Time.UTC(), true, nil
}

// GetJob returns a job and its trigger. Returns sql.ErrNoRows if not found.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (domain.JobWithTrigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	jt, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, jobID))
	if err != nil {
		return domain.JobWithTrigger{}, err
	}
	return jt, nil
}

// ListJobs returns jobs newest first, paginated by limit and offset.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]domain.JobWithTrigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListJobs, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// GetUndeliveredJobs returns jobs whose trigger fired before firedBefore but
// whose delivery is still pending. Oldest first, at most maxResults.
func (s *Store) GetUndeliveredJobs(ctx context.Context, firedBefore time.Time, maxResults int) ([]domain.JobWithTrigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetUndeliveredJobs, firedBefore, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// UpdateDeliveryStatus sets the delivery status of a job.
// Returns dispatcher.ErrStatusTransitionDenied if the job is already in a terminal state.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, jobID uuid.UUID, status domain.DeliveryStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The guard lives in the WHERE clause; the row lock taken by UPDATE
	// serializes concurrent writers.
	result, err := s.db.ExecContext(ctx, queryUpdateDeliveryStatus, string(status), jobID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetDeliveryStatus, jobID).Scan(&current)
		if err != nil {
			return err
		}
		return dispatcher.ErrStatusTransitionDenied
	}

	return nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		attempt.ID,
		attempt.JobID,
		attempt.Attempt,
		attempt.StatusCode,
		attempt.Error,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

// ListDeliveryAttempts returns attempts for a job in attempt order.
func (s *Store) ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.DeliveryAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeliveryAttempts, jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.JobID,
			&a.Attempt,
			&a.StatusCode,
			&a.Error,
			&a.StartedAt,
			&a.FinishedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.JobWithTrigger, error) {
	var jt domain.JobWithTrigger
	var payload []byte
	var deliveryStatus, misfirePolicy, state string
	var firedAt sql.NullTime

	err := row.Scan(
		&jt.Job.ID,
		&jt.Job.GroupKey,
		&jt.Job.Description,
		&payload,
		&deliveryStatus,
		&jt.Job.CreatedAt,
		&jt.Trigger.Key,
		&jt.Trigger.Group,
		&jt.Trigger.Description,
		&jt.Trigger.FireAt,
		&misfirePolicy,
		&state,
		&firedAt,
		&jt.Trigger.CreatedAt,
	)
	if err != nil {
		return domain.JobWithTrigger{}, err
	}

	jt.Job.Payload, err = decodePayload(payload)
	if err != nil {
		return domain.JobWithTrigger{}, fmt.Errorf("job %s: %w", jt.Job.ID, err)
	}
	jt.Job.DeliveryStatus = domain.DeliveryStatus(deliveryStatus)
	jt.Trigger.JobID = jt.Job.ID
	jt.Trigger.FireAt = jt.Trigger.FireAt.UTC()
	jt.Trigger.MisfirePolicy = domain.MisfirePolicy(misfirePolicy)
	jt.Trigger.State = domain.TriggerState(state)
	if firedAt.Valid {
		t := firedAt.Time.UTC()
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

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// TIMESTAMPTZ holds microseconds and rounds to nearest. Fire times round up
// and claim instants round down so a trigger is never due before its instant.
func ceilMicros(t time.Time) time.Time {
	f := t.Truncate(time.Microsecond)
	if f.Before(t) {
		f = f.Add(time.Microsecond)
	}
	return f
}

func floorMicros(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

func decodePayload(b []byte) (map[string]string, error) {
	payload := make(map[string]string)
	if len(b) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func mapInsertError(err error) error {
	if isUniqueViolation(err) {
		return registry.ErrDuplicateJob
	}
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}

// Compile-time interface assertions
var (
	_ registry.Store   = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
