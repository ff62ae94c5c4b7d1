package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Channel is the LISTEN/NOTIFY channel signalled on every enqueue.
const Channel = "media_jobs"

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Queue implements simplemedia.JobQueue on the media_jobs table. Claims use
// FOR UPDATE SKIP LOCKED so any number of processors can share the table, and an
// expired lease makes a job claimable again after a crash.
type Queue struct {
	db     DBTX
	pool   *pgxpool.Pool
	notify chan struct{}
	now    func() time.Time
}

// New creates a queue on db. Without a pool Listen is unavailable and workers poll.
func New(db DBTX) *Queue {
	return &Queue{db: db, notify: make(chan struct{}, 1), now: time.Now}
}

// NewWithPool creates a queue that can also Listen for enqueue notifications
func NewWithPool(pool *pgxpool.Pool) *Queue {
	q := New(pool)
	q.pool = pool
	return q
}

func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "42P01" {
			return fmt.Errorf("table does not exist - database migration required")
		}
		return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Enqueue inserts job or replaces the one held for the same media with a fresh identity
func (q *Queue) Enqueue(ctx context.Context, job *simplemedia.Job) error {
	id := job.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = q.now().UTC()
	}
	payload := job.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO media_jobs (id, media_id, payload, attempts, locked_until, last_error, created_at)
		VALUES ($1, $2, $3, 0, NULL, '', $4)
		ON CONFLICT (media_id) DO UPDATE SET
			id = CASE WHEN media_jobs.id = EXCLUDED.id THEN gen_random_uuid() ELSE EXCLUDED.id END,
			payload = EXCLUDED.payload,
			attempts = 0,
			locked_until = NULL,
			last_error = '',
			created_at = EXCLUDED.created_at`,
		id, job.MediaID, payload, createdAt,
	)
	if err != nil {
		return handlePostgresError("enqueue job", err)
	}
	if _, err := q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, job.MediaID.String()); err != nil {
		slog.Warn("failed to notify job listeners", "media_id", job.MediaID, "err", err)
	}
	return nil
}

// Claim leases the oldest job whose lease is free or expired
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*simplemedia.Job, error) {
	now := q.now().UTC()
	row := q.db.QueryRow(ctx, `
		UPDATE media_jobs SET attempts = attempts + 1, locked_until = $1
		WHERE id = (
			SELECT id FROM media_jobs
			WHERE locked_until IS NULL OR locked_until < $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, media_id, payload, attempts, locked_until, last_error, created_at`,
		now.Add(lease), now,
	)

	var job simplemedia.Job
	var lockedUntil *time.Time
	err := row.Scan(&job.ID, &job.MediaID, &job.Payload, &job.Attempts, &lockedUntil, &job.LastError, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, simplemedia.ErrNoJob
	}
	if err != nil {
		return nil, handlePostgresError("claim job", err)
	}
	if lockedUntil != nil {
		job.LockedUntil = *lockedUntil
	}
	return &job, nil
}

// Extend renews the lease while the row still carries the claim's id and attempt count
func (q *Queue) Extend(ctx context.Context, job *simplemedia.Job, lease time.Duration) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE media_jobs SET locked_until = $3 WHERE id = $1 AND attempts = $2`,
		job.ID, job.Attempts, q.now().UTC().Add(lease))
	if err != nil {
		return handlePostgresError("extend job lease", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrLeaseLost
	}
	return nil
}

// Complete removes the job; completing a replaced or reclaimed job is a no-op
func (q *Queue) Complete(ctx context.Context, job *simplemedia.Job) error {
	_, err := q.db.Exec(ctx, `DELETE FROM media_jobs WHERE id = $1 AND attempts = $2`, job.ID, job.Attempts)
	if err != nil {
		return handlePostgresError("complete job", err)
	}
	return nil
}

// Release clears the lease and records the cause
func (q *Queue) Release(ctx context.Context, job *simplemedia.Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.Exec(ctx,
		`UPDATE media_jobs SET locked_until = NULL, last_error = $3 WHERE id = $1 AND attempts = $2`,
		job.ID, job.Attempts, msg)
	if err != nil {
		return handlePostgresError("release job", err)
	}
	return nil
}

// Notify signals that a job may be claimable. It only fires while Listen runs.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Listen holds a connection on Channel and forwards notifications until ctx is done.
func (q *Queue) Listen(ctx context.Context) error {
	if q.pool == nil {
		return errors.New("listen requires a connection pool")
	}
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return handlePostgresError("listen", err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

var (
	_ simplemedia.JobQueue = (*Queue)(nil)
	_ simplemedia.Notifier = (*Queue)(nil)
)
