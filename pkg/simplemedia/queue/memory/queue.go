package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Queue implements simplemedia.JobQueue in memory. Jobs do not survive a restart.
type Queue struct {
	mu      sync.Mutex
	byMedia map[uuid.UUID]*simplemedia.Job
	notify  chan struct{}
	now     func() time.Time
}

// New creates an empty in-memory queue
func New() *Queue {
	return &Queue{
		byMedia: make(map[uuid.UUID]*simplemedia.Job),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Enqueue adds job, replacing any job already held for the same media. The replacement
// gets a fresh identity so a worker finishing the old job cannot complete the new one.
func (q *Queue) Enqueue(ctx context.Context, job *simplemedia.Job) error {
	if job.MediaID == uuid.Nil {
		return errors.New("job media id is required")
	}

	q.mu.Lock()
	j := *job
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = q.now().UTC()
	}
	j.Attempts = 0
	j.LockedUntil = time.Time{}
	j.LastError = ""
	if old, ok := q.byMedia[j.MediaID]; ok && old.ID == j.ID {
		j.ID = uuid.New()
	}
	q.byMedia[j.MediaID] = &j
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Claim leases the oldest job whose lease is free or expired
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*simplemedia.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *simplemedia.Job
	for _, j := range q.byMedia {
		if j.LockedUntil.After(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, simplemedia.ErrNoJob
	}
	next.Attempts++
	next.LockedUntil = now.Add(lease)

	claimed := *next
	return &claimed, nil
}

// held returns the stored job while claim is still its latest claim
func (q *Queue) held(claim *simplemedia.Job) *simplemedia.Job {
	j, ok := q.byMedia[claim.MediaID]
	if !ok || j.ID != claim.ID || j.Attempts != claim.Attempts {
		return nil
	}
	return j
}

// Extend renews the lease of a held claim
func (q *Queue) Extend(ctx context.Context, job *simplemedia.Job, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.held(job)
	if j == nil {
		return simplemedia.ErrLeaseLost
	}
	j.LockedUntil = q.now().Add(lease)
	return nil
}

// Complete removes the job; completing a replaced or reclaimed job is a no-op
func (q *Queue) Complete(ctx context.Context, job *simplemedia.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j := q.held(job); j != nil {
		delete(q.byMedia, j.MediaID)
	}
	return nil
}

// Release makes the job claimable again
func (q *Queue) Release(ctx context.Context, job *simplemedia.Job, cause error) error {
	q.mu.Lock()
	j := q.held(job)
	if j != nil {
		j.LockedUntil = time.Time{}
		if cause != nil {
			j.LastError = cause.Error()
		}
	}
	q.mu.Unlock()

	if j != nil {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Notify signals that a job may be claimable
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Len returns the number of held jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byMedia)
}

var (
	_ simplemedia.JobQueue = (*Queue)(nil)
	_ simplemedia.Notifier = (*Queue)(nil)
)
