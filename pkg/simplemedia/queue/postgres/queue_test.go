package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, repopg.Migrate(connString, nil))

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE media_jobs`)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewWithPool(pool)
}

func TestQueue_ClaimCompleteRelease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, simplemedia.ErrNoJob)

	mediaID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, &simplemedia.Job{ID: uuid.New(), MediaID: mediaID, Payload: []byte("bytes")}))

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, mediaID, job.MediaID)
	assert.Equal(t, []byte("bytes"), job.Payload)
	assert.Equal(t, 1, job.Attempts)

	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, simplemedia.ErrNoJob)

	require.NoError(t, q.Release(ctx, job, errors.New("storage down")))
	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "storage down", job.LastError)

	require.NoError(t, q.Complete(ctx, job))
	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, simplemedia.ErrNoJob)
}

func TestQueue_ReplaceWhileLeased(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	mediaID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, &simplemedia.Job{ID: uuid.New(), MediaID: mediaID, Payload: []byte("v1")}))
	first, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, &simplemedia.Job{ID: uuid.New(), MediaID: mediaID, Payload: []byte("v2")}))
	require.NoError(t, q.Complete(ctx, first))

	second, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []byte("v2"), second.Payload)
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, &simplemedia.Job{ID: uuid.New(), MediaID: uuid.New(), Payload: []byte{byte(i)}}))
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, time.Minute)
				if errors.Is(err, simplemedia.ErrNoJob) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestQueue_StaleClaimIsFenced(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, &simplemedia.Job{ID: uuid.New(), MediaID: uuid.New(), Payload: []byte("v1")}))
	first, err := q.Claim(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Extend(ctx, first, 50*time.Millisecond))

	now = now.Add(time.Second)
	second, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	assert.ErrorIs(t, q.Extend(ctx, first, time.Minute), simplemedia.ErrLeaseLost)
	require.NoError(t, q.Release(ctx, first, errors.New("late failure")))
	require.NoError(t, q.Complete(ctx, first))

	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, simplemedia.ErrNoJob, "stale release must not free the job")

	require.NoError(t, q.Complete(ctx, second))
	var n int
	require.NoError(t, q.db.QueryRow(ctx, `SELECT COUNT(*) FROM media_jobs`).Scan(&n))
	assert.Zero(t, n)
}
