package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

func newMedia(owner uuid.UUID, dedupKey string) *simplemedia.Media {
	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := simplemedia.ComputeHash([]byte(dedupKey))
	return &simplemedia.Media{
		ID:           uuid.New(),
		OwnerID:      owner,
		FileName:     "01HX.jpg",
		OriginalName: "leaf.jpg",
		MimeType:     "image/jpeg",
		Size:         42,
		Hash:         hash,
		DedupKey:     dedupKey,
		Status:       simplemedia.StatusUploading,
		Variants:     []simplemedia.Variant{},
		Metadata:     map[string]string{"field": "north"},
		Analytics:    simplemedia.Analytics{UploadTime: now},
		ResizeWidths: []int{320, 800},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRepository_MediaRoundTrip(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	m := newMedia(uuid.New(), "roundtrip")
	require.NoError(t, repo.CreateMedia(ctx, m))

	got, err := repo.GetMedia(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.DedupKey, got.DedupKey)
	assert.Equal(t, m.Metadata, got.Metadata)
	assert.Equal(t, []int{320, 800}, got.ResizeWidths)
	assert.Equal(t, simplemedia.StatusUploading, got.Status)

	got.Status = simplemedia.StatusReady
	got.StoragePath = "originals/objects/ab/cd.jpg"
	got.Variants = []simplemedia.Variant{{Kind: "thumbnail", Path: "derived/thumbnail/x.jpg", Width: 200, Height: 150}}
	require.NoError(t, repo.UpdateMedia(ctx, got))

	again, err := repo.GetMediaByDedupKey(ctx, "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, simplemedia.StatusReady, again.Status)
	require.Len(t, again.Variants, 1)
	assert.Equal(t, 200, again.Variants[0].Width)

	donor, err := repo.FindReadyByHash(ctx, m.Hash, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, m.ID, donor.ID)

	for path, want := range map[string]bool{
		"originals/objects/ab/cd.jpg": true,
		"derived/thumbnail/x.jpg":     true,
		"derived/thumbnail/y.jpg":     false,
	} {
		found, err := repo.IsObjectReferenced(ctx, path, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, want, found, path)

		found, err = repo.IsObjectReferenced(ctx, path, m.ID)
		require.NoError(t, err)
		assert.False(t, found, path)
	}
}

func TestRepository_DuplicateDedupKey(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateMedia(ctx, newMedia(uuid.New(), "dup")))
	err := repo.CreateMedia(ctx, newMedia(uuid.New(), "dup"))
	assert.ErrorIs(t, err, simplemedia.ErrDuplicate)

	_, err = repo.GetMedia(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestRepository_DeletePendingAndCounters(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	m := newMedia(uuid.New(), "pending")
	require.NoError(t, repo.CreateMedia(ctx, m))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.IncrementDownloadCount(ctx, m.ID))
		}()
	}
	wg.Wait()

	marked, err := repo.MarkDeletePending(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, marked)

	// A full update must not clear the flag or the counter
	m.Status = simplemedia.StatusFailed
	require.NoError(t, repo.UpdateMedia(ctx, m))

	got, err := repo.GetMedia(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletePending)
	assert.Equal(t, int64(10), got.Analytics.DownloadCount)

	marked, err = repo.MarkDeletePending(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, marked, "terminal records are not deferred")

	_, err = repo.MarkDeletePending(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestRepository_Associations(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	m := newMedia(uuid.New(), "assoc")
	require.NoError(t, repo.CreateMedia(ctx, m))

	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &simplemedia.Association{
		ID:               uuid.New(),
		MediaID:          m.ID,
		AssociatableType: simplemedia.AssociatablePlantHealth,
		AssociatableID:   "assessment-9",
		Role:             simplemedia.RoleBefore,
		Order:            1,
		CreatedAt:        now,
	}
	require.NoError(t, repo.CreateAssociation(ctx, a))

	dup := *a
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.CreateAssociation(ctx, &dup), simplemedia.ErrDuplicate)

	orphan := *a
	orphan.ID = uuid.New()
	orphan.MediaID = uuid.New()
	assert.ErrorIs(t, repo.CreateAssociation(ctx, &orphan), simplemedia.ErrNotFound)

	after := *a
	after.ID = uuid.New()
	after.Role = simplemedia.RoleAfter
	after.Order = 0
	require.NoError(t, repo.CreateAssociation(ctx, &after))

	list, err := repo.ListAssociationsByAssociatable(ctx, simplemedia.AssociatablePlantHealth, "assessment-9", nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, simplemedia.RoleAfter, list[0].Role)

	// Deleting the media cascades
	require.NoError(t, repo.DeleteMedia(ctx, m.ID))
	list, err = repo.ListAssociationsByMedia(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRepository_ListExpired(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	m := newMedia(uuid.New(), "expired")
	m.ExpiresAt = &past
	require.NoError(t, repo.CreateMedia(ctx, m))
	require.NoError(t, repo.CreateMedia(ctx, newMedia(uuid.New(), "kept")))

	list, err := repo.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.ID, list[0].ID)
}

func TestRepository_ListMediaByOwnerNewestFirst(t *testing.T) {
	repo := NewWithPool(newTestPool(t))
	ctx := context.Background()

	owner := uuid.New()
	older := newMedia(owner, "older")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := newMedia(owner, "newer")
	require.NoError(t, repo.CreateMedia(ctx, older))
	require.NoError(t, repo.CreateMedia(ctx, newer))

	list, err := repo.ListMediaByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost/db", migrateURL("postgres://u:p@localhost/db"))
	assert.Equal(t, "pgx5://u:p@localhost/db", migrateURL("postgresql://u:p@localhost/db"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}
