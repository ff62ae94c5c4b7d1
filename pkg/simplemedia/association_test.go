package simplemedia_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/variant"
)

func intPtr(v int) *int { return &v }

func TestAttach_ConflictDetachReattach(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.upload(t, uuid.New(), jpegFixture(t, 20), simplemedia.UploadOptions{}).Media

	req := simplemedia.AttachRequest{
		MediaID:          m.ID,
		AssociatableType: simplemedia.AssociatablePlantIdentification,
		AssociatableID:   "pid-1",
		Role:             simplemedia.RolePrimary,
	}
	first, err := env.service.Attach(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Order)

	_, err = env.service.Attach(ctx, req)
	assert.ErrorIs(t, err, simplemedia.ErrConflict)

	// same media in another role is a different association
	other := req
	other.Role = simplemedia.RoleComparison
	_, err = env.service.Attach(ctx, other)
	require.NoError(t, err)

	key := simplemedia.AssociationKey{
		MediaID:          m.ID,
		AssociatableType: req.AssociatableType,
		AssociatableID:   req.AssociatableID,
		Role:             req.Role,
	}
	require.NoError(t, env.service.Detach(ctx, key))
	require.NoError(t, env.service.Detach(ctx, key), "detach is idempotent")

	_, err = env.service.Attach(ctx, req)
	require.NoError(t, err)

	assocs, err := env.service.ListByMedia(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, assocs, 2)
}

func TestAttach_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.upload(t, uuid.New(), jpegFixture(t, 21), simplemedia.UploadOptions{}).Media

	valid := simplemedia.AttachRequest{
		MediaID:          m.ID,
		AssociatableType: simplemedia.AssociatableSoilTest,
		AssociatableID:   "st-1",
		Role:             simplemedia.RoleAttachment,
	}

	tests := []struct {
		name   string
		mutate func(r *simplemedia.AttachRequest)
		target error
	}{
		{"unknown type", func(r *simplemedia.AttachRequest) { r.AssociatableType = "tractor" }, simplemedia.ErrValidation},
		{"unknown role", func(r *simplemedia.AttachRequest) { r.Role = "cover" }, simplemedia.ErrValidation},
		{"blank id", func(r *simplemedia.AttachRequest) { r.AssociatableID = "   " }, simplemedia.ErrValidation},
		{"id too long", func(r *simplemedia.AttachRequest) { r.AssociatableID = strings.Repeat("x", 256) }, simplemedia.ErrValidation},
		{"negative order", func(r *simplemedia.AttachRequest) { r.Order = intPtr(-1) }, simplemedia.ErrValidation},
		{"unknown media", func(r *simplemedia.AttachRequest) { r.MediaID = uuid.New() }, simplemedia.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := env.service.Attach(ctx, req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestListByAssociatable_Ordering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, env.upload(t, owner, jpegFixture(t, int64(30+i)), simplemedia.UploadOptions{}).Media.ID)
	}
	attach := func(id uuid.UUID, role simplemedia.AssociationRole, order *int) *simplemedia.Association {
		a, err := env.service.Attach(ctx, simplemedia.AttachRequest{
			MediaID:          id,
			AssociatableType: simplemedia.AssociatableGardenPlot,
			AssociatableID:   "plot-9",
			Role:             role,
			Order:            order,
		})
		require.NoError(t, err)
		return a
	}

	a0 := attach(ids[0], simplemedia.RoleBefore, nil)
	a1 := attach(ids[1], simplemedia.RoleBefore, nil)
	attach(ids[2], simplemedia.RoleAfter, intPtr(0))
	assert.Equal(t, 0, a0.Order)
	assert.Equal(t, 1, a1.Order, "default order appends")

	// explicit order moves the third image in front within the before role
	attach(ids[2], simplemedia.RoleBefore, intPtr(0))

	before := simplemedia.RoleBefore
	list, err := env.service.ListByAssociatable(ctx, simplemedia.AssociatableGardenPlot, "plot-9", &before)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[0], list[0].MediaID, "ties on order keep attach order")
	assert.Equal(t, ids[2], list[1].MediaID)
	assert.Equal(t, ids[1], list[2].MediaID)

	all, err := env.service.ListByAssociatable(ctx, simplemedia.AssociatableGardenPlot, "plot-9", nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	n, err := env.service.DetachAllForAssociatable(ctx, simplemedia.AssociatableGardenPlot, "plot-9")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	all, err = env.service.ListByAssociatable(ctx, simplemedia.AssociatableGardenPlot, "plot-9", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListByAssociatable_SummaryURLs(t *testing.T) {
	env := newTestEnv(t, simplemedia.WithVariantGenerator(variant.New(nil)))
	ctx := context.Background()
	owner := uuid.New()

	public := env.upload(t, owner, jpegFixture(t, 40), simplemedia.UploadOptions{IsPublic: true, GenerateThumbnail: true}).Media
	private := env.upload(t, owner, jpegFixture(t, 41), simplemedia.UploadOptions{GenerateThumbnail: true}).Media
	env.drain(t)

	for _, id := range []uuid.UUID{public.ID, private.ID} {
		_, err := env.service.Attach(ctx, simplemedia.AttachRequest{
			MediaID:          id,
			AssociatableType: simplemedia.AssociatablePestAnalysis,
			AssociatableID:   "pa-1",
			Role:             simplemedia.RoleAttachment,
			Metadata:         map[string]string{"caption": "leaf underside"},
		})
		require.NoError(t, err)
	}

	list, err := env.service.ListByAssociatable(ctx, simplemedia.AssociatablePestAnalysis, "pa-1", nil)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, public.ID, list[0].MediaID)
	assert.Equal(t, simplemedia.StatusReady, list[0].Status)
	assert.NotEmpty(t, list[0].PublicURL)
	assert.NotEmpty(t, list[0].ThumbnailURL)
	assert.Equal(t, "leaf underside", list[0].Metadata["caption"])

	assert.Equal(t, private.ID, list[1].MediaID)
	assert.Empty(t, list[1].PublicURL)
	assert.Empty(t, list[1].ThumbnailURL)
}
