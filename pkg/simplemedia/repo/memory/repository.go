package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Repository implements simplemedia.Repository using in-memory storage
type Repository struct {
	mu           sync.RWMutex
	media        map[uuid.UUID]*simplemedia.Media
	byDedupKey   map[string]uuid.UUID
	associations map[simplemedia.AssociationKey]*simplemedia.Association
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		media:        make(map[uuid.UUID]*simplemedia.Media),
		byDedupKey:   make(map[string]uuid.UUID),
		associations: make(map[simplemedia.AssociationKey]*simplemedia.Association),
	}
}

// Media operations

func (r *Repository) CreateMedia(ctx context.Context, media *simplemedia.Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byDedupKey[media.DedupKey]; exists {
		return simplemedia.ErrDuplicate
	}
	if _, exists := r.media[media.ID]; exists {
		return simplemedia.ErrDuplicate
	}

	r.media[media.ID] = media.Clone()
	r.byDedupKey[media.DedupKey] = media.ID
	return nil
}

func (r *Repository) GetMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.media[id]
	if !exists {
		return nil, simplemedia.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *Repository) GetMediaByDedupKey(ctx context.Context, dedupKey string) (*simplemedia.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byDedupKey[dedupKey]
	if !exists {
		return nil, simplemedia.ErrNotFound
	}
	return r.media[id].Clone(), nil
}

func (r *Repository) FindReadyByHash(ctx context.Context, hash string, exclude uuid.UUID) (*simplemedia.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *simplemedia.Media
	for _, m := range r.media {
		if m.ID == exclude || m.Hash != hash || m.Status != simplemedia.StatusReady || m.StoragePath == "" {
			continue
		}
		if found == nil || m.CreatedAt.Before(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, simplemedia.ErrNotFound
	}
	return found.Clone(), nil
}

// IsObjectReferenced reports whether any record other than exclude points at path as its
// original or a variant.
func (r *Repository) IsObjectReferenced(ctx context.Context, path string, exclude uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.media {
		if m.ID == exclude {
			continue
		}
		if m.StoragePath == path {
			return true, nil
		}
		for _, v := range m.Variants {
			if v.Path == path {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Repository) UpdateMedia(ctx context.Context, media *simplemedia.Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.media[media.ID]
	if !exists {
		return simplemedia.ErrNotFound
	}

	updated := media.Clone()
	// The repository owns these fields.
	updated.DedupKey = current.DedupKey
	updated.DeletePending = current.DeletePending
	updated.Analytics.DownloadCount = current.Analytics.DownloadCount
	r.media[media.ID] = updated
	return nil
}

func (r *Repository) MarkDeletePending(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.media[id]
	if !exists {
		return false, simplemedia.ErrNotFound
	}
	if m.Status.IsTerminal() {
		return false, nil
	}
	m.DeletePending = true
	return true, nil
}

func (r *Repository) ListMediaByOwner(ctx context.Context, ownerID uuid.UUID) ([]*simplemedia.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplemedia.Media
	for _, m := range r.media {
		if m.OwnerID == ownerID {
			result = append(result, m.Clone())
		}
	}
	// newest first
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*simplemedia.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplemedia.Media
	for _, m := range r.media {
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			result = append(result, m.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(*result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.media[id]
	if !exists {
		return simplemedia.ErrNotFound
	}
	delete(r.media, id)
	delete(r.byDedupKey, m.DedupKey)
	for key := range r.associations {
		if key.MediaID == id {
			delete(r.associations, key)
		}
	}
	return nil
}

func (r *Repository) IncrementDownloadCount(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.media[id]
	if !exists {
		return simplemedia.ErrNotFound
	}
	m.Analytics.DownloadCount++
	return nil
}

// Association operations

func (r *Repository) CreateAssociation(ctx context.Context, assoc *simplemedia.Association) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.media[assoc.MediaID]; !exists {
		return simplemedia.ErrNotFound
	}
	key := keyOf(assoc)
	if _, exists := r.associations[key]; exists {
		return simplemedia.ErrDuplicate
	}
	r.associations[key] = assoc.Clone()
	return nil
}

func (r *Repository) DeleteAssociation(ctx context.Context, key simplemedia.AssociationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.associations[key]; !exists {
		return simplemedia.ErrNotFound
	}
	delete(r.associations, key)
	return nil
}

func (r *Repository) DeleteAssociationsForAssociatable(ctx context.Context, t simplemedia.AssociatableType, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.associations {
		if key.AssociatableType == t && key.AssociatableID == id {
			delete(r.associations, key)
			n++
		}
	}
	return n, nil
}

func (r *Repository) ListAssociationsByAssociatable(ctx context.Context, t simplemedia.AssociatableType, id string, role *simplemedia.AssociationRole) ([]*simplemedia.Association, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplemedia.Association
	for key, a := range r.associations {
		if key.AssociatableType != t || key.AssociatableID != id {
			continue
		}
		if role != nil && key.Role != *role {
			continue
		}
		result = append(result, a.Clone())
	}
	sortAssociations(result)
	return result, nil
}

func (r *Repository) ListAssociationsByMedia(ctx context.Context, mediaID uuid.UUID) ([]*simplemedia.Association, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplemedia.Association
	for key, a := range r.associations {
		if key.MediaID == mediaID {
			result = append(result, a.Clone())
		}
	}
	sortAssociations(result)
	return result, nil
}

func keyOf(a *simplemedia.Association) simplemedia.AssociationKey {
	return simplemedia.AssociationKey{
		MediaID:          a.MediaID,
		AssociatableType: a.AssociatableType,
		AssociatableID:   a.AssociatableID,
		Role:             a.Role,
	}
}

func sortAssociations(list []*simplemedia.Association) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}

var _ simplemedia.Repository = (*Repository)(nil)
