package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const maxAssociatableIDLength = 255

func validateAssociatable(t AssociatableType, id string) error {
	if !t.IsValid() {
		return invalid("associatable_type", "unknown type %q", t)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid("associatable_id", "is required")
	}
	if len(id) > maxAssociatableIDLength {
		return invalid("associatable_id", "longer than %d characters", maxAssociatableIDLength)
	}
	return nil
}

func validateKey(key AssociationKey) error {
	if key.MediaID == uuid.Nil {
		return invalid("media_id", "is required")
	}
	if err := validateAssociatable(key.AssociatableType, key.AssociatableID); err != nil {
		return err
	}
	if !key.Role.IsValid() {
		return invalid("role", "unknown role %q", key.Role)
	}
	return nil
}

func (s *service) Attach(ctx context.Context, req AttachRequest) (*Association, error) {
	key := AssociationKey{
		MediaID:          req.MediaID,
		AssociatableType: req.AssociatableType,
		AssociatableID:   strings.TrimSpace(req.AssociatableID),
		Role:             req.Role,
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if req.Order != nil && *req.Order < 0 {
		return nil, invalid("order", "must not be negative")
	}

	if _, err := s.repository.GetMedia(ctx, req.MediaID); err != nil {
		return nil, &MediaError{MediaID: req.MediaID, Op: "attach", Err: err}
	}

	order := 0
	if req.Order != nil {
		order = *req.Order
	} else {
		role := key.Role
		existing, err := s.repository.ListAssociationsByAssociatable(ctx, key.AssociatableType, key.AssociatableID, &role)
		if err != nil {
			return nil, &MediaError{MediaID: req.MediaID, Op: "attach", Err: err}
		}
		for _, a := range existing {
			if a.Order >= order {
				order = a.Order + 1
			}
		}
	}

	assoc := &Association{
		ID:               uuid.New(),
		MediaID:          key.MediaID,
		AssociatableType: key.AssociatableType,
		AssociatableID:   key.AssociatableID,
		Role:             key.Role,
		Order:            order,
		Metadata:         copyStringMap(req.Metadata),
		CreatedAt:        s.now().UTC(),
	}
	if err := s.repository.CreateAssociation(ctx, assoc); err != nil {
		if errors.Is(err, ErrDuplicate) {
			err = fmt.Errorf("%w: media already attached to %s/%s as %s", ErrConflict, key.AssociatableType, key.AssociatableID, key.Role)
		}
		return nil, &MediaError{MediaID: req.MediaID, Op: "attach", Err: err}
	}

	if err := s.eventSink.AssociationAttached(ctx, assoc); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "association_attached", "media_id", assoc.MediaID, "err", err)
	}
	return assoc, nil
}

func (s *service) Detach(ctx context.Context, key AssociationKey) error {
	key.AssociatableID = strings.TrimSpace(key.AssociatableID)
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.repository.DeleteAssociation(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return &MediaError{MediaID: key.MediaID, Op: "detach", Err: err}
	}
	if err := s.eventSink.AssociationDetached(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "association_detached", "media_id", key.MediaID, "err", err)
	}
	return nil
}

// ListByAssociatable returns the media attached to an entity, ordered by order then
// attach time. Records removed concurrently are skipped.
func (s *service) ListByAssociatable(ctx context.Context, t AssociatableType, id string, role *AssociationRole) ([]*MediaSummary, error) {
	id = strings.TrimSpace(id)
	if err := validateAssociatable(t, id); err != nil {
		return nil, err
	}
	if role != nil && !role.IsValid() {
		return nil, invalid("role", "unknown role %q", *role)
	}

	assocs, err := s.repository.ListAssociationsByAssociatable(ctx, t, id, role)
	if err != nil {
		return nil, err
	}
	sortAssociations(assocs)

	summaries := make([]*MediaSummary, 0, len(assocs))
	for _, a := range assocs {
		m, err := s.repository.GetMedia(ctx, a.MediaID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, summarize(a, m))
	}
	return summaries, nil
}

func (s *service) ListByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Association, error) {
	if mediaID == uuid.Nil {
		return nil, invalid("media_id", "is required")
	}
	assocs, err := s.repository.ListAssociationsByMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	sortAssociations(assocs)
	return assocs, nil
}

func (s *service) DetachAllForAssociatable(ctx context.Context, t AssociatableType, id string) (int, error) {
	id = strings.TrimSpace(id)
	if err := validateAssociatable(t, id); err != nil {
		return 0, err
	}
	n, err := s.repository.DeleteAssociationsForAssociatable(ctx, t, id)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "associations detached for entity", "associatable_type", t, "associatable_id", id, "count", n)
	return n, nil
}

func sortAssociations(assocs []*Association) {
	sort.SliceStable(assocs, func(i, j int) bool {
		a, b := assocs[i], assocs[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func summarize(a *Association, m *Media) *MediaSummary {
	sum := &MediaSummary{
		MediaID:       m.ID,
		AssociationID: a.ID,
		Role:          a.Role,
		Order:         a.Order,
		FileName:      m.FileName,
		OriginalName:  m.OriginalName,
		MimeType:      m.MimeType,
		Status:        m.Status,
		Metadata:      copyStringMap(a.Metadata),
		AttachedAt:    a.CreatedAt,
	}
	if m.IsPublic {
		sum.PublicURL = m.PublicURL
		if v, ok := m.Variant(VariantThumbnail); ok {
			sum.ThumbnailURL = v.URL
		}
	}
	return sum
}
