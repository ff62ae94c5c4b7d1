package simplemedia

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the main interface of the media engine
type Service interface {
	// Registry operations
	CreateMedia(ctx context.Context, req CreateMediaRequest) (*CreateMediaResult, error)
	GetMedia(ctx context.Context, id uuid.UUID) (*Media, error)
	DeleteMedia(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error
	RecordAccess(ctx context.Context, id uuid.UUID)
	ListMediaByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Media, error)

	// URL operations
	GetMediaURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error)
	VariantURL(ctx context.Context, id uuid.UUID, kind string, ttl time.Duration) (string, error)

	// Cascades
	DeleteMediaByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// Association operations
	Attach(ctx context.Context, req AttachRequest) (*Association, error)
	Detach(ctx context.Context, key AssociationKey) error
	ListByAssociatable(ctx context.Context, t AssociatableType, id string, role *AssociationRole) ([]*MediaSummary, error)
	ListByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Association, error)
	DetachAllForAssociatable(ctx context.Context, t AssociatableType, id string) (int, error)
}
