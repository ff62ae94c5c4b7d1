package simplemedia

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BlobStore is the storage adapter capability. Every method may block on the network
// and is only called from queue workers, deletes and explicit URL requests.
type BlobStore interface {
	// Name identifies the backend (persisted as Media.StorageProvider)
	Name() string

	// Upload writes data at path and returns its location
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Delete removes the object at path; a missing object is not an error
	Delete(ctx context.Context, path string) error

	// SignedURL returns a time-limited URL for reading the object
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// List returns the objects whose path starts with prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Repository persists media records and associations.
//
// CreateMedia and CreateAssociation return ErrDuplicate when the dedup key or the
// association tuple already exists. Lookups return ErrNotFound. UpdateMedia never
// clears DeletePending; only MarkDeletePending touches that flag.
type Repository interface {
	// Media operations
	CreateMedia(ctx context.Context, media *Media) error
	GetMedia(ctx context.Context, id uuid.UUID) (*Media, error)
	GetMediaByDedupKey(ctx context.Context, dedupKey string) (*Media, error)
	FindReadyByHash(ctx context.Context, hash string, exclude uuid.UUID) (*Media, error)
	// IsObjectReferenced reports whether a record other than exclude stores path as
	// its original or one of its variants. Pass uuid.Nil to consider every record.
	IsObjectReferenced(ctx context.Context, path string, exclude uuid.UUID) (bool, error)
	UpdateMedia(ctx context.Context, media *Media) error
	MarkDeletePending(ctx context.Context, id uuid.UUID) (bool, error)
	ListMediaByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Media, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Media, error)
	DeleteMedia(ctx context.Context, id uuid.UUID) error
	IncrementDownloadCount(ctx context.Context, id uuid.UUID) error

	// Association operations
	CreateAssociation(ctx context.Context, assoc *Association) error
	DeleteAssociation(ctx context.Context, key AssociationKey) error
	DeleteAssociationsForAssociatable(ctx context.Context, t AssociatableType, id string) (int, error)
	ListAssociationsByAssociatable(ctx context.Context, t AssociatableType, id string, role *AssociationRole) ([]*Association, error)
	ListAssociationsByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Association, error)
}

// AssociationKey is the unique tuple of an association.
type AssociationKey struct {
	MediaID          uuid.UUID
	AssociatableType AssociatableType
	AssociatableID   string
	Role             AssociationRole
}

// JobQueue is a durable queue holding at most one job per media record.
//
// A claim is identified by the job id together with its attempt count. Once the job is
// replaced or claimed again after its lease ran out, Extend reports ErrLeaseLost and
// Complete and Release on the old claim do nothing.
type JobQueue interface {
	// Enqueue adds a job; an existing job for the same media is replaced
	Enqueue(ctx context.Context, job *Job) error

	// Claim leases the oldest claimable job for lease, or returns ErrNoJob
	Claim(ctx context.Context, lease time.Duration) (*Job, error)

	// Extend pushes the lease of a held claim to lease from now
	Extend(ctx context.Context, job *Job, lease time.Duration) error

	// Complete removes a finished job
	Complete(ctx context.Context, job *Job) error

	// Release gives a claimed job back so it can be claimed again
	Release(ctx context.Context, job *Job, cause error) error
}

// Notifier is implemented by queues that can signal new work instead of being polled.
type Notifier interface {
	Notify() <-chan struct{}
}

// VariantOptions selects which renditions to derive.
type VariantOptions struct {
	Thumbnail    bool
	ResizeWidths []int
}

// VariantOutput is one derived rendition.
type VariantOutput struct {
	Kind     string
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// VariantGenerator derives renditions from original bytes. Implementations are pure.
type VariantGenerator interface {
	Supports(mimeType string) bool
	Generate(ctx context.Context, data []byte, mimeType string, opts VariantOptions) ([]VariantOutput, error)
}

// MetadataExtractor pulls embedded metadata from original bytes. Implementations are pure;
// on partial failure they return what they found together with the error.
type MetadataExtractor interface {
	Supports(mimeType string) bool
	Extract(ctx context.Context, data []byte, mimeType string) (map[string]string, error)
}

// EventSink receives lifecycle notifications. Errors are logged, never propagated.
type EventSink interface {
	MediaCreated(ctx context.Context, media *Media) error
	MediaDeduplicated(ctx context.Context, media *Media, requester uuid.UUID) error
	MediaStatusChanged(ctx context.Context, media *Media, from MediaStatus) error
	MediaDeleted(ctx context.Context, media *Media) error
	AssociationAttached(ctx context.Context, assoc *Association) error
	AssociationDetached(ctx context.Context, key AssociationKey) error
}

// StageObserver is told how long each pipeline stage took and how it ended.
type StageObserver interface {
	ObserveStage(stage string, outcome string, elapsed time.Duration)
}
