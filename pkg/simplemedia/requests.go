package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// Request/Response DTOs

// UploadOptions are the caller's choices for one upload
type UploadOptions struct {
	GenerateThumbnail bool
	IsPublic          bool
	Metadata          map[string]string
	ResizeWidths      []int
	ExpiresAt         *time.Time
}

// CreateMediaRequest contains the raw bytes of an upload and who is uploading them
type CreateMediaRequest struct {
	OwnerID      uuid.UUID
	Data         []byte
	OriginalName string
	MimeType     string
	Options      UploadOptions
}

// CreateMediaResult is returned by CreateMedia.
//
// Deduplicated is true when an existing record was returned instead of a new one.
// Retried is true when a failed record with the same digest was re-queued.
type CreateMediaResult struct {
	Media        *Media
	Deduplicated bool
	Retried      bool
}

// AttachRequest links a media record to a domain entity. Order defaults to the end of
// the current list for that entity and role.
type AttachRequest struct {
	MediaID          uuid.UUID
	AssociatableType AssociatableType
	AssociatableID   string
	Role             AssociationRole
	Order            *int
	Metadata         map[string]string
}
