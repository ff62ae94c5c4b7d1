package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// MediaStatus is the lifecycle state of a media record.
type MediaStatus string

// Media status constants (typed).
const (
	StatusUploading  MediaStatus = "uploading"
	StatusProcessing MediaStatus = "processing"
	StatusReady      MediaStatus = "ready"
	StatusFailed     MediaStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s MediaStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the pipeline is finished with the record.
func (s MediaStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// AssociatableType is the closed set of domain entity kinds that may hold media.
type AssociatableType string

const (
	AssociatablePlantIdentification AssociatableType = "plant_identification"
	AssociatablePlantHealth         AssociatableType = "plant_health_assessment"
	AssociatableSoilTest            AssociatableType = "soil_test"
	AssociatableUserProfile         AssociatableType = "user_profile"
	AssociatablePestAnalysis        AssociatableType = "pest_analysis"
	AssociatableGardenPlot          AssociatableType = "garden_plot"
)

// IsValid reports whether t is one of the associatable kinds.
func (t AssociatableType) IsValid() bool {
	switch t {
	case AssociatablePlantIdentification, AssociatablePlantHealth, AssociatableSoilTest,
		AssociatableUserProfile, AssociatablePestAnalysis, AssociatableGardenPlot:
		return true
	}
	return false
}

// AssociationRole describes how a media record relates to a domain entity.
type AssociationRole string

const (
	RolePrimary    AssociationRole = "primary"
	RoleThumbnail  AssociationRole = "thumbnail"
	RoleAttachment AssociationRole = "attachment"
	RoleComparison AssociationRole = "comparison"
	RoleBefore     AssociationRole = "before"
	RoleAfter      AssociationRole = "after"
)

// IsValid reports whether r is a known role.
func (r AssociationRole) IsValid() bool {
	switch r {
	case RolePrimary, RoleThumbnail, RoleAttachment, RoleComparison, RoleBefore, RoleAfter:
		return true
	}
	return false
}

// Variant kinds
const (
	VariantThumbnail     = "thumbnail"
	VariantResizedPrefix = "resized_"
)

// DedupScope controls which records an upload may be deduplicated against.
type DedupScope string

const (
	// DedupScopeGlobal reuses any record with the same digest, whoever owns it.
	DedupScopeGlobal DedupScope = "global"
	// DedupScopeOwner gives every owner its own record; physical objects are still shared.
	DedupScopeOwner DedupScope = "owner"
)

// Variant is a derived rendition of an original upload.
type Variant struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Analytics holds access counters for a media record.
type Analytics struct {
	UploadTime    time.Time `json:"upload_time"`
	DownloadCount int64     `json:"download_count"`
}

// Media is one logical uploaded file plus its derived variants.
type Media struct {
	ID              uuid.UUID         `json:"id"`
	OwnerID         uuid.UUID         `json:"owner_id"`
	FileName        string            `json:"file_name"`
	OriginalName    string            `json:"original_name"`
	MimeType        string            `json:"mime_type"`
	Size            int64             `json:"size"`
	Hash            string            `json:"hash"`
	DedupKey        string            `json:"-"`
	Status          MediaStatus       `json:"status"`
	StorageProvider string            `json:"storage_provider,omitempty"`
	StoragePath     string            `json:"storage_path,omitempty"`
	StorageLocation string            `json:"-"`
	PublicURL       string            `json:"public_url,omitempty"`
	Variants        []Variant         `json:"variants"`
	Metadata        map[string]string `json:"metadata"`
	Analytics       Analytics         `json:"analytics"`
	IsPublic        bool              `json:"is_public"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`

	// Upload options the pipeline needs when a job is resumed.
	GenerateThumbnail bool  `json:"generate_thumbnail"`
	ResizeWidths      []int `json:"resize_widths,omitempty"`

	// DeletePending is set when the owner deleted the record mid-pipeline.
	DeletePending bool `json:"delete_pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variant returns the variant of the given kind, if present.
func (m *Media) Variant(kind string) (Variant, bool) {
	for _, v := range m.Variants {
		if v.Kind == kind {
			return v, true
		}
	}
	return Variant{}, false
}

// Clone returns a deep copy of m.
func (m *Media) Clone() *Media {
	c := *m
	if m.Variants != nil {
		c.Variants = append([]Variant(nil), m.Variants...)
	}
	if m.ResizeWidths != nil {
		c.ResizeWidths = append([]int(nil), m.ResizeWidths...)
	}
	c.Metadata = copyStringMap(m.Metadata)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Association links a media record to a domain entity in a role.
// AssociatableID is opaque: the engine never checks that the entity exists.
type Association struct {
	ID               uuid.UUID         `json:"id"`
	MediaID          uuid.UUID         `json:"media_id"`
	AssociatableType AssociatableType  `json:"associatable_type"`
	AssociatableID   string            `json:"associatable_id"`
	Role             AssociationRole   `json:"role"`
	Order            int               `json:"order"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Clone returns a deep copy of a.
func (a *Association) Clone() *Association {
	c := *a
	c.Metadata = copyStringMap(a.Metadata)
	return &c
}

// MediaSummary is what a domain feature sees when listing its attached media.
type MediaSummary struct {
	MediaID       uuid.UUID         `json:"media_id"`
	AssociationID uuid.UUID         `json:"association_id"`
	Role          AssociationRole   `json:"role"`
	Order         int               `json:"order"`
	FileName      string            `json:"file_name"`
	OriginalName  string            `json:"original_name"`
	MimeType      string            `json:"mime_type"`
	Status        MediaStatus       `json:"status"`
	PublicURL     string            `json:"public_url,omitempty"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AttachedAt    time.Time         `json:"attached_at"`
}

// Job is a unit of work for the processing queue. A media record has at most one job.
type Job struct {
	ID          uuid.UUID `json:"id"`
	MediaID     uuid.UUID `json:"media_id"`
	Payload     []byte    `json:"-"`
	Attempts    int       `json:"attempts"`
	LockedUntil time.Time `json:"locked_until"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ObjectInfo describes an object held by a BlobStore.
type ObjectInfo struct {
	Path        string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
