package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const maxResizeWidth = 4096

// service implements the Service interface
type service struct {
	core
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	c := newCore(options)
	if c.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if c.blobStore == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if c.queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	return &service{core: c}, nil
}

// Media operations

func (s *service) CreateMedia(ctx context.Context, req CreateMediaRequest) (*CreateMediaResult, error) {
	mimeType, err := s.validateUpload(req)
	if err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Data)
	dedupKey := DedupKey(s.policy.DedupScope, req.OwnerID.String(), hash)

	existing, err := s.repository.GetMediaByDedupKey(ctx, dedupKey)
	switch {
	case err == nil:
		return s.reuseExisting(ctx, existing, req)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	now := s.now().UTC()
	media := &Media{
		ID:                uuid.New(),
		OwnerID:           req.OwnerID,
		FileName:          ulid.Make().String() + extensionFor(mimeType, req.OriginalName),
		OriginalName:      originalName(req.OriginalName),
		MimeType:          mimeType,
		Size:              int64(len(req.Data)),
		Hash:              hash,
		DedupKey:          dedupKey,
		Status:            StatusUploading,
		Variants:          []Variant{},
		Metadata:          copyStringMap(req.Options.Metadata),
		Analytics:         Analytics{UploadTime: now},
		IsPublic:          req.Options.IsPublic,
		ExpiresAt:         req.Options.ExpiresAt,
		GenerateThumbnail: req.Options.GenerateThumbnail,
		ResizeWidths:      append([]int(nil), req.Options.ResizeWidths...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if media.Metadata == nil {
		media.Metadata = map[string]string{}
	}
	if media.OriginalName == "" {
		media.OriginalName = media.FileName
	}

	if err := s.repository.CreateMedia(ctx, media); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost the race against an identical upload; hand back the winner.
			existing, getErr := s.repository.GetMediaByDedupKey(ctx, dedupKey)
			if getErr != nil {
				return nil, &MediaError{MediaID: media.ID, Op: "create", Err: getErr}
			}
			return s.reuseExisting(ctx, existing, req)
		}
		return nil, &MediaError{MediaID: media.ID, Op: "create", Err: err}
	}

	if err := s.enqueue(ctx, media, req.Data); err != nil {
		return nil, err
	}

	if err := s.eventSink.MediaCreated(ctx, media); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "media_created", "media_id", media.ID, "err", err)
	}
	return &CreateMediaResult{Media: media}, nil
}

// reuseExisting resolves an upload whose digest is already registered. A failed record
// of the uploader is reset and queued again with the new bytes; anything else, including
// another owner's failed record, is returned as is.
func (s *service) reuseExisting(ctx context.Context, existing *Media, req CreateMediaRequest) (*CreateMediaResult, error) {
	if existing.Status != StatusFailed || existing.OwnerID != req.OwnerID {
		if err := s.eventSink.MediaDeduplicated(ctx, existing, req.OwnerID); err != nil {
			s.logger.WarnContext(ctx, "event sink failed", "event", "media_deduplicated", "media_id", existing.ID, "err", err)
		}
		return &CreateMediaResult{Media: existing, Deduplicated: true}, nil
	}

	if err := checkTransition(existing, StatusUploading); err != nil {
		return nil, &MediaError{MediaID: existing.ID, Op: "retry", Err: err}
	}
	from := existing.Status
	existing.Status = StatusUploading
	delete(existing.Metadata, metaError)
	existing.GenerateThumbnail = existing.GenerateThumbnail || req.Options.GenerateThumbnail
	existing.ResizeWidths = mergeWidths(existing.ResizeWidths, req.Options.ResizeWidths)
	existing.UpdatedAt = s.now().UTC()
	if err := s.repository.UpdateMedia(ctx, existing); err != nil {
		return nil, &MediaError{MediaID: existing.ID, Op: "retry", Err: err}
	}
	if err := s.enqueue(ctx, existing, req.Data); err != nil {
		return nil, err
	}
	if err := s.eventSink.MediaStatusChanged(ctx, existing, from); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "media_status_changed", "media_id", existing.ID, "err", err)
	}
	s.logger.InfoContext(ctx, "failed media re-queued", "media_id", existing.ID, "requester_id", req.OwnerID)
	return &CreateMediaResult{Media: existing, Deduplicated: true, Retried: true}, nil
}

func (s *service) enqueue(ctx context.Context, media *Media, data []byte) error {
	job := &Job{
		ID:        uuid.New(),
		MediaID:   media.ID,
		Payload:   data,
		CreatedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// Without a job the record would sit in uploading forever.
		media.Status = StatusFailed
		if media.Metadata == nil {
			media.Metadata = map[string]string{}
		}
		media.Metadata[metaError] = "enqueue: " + err.Error()
		media.UpdatedAt = s.now().UTC()
		if updErr := s.repository.UpdateMedia(ctx, media); updErr != nil {
			s.logger.ErrorContext(ctx, "failed to mark media failed after enqueue error", "media_id", media.ID, "err", updErr)
		}
		return &MediaError{MediaID: media.ID, Op: "enqueue", Err: err}
	}
	return nil
}

func (s *service) validateUpload(req CreateMediaRequest) (string, error) {
	if req.OwnerID == uuid.Nil {
		return "", invalid("owner_id", "is required")
	}
	if len(req.Data) == 0 {
		return "", invalid("file", "is empty")
	}
	if s.policy.MaxUploadBytes > 0 && int64(len(req.Data)) > s.policy.MaxUploadBytes {
		return "", invalid("file", "size %d exceeds limit of %d bytes", len(req.Data), s.policy.MaxUploadBytes)
	}

	detected := mimetype.Detect(req.Data)
	mimeType := baseMime(detected.String())
	if declared := baseMime(req.MimeType); declared != "" && declared != "application/octet-stream" && !detected.Is(declared) {
		if topLevel(declared) != topLevel(mimeType) {
			return "", invalid("mime_type", "declared %s but content is %s", declared, mimeType)
		}
	}
	if !s.mimeAllowed(mimeType) {
		return "", invalid("mime_type", "%s is not allowed", mimeType)
	}

	for _, w := range req.Options.ResizeWidths {
		if w <= 0 || w > maxResizeWidth {
			return "", invalid("resize_widths", "width %d must be between 1 and %d", w, maxResizeWidth)
		}
	}
	if req.Options.ExpiresAt != nil && !req.Options.ExpiresAt.After(s.now()) {
		return "", invalid("expires_at", "must be in the future")
	}
	for _, k := range reservedMetadataKeys {
		if _, ok := req.Options.Metadata[k]; ok {
			return "", invalid("metadata", "key %q is reserved", k)
		}
	}
	return mimeType, nil
}

func (s *service) mimeAllowed(mimeType string) bool {
	if len(s.policy.AllowedMimeTypes) == 0 {
		return true
	}
	for _, allowed := range s.policy.AllowedMimeTypes {
		if allowed == mimeType {
			return true
		}
		if strings.HasSuffix(allowed, "/*") && topLevel(allowed) == topLevel(mimeType) {
			return true
		}
	}
	return false
}

func (s *service) GetMedia(ctx context.Context, id uuid.UUID) (*Media, error) {
	m, err := s.repository.GetMedia(ctx, id)
	if err != nil {
		return nil, &MediaError{MediaID: id, Op: "get", Err: err}
	}
	return m, nil
}

func (s *service) ListMediaByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Media, error) {
	if ownerID == uuid.Nil {
		return nil, invalid("owner_id", "is required")
	}
	return s.repository.ListMediaByOwner(ctx, ownerID)
}

func (s *service) DeleteMedia(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error {
	m, err := s.repository.GetMedia(ctx, id)
	if err != nil {
		return &MediaError{MediaID: id, Op: "delete", Err: err}
	}
	if m.OwnerID != requesterID {
		return &MediaError{MediaID: id, Op: "delete", Err: ErrUnauthorized}
	}
	deferred, err := s.remove(ctx, m)
	if err != nil {
		return &MediaError{MediaID: id, Op: "delete", Err: err}
	}
	if deferred {
		return &MediaError{MediaID: id, Op: "delete", Err: ErrDeletionDeferred}
	}
	return nil
}

// remove deletes m now when it is terminal, or flags it for the processor otherwise.
func (c *core) remove(ctx context.Context, m *Media) (deferred bool, err error) {
	if !m.Status.IsTerminal() {
		marked, err := c.repository.MarkDeletePending(ctx, m.ID)
		if err != nil {
			return false, err
		}
		if marked {
			c.logger.InfoContext(ctx, "media deletion deferred", "media_id", m.ID, "status", m.Status)
			return true, nil
		}
		// Reached a terminal state between the read and the mark.
		if m, err = c.repository.GetMedia(ctx, m.ID); err != nil {
			return false, err
		}
	}
	return false, c.purge(ctx, m)
}

// purge removes every stored object of m that no other record references, then the
// record and every association pointing at it.
func (c *core) purge(ctx context.Context, m *Media) error {
	if c.blobStore != nil {
		for _, p := range objectPaths(m) {
			shared, err := c.repository.IsObjectReferenced(ctx, p, m.ID)
			if err != nil {
				return err
			}
			if shared {
				continue
			}
			callCtx, cancel := c.stageContext(ctx)
			err = c.blobStore.Delete(callCtx, p)
			cancel()
			if err != nil {
				return &StorageError{Backend: c.blobStore.Name(), Key: p, Op: "delete", Err: err}
			}
		}
	}
	if err := c.repository.DeleteMedia(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := c.eventSink.MediaDeleted(ctx, m); err != nil {
		c.logger.WarnContext(ctx, "event sink failed", "event", "media_deleted", "media_id", m.ID, "err", err)
	}
	return nil
}

func (c *core) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.policy.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.policy.StageTimeout)
}

func (s *service) RecordAccess(ctx context.Context, id uuid.UUID) {
	if err := s.repository.IncrementDownloadCount(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "failed to record access", "media_id", id, "err", err)
	}
}

func (s *service) GetMediaURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	m, err := s.repository.GetMedia(ctx, id)
	if err != nil {
		return "", &MediaError{MediaID: id, Op: "url", Err: err}
	}
	if err := canServeMedia(m.Status); err != nil {
		return "", &MediaError{MediaID: id, Op: "url", Err: err}
	}
	if m.IsPublic && m.PublicURL != "" {
		return m.PublicURL, nil
	}
	return s.signedURL(ctx, m, m.StoragePath, ttl)
}

func (s *service) VariantURL(ctx context.Context, id uuid.UUID, kind string, ttl time.Duration) (string, error) {
	m, err := s.repository.GetMedia(ctx, id)
	if err != nil {
		return "", &MediaError{MediaID: id, Op: "variant_url", Err: err}
	}
	v, ok := m.Variant(kind)
	if !ok {
		return "", &MediaError{MediaID: id, Op: "variant_url", Err: fmt.Errorf("%w: variant %q", ErrNotFound, kind)}
	}
	if m.IsPublic && v.URL != "" {
		return v.URL, nil
	}
	return s.signedURL(ctx, m, v.Path, ttl)
}

func (s *service) signedURL(ctx context.Context, m *Media, objectPath string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.policy.SignedURLTTL
	}
	url, err := s.blobStore.SignedURL(ctx, objectPath, ttl)
	if err != nil {
		return "", &MediaError{MediaID: m.ID, Op: "url", Err: &StorageError{
			Backend: s.blobStore.Name(), Key: objectPath, Op: "sign", Err: err,
		}}
	}
	return url, nil
}

// Cascades

func (s *service) DeleteMediaByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if ownerID == uuid.Nil {
		return 0, invalid("owner_id", "is required")
	}
	records, err := s.repository.ListMediaByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return s.removeAll(ctx, records)
}

func (s *service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.purgeExpired(ctx, now)
}

func (c *core) purgeExpired(ctx context.Context, now time.Time) (int, error) {
	batch := c.policy.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	records, err := c.repository.ListExpired(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	return c.removeAll(ctx, records)
}

// removeAll removes every record, returning how many were deleted right away. Deferred
// records are removed by the processor when their job ends.
func (c *core) removeAll(ctx context.Context, records []*Media) (int, error) {
	var removed int
	var errs []error
	for _, m := range records {
		deferred, err := c.remove(ctx, m)
		if err != nil {
			errs = append(errs, &MediaError{MediaID: m.ID, Op: "delete", Err: err})
			continue
		}
		if !deferred {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// URL helpers

// publicURL builds the unauthenticated URL of an object: under PublicBaseURL when set,
// otherwise the location reported by the store.
func (c *core) publicURL(objectPath, location string) string {
	if c.policy.PublicBaseURL != "" {
		return strings.TrimRight(c.policy.PublicBaseURL, "/") + "/" + strings.TrimLeft(objectPath, "/")
	}
	return location
}

func objectPaths(m *Media) []string {
	var paths []string
	if m.StoragePath != "" {
		paths = append(paths, m.StoragePath)
	}
	for _, v := range m.Variants {
		if v.Path != "" {
			paths = append(paths, v.Path)
		}
	}
	return paths
}

// Metadata keys written by the engine.
const (
	metaError        = "error"
	metaExtractError = "extract_error"
	metaVariantError = "variant_error"
)

var reservedMetadataKeys = []string{metaError, metaExtractError, metaVariantError}

func baseMime(s string) string {
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mt
}

func topLevel(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[:i]
	}
	return mimeType
}

// extensionFor returns the canonical extension of mimeType, falling back to the one in name.
func extensionFor(mimeType, name string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return strings.ToLower(path.Ext(name))
}

func originalName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	// Browsers on some platforms send full client paths.
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Base(name)
}

func mergeWidths(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, w := range append(append([]int(nil), a...), b...) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
