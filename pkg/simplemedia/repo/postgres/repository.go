package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemedia.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper
func handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return simplemedia.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", simplemedia.ErrDuplicate, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: referenced record", simplemedia.ErrNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Media operations

const mediaColumns = `id, owner_id, file_name, original_name, mime_type, size, hash, dedup_key, status,
	storage_provider, storage_path, storage_location, public_url, variants, metadata,
	upload_time, download_count, is_public, expires_at, generate_thumbnail, resize_widths,
	delete_pending, created_at, updated_at`

func scanMedia(row pgx.Row) (*simplemedia.Media, error) {
	var m simplemedia.Media
	var status string
	var variants, metadata []byte
	var widths []int32
	err := row.Scan(
		&m.ID, &m.OwnerID, &m.FileName, &m.OriginalName, &m.MimeType, &m.Size, &m.Hash, &m.DedupKey, &status,
		&m.StorageProvider, &m.StoragePath, &m.StorageLocation, &m.PublicURL, &variants, &metadata,
		&m.Analytics.UploadTime, &m.Analytics.DownloadCount, &m.IsPublic, &m.ExpiresAt, &m.GenerateThumbnail, &widths,
		&m.DeletePending, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = simplemedia.MediaStatus(status)
	if err := json.Unmarshal(variants, &m.Variants); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if m.Variants == nil {
		m.Variants = []simplemedia.Variant{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	for _, w := range widths {
		m.ResizeWidths = append(m.ResizeWidths, int(w))
	}
	return &m, nil
}

func encodeMedia(m *simplemedia.Media) (variants, metadata []byte, widths []int32, err error) {
	v := m.Variants
	if v == nil {
		v = []simplemedia.Variant{}
	}
	if variants, err = json.Marshal(v); err != nil {
		return nil, nil, nil, fmt.Errorf("encode variants: %w", err)
	}
	md := m.Metadata
	if md == nil {
		md = map[string]string{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	widths = make([]int32, 0, len(m.ResizeWidths))
	for _, w := range m.ResizeWidths {
		widths = append(widths, int32(w))
	}
	return variants, metadata, widths, nil
}

func (r *Repository) CreateMedia(ctx context.Context, m *simplemedia.Media) error {
	variants, metadata, widths, err := encodeMedia(m)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO media (` + mediaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`
	_, err = r.db.Exec(ctx, query,
		m.ID, m.OwnerID, m.FileName, m.OriginalName, m.MimeType, m.Size, m.Hash, m.DedupKey, string(m.Status),
		m.StorageProvider, m.StoragePath, m.StorageLocation, m.PublicURL, variants, metadata,
		m.Analytics.UploadTime, m.Analytics.DownloadCount, m.IsPublic, m.ExpiresAt, m.GenerateThumbnail, widths,
		m.DeletePending, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return handlePostgresError("create media", err)
	}
	return nil
}

func (r *Repository) GetMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	m, err := scanMedia(r.db.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, id))
	if err != nil {
		return nil, handlePostgresError("get media", err)
	}
	return m, nil
}

func (r *Repository) GetMediaByDedupKey(ctx context.Context, dedupKey string) (*simplemedia.Media, error) {
	m, err := scanMedia(r.db.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE dedup_key = $1`, dedupKey))
	if err != nil {
		return nil, handlePostgresError("get media by dedup key", err)
	}
	return m, nil
}

func (r *Repository) FindReadyByHash(ctx context.Context, hash string, exclude uuid.UUID) (*simplemedia.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
		WHERE hash = $1 AND id <> $2 AND status = 'ready' AND storage_path <> ''
		ORDER BY created_at
		LIMIT 1`
	m, err := scanMedia(r.db.QueryRow(ctx, query, hash, exclude))
	if err != nil {
		return nil, handlePostgresError("find ready by hash", err)
	}
	return m, nil
}

func (r *Repository) IsObjectReferenced(ctx context.Context, path string, exclude uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM media
		WHERE id <> $2
		  AND (storage_path = $1
		   OR variants @> jsonb_build_array(jsonb_build_object('path', $1::text)))
	)`
	var found bool
	if err := r.db.QueryRow(ctx, query, path, exclude).Scan(&found); err != nil {
		return false, handlePostgresError("check object reference", err)
	}
	return found, nil
}

// UpdateMedia writes the mutable columns. dedup_key, download_count and delete_pending
// are left alone.
func (r *Repository) UpdateMedia(ctx context.Context, m *simplemedia.Media) error {
	variants, metadata, widths, err := encodeMedia(m)
	if err != nil {
		return err
	}
	query := `
		UPDATE media SET
			file_name = $2, original_name = $3, mime_type = $4, size = $5, status = $6,
			storage_provider = $7, storage_path = $8, storage_location = $9, public_url = $10,
			variants = $11, metadata = $12, is_public = $13, expires_at = $14,
			generate_thumbnail = $15, resize_widths = $16, updated_at = $17
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		m.ID, m.FileName, m.OriginalName, m.MimeType, m.Size, string(m.Status),
		m.StorageProvider, m.StoragePath, m.StorageLocation, m.PublicURL,
		variants, metadata, m.IsPublic, m.ExpiresAt,
		m.GenerateThumbnail, widths, m.UpdatedAt,
	)
	if err != nil {
		return handlePostgresError("update media", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}

// MarkDeletePending flags a record that is still in the pipeline. It returns false when
// the record already reached a terminal status.
func (r *Repository) MarkDeletePending(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE media SET delete_pending = TRUE
		WHERE id = $1 AND status IN ('uploading', 'processing')`, id)
	if err != nil {
		return false, handlePostgresError("mark delete pending", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM media WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, handlePostgresError("mark delete pending", err)
	}
	if !exists {
		return false, simplemedia.ErrNotFound
	}
	return false, nil
}

func (r *Repository) queryMedia(ctx context.Context, operation, query string, args ...interface{}) ([]*simplemedia.Media, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, handlePostgresError(operation, err)
	}
	defer rows.Close()

	var result []*simplemedia.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, handlePostgresError(operation, err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError(operation, err)
	}
	return result, nil
}

func (r *Repository) ListMediaByOwner(ctx context.Context, ownerID uuid.UUID) ([]*simplemedia.Media, error) {
	return r.queryMedia(ctx, "list media by owner",
		`SELECT `+mediaColumns+` FROM media WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*simplemedia.Media, error) {
	return r.queryMedia(ctx, "list expired media",
		`SELECT `+mediaColumns+` FROM media
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2`, now, limit)
}

// DeleteMedia removes the record; associations go with it through ON DELETE CASCADE
func (r *Repository) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return handlePostgresError("delete media", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}

func (r *Repository) IncrementDownloadCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE media SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return handlePostgresError("increment download count", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}

// Association operations

const associationColumns = `id, media_id, associatable_type, associatable_id, role, sort_order, metadata, created_at`

func scanAssociation(row pgx.Row) (*simplemedia.Association, error) {
	var a simplemedia.Association
	var t, role string
	var metadata []byte
	if err := row.Scan(&a.ID, &a.MediaID, &t, &a.AssociatableID, &role, &a.Order, &metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.AssociatableType = simplemedia.AssociatableType(t)
	a.Role = simplemedia.AssociationRole(role)
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode association metadata: %w", err)
	}
	if len(a.Metadata) == 0 {
		a.Metadata = nil
	}
	return &a, nil
}

func (r *Repository) CreateAssociation(ctx context.Context, a *simplemedia.Association) error {
	md := a.Metadata
	if md == nil {
		md = map[string]string{}
	}
	metadata, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode association metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO media_associations (`+associationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.MediaID, string(a.AssociatableType), a.AssociatableID, string(a.Role), a.Order, metadata, a.CreatedAt,
	)
	if err != nil {
		return handlePostgresError("create association", err)
	}
	return nil
}

func (r *Repository) DeleteAssociation(ctx context.Context, key simplemedia.AssociationKey) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM media_associations
		WHERE media_id = $1 AND associatable_type = $2 AND associatable_id = $3 AND role = $4`,
		key.MediaID, string(key.AssociatableType), key.AssociatableID, string(key.Role),
	)
	if err != nil {
		return handlePostgresError("delete association", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteAssociationsForAssociatable(ctx context.Context, t simplemedia.AssociatableType, id string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM media_associations WHERE associatable_type = $1 AND associatable_id = $2`,
		string(t), id,
	)
	if err != nil {
		return 0, handlePostgresError("delete associations for associatable", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) queryAssociations(ctx context.Context, operation, query string, args ...interface{}) ([]*simplemedia.Association, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, handlePostgresError(operation, err)
	}
	defer rows.Close()

	var result []*simplemedia.Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, handlePostgresError(operation, err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError(operation, err)
	}
	return result, nil
}

func (r *Repository) ListAssociationsByAssociatable(ctx context.Context, t simplemedia.AssociatableType, id string, role *simplemedia.AssociationRole) ([]*simplemedia.Association, error) {
	query := `SELECT ` + associationColumns + ` FROM media_associations
		WHERE associatable_type = $1 AND associatable_id = $2`
	args := []interface{}{string(t), id}
	if role != nil {
		query += ` AND role = $3`
		args = append(args, string(*role))
	}
	query += ` ORDER BY sort_order, created_at, id`
	return r.queryAssociations(ctx, "list associations by associatable", query, args...)
}

func (r *Repository) ListAssociationsByMedia(ctx context.Context, mediaID uuid.UUID) ([]*simplemedia.Association, error) {
	return r.queryAssociations(ctx, "list associations by media",
		`SELECT `+associationColumns+` FROM media_associations WHERE media_id = $1 ORDER BY sort_order, created_at, id`, mediaID)
}

var _ simplemedia.Repository = (*Repository)(nil)
