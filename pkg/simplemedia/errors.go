package simplemedia

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrValidation indicates bad caller input
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown media record or association
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation collides with existing state
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a mutation attempted by someone other than the owner
	ErrUnauthorized = errors.New("not authorized")

	// ErrStorage indicates the storage backend failed after retries
	ErrStorage = errors.New("storage unavailable")

	// ErrTransform indicates a variant or metadata stage failed irrecoverably
	ErrTransform = errors.New("transform failed")

	// ErrNotReady indicates the record has not finished processing
	ErrNotReady = errors.New("media not ready")

	// ErrDuplicate is returned by repositories when a unique constraint is violated
	ErrDuplicate = errors.New("duplicate entry")

	// ErrDeletionDeferred indicates the record is mid-pipeline; it is removed once processing ends
	ErrDeletionDeferred = errors.New("deletion deferred until processing completes")

	// ErrNoJob is returned by a JobQueue when nothing is claimable
	ErrNoJob = errors.New("no job available")

	// ErrLeaseLost indicates a claimed job was replaced or claimed by another worker
	ErrLeaseLost = errors.New("job lease lost")

	// ErrUnsupported is returned by transforms that do not handle a mime type
	ErrUnsupported = errors.New("unsupported mime type")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MediaError represents an error related to media operations
type MediaError struct {
	MediaID uuid.UUID
	Op      string
	Err     error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media operation %s failed for media %s: %v", e.Op, e.MediaID, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// TransformError represents a failed variant or metadata stage
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

func (e *TransformError) Is(target error) bool {
	return target == ErrTransform
}
