// Package scan walks the storage backend and reconciles it with the media registry.
//
// An object becomes an orphan when a worker crashes between uploading it and committing
// the record, or when a record is removed while its objects could not be deleted. The
// scanner finds such objects and optionally removes them.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DefaultMinAge keeps objects uploaded in the last hour out of a scan, since a running
// job may not have committed them yet.
const DefaultMinAge = time.Hour

// Lookup is the part of the registry the scanner needs.
type Lookup interface {
	IsObjectReferenced(ctx context.Context, path string, exclude uuid.UUID) (bool, error)
}

// Scanner lists stored objects and checks each one against the registry.
type Scanner struct {
	store  simplemedia.BlobStore
	lookup Lookup
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scanner.
func New(store simplemedia.BlobStore, lookup Lookup, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:  store,
		lookup: lookup,
		logger: logger.With("component", "orphan-scan"),
		now:    time.Now,
	}
}

// Options configures a scan.
type Options struct {
	// Prefixes to list; the whole backend when empty
	Prefixes []string

	// MinAge skips objects updated more recently than this (default DefaultMinAge)
	MinAge time.Duration

	// DryRun reports orphans without deleting them
	DryRun bool

	// OnProgress is called after each prefix (optional)
	OnProgress func(checked, orphans int)
}

// Result contains statistics about a scan.
type Result struct {
	Checked int
	Skipped int
	Orphans []string
	Deleted int
	Failed  []string
}

// Scan finds unreferenced objects and deletes them unless DryRun is set. A failed delete
// is recorded and the scan continues; a failed registry lookup aborts it.
func (s *Scanner) Scan(ctx context.Context, opts Options) (*Result, error) {
	if opts.MinAge <= 0 {
		opts.MinAge = DefaultMinAge
	}
	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	cutoff := s.now().Add(-opts.MinAge)

	result := &Result{}
	for _, prefix := range prefixes {
		objects, err := s.store.List(ctx, prefix)
		if err != nil {
			return result, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}

		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if !obj.UpdatedAt.IsZero() && obj.UpdatedAt.After(cutoff) {
				result.Skipped++
				continue
			}
			result.Checked++

			referenced, err := s.lookup.IsObjectReferenced(ctx, obj.Path, uuid.Nil)
			if err != nil {
				return result, fmt.Errorf("failed to check %s: %w", obj.Path, err)
			}
			if referenced {
				continue
			}
			result.Orphans = append(result.Orphans, obj.Path)

			if opts.DryRun {
				s.logger.InfoContext(ctx, "orphan found", "path", obj.Path, "size", obj.Size)
				continue
			}
			if err := s.store.Delete(ctx, obj.Path); err != nil {
				s.logger.ErrorContext(ctx, "failed to delete orphan", "path", obj.Path, "err", err)
				result.Failed = append(result.Failed, obj.Path)
				continue
			}
			result.Deleted++
			s.logger.InfoContext(ctx, "orphan deleted", "path", obj.Path, "size", obj.Size)
		}

		if opts.OnProgress != nil {
			opts.OnProgress(result.Checked, len(result.Orphans))
		}
	}
	return result, nil
}
