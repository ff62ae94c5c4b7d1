package simplemedia

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) MediaCreated(ctx context.Context, media *Media) error { return nil }

func (n *NoopEventSink) MediaDeduplicated(ctx context.Context, media *Media, requester uuid.UUID) error {
	return nil
}

func (n *NoopEventSink) MediaStatusChanged(ctx context.Context, media *Media, from MediaStatus) error {
	return nil
}

func (n *NoopEventSink) MediaDeleted(ctx context.Context, media *Media) error { return nil }

func (n *NoopEventSink) AssociationAttached(ctx context.Context, assoc *Association) error {
	return nil
}

func (n *NoopEventSink) AssociationDetached(ctx context.Context, key AssociationKey) error {
	return nil
}

// LoggingEventSink writes every lifecycle event to a structured logger
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates a new logging event sink
func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger.With("component", "events")}
}

func (l *LoggingEventSink) MediaCreated(ctx context.Context, media *Media) error {
	l.logger.InfoContext(ctx, "media created",
		"media_id", media.ID, "owner_id", media.OwnerID, "mime_type", media.MimeType, "size", media.Size)
	return nil
}

func (l *LoggingEventSink) MediaDeduplicated(ctx context.Context, media *Media, requester uuid.UUID) error {
	l.logger.InfoContext(ctx, "media deduplicated",
		"media_id", media.ID, "requester_id", requester, "hash", media.Hash)
	return nil
}

func (l *LoggingEventSink) MediaStatusChanged(ctx context.Context, media *Media, from MediaStatus) error {
	l.logger.InfoContext(ctx, "media status changed",
		"media_id", media.ID, "from", from, "to", media.Status)
	return nil
}

func (l *LoggingEventSink) MediaDeleted(ctx context.Context, media *Media) error {
	l.logger.InfoContext(ctx, "media deleted", "media_id", media.ID, "owner_id", media.OwnerID)
	return nil
}

func (l *LoggingEventSink) AssociationAttached(ctx context.Context, assoc *Association) error {
	l.logger.InfoContext(ctx, "association attached",
		"media_id", assoc.MediaID, "associatable_type", assoc.AssociatableType,
		"associatable_id", assoc.AssociatableID, "role", assoc.Role)
	return nil
}

func (l *LoggingEventSink) AssociationDetached(ctx context.Context, key AssociationKey) error {
	l.logger.InfoContext(ctx, "association detached",
		"media_id", key.MediaID, "associatable_type", key.AssociatableType,
		"associatable_id", key.AssociatableID, "role", key.Role)
	return nil
}

// MultiEventSink fans events out to several sinks and joins their errors
type MultiEventSink []EventSink

// NewMultiEventSink combines sinks, skipping nil entries
func NewMultiEventSink(sinks ...EventSink) EventSink {
	var out MultiEventSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiEventSink) each(fn func(EventSink) error) error {
	var errs []error
	for _, s := range m {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiEventSink) MediaCreated(ctx context.Context, media *Media) error {
	return m.each(func(s EventSink) error { return s.MediaCreated(ctx, media) })
}

func (m MultiEventSink) MediaDeduplicated(ctx context.Context, media *Media, requester uuid.UUID) error {
	return m.each(func(s EventSink) error { return s.MediaDeduplicated(ctx, media, requester) })
}

func (m MultiEventSink) MediaStatusChanged(ctx context.Context, media *Media, from MediaStatus) error {
	return m.each(func(s EventSink) error { return s.MediaStatusChanged(ctx, media, from) })
}

func (m MultiEventSink) MediaDeleted(ctx context.Context, media *Media) error {
	return m.each(func(s EventSink) error { return s.MediaDeleted(ctx, media) })
}

func (m MultiEventSink) AssociationAttached(ctx context.Context, assoc *Association) error {
	return m.each(func(s EventSink) error { return s.AssociationAttached(ctx, assoc) })
}

func (m MultiEventSink) AssociationDetached(ctx context.Context, key AssociationKey) error {
	return m.each(func(s EventSink) error { return s.AssociationDetached(ctx, key) })
}
