package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldLinkID is the standardized structured logging key for link identifiers.
	FieldLinkID = "link_id"
	// FieldBatchID is the standardized structured logging key for claim cohort identifiers.
	FieldBatchID = "batch_id"
	// FieldOwner is the standardized structured logging key for lease owners.
	FieldOwner = "owner"
)

type contextKey int

const (
	linkIDKey contextKey = iota
	batchIDKey
)

// WithLinkID returns a context carrying the link identifier for log enrichment.
func WithLinkID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, linkIDKey, id)
}

// WithBatchID returns a context carrying the claim cohort identifier.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey, batchID)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if id, ok := ctx.Value(linkIDKey).(int64); ok && id > 0 {
		fields = append(fields, slog.Int64(FieldLinkID, id))
	}
	if batch, ok := ctx.Value(batchIDKey).(string); ok && batch != "" {
		fields = append(fields, slog.String(FieldBatchID, batch))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
