package events

import (
	"context"
)

// ctxKey is an unexported type for keys defined in this package.
type ctxKey int

const (
	ctxKeyMetadata ctxKey = iota
)

// WithMetadata attaches turn identity to ctx so that events published further
// down the call chain can be correlated with the turn.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, ctxKeyMetadata, md)
}

// MetadataFrom returns the metadata attached to ctx, if any.
func MetadataFrom(ctx context.Context) Metadata {
	if ctx == nil {
		return Metadata{}
	}
	if md, ok := ctx.Value(ctxKeyMetadata).(Metadata); ok {
		return md
	}
	return Metadata{}
}
