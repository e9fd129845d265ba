// ABOUTME: Owner identity carried through request handlers
// ABOUTME: Provides WithOwner/OwnerFromContext for propagating the caller via context

package auth

import (
	"context"
)

// Identity is the authenticated caller. Every persisted session is scoped to OwnerID.
type Identity struct {
	OwnerID string
	// DevMode is set when the owner came from the X-Owner-ID header instead of a token.
	DevMode bool
}

type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// OwnerFromContext returns the owner ID, or "" for an unauthenticated context.
func OwnerFromContext(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.OwnerID
	}
	return ""
}
