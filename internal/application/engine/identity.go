package engine

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/shared"
)

// IdentityProvider supplies the current user id. ok=false means no identity is
// available and the default profile is used.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (id string, ok bool)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(ctx context.Context) (string, bool)

// CurrentUserID implements IdentityProvider.
func (f IdentityFunc) CurrentUserID(ctx context.Context) (string, bool) {
	return f(ctx)
}

// StaticIdentity always reports the same user id. The empty value reports none.
type StaticIdentity string

// CurrentUserID implements IdentityProvider.
func (s StaticIdentity) CurrentUserID(context.Context) (string, bool) {
	return string(s), s != ""
}

type identityKey struct{}

// WithUserID stores a user id in ctx for ContextIdentity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// ContextIdentity reads the user id placed in the context by WithUserID.
var ContextIdentity IdentityProvider = IdentityFunc(func(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
})

func resolveUserID(ctx context.Context, p IdentityProvider) shared.UserID {
	if p == nil {
		return shared.DefaultUserID
	}
	id, ok := p.CurrentUserID(ctx)
	if !ok {
		return shared.DefaultUserID
	}
	return shared.UserID(id).OrDefault()
}
