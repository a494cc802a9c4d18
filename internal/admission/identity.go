package admission

import (
	"context"
	"net/http"

	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// Identity is what the identity-resolution collaborator supplies per request.
// The identifier partitions all quota, violation, and ban state.
type Identity struct {
	Identifier   string
	Tier         model.Tier
	CredentialID string
	UserID       string
}

// Resolver resolves the caller identity for one request. Resolution priority:
// authenticated user > credential > network address.
type Resolver interface {
	Resolve(r *http.Request) Identity
}

type contextKey int

const identityKey contextKey = iota

// WithIdentity stashes a resolved identity in the context. Authentication
// middleware calls this before the admission pipeline runs.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom retrieves a previously resolved identity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// ContextResolver reads the identity placed in the request context by
// upstream authentication, falling back to the client network address for
// anonymous traffic.
type ContextResolver struct{}

func (ContextResolver) Resolve(r *http.Request) Identity {
	if identity, ok := IdentityFrom(r.Context()); ok {
		return identity
	}
	return Identity{
		Identifier: "IP:" + util.ClientIP(r),
		Tier:       model.TierFree,
	}
}
