package auth

import "context"

// AnonymousName is the display name stamped on behalf of connections without an identity.
const AnonymousName = "anonymous"

// Identity is the authenticated principal behind a request or connection.
// The zero value is the anonymous identity.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Anonymous reports whether no principal is attached.
func (i Identity) Anonymous() bool {
	return i.ID == ""
}

// DisplayName returns the name to stamp on outgoing messages.
func (i Identity) DisplayName() string {
	if i.Anonymous() {
		return AnonymousName
	}
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// Verifier resolves a presented token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx, or the anonymous identity.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
