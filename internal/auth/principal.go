// Package auth turns bearer tokens into an authenticated Principal and
// carries it through request contexts.
package auth

import "context"

// Roles recognised by the service.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Principal is the authenticated (org, user, role) triple attached to a
// request. All data access is scoped by OrgID.
type Principal struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Key identifies the principal for per-user shared state such as rate
// limiting. User ids are only unique within an org.
func (p Principal) Key() string {
	return p.OrgID + "/" + p.UserID
}

// Valid reports whether the principal carries both identifiers.
func (p Principal) Valid() bool {
	return p.OrgID != "" && p.UserID != ""
}

type contextKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal attached by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok && p.Valid()
}
