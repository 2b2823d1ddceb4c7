// Package auth defines interfaces and structures for authenticating
// listeners of the clip monitor with bearer JWTs.
package auth

import (
	"context"
	"errors"
)

// ErrAuthenticationFailed is wrapped by every rejected token.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrMissingToken is returned when a request carries no token.
var ErrMissingToken = errors.New("missing authentication token")

// Principal represents the authenticated entity after successful token
// validation. It can carry claims from the token.
type Principal interface {
	// GetClaims returns the claims associated with the principal.
	GetClaims() interface{}
	// GetSubject returns a unique identifier for the principal ('sub' claim).
	GetSubject() string
}

// TokenValidator defines the interface for validating access tokens.
type TokenValidator interface {
	// ValidateToken returns the authenticated Principal if the token is
	// valid, or an error wrapping ErrAuthenticationFailed otherwise.
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

// --- Context Handling ---

// principalKeyType is the context key for storing the authenticated Principal.
type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}
