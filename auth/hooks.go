package auth

import (
	"errors"
	"net/http"
	"strings"
)

// MiddlewareConfig holds configuration for the authentication middleware.
type MiddlewareConfig struct {
	Validator   TokenValidator // The configured token validator
	TokenHeader string         // e.g., "Authorization"
	TokenPrefix string         // e.g., "Bearer "
	QueryParam  string         // e.g., "token"; browsers cannot set headers on WebSocket upgrades
}

// NewMiddleware wraps next so that only requests with a valid token reach
// it. The authenticated Principal is stored in the request context.
func NewMiddleware(config MiddlewareConfig, next http.Handler) (http.Handler, error) {
	if config.Validator == nil {
		return nil, errors.New("TokenValidator is required in MiddlewareConfig")
	}
	if config.TokenHeader == "" {
		config.TokenHeader = "Authorization" // Default header
	}
	if config.TokenPrefix == "" {
		config.TokenPrefix = "Bearer " // Default prefix
	}
	if config.QueryParam == "" {
		config.QueryParam = "token"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r, config.TokenHeader, config.TokenPrefix, config.QueryParam)
		if tokenString == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}

		principal, err := config.Validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	}), nil
}

// TokenFromRequest extracts a token from the header (stripping prefix) or,
// failing that, from the query parameter.
func TokenFromRequest(r *http.Request, header, prefix, queryParam string) string {
	if value := r.Header.Get(header); value != "" {
		if len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
			return strings.TrimSpace(value[len(prefix):])
		}
		return strings.TrimSpace(value)
	}
	if queryParam != "" {
		return r.URL.Query().Get(queryParam)
	}
	return ""
}
