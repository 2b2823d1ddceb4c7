package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACConfig holds configuration for the shared-secret validator.
type HMACConfig struct {
	// Secret is the HS256 signing key. (Required)
	Secret []byte
	// ExpectedIssuer is the required value for the 'iss' claim. (Optional)
	ExpectedIssuer string
	// ExpectedAudience is the required value for the 'aud' claim. (Optional)
	ExpectedAudience string
	// ClockSkew defines the acceptable time difference for 'exp' and 'nbf'. Defaults to 0.
	ClockSkew time.Duration
}

// HMACTokenValidator implements the TokenValidator interface for tokens
// signed with a shared secret. Only HMAC signing methods are accepted.
type HMACTokenValidator struct {
	config HMACConfig
	parser *jwt.Parser
}

// NewHMACTokenValidator creates a new validator instance.
func NewHMACTokenValidator(config HMACConfig) (*HMACTokenValidator, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret is required in HMACConfig")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.ExpectedIssuer != "" {
		options = append(options, jwt.WithIssuer(config.ExpectedIssuer))
	}
	if config.ExpectedAudience != "" {
		options = append(options, jwt.WithAudience(config.ExpectedAudience))
	}
	if config.ClockSkew > 0 {
		options = append(options, jwt.WithLeeway(config.ClockSkew))
	}

	return &HMACTokenValidator{
		config: config,
		parser: jwt.NewParser(options...),
	}, nil
}

// jwtPrincipal implements the Principal interface for JWT claims.
type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) GetClaims() interface{} {
	return p.claims
}

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

// ValidateToken implements the TokenValidator interface.
func (v *HMACTokenValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrMissingToken)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: token expired", ErrAuthenticationFailed)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: invalid signature", ErrAuthenticationFailed)
		default:
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is invalid", ErrAuthenticationFailed)
	}

	return &jwtPrincipal{claims: claims}, nil
}

// keyFunc returns the shared secret after checking the signing method.
func (v *HMACTokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.config.Secret, nil
}

// IssueToken mints an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Ensure HMACTokenValidator implements the interface
var _ TokenValidator = (*HMACTokenValidator)(nil)
