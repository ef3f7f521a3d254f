// Package identity validates bearer tokens issued for status page users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("jwt secret key is required")
)

// Claims is the payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// Config contains token validator configuration.
type Config struct {
	SecretKey string
	Issuer    string
}

// Validator checks HS256 bearer tokens. It implements httputil.TokenValidator.
type Validator struct {
	key    []byte
	issuer string
	parser *jwt.Parser
}

// NewValidator creates a new Validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingKey
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Validator{
		key:    []byte(cfg.SecretKey),
		issuer: cfg.Issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken returns the subject and role of a valid token.
func (v *Validator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.IsValid() {
		return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return claims.Subject, claims.Role, nil
}

// IssueToken signs an access token for userID. Tokens are normally minted by the
// account service; this is used by tooling and tests.
func (v *Validator) IssueToken(userID string, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
