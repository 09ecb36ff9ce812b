package auth

import (
	"errors"
	"time"

	"github.com/briefly/metering/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrMissingTenantID  = errors.New("missing tenant_id in claims")
	ErrTokenRevoked     = errors.New("token has been revoked")
)

// Scopes carried by platform-issued tokens. A token with no scopes grants
// full tenant access; scoped tokens are limited to what they name.
const (
	ScopeUsageRead      = "usage:read"
	ScopeUsageWrite     = "usage:write"
	ScopeStatementsRead = "statements:read"
)

// Claims represents the claims the platform places in metering tokens.
// UserID is empty on service-to-service tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// JWTService verifies platform-issued access tokens. The platform and this
// service share the HS256 secret, so the service can also mint tokens for
// tests, tooling, and single-binary deployments.
type JWTService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewJWTService creates a new JWT service.
func NewJWTService(cfg config.AuthConfig) *JWTService {
	return &JWTService{
		secret:     []byte(cfg.JWTSecret),
		expiration: cfg.AccessTokenExpiration,
		issuer:     cfg.JWTIssuer,
	}
}

// GenerateTokenInput contains input for token generation.
type GenerateTokenInput struct {
	TenantID uuid.UUID
	UserID   uuid.UUID // uuid.Nil for service tokens
	Scopes   []string
}

// GenerateToken mints a signed access token for the given tenant.
func (s *JWTService) GenerateToken(input GenerateTokenInput) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.expiration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   input.TenantID.String(),
			Audience:  jwt.ClaimStrings{s.issuer},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TenantID: input.TenantID.String(),
		Scopes:   input.Scopes,
	}
	if input.UserID != uuid.Nil {
		claims.UserID = input.UserID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// ValidateToken validates a token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	// Every metering token is tenant-bound
	if claims.TenantID == "" {
		return nil, ErrMissingTenantID
	}

	return claims, nil
}

// GetTenantUUID extracts and parses the tenant ID from claims.
func (c *Claims) GetTenantUUID() (uuid.UUID, error) {
	return uuid.Parse(c.TenantID)
}

// GetUserUUID extracts the user ID from claims. Service tokens carry no
// user; the second return reports whether one was present and valid.
func (c *Claims) GetUserUUID() (uuid.UUID, bool) {
	if c.UserID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// HasScope checks if the claims contain a specific scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the token may perform operations requiring
// the given scope. Unscoped tokens grant full tenant access.
func (c *Claims) AllowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	return c.HasScope(scope)
}

// GetIssuedAtTime returns the token's issued-at time as time.Time
func (c *Claims) GetIssuedAtTime() time.Time {
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// GetExpiresAtTime returns the token's expiration time as time.Time
func (c *Claims) GetExpiresAtTime() time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Time{}
}

// GetRemainingTTL returns the remaining time until the token expires
func (c *Claims) GetRemainingTTL() time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	remaining := time.Until(c.ExpiresAt.Time)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetAccessTokenExpiration returns the access token expiration duration
func (s *JWTService) GetAccessTokenExpiration() time.Duration {
	return s.expiration
}
