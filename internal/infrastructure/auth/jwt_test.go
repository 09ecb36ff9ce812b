package auth

import (
	"testing"
	"time"

	"github.com/briefly/metering/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJWTService() *JWTService {
	cfg := config.AuthConfig{
		JWTSecret:             "test-secret-key-at-least-32-chars",
		JWTIssuer:             "briefly-platform",
		AccessTokenExpiration: 15 * time.Minute,
	}
	return NewJWTService(cfg)
}

func newTestInput() GenerateTokenInput {
	return GenerateTokenInput{
		TenantID: uuid.New(),
		UserID:   uuid.New(),
		Scopes:   []string{ScopeUsageRead, ScopeUsageWrite},
	}
}

func TestNewJWTService(t *testing.T) {
	cfg := config.AuthConfig{
		JWTSecret:             "test-secret",
		JWTIssuer:             "briefly-platform",
		AccessTokenExpiration: 15 * time.Minute,
	}

	svc := NewJWTService(cfg)

	assert.NotNil(t, svc)
	assert.Equal(t, []byte(cfg.JWTSecret), svc.secret)
	assert.Equal(t, cfg.AccessTokenExpiration, svc.expiration)
	assert.Equal(t, cfg.JWTIssuer, svc.issuer)
}

func TestGenerateToken(t *testing.T) {
	svc := newTestJWTService()
	input := newTestInput()

	token, expiresAt, err := svc.GenerateToken(input)

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))
}

func TestValidateToken_Success(t *testing.T) {
	svc := newTestJWTService()
	input := newTestInput()

	token, _, err := svc.GenerateToken(input)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, input.TenantID.String(), claims.TenantID)
	assert.Equal(t, input.UserID.String(), claims.UserID)
	assert.Equal(t, input.Scopes, claims.Scopes)
	assert.Equal(t, "briefly-platform", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken_ServiceToken(t *testing.T) {
	svc := newTestJWTService()

	// Service-to-service tokens carry a tenant but no user
	token, _, err := svc.GenerateToken(GenerateTokenInput{
		TenantID: uuid.New(),
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)

	require.NoError(t, err)
	assert.Empty(t, claims.UserID)

	_, ok := claims.GetUserUUID()
	assert.False(t, ok)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	cfg := config.AuthConfig{
		JWTSecret:             "test-secret-key-at-least-32-chars",
		JWTIssuer:             "briefly-platform",
		AccessTokenExpiration: -1 * time.Hour, // Already expired
	}
	svc := NewJWTService(cfg)
	input := newTestInput()

	token, _, err := svc.GenerateToken(input)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)

	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_InvalidToken(t *testing.T) {
	svc := newTestJWTService()

	_, err := svc.ValidateToken("invalid-token")

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_DifferentSecret(t *testing.T) {
	svc1 := newTestJWTService()
	input := newTestInput()

	token, _, err := svc1.GenerateToken(input)
	require.NoError(t, err)

	// Create service with different secret
	cfg := config.AuthConfig{
		JWTSecret:             "different-secret-key-32-chars!",
		JWTIssuer:             "briefly-platform",
		AccessTokenExpiration: 15 * time.Minute,
	}
	svc2 := NewJWTService(cfg)

	_, err = svc2.ValidateToken(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_MissingTenantID(t *testing.T) {
	svc := newTestJWTService()

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    "briefly-platform",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(svc.secret)
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)

	assert.ErrorIs(t, err, ErrMissingTenantID)
}

func TestValidateToken_WrongSigningMethod(t *testing.T) {
	svc := newTestJWTService()

	// alg=none tokens must never pass
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		TenantID: uuid.New().String(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaims_GetTenantUUID(t *testing.T) {
	svc := newTestJWTService()
	input := newTestInput()

	token, _, err := svc.GenerateToken(input)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)

	tenantUUID, err := claims.GetTenantUUID()

	require.NoError(t, err)
	assert.Equal(t, input.TenantID, tenantUUID)
}

func TestClaims_GetUserUUID(t *testing.T) {
	svc := newTestJWTService()
	input := newTestInput()

	token, _, err := svc.GenerateToken(input)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)

	userUUID, ok := claims.GetUserUUID()

	assert.True(t, ok)
	assert.Equal(t, input.UserID, userUUID)
}

func TestClaims_GetUserUUID_Malformed(t *testing.T) {
	claims := &Claims{UserID: "not-a-uuid"}

	_, ok := claims.GetUserUUID()

	assert.False(t, ok)
}

func TestClaims_HasScope(t *testing.T) {
	claims := &Claims{
		Scopes: []string{ScopeUsageRead, ScopeUsageWrite},
	}

	assert.True(t, claims.HasScope(ScopeUsageRead))
	assert.True(t, claims.HasScope(ScopeUsageWrite))
	assert.False(t, claims.HasScope(ScopeStatementsRead))
}

func TestClaims_AllowsScope(t *testing.T) {
	t.Run("unscoped token grants everything", func(t *testing.T) {
		claims := &Claims{}

		assert.True(t, claims.AllowsScope(ScopeUsageRead))
		assert.True(t, claims.AllowsScope(ScopeUsageWrite))
		assert.True(t, claims.AllowsScope(ScopeStatementsRead))
	})

	t.Run("scoped token is limited to its scopes", func(t *testing.T) {
		claims := &Claims{
			Scopes: []string{ScopeUsageRead},
		}

		assert.True(t, claims.AllowsScope(ScopeUsageRead))
		assert.False(t, claims.AllowsScope(ScopeUsageWrite))
	})
}

func TestClaims_TimeHelpers(t *testing.T) {
	svc := newTestJWTService()
	input := newTestInput()

	token, expiresAt, err := svc.GenerateToken(input)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now(), claims.GetIssuedAtTime(), 5*time.Second)
	assert.WithinDuration(t, expiresAt, claims.GetExpiresAtTime(), time.Second)
	assert.Greater(t, claims.GetRemainingTTL(), 14*time.Minute)
}

func TestClaims_TimeHelpers_ZeroClaims(t *testing.T) {
	claims := &Claims{}

	assert.True(t, claims.GetIssuedAtTime().IsZero())
	assert.True(t, claims.GetExpiresAtTime().IsZero())
	assert.Equal(t, time.Duration(0), claims.GetRemainingTTL())
}
