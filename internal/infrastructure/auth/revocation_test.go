package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/briefly/metering/internal/infrastructure/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryTokenRevocationList_RevokeToken(t *testing.T) {
	list := auth.NewInMemoryTokenRevocationList()
	ctx := context.Background()

	// Revoke a token
	err := list.RevokeToken(ctx, "test-jti-1", 1*time.Hour)
	require.NoError(t, err)

	// Verify it's revoked
	revoked, err := list.IsTokenRevoked(ctx, "test-jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Verify a different JTI is not revoked
	revoked, err = list.IsTokenRevoked(ctx, "test-jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestInMemoryTokenRevocationList_EntryLapses(t *testing.T) {
	list := auth.NewInMemoryTokenRevocationList()
	ctx := context.Background()

	// Revoke with very short TTL
	err := list.RevokeToken(ctx, "test-jti-expire", 1*time.Millisecond)
	require.NoError(t, err)

	// Wait for the entry to lapse
	time.Sleep(10 * time.Millisecond)

	// Should no longer be revoked
	revoked, err := list.IsTokenRevoked(ctx, "test-jti-expire")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestInMemoryTokenRevocationList_TenantRevocation(t *testing.T) {
	list := auth.NewInMemoryTokenRevocationList()
	ctx := context.Background()

	// Token issued before revocation
	tokenIssuedAt := time.Now().Add(-1 * time.Hour)

	// Initially, token should stand
	revoked, err := list.IsTenantTokenRevoked(ctx, "tenant-1", tokenIssuedAt)
	require.NoError(t, err)
	assert.False(t, revoked)

	// Revoke all tenant tokens
	err = list.RevokeTenantTokens(ctx, "tenant-1", 1*time.Hour)
	require.NoError(t, err)

	// Token issued before revocation should be rejected
	revoked, err = list.IsTenantTokenRevoked(ctx, "tenant-1", tokenIssuedAt)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Token issued after revocation should stand
	futureToken := time.Now().Add(1 * time.Second)
	time.Sleep(2 * time.Millisecond) // Ensure future token is after revocation
	revoked, err = list.IsTenantTokenRevoked(ctx, "tenant-1", futureToken)
	require.NoError(t, err)
	assert.False(t, revoked)

	// Different tenant should not be affected
	revoked, err = list.IsTenantTokenRevoked(ctx, "tenant-2", tokenIssuedAt)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestInMemoryTokenRevocationList_MultipleTokens(t *testing.T) {
	list := auth.NewInMemoryTokenRevocationList()
	ctx := context.Background()

	// Revoke multiple tokens
	for i := 0; i < 10; i++ {
		jti := "test-jti-" + string(rune('a'+i))
		err := list.RevokeToken(ctx, jti, 1*time.Hour)
		require.NoError(t, err)
	}

	// Verify all are revoked
	for i := 0; i < 10; i++ {
		jti := "test-jti-" + string(rune('a'+i))
		revoked, err := list.IsTokenRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, "token %s should be revoked", jti)
	}

	// Non-revoked token should return false
	revoked, err := list.IsTokenRevoked(ctx, "not-revoked")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestTokenRevocationList_Interface(t *testing.T) {
	var _ auth.TokenRevocationList = (*auth.InMemoryTokenRevocationList)(nil)
	var _ auth.TokenRevocationList = auth.NewInMemoryTokenRevocationList()
	var _ auth.TokenRevocationList = (*auth.RedisTokenRevocationList)(nil)
}
