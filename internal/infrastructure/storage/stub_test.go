package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubStorageScanner_TenantBytes(t *testing.T) {
	scanner := NewStubStorageScanner()

	t.Run("nil tenant ID returns error", func(t *testing.T) {
		total, err := scanner.TenantBytes(context.Background(), uuid.Nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tenant ID is required")
		assert.Zero(t, total)
	})

	t.Run("scan fails so reconciliation cannot zero a ledger", func(t *testing.T) {
		total, err := scanner.TenantBytes(context.Background(), uuid.New())
		require.ErrorIs(t, err, ErrScannerUnavailable)
		assert.Zero(t, total)
	})
}

func TestStubStorageScanner_TenantIDs(t *testing.T) {
	scanner := NewStubStorageScanner()

	ids, err := scanner.TenantIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
