package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	appmetering "github.com/briefly/metering/internal/application/metering"
)

// ErrScannerUnavailable is returned by StubStorageScanner for per-tenant
// scans so reconciliation fails loudly instead of zeroing a ledger
// against a scanner that sees no objects.
var ErrScannerUnavailable = errors.New("storage scanner is not configured")

// StubStorageScanner is a placeholder implementation of StorageScanner.
// Use this for development when no object storage backend is configured:
// sweeps see no tenants and become no-ops, and direct per-tenant
// reconciliation requests fail with ErrScannerUnavailable.
type StubStorageScanner struct{}

// NewStubStorageScanner creates a new StubStorageScanner
func NewStubStorageScanner() *StubStorageScanner {
	return &StubStorageScanner{}
}

// Ensure StubStorageScanner implements StorageScanner
var _ appmetering.StorageScanner = (*StubStorageScanner)(nil)

// TenantBytes always fails in stub mode.
func (s *StubStorageScanner) TenantBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, errors.New("tenant ID is required")
	}
	return 0, ErrScannerUnavailable
}

// TenantIDs returns no tenants in stub mode.
func (s *StubStorageScanner) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID{}, nil
}
