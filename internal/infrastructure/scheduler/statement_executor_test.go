package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/billing"
	"github.com/briefly/metering/internal/domain/shared"
)

// mockStatementGenerator implements StatementGenerator for testing
type mockStatementGenerator struct {
	resp *billing.StatementResponse
	err  error

	gotTenantID uuid.UUID
	gotMonth    time.Time
	gotForce    bool
}

func (m *mockStatementGenerator) GenerateStatement(ctx context.Context, tenantID uuid.UUID, month time.Time, force bool) (*billing.StatementResponse, error) {
	m.gotTenantID = tenantID
	m.gotMonth = month
	m.gotForce = force
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func TestStatementExecutor_Execute_Success(t *testing.T) {
	statementID := uuid.New()
	generator := &mockStatementGenerator{
		resp: &billing.StatementResponse{
			ID:          statementID,
			TotalAmount: "87.20",
		},
	}
	executor := NewStatementExecutor(generator, zap.NewNop())

	tenantID := uuid.New()
	month := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	job := NewStatementJob(tenantID, month, 3)
	job.Start()

	err := executor.Execute(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, StatementJobStatusSuccess, job.Status)
	assert.Equal(t, statementID, job.StatementID)
	assert.Equal(t, "87.20", job.TotalAmount)

	// The scheduled sweep never forces regeneration
	assert.Equal(t, tenantID, generator.gotTenantID)
	assert.Equal(t, month, generator.gotMonth)
	assert.False(t, generator.gotForce)
}

func TestStatementExecutor_Execute_FeatureGatedTenantSkipped(t *testing.T) {
	generator := &mockStatementGenerator{
		err: shared.NewDomainError(shared.CodeFeatureNotAvailable,
			"Usage statements are not included in the current plan"),
	}
	executor := NewStatementExecutor(generator, zap.NewNop())

	job := NewStatementJob(uuid.New(), time.Now(), 3)
	job.Start()

	err := executor.Execute(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, StatementJobStatusSkipped, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestStatementExecutor_Execute_FailurePropagates(t *testing.T) {
	generator := &mockStatementGenerator{
		err: errors.New("renderer crashed"),
	}
	executor := NewStatementExecutor(generator, zap.NewNop())

	job := NewStatementJob(uuid.New(), time.Now(), 3)
	job.Start()

	err := executor.Execute(context.Background(), job)

	// The scheduler decides whether to retry, the executor just reports
	require.Error(t, err)
	assert.Equal(t, StatementJobStatusRunning, job.Status)
	assert.Nil(t, job.CompletedAt)
}
