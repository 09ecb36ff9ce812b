package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/billing"
	"github.com/briefly/metering/internal/domain/shared"
)

// ---------------------------------------------------------------------------
// StatementExecutorImpl
// ---------------------------------------------------------------------------

// StatementGenerator renders one tenant's statement for one month.
// The billing statement service satisfies it.
type StatementGenerator interface {
	GenerateStatement(ctx context.Context, tenantID uuid.UUID, month time.Time, force bool) (*billing.StatementResponse, error)
}

// StatementExecutorImpl implements StatementExecutor interface
type StatementExecutorImpl struct {
	generator StatementGenerator
	logger    *zap.Logger
}

// NewStatementExecutor creates a new statement executor
func NewStatementExecutor(generator StatementGenerator, logger *zap.Logger) *StatementExecutorImpl {
	return &StatementExecutorImpl{
		generator: generator,
		logger:    logger,
	}
}

// Execute generates the statement for the job's tenant and month.
// Tenants whose plan has no statement feature are skipped, not retried.
func (e *StatementExecutorImpl) Execute(ctx context.Context, job *StatementJob) error {
	resp, err := e.generator.GenerateStatement(ctx, job.TenantID, job.Month, false)
	if err != nil {
		var domainErr *shared.DomainError
		if errors.As(err, &domainErr) && domainErr.Code == shared.CodeFeatureNotAvailable {
			job.Skip()
			e.logger.Debug("Statement skipped, plan has no statement feature",
				zap.String("tenant_id", job.TenantID.String()),
				zap.String("month", job.Month.Format("2006-01")),
			)
			return nil
		}
		return err
	}

	job.Complete(resp.ID, resp.TotalAmount)
	return nil
}

// Ensure StatementExecutorImpl implements StatementExecutor
var _ StatementExecutor = (*StatementExecutorImpl)(nil)
