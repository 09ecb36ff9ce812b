package billing

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
	"github.com/briefly/metering/internal/infrastructure/statement"
)

// MockSubscriptionRepository is a mock implementation of billing.SubscriptionRepository
type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) Save(ctx context.Context, subscription *billing.TenantSubscription) error {
	args := m.Called(ctx, subscription)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.TenantSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.TenantSubscription, error) {
	args := m.Called(ctx, stripeSubscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.TenantSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindByStatus(ctx context.Context, status billing.SubscriptionStatus) ([]*billing.TenantSubscription, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.TenantSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindStale(ctx context.Context, olderThanSeconds int64, limit int) ([]*billing.TenantSubscription, error) {
	args := m.Called(ctx, olderThanSeconds, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.TenantSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Delete(ctx context.Context, tenantID uuid.UUID) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

// MockSubscriptionSource is a mock implementation of billing.SubscriptionSource
type MockSubscriptionSource struct {
	mock.Mock
}

func (m *MockSubscriptionSource) Resolve(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.TenantSubscription), args.Error(1)
}

// MockOverrideRepository is a mock implementation of billing.OverrideRepository
type MockOverrideRepository struct {
	mock.Mock
}

func (m *MockOverrideRepository) SaveLimitOverride(ctx context.Context, override *billing.LimitOverride) error {
	args := m.Called(ctx, override)
	return args.Error(0)
}

func (m *MockOverrideRepository) FindLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) (*billing.LimitOverride, error) {
	args := m.Called(ctx, tenantID, resource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.LimitOverride), args.Error(1)
}

func (m *MockOverrideRepository) FindLimitOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.LimitOverride, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.LimitOverride), args.Error(1)
}

func (m *MockOverrideRepository) DeleteLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) error {
	args := m.Called(ctx, tenantID, resource)
	return args.Error(0)
}

func (m *MockOverrideRepository) SaveFeatureOverride(ctx context.Context, override *billing.FeatureOverride) error {
	args := m.Called(ctx, override)
	return args.Error(0)
}

func (m *MockOverrideRepository) FindFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) (*billing.FeatureOverride, error) {
	args := m.Called(ctx, tenantID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.FeatureOverride), args.Error(1)
}

func (m *MockOverrideRepository) FindFeatureOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.FeatureOverride, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.FeatureOverride), args.Error(1)
}

func (m *MockOverrideRepository) DeleteFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) error {
	args := m.Called(ctx, tenantID, key)
	return args.Error(0)
}

func (m *MockOverrideRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockEntitlementsCache is a mock implementation of billing.EntitlementsCache
type MockEntitlementsCache struct {
	mock.Mock
}

func (m *MockEntitlementsCache) Get(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.TenantEntitlements), args.Error(1)
}

func (m *MockEntitlementsCache) Set(ctx context.Context, entitlements *billing.TenantEntitlements, ttl time.Duration) error {
	args := m.Called(ctx, entitlements, ttl)
	return args.Error(0)
}

func (m *MockEntitlementsCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

func (m *MockEntitlementsCache) InvalidateAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEntitlementsCache) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockUsageEventRepository is a mock implementation of metering.UsageEventRepository
type MockUsageEventRepository struct {
	mock.Mock
}

func (m *MockUsageEventRepository) Insert(ctx context.Context, event *metering.UsageEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockUsageEventRepository) InsertBatch(ctx context.Context, events []*metering.UsageEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *MockUsageEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.UsageEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.UsageEvent), args.Error(1)
}

func (m *MockUsageEventRepository) FindByIdempotencyKey(ctx context.Context, key string) (*metering.UsageEvent, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.UsageEvent), args.Error(1)
}

func (m *MockUsageEventRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) ([]*metering.UsageEvent, error) {
	args := m.Called(ctx, tenantID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.UsageEvent), args.Error(1)
}

func (m *MockUsageEventRepository) CountByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) (int64, error) {
	args := m.Called(ctx, tenantID, filter)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUsageEventRepository) SumQuantity(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) (int64, error) {
	args := m.Called(ctx, tenantID, action, start, end)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUsageEventRepository) SumByAction(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (map[metering.ActionKind]int64, error) {
	args := m.Called(ctx, tenantID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[metering.ActionKind]int64), args.Error(1)
}

func (m *MockUsageEventRepository) AggregateDaily(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) ([]metering.DailyUsage, error) {
	args := m.Called(ctx, tenantID, action, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]metering.DailyUsage), args.Error(1)
}

func (m *MockUsageEventRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUsageEventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockUsageSnapshotRepository is a mock implementation of metering.UsageSnapshotRepository
type MockUsageSnapshotRepository struct {
	mock.Mock
}

func (m *MockUsageSnapshotRepository) Upsert(ctx context.Context, snapshot *metering.UsageSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockUsageSnapshotRepository) FindByTenantAndDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (*metering.UsageSnapshot, error) {
	args := m.Called(ctx, tenantID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.UsageSnapshot), args.Error(1)
}

func (m *MockUsageSnapshotRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageSnapshotFilter) ([]*metering.UsageSnapshot, error) {
	args := m.Called(ctx, tenantID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.UsageSnapshot), args.Error(1)
}

func (m *MockUsageSnapshotRepository) FindLatestByTenant(ctx context.Context, tenantID uuid.UUID) (*metering.UsageSnapshot, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.UsageSnapshot), args.Error(1)
}

func (m *MockUsageSnapshotRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUsageSnapshotRepository) ActiveTenantIDs(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockProviderGateway is a mock implementation of billing.ProviderGateway
type MockProviderGateway struct {
	mock.Mock
}

func (m *MockProviderGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

// MockStatementRepository is a mock implementation of billing.StatementRepository
type MockStatementRepository struct {
	mock.Mock
}

func (m *MockStatementRepository) Save(ctx context.Context, statement *billing.UsageStatement) error {
	args := m.Called(ctx, statement)
	return args.Error(0)
}

func (m *MockStatementRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.UsageStatement, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsageStatement), args.Error(1)
}

func (m *MockStatementRepository) FindByTenantAndPeriod(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) (*billing.UsageStatement, error) {
	args := m.Called(ctx, tenantID, periodStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsageStatement), args.Error(1)
}

func (m *MockStatementRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.UsageStatement, error) {
	args := m.Called(ctx, tenantID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.UsageStatement), args.Error(1)
}

func (m *MockStatementRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStatementRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockEntitlementSource is a mock implementation of EntitlementSource
type MockEntitlementSource struct {
	mock.Mock
}

func (m *MockEntitlementSource) GetEntitlements(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.TenantEntitlements), args.Error(1)
}

// MockUsageCalculator is a mock implementation of UsageCalculator
type MockUsageCalculator struct {
	mock.Mock
}

func (m *MockUsageCalculator) CalculateBillingUsage(ctx context.Context, tenantID uuid.UUID, start, end time.Time, tierChangedAt *time.Time) (*appmetering.BillingUsage, error) {
	args := m.Called(ctx, tenantID, start, end, tierChangedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appmetering.BillingUsage), args.Error(1)
}

// MockPDFRenderer is a mock implementation of statement.PDFRenderer
type MockPDFRenderer struct {
	mock.Mock
}

func (m *MockPDFRenderer) Render(ctx context.Context, req *statement.RenderRequest) (*statement.RenderResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*statement.RenderResult), args.Error(1)
}

func (m *MockPDFRenderer) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockPDFStorage is a mock implementation of statement.PDFStorage
type MockPDFStorage struct {
	mock.Mock
}

func (m *MockPDFStorage) Store(ctx context.Context, req *statement.StoreRequest) (*statement.StoreResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*statement.StoreResult), args.Error(1)
}

func (m *MockPDFStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockPDFStorage) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockPDFStorage) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	args := m.Called(ctx, age)
	return args.Int(0), args.Error(1)
}

func (m *MockPDFStorage) GetURL(path string) string {
	args := m.Called(path)
	return args.String(0)
}

// MockUsageReportGateway is a mock implementation of UsageReportGateway
type MockUsageReportGateway struct {
	mock.Mock
}

func (m *MockUsageReportGateway) ReportUsage(ctx context.Context, input infrabilling.UsageReportInput) (*infrabilling.UsageReportOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*infrabilling.UsageReportOutput), args.Error(1)
}

func (m *MockUsageReportGateway) GetSubscriptionItemID(ctx context.Context, subscriptionID string) (string, error) {
	args := m.Called(ctx, subscriptionID)
	return args.String(0), args.Error(1)
}

// MockUsageReportLogRepository is a mock implementation of infrabilling.UsageReportLogRepository
type MockUsageReportLogRepository struct {
	mock.Mock
}

func (m *MockUsageReportLogRepository) Save(ctx context.Context, log *infrabilling.UsageReportLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockUsageReportLogRepository) Update(ctx context.Context, log *infrabilling.UsageReportLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockUsageReportLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*infrabilling.UsageReportLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*infrabilling.UsageReportLog), args.Error(1)
}

func (m *MockUsageReportLogRepository) FindPending(ctx context.Context, maxRetries int) ([]*infrabilling.UsageReportLog, error) {
	args := m.Called(ctx, maxRetries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*infrabilling.UsageReportLog), args.Error(1)
}

func (m *MockUsageReportLogRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*infrabilling.UsageReportLog, error) {
	args := m.Called(ctx, tenantID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*infrabilling.UsageReportLog), args.Error(1)
}

func (m *MockUsageReportLogRepository) FindByStatus(ctx context.Context, status infrabilling.UsageReportStatus, limit int) ([]*infrabilling.UsageReportLog, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*infrabilling.UsageReportLog), args.Error(1)
}

func (m *MockUsageReportLogRepository) MarkAsSuccess(ctx context.Context, id uuid.UUID, stripeRecordID string) error {
	args := m.Called(ctx, id, stripeRecordID)
	return args.Error(0)
}

func (m *MockUsageReportLogRepository) MarkAsFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	args := m.Called(ctx, id, errorMessage)
	return args.Error(0)
}

func (m *MockUsageReportLogRepository) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// capturingPublisher collects published events so async publishes can be
// awaited without racing the test
type capturingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
	signal chan struct{}
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{signal: make(chan struct{}, 16)}
}

func (p *capturingPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
	for range events {
		p.signal <- struct{}{}
	}
	return nil
}

func (p *capturingPublisher) waitForEvent(t *testing.T) shared.DomainEvent {
	t.Helper()
	select {
	case <-p.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *capturingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.EventType())
	}
	return types
}
