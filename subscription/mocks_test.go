package subscription

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(store Store, plans PlanSource, payments PaymentCoordinator, auth Authorizer, clock Clock, leases models.Leaser) *Service {
	return NewService(ServiceConfig{
		Logger:   testLogger(),
		Store:    store,
		Plans:    plans,
		Payments: payments,
		Auth:     auth,
		Clock:    clock,
		Leases:   leases,
	})
}

func basicPlan(id string, price float64, interval models.BillingInterval) *models.SubscriptionPlan {
	return &models.SubscriptionPlan{
		ID:                    id,
		Name:                  id,
		Price:                 decimal.NewFromFloat(price),
		Currency:              "USD",
		BillingInterval:       interval,
		MaxBusinesses:         models.UnlimitedQuota,
		MaxStaffPerBusiness:   models.UnlimitedQuota,
		MaxAppointmentsPerDay: models.UnlimitedQuota,
		IsActive:              true,
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func notFoundResult[T any]() utils.Result[T] {
	return utils.FailedResult[T](gorm.ErrRecordNotFound).NonCapturable().NonRetryable()
}

// memoryStore is an in-memory Store. All methods are safe for concurrent use
// so the renewal processor tests can run with real parallelism.
type memoryStore struct {
	mu    sync.Mutex
	subs  map[string]*models.BusinessSubscription
	usage map[string]*models.BusinessUsage

	createErr error
	updateErr error
	fetchErr  map[string]error

	updateCalls int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		subs:     map[string]*models.BusinessSubscription{},
		usage:    map[string]*models.BusinessUsage{},
		fetchErr: map[string]error{},
	}
}

func (m *memoryStore) add(sub *models.BusinessSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *sub
	m.subs[sub.ID] = &copied
}

func (m *memoryStore) get(id string) *models.BusinessSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		copied := *sub
		return &copied
	}
	return nil
}

func (m *memoryStore) setUsage(businessID string, usage models.BusinessUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage.BusinessID = businessID
	m.usage[businessID] = &usage
}

func (m *memoryStore) FetchLiveSubscription(businessID string) utils.Result[*models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.BusinessSubscription
	for _, sub := range m.subs {
		if sub.BusinessID != businessID || !sub.Status.Live() {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return notFoundResult[*models.BusinessSubscription]()
	}

	copied := *latest
	return utils.SuccessResult(&copied)
}

func (m *memoryStore) FetchSubscription(id string) utils.Result[*models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.fetchErr[id]; ok {
		return utils.FailedResult[*models.BusinessSubscription](err)
	}

	sub, ok := m.subs[id]
	if !ok {
		return notFoundResult[*models.BusinessSubscription]()
	}

	copied := *sub
	return utils.SuccessResult(&copied)
}

func (m *memoryStore) FetchLatestSubscription(businessID string) utils.Result[*models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.BusinessSubscription
	for _, sub := range m.subs {
		if sub.BusinessID != businessID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return notFoundResult[*models.BusinessSubscription]()
	}

	copied := *latest
	return utils.SuccessResult(&copied)
}

func (m *memoryStore) FetchSubscriptionHistory(businessID string) utils.Result[[]models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []models.BusinessSubscription
	for _, sub := range m.subs {
		if sub.BusinessID == businessID {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})

	return utils.SuccessResult(subs)
}

func (m *memoryStore) CreateSubscription(sub *models.BusinessSubscription) utils.Result[*models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return utils.FailedResult[*models.BusinessSubscription](m.createErr)
	}

	copied := *sub
	m.subs[sub.ID] = &copied
	return utils.SuccessResult(sub)
}

func (m *memoryStore) UpdateSubscription(sub *models.BusinessSubscription) utils.Result[*models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateCalls++
	if m.updateErr != nil {
		return utils.FailedResult[*models.BusinessSubscription](m.updateErr)
	}

	stored, ok := m.subs[sub.ID]
	if !ok || stored.LockVersion != sub.LockVersion {
		return utils.FailedResult[*models.BusinessSubscription](models.ErrStaleSubscription).NonCapturable()
	}

	sub.LockVersion++
	copied := *sub
	m.subs[sub.ID] = &copied
	return utils.SuccessResult(sub)
}

func (m *memoryStore) FetchExpiredSubscriptions(now time.Time, limit int) utils.Result[[]models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []models.BusinessSubscription
	for _, sub := range m.subs {
		if !sub.Status.Live() || sub.CurrentPeriodEnd.After(now) {
			continue
		}
		if sub.CancelAtPeriodEnd || !sub.AutoRenewal || !sub.PaymentMethodID.Valid {
			subs = append(subs, *sub)
		}
	}
	if len(subs) > limit {
		subs = subs[:limit]
	}

	return utils.SuccessResult(subs)
}

func (m *memoryStore) FetchSubscriptionsForRenewal(now time.Time, limit int) utils.Result[[]models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []models.BusinessSubscription
	for _, sub := range m.subs {
		if !sub.Status.Live() || sub.CurrentPeriodEnd.After(now) {
			continue
		}
		if sub.AutoRenewal && !sub.CancelAtPeriodEnd && sub.PaymentMethodID.Valid {
			subs = append(subs, *sub)
		}
	}
	if len(subs) > limit {
		subs = subs[:limit]
	}

	return utils.SuccessResult(subs)
}

func (m *memoryStore) FetchTrialsEndingSoon(now time.Time, within time.Duration, limit int) utils.Result[[]models.BusinessSubscription] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []models.BusinessSubscription
	for _, sub := range m.subs {
		if sub.Status != models.StatusTrial || !sub.TrialEndsAt.Valid {
			continue
		}
		if sub.TrialEndsAt.Time.After(now) && !sub.TrialEndsAt.Time.After(now.Add(within)) {
			subs = append(subs, *sub)
		}
	}
	if len(subs) > limit {
		subs = subs[:limit]
	}

	return utils.SuccessResult(subs)
}

func (m *memoryStore) FetchBusinessUsage(businessID string, now time.Time) utils.Result[*models.BusinessUsage] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage, ok := m.usage[businessID]; ok {
		copied := *usage
		return utils.SuccessResult(&copied)
	}

	return utils.SuccessResult(&models.BusinessUsage{BusinessID: businessID})
}

// mapPlans serves plans from a fixed map.
type mapPlans map[string]*models.SubscriptionPlan

func (p mapPlans) GetPlan(id string) utils.Result[*models.SubscriptionPlan] {
	if plan, ok := p[id]; ok {
		copied := *plan
		return utils.SuccessResult(&copied)
	}
	return notFoundResult[*models.SubscriptionPlan]()
}

// mockAuthorizer grants everything unless an error is injected.
type mockAuthorizer struct {
	err   error
	calls int
}

func (a *mockAuthorizer) Require(ctx context.Context, userID string, permission string, scope *PermissionScope) error {
	a.calls++
	return a.err
}

func (a *mockAuthorizer) Has(ctx context.Context, userID string, resource string, action string) bool {
	return a.err == nil
}

// mockPayments records every call and answers with the configured results.
// The zero value approves everything.
type mockPayments struct {
	mu sync.Mutex

	prorationResult *PaymentResult
	prorationErr    error
	renewalResult   *PaymentResult
	renewalErr      error
	methods         []PaymentMethod

	prorationCalls []*ProrationPaymentRequest
	renewalCalls   []*RenewalPaymentRequest
}

func (p *mockPayments) CreateProrationPayment(ctx context.Context, req *ProrationPaymentRequest) (*PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prorationCalls = append(p.prorationCalls, req)
	if p.prorationErr != nil {
		return nil, p.prorationErr
	}
	if p.prorationResult != nil {
		return p.prorationResult, nil
	}
	return &PaymentResult{Success: true, PaymentID: "pay_proration_1"}, nil
}

func (p *mockPayments) CreateRenewalPayment(ctx context.Context, req *RenewalPaymentRequest) (*PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.renewalCalls = append(p.renewalCalls, req)
	if p.renewalErr != nil {
		return nil, p.renewalErr
	}
	if p.renewalResult != nil {
		return p.renewalResult, nil
	}
	return &PaymentResult{Success: true, PaymentID: "pay_renewal_1"}, nil
}

func (p *mockPayments) GetStoredPaymentMethods(ctx context.Context, businessID string) ([]PaymentMethod, error) {
	return p.methods, nil
}

func (p *mockPayments) StorePaymentMethod(ctx context.Context, businessID string, card *CardData, makeDefault bool) (*PaymentMethod, error) {
	method := PaymentMethod{ID: "pm_stored_1", Default: makeDefault}
	p.mu.Lock()
	p.methods = append(p.methods, method)
	p.mu.Unlock()
	return &method, nil
}

func (p *mockPayments) prorationCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prorationCalls)
}

func (p *mockPayments) renewalCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.renewalCalls)
}
