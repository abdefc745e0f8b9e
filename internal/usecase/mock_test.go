//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/domain/ports/repository"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// =============================
// Transaction manager
// =============================

// MockTxManager serializes every WithTx call on one mutex, which is a stricter
// version of the per-key advisory lock used in Postgres.
type MockTxManager struct {
	mu         sync.Mutex
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager { return &MockTxManager{} }

var _ repository.TransactionManager = (*MockTxManager)(nil)

func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, "mem-tx")
}

// =============================
// Repositories
// =============================

// ---- Transactions ----

type MockTransactionRepo struct {
	mu        sync.RWMutex
	byID      map[string]*model.Transaction
	byExt     map[string]string
	raw       []*model.RawEvent
	responses map[string]*model.StoredResponse

	UpdateFunc func(ctx context.Context, tx repository.Tx, t *model.Transaction) error
}

func NewMockTransactionRepo() *MockTransactionRepo {
	return &MockTransactionRepo{
		byID:      map[string]*model.Transaction{},
		byExt:     map[string]string{},
		responses: map[string]*model.StoredResponse{},
	}
}

var _ repository.TransactionRepository = (*MockTransactionRepo)(nil)

func extKey(provider, ext string) string { return provider + "|" + ext }

func (m *MockTransactionRepo) Lock(ctx context.Context, tx repository.Tx, key string) error {
	return nil
}

func (m *MockTransactionRepo) Insert(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byExt[extKey(t.Provider, t.ExternalID)]; dup {
		return domain.ErrAlreadyExists
	}
	cp := *t
	m.byID[t.InternalID] = &cp
	m.byExt[extKey(t.Provider, t.ExternalID)] = t.InternalID
	return nil
}

func (m *MockTransactionRepo) Update(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[t.InternalID]; !ok {
		return domain.ErrNotFound
	}
	cp := *t
	m.byID[t.InternalID] = &cp
	return nil
}

func (m *MockTransactionRepo) FindByExternalID(ctx context.Context, tx repository.Tx, provider, externalID string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExt[extKey(provider, externalID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MockTransactionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockTransactionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Transaction
	for _, t := range m.byID {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockTransactionRepo) ListOpenOlderThan(ctx context.Context, tx repository.Tx, providers []string, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := map[string]bool{}
	for _, p := range providers {
		want[p] = true
	}
	var out []*model.Transaction
	for _, t := range m.byID {
		if want[t.Provider] && !t.State.Terminal() && !t.UpdatedAt.After(olderThan) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockTransactionRepo) SumCompletedByProvider(ctx context.Context, tx repository.Tx, since time.Time) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int64{}
	for _, t := range m.byID {
		if t.State == model.StateCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			out[t.Provider] += t.Amount
		}
	}
	return out, nil
}

func (m *MockTransactionRepo) CountByState(ctx context.Context, tx repository.Tx) (map[model.State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[model.State]int{}
	for _, t := range m.byID {
		out[t.State]++
	}
	return out, nil
}

func (m *MockTransactionRepo) AppendRawEvent(ctx context.Context, tx repository.Tx, e *model.RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.raw = append(m.raw, &cp)
	return nil
}

func (m *MockTransactionRepo) ListRawEvents(ctx context.Context, tx repository.Tx, transactionID string) ([]*model.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.RawEvent
	for _, e := range m.raw {
		if e.TransactionID == transactionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func respKey(id string, a model.Action) string { return id + "|" + string(a) }

func (m *MockTransactionRepo) SaveResponse(ctx context.Context, tx repository.Tx, r *model.StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := respKey(r.TransactionID, r.Action)
	if _, dup := m.responses[k]; dup {
		return domain.ErrAlreadyExists
	}
	cp := *r
	m.responses[k] = &cp
	return nil
}

func (m *MockTransactionRepo) FindResponse(ctx context.Context, tx repository.Tx, transactionID string, action model.Action) (*model.StoredResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.responses[respKey(transactionID, action)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ---- Plans ----

type MockPlanRepo struct {
	mu    sync.RWMutex
	plans map[string]*model.Plan
}

func NewMockPlanRepo(plans ...*model.Plan) *MockPlanRepo {
	m := &MockPlanRepo{plans: map[string]*model.Plan{}}
	for _, p := range plans {
		m.plans[p.ID] = p
	}
	return m
}

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func (m *MockPlanRepo) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *MockPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockPlanRepo) FindByProviderRef(ctx context.Context, tx repository.Tx, provider, ref string) (*model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.ProviderRefs[provider] == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Plan
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- Users ----

type MockUserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.User

	UpdateSubscriptionFunc func(ctx context.Context, tx repository.Tx, u *model.User) error
}

func NewMockUserRepo() *MockUserRepo {
	return &MockUserRepo{users: map[string]*model.User{}}
}

var _ repository.UserRepository = (*MockUserRepo)(nil)

func (m *MockUserRepo) put(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *MockUserRepo) get(id string) *model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (m *MockUserRepo) Ensure(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		u, err := model.NewUser(id)
		if err != nil {
			return err
		}
		m.users[id] = u
	}
	return nil
}

func (m *MockUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	if u := m.get(id); u != nil {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockUserRepo) UpdateSubscription(ctx context.Context, tx repository.Tx, u *model.User) error {
	if m.UpdateSubscriptionFunc != nil {
		return m.UpdateSubscriptionFunc(ctx, tx, u)
	}
	m.put(u)
	return nil
}

func (m *MockUserRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.User
	for _, u := range m.users {
		s := u.Subscription
		if s.Tier != model.TierFree && s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockUserRepo) CountByTier(ctx context.Context, tx repository.Tx) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for _, u := range m.users {
		out[u.Subscription.Tier]++
	}
	return out, nil
}

// ---- Reconciliation jobs ----

type MockReconciliationRepo struct {
	mu   sync.RWMutex
	jobs map[string]*model.ReconciliationJob

	enqueued int
}

func NewMockReconciliationRepo() *MockReconciliationRepo {
	return &MockReconciliationRepo{jobs: map[string]*model.ReconciliationJob{}}
}

var _ repository.ReconciliationRepository = (*MockReconciliationRepo)(nil)

func (m *MockReconciliationRepo) Enqueue(ctx context.Context, tx repository.Tx, j *model.ReconciliationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.TransactionID]; ok {
		return nil
	}
	cp := *j
	m.jobs[j.TransactionID] = &cp
	m.enqueued++
	return nil
}

func (m *MockReconciliationRepo) Find(ctx context.Context, tx repository.Tx, id string) (*model.ReconciliationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MockReconciliationRepo) Update(ctx context.Context, tx repository.Tx, j *model.ReconciliationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.TransactionID] = &cp
	return nil
}

func (m *MockReconciliationRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.ReconciliationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ReconciliationJob
	for _, j := range m.jobs {
		if j.Status == model.ReconcilePending && !j.NextAttemptAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockReconciliationRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.ReconcileStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[model.ReconcileStatus]int{}
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

// =============================
// Adapters
// =============================

type MockNotifier struct {
	mu   sync.Mutex
	Sent []string
}

var _ adapter.Notifier = (*MockNotifier)(nil)

func (n *MockNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, text)
	return nil
}

func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}

type MockReceiptProvider struct {
	name string
	mu   sync.Mutex
	seq  int

	Status    map[string]adapter.ReceiptStatus
	Cancelled []string

	CreateFunc func(ctx context.Context, order adapter.ReceiptOrder) (*adapter.Receipt, error)
	CheckFunc  func(ctx context.Context, id string) (adapter.ReceiptStatus, error)
	CancelFunc func(ctx context.Context, id string) error
}

func NewMockReceiptProvider(name string) *MockReceiptProvider {
	return &MockReceiptProvider{name: name, Status: map[string]adapter.ReceiptStatus{}}
}

var _ adapter.ReceiptProvider = (*MockReceiptProvider)(nil)

func (m *MockReceiptProvider) Name() string { return m.name }

func (m *MockReceiptProvider) CreateReceipt(ctx context.Context, order adapter.ReceiptOrder) (*adapter.Receipt, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, order)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("rcpt-%d", m.seq)
	m.Status[id] = adapter.ReceiptPending
	return &adapter.Receipt{ID: id, CheckoutURL: "https://checkout.test/" + id}, nil
}

func (m *MockReceiptProvider) CheckReceipt(ctx context.Context, id string) (adapter.ReceiptStatus, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status[id], nil
}

func (m *MockReceiptProvider) CancelReceipt(ctx context.Context, id string) error {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, id)
	m.Status[id] = adapter.ReceiptCancelled
	return nil
}

func (m *MockReceiptProvider) set(id string, s adapter.ReceiptStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Status[id] = s
}

type MockLinker struct{ name string }

var _ adapter.CheckoutLinker = (*MockLinker)(nil)

func (l *MockLinker) Name() string { return l.name }

func (l *MockLinker) CheckoutURL(externalID string, amount int64, ref string) (string, error) {
	return fmt.Sprintf("https://pay.test/?service_id=%s&transaction_param=%s&amount=%d", ref, externalID, amount), nil
}

type MockRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *MockRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[key]++
	return r.counts[key] <= limit, nil
}

// =============================
// Fixtures
// =============================

func silverPlan() *model.Plan {
	return &model.Plan{
		ID:           "silver_monthly",
		Tier:         "silver",
		DurationDays: 30,
		Recurring:    true,
		Prices:       map[string]int64{model.ProviderClick: 1500000, model.ProviderPayme: 1500000},
		ProviderRefs: map[string]string{model.ProviderClick: "80012"},
	}
}

func goldOneTime() *model.Plan {
	return &model.Plan{
		ID:           "gold_one_time",
		Tier:         "gold",
		DurationDays: 30,
		Prices:       map[string]int64{model.ProviderPayme: 5000000},
	}
}
