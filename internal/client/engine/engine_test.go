package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lunaria-app/entitlement-engine/internal/client/access"
	"github.com/lunaria-app/entitlement-engine/internal/client/backendapi"
	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/client/storeadapter"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// MockBackendAPI реализует интерфейс engine.BackendAPI
type MockBackendAPI struct {
	mock.Mock
}

func (m *MockBackendAPI) Status(ctx context.Context, installID string) (*models.StatusResponse, error) {
	args := m.Called(ctx, installID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StatusResponse), args.Error(1)
}

func (m *MockBackendAPI) Verify(ctx context.Context, req models.VerifyRequest) (*models.StatusResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StatusResponse), args.Error(1)
}

// MockStoreAdapter реализует интерфейс engine.StoreAdapter и записывает
// порядок вызовов в общий журнал для проверки verify-перед-finish.
type MockStoreAdapter struct {
	mock.Mock
	events *[]string
}

func (m *MockStoreAdapter) InitConnection(_ context.Context) func() {
	return func() {}
}

func (m *MockStoreAdapter) Products(_ context.Context) []models.ProductSubscription {
	return []models.ProductSubscription{
		{SKU: "lunaria.monthly", Subscription: true},
		{SKU: "lunaria.yearly", Subscription: true},
	}
}

func (m *MockStoreAdapter) PurchaseSubscription(ctx context.Context, sku, offerToken string) storeadapter.PurchaseOutcome {
	args := m.Called(ctx, sku, offerToken)
	return args.Get(0).(storeadapter.PurchaseOutcome)
}

func (m *MockStoreAdapter) RestorePurchases(ctx context.Context) ([]models.Purchase, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Purchase), args.Error(1)
}

func (m *MockStoreAdapter) FinishTransaction(ctx context.Context, purchase models.Purchase) error {
	if m.events != nil {
		*m.events = append(*m.events, "finish:"+purchase.TransactionID)
	}
	args := m.Called(ctx, purchase)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

const testInstallID = "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01"

var testConfig = Config{
	Platform:   models.PlatformIOS,
	MonthlySKU: "lunaria.monthly",
	YearlySKU:  "lunaria.yearly",
}

// newTestEngine собирает движок с настоящей grace-политикой
// поверх хранилища в памяти.
func newTestEngine(api BackendAPI, store StoreAdapter, installedAt time.Time) (*Engine, *access.Policy, kvstore.Store) {
	kv := kvstore.NewMemoryStore()
	policy := access.New(kv, installedAt, testLogger())
	eng := New(api, store, policy, testInstallID, testConfig, testLogger())
	return eng, policy, kv
}

func TestRefresh_BackendAnswerTrusted(t *testing.T) {
	expires := "2027-01-01T00:00:00Z"

	tests := []struct {
		name               string
		response           *models.StatusResponse
		expectedFullAccess bool
	}{
		{
			name:               "ответ full даёт доступ",
			response:           &models.StatusResponse{Entitlement: models.EntitlementFull, ExpiresAt: &expires},
			expectedFullAccess: true,
		},
		{
			name:               "явный ответ free не перекрывается grace",
			response:           &models.StatusResponse{Entitlement: models.EntitlementFree},
			expectedFullAccess: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockBackendAPI)
			api.On("Status", mock.Anything, testInstallID).Return(tt.response, nil)

			// Установка свежая: grace был бы доступен, но ответ бэкенда авторитетен.
			eng, policy, _ := newTestEngine(api, new(MockStoreAdapter), time.Now().Add(-1*time.Hour))
			eng.Refresh(context.Background(), false)

			state := eng.State()
			assert.Equal(t, tt.expectedFullAccess, state.IsFullAccess)
			assert.False(t, state.IsGrace)
			assert.False(t, state.IsLoading)

			// Кэш обновлён безусловно.
			cache := policy.ReadCache()
			require.NotNil(t, cache)
			assert.Equal(t, tt.response.Entitlement, cache.LastKnownAccess)
		})
	}
}

func TestRefresh_GracePolicyOnBackendFailure(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		installedAt    time.Time
		priorAccess    string
		verifiedAgo    time.Duration
		expectedAccess bool
		expectedGrace  bool
		expectedReason string
	}{
		{
			name:           "свежая установка получает grace",
			installedAt:    now.Add(-10 * time.Hour),
			expectedAccess: true,
			expectedGrace:  true,
			expectedReason: models.GraceFreshInstall,
		},
		{
			name:           "недавний полный доступ получает grace",
			installedAt:    now.Add(-200 * time.Hour),
			priorAccess:    models.EntitlementFull,
			verifiedAgo:    2 * time.Hour,
			expectedAccess: true,
			expectedGrace:  true,
			expectedReason: models.GracePriorAccess,
		},
		{
			name:           "исчерпанный grace закрывает доступ",
			installedAt:    now.Add(-200 * time.Hour),
			priorAccess:    models.EntitlementFree,
			verifiedAgo:    2 * time.Hour,
			expectedAccess: false,
			expectedGrace:  false,
			expectedReason: models.GraceNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockBackendAPI)
			api.On("Status", mock.Anything, testInstallID).Return(nil, backendapi.ErrBackendUnavailable)

			eng, _, kv := newTestEngine(api, new(MockStoreAdapter), tt.installedAt)
			if tt.priorAccess != "" {
				seedVerifiedAt(t, kv, tt.priorAccess, now.Add(-tt.verifiedAgo))
			}

			eng.Refresh(context.Background(), true)

			state := eng.State()
			assert.Equal(t, tt.expectedAccess, state.IsFullAccess)
			assert.Equal(t, tt.expectedGrace, state.IsGrace)
			assert.Equal(t, tt.expectedReason, state.GraceReason)
		})
	}
}

func TestPurchase_EndToEnd(t *testing.T) {
	expires := "2027-01-01T00:00:00Z"
	events := []string{}

	api := new(MockBackendAPI)
	api.On("Status", mock.Anything, testInstallID).
		Return(&models.StatusResponse{Entitlement: models.EntitlementFree}, nil)
	api.On("Verify", mock.Anything, models.VerifyRequest{
		Platform:      models.PlatformIOS,
		SKU:           "lunaria.yearly",
		TransactionID: "1000000123",
	}).Run(func(_ mock.Arguments) {
		events = append(events, "verify:1000000123")
	}).Return(&models.StatusResponse{Entitlement: models.EntitlementFull, ExpiresAt: &expires}, nil)

	store := &MockStoreAdapter{events: &events}
	purchase := models.Purchase{ProductID: "lunaria.yearly", TransactionID: "1000000123"}
	store.On("PurchaseSubscription", mock.Anything, "lunaria.yearly", "").
		Return(storeadapter.PurchaseOutcome{Success: true, Purchase: &purchase})
	store.On("FinishTransaction", mock.Anything, purchase).Return(nil)

	eng, policy, _ := newTestEngine(api, store, time.Now())

	// Свежая установка, бэкенд отвечает free: доступа нет и grace не нужен.
	eng.Refresh(context.Background(), false)
	state := eng.State()
	assert.False(t, state.IsFullAccess)
	assert.False(t, state.IsGrace)

	eng.PurchaseYearly(context.Background())

	state = eng.State()
	assert.True(t, state.IsFullAccess)
	assert.False(t, state.IsLoading)
	require.NotNil(t, state.ExpiresAt)
	assert.Equal(t, expires, *state.ExpiresAt)

	// Верификация строго раньше финализации.
	assert.Equal(t, []string{"verify:1000000123", "finish:1000000123"}, events)

	cache := policy.ReadCache()
	require.NotNil(t, cache)
	assert.Equal(t, models.EntitlementFull, cache.LastKnownAccess)

	api.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestPurchase_CancelledIsDistinguishable(t *testing.T) {
	api := new(MockBackendAPI)
	store := new(MockStoreAdapter)
	store.On("PurchaseSubscription", mock.Anything, "lunaria.monthly", "").
		Return(storeadapter.PurchaseOutcome{Err: storeadapter.ErrCancelled})

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.PurchaseMonthly(context.Background())

	state := eng.State()
	assert.ErrorIs(t, state.Err, ErrPurchaseCancelled)
	assert.False(t, state.IsFullAccess)
	// Бэкенд не вызывался вовсе.
	api.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestPurchase_NotFinishedWhenVerificationUnavailable(t *testing.T) {
	api := new(MockBackendAPI)
	api.On("Verify", mock.Anything, mock.Anything).Return(nil, backendapi.ErrBackendUnavailable)

	store := new(MockStoreAdapter)
	purchase := models.Purchase{ProductID: "lunaria.monthly", TransactionID: "1000000200"}
	store.On("PurchaseSubscription", mock.Anything, "lunaria.monthly", "").
		Return(storeadapter.PurchaseOutcome{Success: true, Purchase: &purchase})

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.PurchaseMonthly(context.Background())

	// Транзакция не финализирована: магазин доставит её снова для переверификации.
	store.AssertNotCalled(t, "FinishTransaction", mock.Anything, mock.Anything)
}

func TestRestore_NoPurchasesFound(t *testing.T) {
	api := new(MockBackendAPI)
	store := new(MockStoreAdapter)
	store.On("RestorePurchases", mock.Anything).Return(nil, nil)

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.RestorePurchases(context.Background())

	state := eng.State()
	assert.ErrorIs(t, state.Err, ErrNoPurchasesFound)
	assert.False(t, state.IsFullAccess)
}

func TestRestore_MechanismFailureDistinguishable(t *testing.T) {
	api := new(MockBackendAPI)
	store := new(MockStoreAdapter)
	store.On("RestorePurchases", mock.Anything).Return(nil, storeadapter.ErrRestoreFailed)

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.RestorePurchases(context.Background())

	// Сбой механизма restore — не то же самое, что «покупок нет».
	state := eng.State()
	assert.ErrorIs(t, state.Err, ErrRestoreFailed)
	assert.NotErrorIs(t, state.Err, ErrNoPurchasesFound)
	api.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestRestore_StopsAtFirstEntitled(t *testing.T) {
	first := models.Purchase{ProductID: "lunaria.monthly", TransactionID: "1000000301"}
	second := models.Purchase{ProductID: "lunaria.yearly", TransactionID: "1000000302"}

	api := new(MockBackendAPI)
	api.On("Verify", mock.Anything, mock.MatchedBy(func(req models.VerifyRequest) bool {
		return req.TransactionID == "1000000301"
	})).Return(&models.StatusResponse{Entitlement: models.EntitlementFull}, nil)

	store := new(MockStoreAdapter)
	store.On("RestorePurchases", mock.Anything).Return([]models.Purchase{first, second}, nil)
	store.On("FinishTransaction", mock.Anything, first).Return(nil)

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.RestorePurchases(context.Background())

	state := eng.State()
	assert.True(t, state.IsFullAccess)

	// Вторая покупка не верифицировалась: остановка на первой подтверждённой.
	api.AssertNumberOfCalls(t, "Verify", 1)
}

func TestRestore_AllRejectedStaysFree(t *testing.T) {
	first := models.Purchase{ProductID: "lunaria.monthly", TransactionID: "1000000401"}

	api := new(MockBackendAPI)
	api.On("Verify", mock.Anything, mock.Anything).
		Return(&models.StatusResponse{Entitlement: models.EntitlementFree}, nil)

	store := new(MockStoreAdapter)
	store.On("RestorePurchases", mock.Anything).Return([]models.Purchase{first}, nil)
	store.On("FinishTransaction", mock.Anything, first).Return(nil)

	eng, _, _ := newTestEngine(api, store, time.Now())
	eng.RestorePurchases(context.Background())

	state := eng.State()
	assert.ErrorIs(t, state.Err, ErrNoActiveSubscription)
	assert.False(t, state.IsFullAccess)
}

func TestWatchPurchaseUpdates_VerifiesDeliveredPurchase(t *testing.T) {
	renewal := models.Purchase{ProductID: "lunaria.yearly", TransactionID: "1000000501"}

	api := new(MockBackendAPI)
	api.On("Verify", mock.Anything, mock.MatchedBy(func(req models.VerifyRequest) bool {
		return req.TransactionID == "1000000501"
	})).Return(&models.StatusResponse{Entitlement: models.EntitlementFull}, nil)

	store := new(MockStoreAdapter)
	store.On("FinishTransaction", mock.Anything, renewal).Return(nil)

	eng, _, _ := newTestEngine(api, store, time.Now())

	updates := make(chan models.Purchase, 1)
	eng.WatchPurchaseUpdates(context.Background(), updates)
	updates <- renewal
	close(updates)

	require.Eventually(t, func() bool {
		return eng.State().IsFullAccess
	}, time.Second, 10*time.Millisecond)
	api.AssertNumberOfCalls(t, "Verify", 1)
	store.AssertNumberOfCalls(t, "FinishTransaction", 1)
}

func TestClose_DuringPurchaseEvent(t *testing.T) {
	renewal := models.Purchase{ProductID: "lunaria.yearly", TransactionID: "1000000601"}

	verifyStarted := make(chan struct{})
	release := make(chan struct{})

	api := new(MockBackendAPI)
	api.On("Verify", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(verifyStarted)
		<-release
	}).Return(&models.StatusResponse{Entitlement: models.EntitlementFull}, nil)

	store := new(MockStoreAdapter)
	store.On("FinishTransaction", mock.Anything, renewal).Return(nil)

	eng, _, _ := newTestEngine(api, store, time.Now())

	updates := make(chan models.Purchase, 1)
	eng.WatchPurchaseUpdates(context.Background(), updates)
	updates <- renewal
	close(updates)

	// Закрываем движок, пока событие магазина ещё верифицируется:
	// завершение обработки не должно паниковать на закрытом канале.
	<-verifyStarted
	eng.Close()
	close(release)

	require.Eventually(t, func() bool {
		return eng.State().IsFullAccess
	}, time.Second, 10*time.Millisecond)

	// Повторный Close безопасен.
	eng.Close()
}

// seedVerifiedAt записывает кэш с нужным временем верификации напрямую
// в хранилище: SetAccessCache всегда ставит текущее время.
func seedVerifiedAt(t *testing.T, kv kvstore.Store, accessValue string, verifiedAt time.Time) {
	t.Helper()
	data := `{"last_known_access":"` + accessValue + `","last_verified_at":"` + verifiedAt.UTC().Format(time.RFC3339Nano) + `"}`
	require.NoError(t, kv.Set("access_cache", data))
}
