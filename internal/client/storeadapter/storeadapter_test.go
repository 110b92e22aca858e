package storeadapter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// fakeStoreClient — управляемая имитация нативного SDK.
type fakeStoreClient struct {
	connectErrs  []error // очередь ошибок Connect, затем успех
	connectCalls int

	purchaseResult []map[string]any
	purchaseErr    error

	available     []map[string]any
	availableErr  error
	activeSubs    []map[string]any
	activeErr     error
	activeCalls   int
	entitlements  map[string]map[string]any
	entitleErr    error
	entitleCalls  []string
	finishedCalls []models.Purchase
}

func (f *fakeStoreClient) Connect(_ context.Context) error {
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStoreClient) Disconnect() error { return nil }

func (f *fakeStoreClient) Products(_ context.Context, skus []string) ([]models.ProductSubscription, error) {
	products := make([]models.ProductSubscription, 0, len(skus))
	for _, sku := range skus {
		products = append(products, models.ProductSubscription{SKU: sku, Subscription: true})
	}
	return products, nil
}

func (f *fakeStoreClient) Purchase(_ context.Context, _, _ string) ([]map[string]any, error) {
	return f.purchaseResult, f.purchaseErr
}

func (f *fakeStoreClient) AvailablePurchases(_ context.Context) ([]map[string]any, error) {
	return f.available, f.availableErr
}

func (f *fakeStoreClient) ActiveSubscriptions(_ context.Context) ([]map[string]any, error) {
	f.activeCalls++
	return f.activeSubs, f.activeErr
}

func (f *fakeStoreClient) CurrentEntitlement(_ context.Context, sku string) (map[string]any, error) {
	f.entitleCalls = append(f.entitleCalls, sku)
	if f.entitleErr != nil {
		return nil, f.entitleErr
	}
	return f.entitlements[sku], nil
}

func (f *fakeStoreClient) Finish(_ context.Context, purchase models.Purchase) error {
	f.finishedCalls = append(f.finishedCalls, purchase)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var testSKUs = []string{"lunaria.monthly", "lunaria.yearly"}

func connectedAdapter(t *testing.T, client *fakeStoreClient, platform string) *Adapter {
	t.Helper()
	adapter := New(client, platform, testSKUs, testLogger())
	teardown := adapter.InitConnection(context.Background())
	t.Cleanup(teardown)
	require.True(t, adapter.Diagnostics().Connected)
	return adapter
}

func TestInitConnection_RetriesWithBackoff(t *testing.T) {
	client := &fakeStoreClient{connectErrs: []error{
		errors.New("billing unavailable"),
		errors.New("billing unavailable"),
	}}
	adapter := New(client, models.PlatformAndroid, testSKUs, testLogger())

	teardown := adapter.InitConnection(context.Background())
	defer teardown()

	assert.Equal(t, 3, client.connectCalls)
	diag := adapter.Diagnostics()
	assert.True(t, diag.Connected)
	assert.Equal(t, 3, diag.ConnectAttempts)
}

func TestInitConnection_PermanentFailureIsAbsorbed(t *testing.T) {
	client := &fakeStoreClient{connectErrs: []error{
		errors.New("billing unavailable"),
		errors.New("billing unavailable"),
		errors.New("billing unavailable"),
	}}
	adapter := New(client, models.PlatformAndroid, testSKUs, testLogger())

	// Провал подключения не паникует и не возвращает ошибку: teardown — no-op.
	teardown := adapter.InitConnection(context.Background())
	teardown()

	diag := adapter.Diagnostics()
	assert.False(t, diag.Connected)
	assert.Contains(t, diag.ConnectErr, "billing unavailable")
}

func TestProducts_EmptyWithoutConnection(t *testing.T) {
	adapter := New(&fakeStoreClient{}, models.PlatformIOS, testSKUs, testLogger())
	assert.Empty(t, adapter.Products(context.Background()))
}

func TestPurchaseSubscription_Cancelled(t *testing.T) {
	client := &fakeStoreClient{purchaseErr: ErrCancelled}
	adapter := connectedAdapter(t, client, models.PlatformIOS)

	outcome := adapter.PurchaseSubscription(context.Background(), "lunaria.monthly", "")
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, ErrCancelled)
}

func TestPurchaseSubscription_TakesFirstOfArray(t *testing.T) {
	client := &fakeStoreClient{purchaseResult: []map[string]any{
		{"productId": "lunaria.yearly", "transactionId": "1000000123"},
		{"productId": "lunaria.yearly", "transactionId": "1000000124"},
	}}
	adapter := connectedAdapter(t, client, models.PlatformIOS)

	outcome := adapter.PurchaseSubscription(context.Background(), "lunaria.yearly", "")
	require.True(t, outcome.Success)
	assert.Equal(t, "1000000123", outcome.Purchase.TransactionID)
}

func TestNormalize_TransactionIDPriority(t *testing.T) {
	adapter := New(&fakeStoreClient{}, models.PlatformIOS, testSKUs, testLogger())

	tests := []struct {
		name     string
		raw      map[string]any
		expected string
	}{
		{
			name: "transactionId важнее originalTransactionIdIOS",
			raw: map[string]any{
				"transactionId":            "2000000111",
				"originalTransactionIdIOS": "1000000001",
			},
			expected: "2000000111",
		},
		{
			name: "latestTransactionId важнее id",
			raw: map[string]any{
				"latestTransactionId": "2000000222",
				"id":                  "2000000333",
			},
			expected: "2000000222",
		},
		{
			name: "originalTransactionIdIOS только как последний кандидат",
			raw: map[string]any{
				"originalTransactionIdIOS": "1000000001",
			},
			expected: "1000000001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			purchase := adapter.normalize(tt.raw)
			assert.Equal(t, tt.expected, purchase.TransactionID)
		})
	}
}

func TestRestorePurchases_FallbackOrdering(t *testing.T) {
	client := &fakeStoreClient{
		entitlements: map[string]map[string]any{
			"lunaria.yearly": {"productId": "lunaria.yearly", "transactionId": "2000000444"},
		},
	}
	adapter := connectedAdapter(t, client, models.PlatformIOS)

	purchases, err := adapter.RestorePurchases(context.Background())
	require.NoError(t, err)

	require.Len(t, purchases, 1)
	assert.Equal(t, "2000000444", purchases[0].TransactionID)
	assert.Equal(t, 1, client.activeCalls)
	// Перебор SKU остановился на первом найденном entitlement.
	assert.Equal(t, []string{"lunaria.monthly", "lunaria.yearly"}, client.entitleCalls)

	trail := adapter.Diagnostics().RestoreTrail
	require.Len(t, trail, 4)
	assert.Equal(t, "availablePurchases", trail[0].Method)
	assert.Equal(t, "activeSubscriptions", trail[1].Method)
	assert.Equal(t, "currentEntitlement:lunaria.monthly", trail[2].Method)
	assert.Equal(t, "currentEntitlement:lunaria.yearly", trail[3].Method)
}

func TestRestorePurchases_AvailableShortCircuits(t *testing.T) {
	client := &fakeStoreClient{
		available: []map[string]any{
			{"productId": "lunaria.monthly", "purchaseToken": "token-abc"},
		},
	}
	adapter := connectedAdapter(t, client, models.PlatformIOS)

	purchases, err := adapter.RestorePurchases(context.Background())
	require.NoError(t, err)

	require.Len(t, purchases, 1)
	assert.Equal(t, "token-abc", purchases[0].PurchaseToken)
	assert.Zero(t, client.activeCalls)
}

func TestRestorePurchases_AndroidSkipsIOSFallbacks(t *testing.T) {
	client := &fakeStoreClient{}
	adapter := connectedAdapter(t, client, models.PlatformAndroid)

	purchases, err := adapter.RestorePurchases(context.Background())

	require.NoError(t, err)
	assert.Empty(t, purchases)
	assert.Zero(t, client.activeCalls)
	assert.Empty(t, client.entitleCalls)
}

func TestRestorePurchases_AllSourcesFailed(t *testing.T) {
	client := &fakeStoreClient{
		availableErr: errors.New("store timeout"),
		activeErr:    errors.New("store timeout"),
		entitleErr:   errors.New("store timeout"),
	}
	adapter := connectedAdapter(t, client, models.PlatformIOS)

	purchases, err := adapter.RestorePurchases(context.Background())

	// Все источники упали — это сбой механизма, а не «покупок нет».
	assert.Empty(t, purchases)
	assert.ErrorIs(t, err, ErrRestoreFailed)

	trail := adapter.Diagnostics().RestoreTrail
	require.Len(t, trail, 4)
	for _, attempt := range trail {
		assert.Equal(t, "store timeout", attempt.Err)
	}
}
