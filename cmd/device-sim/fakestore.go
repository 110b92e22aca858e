package main

import (
	"context"

	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// fakeStoreClient — имитация нативного биллингового SDK для симулятора.
// Покупка всегда успешна и возвращает форму ответа, характерную для платформы.
type fakeStoreClient struct {
	platform  string
	purchased []map[string]any
}

func newFakeStoreClient(platform string) *fakeStoreClient {
	return &fakeStoreClient{platform: platform}
}

func (f *fakeStoreClient) Connect(_ context.Context) error { return nil }

func (f *fakeStoreClient) Disconnect() error { return nil }

func (f *fakeStoreClient) Products(_ context.Context, skus []string) ([]models.ProductSubscription, error) {
	products := make([]models.ProductSubscription, 0, len(skus))
	for _, sku := range skus {
		products = append(products, models.ProductSubscription{
			SKU:          sku,
			Title:        sku,
			Price:        "4.99",
			Subscription: true,
		})
	}
	return products, nil
}

func (f *fakeStoreClient) Purchase(_ context.Context, sku, _ string) ([]map[string]any, error) {
	var raw map[string]any
	if f.platform == models.PlatformAndroid {
		raw = map[string]any{
			"productId":     sku,
			"purchaseToken": "sim-purchase-token-" + sku,
		}
	} else {
		raw = map[string]any{
			"productId":     sku,
			"transactionId": "2000000000000001",
		}
	}
	f.purchased = append(f.purchased, raw)
	return []map[string]any{raw}, nil
}

func (f *fakeStoreClient) AvailablePurchases(_ context.Context) ([]map[string]any, error) {
	return f.purchased, nil
}

func (f *fakeStoreClient) ActiveSubscriptions(_ context.Context) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeStoreClient) CurrentEntitlement(_ context.Context, _ string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeStoreClient) Finish(_ context.Context, _ models.Purchase) error { return nil }
