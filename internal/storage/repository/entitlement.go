package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// UpsertRecord создаёт запись entitlement для install id или обновляет
// существующую. Уникальность по install_id обеспечивается базой: на одну
// установку всегда приходится ровно одна запись.
func (s *Storage) UpsertRecord(ctx context.Context, rec models.EntitlementRecord) error {
	const op = "storage.UpsertRecord"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO entitlements (install_id, entitlement, platform, sku,
			      purchase_token, transaction_id, expires_at, last_verified_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			  ON CONFLICT (install_id) DO UPDATE
			  SET entitlement = EXCLUDED.entitlement,
			      platform = EXCLUDED.platform,
			      sku = EXCLUDED.sku,
			      purchase_token = EXCLUDED.purchase_token,
			      transaction_id = EXCLUDED.transaction_id,
			      expires_at = EXCLUDED.expires_at,
			      last_verified_at = EXCLUDED.last_verified_at,
			      updated_at = now()`
	_, err := s.DB.ExecContext(ctx, query,
		rec.InstallID, rec.Entitlement, rec.Platform, rec.SKU,
		rec.PurchaseToken, rec.TransactionID, rec.ExpiresAt, rec.LastVerifiedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReadRecord возвращает запись entitlement по install id.
// Отсутствие записи не является ошибкой: возвращается (nil, nil),
// что означает бесплатный доступ.
func (s *Storage) ReadRecord(ctx context.Context, installID string) (*models.EntitlementRecord, error) {
	const op = "storage.ReadRecord"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT install_id, entitlement, platform, sku, purchase_token,
				transaction_id, expires_at, last_verified_at, created_at, updated_at
			  FROM entitlements WHERE install_id = $1`
	row := s.DB.QueryRowContext(ctx, query, installID)

	var result models.EntitlementRecord
	err := row.Scan(&result.InstallID, &result.Entitlement, &result.Platform, &result.SKU,
		&result.PurchaseToken, &result.TransactionID, &result.ExpiresAt,
		&result.LastVerifiedAt, &result.CreatedAt, &result.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}
