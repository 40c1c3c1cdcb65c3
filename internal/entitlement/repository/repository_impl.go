package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/entitlement/domain"
	pkgdb "github.com/hookwise/entitled/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectColumns = `id, tenant_id, customer_id, product_id, purchase_intent_id,
	payment_id, subscription_id, status, expires_at, revoked_reason, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (
			id, tenant_id, customer_id, product_id, purchase_intent_id,
			payment_id, subscription_id, status, expires_at, revoked_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, customer_id, product_id, purchase_intent_id) DO NOTHING`,
		entitlement.ID,
		entitlement.TenantID,
		entitlement.CustomerID,
		entitlement.ProductID,
		entitlement.PurchaseIntentID,
		entitlement.PaymentID,
		entitlement.SubscriptionID,
		entitlement.Status,
		entitlement.ExpiresAt,
		entitlement.RevokedReason,
		entitlement.CreatedAt,
		entitlement.UpdatedAt,
	)
	if res.Error != nil {
		// Dialects without conflict-target support surface the unique index
		// as a driver error instead of a silent no-op.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindBySubscriptionID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID string) (*domain.Entitlement, error) {
	var entitlement domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 WHERE tenant_id = ? AND subscription_id = ?
		 LIMIT 1`,
		tenantID,
		subscriptionID,
	).Scan(&entitlement).Error
	if err != nil {
		return nil, err
	}
	if entitlement.ID == 0 {
		return nil, nil
	}
	return &entitlement, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paymentID string) (*domain.Entitlement, error) {
	var entitlement domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 WHERE tenant_id = ? AND payment_id = ?
		 LIMIT 1`,
		tenantID,
		paymentID,
	).Scan(&entitlement).Error
	if err != nil {
		return nil, err
	}
	if entitlement.ID == 0 {
		return nil, nil
	}
	return &entitlement, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Entitlement, error) {
	var entitlement domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&entitlement).Error
	if err != nil {
		return nil, err
	}
	if entitlement.ID == 0 {
		return nil, nil
	}
	return &entitlement, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?, expires_at = ?, revoked_reason = ?, updated_at = ?
		 WHERE id = ?`,
		entitlement.Status,
		entitlement.ExpiresAt,
		entitlement.RevokedReason,
		entitlement.UpdatedAt,
		entitlement.ID,
	).Error
}
