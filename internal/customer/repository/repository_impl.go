package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/customer/domain"
	pkgdb "github.com/hookwise/entitled/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO customers (id, tenant_id, external_customer_id, email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, external_customer_id) DO NOTHING`,
		customer.ID,
		customer.TenantID,
		customer.ExternalCustomerID,
		customer.Email,
		customer.CreatedAt,
		customer.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, externalCustomerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, external_customer_id, email, created_at, updated_at
		 FROM customers
		 WHERE tenant_id = ? AND external_customer_id = ?
		 LIMIT 1`,
		tenantID,
		externalCustomerID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}
