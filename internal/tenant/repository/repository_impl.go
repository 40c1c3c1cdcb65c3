package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Credential, error) {
	var credential domain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, encrypted_secret_key, publishable_key,
			webhook_signing_secret, notification_url, notification_secret
		 FROM tenant_credentials
		 WHERE tenant_id = ?
		 LIMIT 1`,
		tenantID,
	).Scan(&credential).Error
	if err != nil {
		return nil, err
	}
	if credential.TenantID == 0 {
		return nil, nil
	}
	return &credential, nil
}
