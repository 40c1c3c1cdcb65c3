// Package domain contains read-only tenant credential records. Rows are owned
// by the tenant-management service; this core only ever reads them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Credential holds a tenant's upstream processor credentials. A nil
// EncryptedSecretKey means the tenant uses the shared platform credentials.
type Credential struct {
	TenantID             snowflake.ID `gorm:"primaryKey;column:tenant_id"`
	EncryptedSecretKey   *string      `gorm:"type:text"`
	PublishableKey       string       `gorm:"type:text;not null"`
	WebhookSigningSecret string       `gorm:"type:text;not null"`
	NotificationURL      *string      `gorm:"type:text"`
	NotificationSecret   *string      `gorm:"type:text"`
	CreatedAt            time.Time    `gorm:"not null"`
	UpdatedAt            time.Time    `gorm:"not null"`
}

func (Credential) TableName() string { return "tenant_credentials" }

var ErrNotFound = errors.New("tenant_credential_not_found")

type Repository interface {
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Credential, error)
}
