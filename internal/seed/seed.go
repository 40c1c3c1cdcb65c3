package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EnsureDefaultTenant seeds the credential row for the configured default
// tenant so single-tenant deployments work out of the box. Existing rows are
// left untouched.
func EnsureDefaultTenant(db *gorm.DB, tenantID snowflake.ID) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if tenantID == 0 {
		return errors.New("default tenant id is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Exec(`
		INSERT INTO tenant_credentials (tenant_id, created_at, updated_at)
		VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID).Error
}
