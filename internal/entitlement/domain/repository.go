package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entitlement *Entitlement) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID string) (*Entitlement, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paymentID string) (*Entitlement, error)
	Update(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
}
