package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, externalCustomerID string) (*Customer, error)
}
