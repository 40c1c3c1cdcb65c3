package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ResolveOrCreate returns the local customer for a processor customer id,
	// creating it on first sight. Safe under concurrent duplicate deliveries.
	ResolveOrCreate(ctx context.Context, tenantID snowflake.ID, externalCustomerID, email string) (*Customer, error)
}
