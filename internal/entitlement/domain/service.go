package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the only component allowed to mutate entitlement state. All
// transitions are idempotent no-ops when the target state is already reached,
// except where a sentinel error is documented. None of them call the upstream
// processor; any upstream read happens in the event router beforehand.
type Service interface {
	Grant(ctx context.Context, input GrantInput) (*Entitlement, error)
	Renew(ctx context.Context, id snowflake.ID, newExpiresAt time.Time) error
	Suspend(ctx context.Context, id snowflake.ID, reason string) error
	Reactivate(ctx context.Context, id snowflake.ID) error
	Revoke(ctx context.Context, id snowflake.ID, reason string) error

	// ReinstateFromDispute restores access after a dispute is resolved in the
	// merchant's favor. It is the only path out of the revoked state.
	ReinstateFromDispute(ctx context.Context, id snowflake.ID) error

	FindBySubscriptionID(ctx context.Context, tenantID snowflake.ID, subscriptionID string) (*Entitlement, error)
	FindByPaymentID(ctx context.Context, tenantID snowflake.ID, paymentID string) (*Entitlement, error)
}
