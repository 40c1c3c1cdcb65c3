// Package upstream reads processor-side state the webhook payloads do not
// carry, such as a subscription's current period end.
package upstream

import (
	"context"
	"errors"
	"time"
)

// Subscription statuses this service reacts to.
const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusPastDue = "past_due"
)

type Subscription struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time `json:"-"`
}

var ErrLookupFailed = errors.New("upstream_lookup_failed")

// Client is a tenant-scoped view of the upstream processor API. Instances are
// built by the credential resolver and may be cached; implementations must be
// safe for concurrent use.
type Client interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}
