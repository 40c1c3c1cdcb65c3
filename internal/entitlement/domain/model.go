// Package domain contains persistence models for customer entitlements.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status represents lifecycle states for an entitlement.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Entitlement records a customer's current access to a product. Exactly one
// row exists per (tenant, customer, product, purchase intent); StatusRevoked
// is terminal. A nil SubscriptionID means a one-time purchase; active with a
// nil ExpiresAt means perpetual access.
type Entitlement struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	TenantID         snowflake.ID `gorm:"not null;index"`
	CustomerID       snowflake.ID `gorm:"not null;index"`
	ProductID        string       `gorm:"type:text;not null"`
	PurchaseIntentID string       `gorm:"type:text;not null"`
	PaymentID        string       `gorm:"type:text;not null;index"`
	SubscriptionID   *string      `gorm:"type:text;index"`
	Status           Status       `gorm:"type:text;not null"`
	ExpiresAt        *time.Time   `gorm:""`
	RevokedReason    *string      `gorm:"type:text"`
	CreatedAt        time.Time    `gorm:"not null"`
	UpdatedAt        time.Time    `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// IsSubscription reports whether the entitlement renews through a subscription.
func (e *Entitlement) IsSubscription() bool {
	return e.SubscriptionID != nil && *e.SubscriptionID != ""
}

// GrantInput carries the fields needed to create an entitlement.
type GrantInput struct {
	TenantID         snowflake.ID
	CustomerID       snowflake.ID
	ProductID        string
	PurchaseIntentID string
	PaymentID        string
	SubscriptionID   *string
	ExpiresAt        *time.Time
}
