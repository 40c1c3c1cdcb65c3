// Package domain contains the webhook event ledger models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status tracks the processing lifecycle of a ledger entry.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessed    Status = "processed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_letter"
)

// Event is the durable ledger record of an inbound webhook event.
// At most one row exists per ExternalEventID; StatusProcessed is terminal.
type Event struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID        snowflake.ID   `json:"tenant_id" gorm:"not null;index"`
	ExternalEventID string         `json:"external_event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Signature       string         `json:"signature" gorm:"type:text;not null"`
	Status          Status         `json:"status" gorm:"type:text;not null"`
	Attempts        int            `json:"attempts" gorm:"not null;default:0"`
	LastError       *string        `json:"last_error" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (Event) TableName() string { return "webhook_events" }

// Counts summarizes the ledger for operator dashboards.
type Counts struct {
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Total        int64 `json:"total"`
}

// Event types emitted by the upstream payment processor that this service
// reacts to. Anything else is acknowledged and ignored.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeInvoicePaid         = "invoice.paid"
	TypeInvoicePaymentFail  = "invoice.payment_failed"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypeChargeRefunded      = "charge.refunded"
	TypeDisputeCreated      = "charge.dispute.created"
	TypeDisputeClosed       = "charge.dispute.closed"
)

// Result reports the outcome of processing a single event.
type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
