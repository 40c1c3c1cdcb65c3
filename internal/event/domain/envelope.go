package domain

import (
	"encoding/json"
	"strings"
)

// Envelope is the outer shape of a processor webhook event. Only the fields
// this service consumes are decoded; the raw object is kept for handlers.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// DecodeEnvelope parses the raw webhook body. The body must be the untouched
// wire bytes; callers verify the signature against the same slice.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, ErrInvalidPayload
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return nil, ErrInvalidEvent
	}
	return &env, nil
}

// CheckoutSession is the object payload of checkout.session.completed.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// PurchaseIntentID returns the caller-supplied correlator, if any.
func (s CheckoutSession) PurchaseIntentID() string {
	return strings.TrimSpace(s.Metadata["purchase_intent_id"])
}

// ProductID returns the product correlator, if any.
func (s CheckoutSession) ProductID() string {
	return strings.TrimSpace(s.Metadata["product_id"])
}

// Invoice is the object payload of invoice.paid / invoice.payment_failed.
type Invoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
}

// BillingReasonSubscriptionCreate marks the first invoice of a subscription;
// the checkout.session.completed handler already granted for that case.
const BillingReasonSubscriptionCreate = "subscription_create"

// SubscriptionObject is the object payload of customer.subscription.* events.
type SubscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

// Charge is the object payload of charge.refunded.
type Charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
}

// Dispute is the object payload of charge.dispute.* events.
type Dispute struct {
	ID            string `json:"id"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
}

// DisputeStatusWon is the only closed-dispute resolution that restores access.
const DisputeStatusWon = "won"
