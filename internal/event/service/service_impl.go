package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/config"
	"github.com/hookwise/entitled/internal/credential"
	customerdomain "github.com/hookwise/entitled/internal/customer/domain"
	entitlementdomain "github.com/hookwise/entitled/internal/entitlement/domain"
	eventdomain "github.com/hookwise/entitled/internal/event/domain"
	"github.com/hookwise/entitled/internal/event/retry"
	"github.com/hookwise/entitled/internal/notifier"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	"github.com/hookwise/entitled/internal/signature"
	tenantdomain "github.com/hookwise/entitled/internal/tenant/domain"
	"github.com/hookwise/entitled/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Repo           eventdomain.Repository
	EntitlementSvc entitlementdomain.Service
	CustomerSvc    customerdomain.Service
	TenantRepo     tenantdomain.Repository
	Resolver       credential.Resolver
	Verifier       *signature.Verifier
	Dispatcher     notifier.Dispatcher
	Holder         *config.ProcessingConfigHolder
	Cfg            config.Config
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

// Service routes verified webhook events to entitlement transitions. It owns
// the ledger lifecycle; the entitlement service owns the state machine.
type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           eventdomain.Repository
	entitlementSvc entitlementdomain.Service
	customerSvc    customerdomain.Service
	tenantRepo     tenantdomain.Repository
	resolver       credential.Resolver
	verifier       *signature.Verifier
	dispatcher     notifier.Dispatcher
	holder         *config.ProcessingConfigHolder
	cfg            config.Config
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) eventdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("event.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		entitlementSvc: p.EntitlementSvc,
		customerSvc:    p.CustomerSvc,
		tenantRepo:     p.TenantRepo,
		resolver:       p.Resolver,
		verifier:       p.Verifier,
		dispatcher:     p.Dispatcher,
		holder:         p.Holder,
		cfg:            p.Cfg,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, tenantID snowflake.ID, payload []byte, signatureHeader string) (eventdomain.Result, error) {
	if tenantID == 0 {
		tenantID = snowflake.ID(s.cfg.DefaultTenantID)
	}

	tenant, err := s.tenantRepo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return eventdomain.Result{}, err
	}

	if err := s.verify(payload, signatureHeader, tenant); err != nil {
		reason := "invalid"
		if errors.Is(err, eventdomain.ErrSignatureMissing) {
			reason = "missing_header"
		}
		s.obsMetrics.RecordSignatureFailure(ctx, reason)
		return eventdomain.Result{}, err
	}

	env, err := eventdomain.DecodeEnvelope(payload)
	if err != nil {
		return eventdomain.Result{}, err
	}

	stored, alreadyProcessed, err := s.recordOrFetch(ctx, tenantID, env, payload, signatureHeader)
	if err != nil {
		return eventdomain.Result{}, err
	}
	if alreadyProcessed {
		s.log.Info("duplicate delivery of processed event, skipping",
			zap.String("external_event_id", env.ID),
			zap.String("event_type", env.Type),
		)
		return eventdomain.Result{
			EventID:   env.ID,
			EventType: env.Type,
			Processed: false,
			Duplicate: true,
		}, nil
	}

	return s.process(ctx, stored, env, tenant), nil
}

func (s *Service) RetryOne(ctx context.Context, ledgerID snowflake.ID) (eventdomain.Result, error) {
	stored, err := s.repo.FindByID(ctx, s.db, ledgerID)
	if err != nil {
		return eventdomain.Result{}, err
	}
	if stored == nil {
		return eventdomain.Result{}, eventdomain.ErrEventNotFound
	}
	if stored.Status == eventdomain.StatusProcessed {
		return eventdomain.Result{
			EventID:   stored.ExternalEventID,
			EventType: stored.EventType,
			Processed: false,
			Duplicate: true,
		}, eventdomain.ErrEventAlreadyProcessed
	}

	env, err := eventdomain.DecodeEnvelope(stored.Payload)
	if err != nil {
		return eventdomain.Result{}, err
	}

	tenant, err := s.tenantRepo.FindByTenantID(ctx, s.db, stored.TenantID)
	if err != nil {
		return eventdomain.Result{}, err
	}

	return s.process(ctx, stored, env, tenant), nil
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]eventdomain.Event, eventdomain.Counts, error) {
	events, err := s.repo.ListByStatuses(ctx, s.db, []eventdomain.Status{
		eventdomain.StatusFailed,
		eventdomain.StatusDeadLettered,
	}, limit)
	if err != nil {
		return nil, eventdomain.Counts{}, err
	}
	counts, err := s.repo.Counts(ctx, s.db)
	if err != nil {
		return nil, eventdomain.Counts{}, err
	}
	return events, counts, nil
}

func (s *Service) verify(payload []byte, header string, tenant *tenantdomain.Credential) error {
	secret := s.cfg.GlobalWebhookSigningSecret
	if tenant != nil && strings.TrimSpace(tenant.WebhookSigningSecret) != "" {
		secret = tenant.WebhookSigningSecret
	}
	if secret == "" {
		return eventdomain.ErrSignatureInvalid
	}

	err := s.verifier.Verify(payload, header, secret)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, signature.ErrMissingHeader):
		return eventdomain.ErrSignatureMissing
	default:
		return eventdomain.ErrSignatureInvalid
	}
}

// recordOrFetch claims the ledger row for this external event id. Under
// concurrent duplicate deliveries the unique index lets exactly one caller
// insert; everyone else loads the winner's row.
func (s *Service) recordOrFetch(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope, payload []byte, signatureHeader string) (*eventdomain.Event, bool, error) {
	now := time.Now().UTC()
	event := eventdomain.Event{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		ExternalEventID: env.ID,
		EventType:       env.Type,
		Payload:         datatypes.JSON(payload),
		Signature:       signatureHeader,
		Status:          eventdomain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, &event)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return &event, false, nil
	}

	stored, err := s.repo.FindByExternalID(ctx, s.db, env.ID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, eventdomain.ErrInvalidEvent
	}
	if stored.Status == eventdomain.StatusProcessed {
		return stored, true, nil
	}
	return stored, false, nil
}

// process runs the handler for a claimed ledger row and settles its status.
// Handler errors never propagate: the retry policy decides failed versus
// dead_letter and the processor still receives an acknowledgement.
func (s *Service) process(ctx context.Context, stored *eventdomain.Event, env *eventdomain.Envelope, tenant *tenantdomain.Credential) eventdomain.Result {
	result := eventdomain.Result{
		EventID:   stored.ExternalEventID,
		EventType: stored.EventType,
	}

	notification, err := s.dispatch(ctx, stored.TenantID, env)
	if err != nil {
		s.recordFailure(ctx, stored, err)
		s.obsMetrics.RecordWebhookEvent(ctx, stored.EventType, "failed")
		return result
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, time.Now().UTC()); err != nil {
		s.log.Error("failed to mark event processed",
			zap.String("external_event_id", stored.ExternalEventID),
			zap.Error(err),
		)
		return result
	}
	s.obsMetrics.RecordWebhookEvent(ctx, stored.EventType, "processed")

	if notification != nil {
		notification.EventID = stored.ExternalEventID
		s.dispatcher.Dispatch(tenant, *notification)
	}

	result.Processed = true
	return result
}

func (s *Service) recordFailure(ctx context.Context, stored *eventdomain.Event, handlerErr error) {
	policy := s.retryPolicy()
	attempts := stored.Attempts + 1
	now := time.Now().UTC()

	log := s.log.With(
		zap.String("external_event_id", stored.ExternalEventID),
		zap.String("event_type", stored.EventType),
		zap.Int("attempts", attempts),
		zap.Error(handlerErr),
	)

	if attempts >= policy.MaxAttempts {
		if err := s.repo.MarkDeadLettered(ctx, s.db, stored.ID, handlerErr.Error(), now); err != nil {
			log.Error("failed to dead-letter event", zap.Error(err))
			return
		}
		log.Error("event dead-lettered after exhausting retries")
		return
	}

	if err := s.repo.MarkFailed(ctx, s.db, stored.ID, handlerErr.Error(), now); err != nil {
		log.Error("failed to mark event failed", zap.Error(err))
		return
	}
	log.Warn("event handler failed, retry scheduled",
		zap.Duration("retry_in", policy.Interval(attempts)),
	)
}

func (s *Service) retryPolicy() retry.Policy {
	cfg := s.holder.Get().Retry
	return retry.Policy{
		Intervals:   cfg.Intervals,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// dispatch routes one event to its handler. A nil error marks the ledger row
// processed; the returned notification, if any, goes out after that.
func (s *Service) dispatch(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) (notification *notifier.Notification, err error) {
	defer func() {
		if r := recover(); r != nil {
			notification = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch env.Type {
	case eventdomain.TypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, tenantID, env)
	case eventdomain.TypeInvoicePaid:
		return nil, s.handleInvoicePaid(ctx, tenantID, env)
	case eventdomain.TypeInvoicePaymentFail:
		return nil, s.handleInvoicePaymentFailed(ctx, tenantID, env)
	case eventdomain.TypeSubscriptionUpdated:
		return nil, s.handleSubscriptionUpdated(ctx, tenantID, env)
	case eventdomain.TypeSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, tenantID, env)
	case eventdomain.TypeChargeRefunded:
		return s.handleChargeRefunded(ctx, tenantID, env)
	case eventdomain.TypeDisputeCreated:
		return nil, s.handleDisputeCreated(ctx, tenantID, env)
	case eventdomain.TypeDisputeClosed:
		return nil, s.handleDisputeClosed(ctx, tenantID, env)
	default:
		// Forward-compatible with new upstream event types.
		s.log.Info("ignoring unhandled event type", zap.String("event_type", env.Type))
		return nil, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) (*notifier.Notification, error) {
	var session eventdomain.CheckoutSession
	if err := json.Unmarshal(env.Data.Object, &session); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	purchaseIntentID := session.PurchaseIntentID()
	if purchaseIntentID == "" {
		// Malformed rather than transient, but transient upstream failures
		// can look identical, so it rides the normal retry schedule.
		return nil, fmt.Errorf("%w: checkout session %s", eventdomain.ErrMissingPurchaseIntent, session.ID)
	}

	customer, err := s.customerSvc.ResolveOrCreate(ctx, tenantID, session.Customer, session.CustomerEmail)
	if err != nil {
		return nil, err
	}

	var subscriptionID *string
	var expiresAt *time.Time
	if sub := strings.TrimSpace(session.Subscription); sub != "" {
		subscriptionID = &sub
		periodEnd, err := s.readPeriodEnd(ctx, tenantID, sub)
		if err != nil {
			return nil, err
		}
		expiresAt = periodEnd
	}

	_, err = s.entitlementSvc.Grant(ctx, entitlementdomain.GrantInput{
		TenantID:         tenantID,
		CustomerID:       customer.ID,
		ProductID:        session.ProductID(),
		PurchaseIntentID: purchaseIntentID,
		PaymentID:        session.PaymentIntent,
		SubscriptionID:   subscriptionID,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrAlreadyGranted) {
			// Re-delivery of a grant is success, not an error.
			s.log.Info("entitlement already granted for purchase intent",
				zap.String("purchase_intent_id", purchaseIntentID),
			)
			return nil, nil
		}
		return nil, err
	}

	return &notifier.Notification{
		Type:       "purchase.completed",
		ProductID:  session.ProductID(),
		CustomerID: session.Customer,
		Amount:     session.AmountTotal,
		Currency:   strings.ToUpper(strings.TrimSpace(session.Currency)),
	}, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) error {
	var invoice eventdomain.Invoice
	if err := json.Unmarshal(env.Data.Object, &invoice); err != nil {
		return eventdomain.ErrInvalidPayload
	}

	subscriptionID := strings.TrimSpace(invoice.Subscription)
	if subscriptionID == "" {
		return nil
	}
	if invoice.BillingReason == eventdomain.BillingReasonSubscriptionCreate {
		// The checkout handler already granted for this invoice.
		return nil
	}

	entitlement, err := s.entitlementSvc.FindBySubscriptionID(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	if entitlement == nil {
		// The subscription may belong to a different system; do not fail.
		s.log.Warn("no entitlement for paid invoice subscription",
			zap.String("subscription_id", subscriptionID),
		)
		return nil
	}

	periodEnd, err := s.readPeriodEnd(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	if periodEnd == nil {
		s.log.Warn("subscription has no current period end, skipping renewal",
			zap.String("subscription_id", subscriptionID),
		)
		return nil
	}

	return s.entitlementSvc.Renew(ctx, entitlement.ID, *periodEnd)
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) error {
	var invoice eventdomain.Invoice
	if err := json.Unmarshal(env.Data.Object, &invoice); err != nil {
		return eventdomain.ErrInvalidPayload
	}

	subscriptionID := strings.TrimSpace(invoice.Subscription)
	if subscriptionID == "" {
		return nil
	}

	entitlement, err := s.entitlementSvc.FindBySubscriptionID(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	if entitlement == nil {
		s.log.Warn("no entitlement for failed invoice subscription",
			zap.String("subscription_id", subscriptionID),
		)
		return nil
	}

	sub, err := s.lookupSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != upstream.SubscriptionStatusPastDue {
		return nil
	}

	return s.entitlementSvc.Suspend(ctx, entitlement.ID, "invoice payment failed; subscription past due")
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) error {
	var sub eventdomain.SubscriptionObject
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return eventdomain.ErrInvalidPayload
	}

	subscriptionID := strings.TrimSpace(sub.ID)
	if subscriptionID == "" {
		return nil
	}

	entitlement, err := s.entitlementSvc.FindBySubscriptionID(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	if entitlement == nil {
		return nil
	}

	switch sub.Status {
	case upstream.SubscriptionStatusPastDue:
		return s.entitlementSvc.Suspend(ctx, entitlement.ID, "subscription past due")
	case upstream.SubscriptionStatusActive:
		if entitlement.Status == entitlementdomain.StatusSuspended {
			return s.entitlementSvc.Reactivate(ctx, entitlement.ID)
		}
	}

	if sub.CancelAtPeriodEnd {
		// Two-phase cancellation: informational until the deleted event
		// actually materializes it.
		s.log.Info("subscription scheduled for end-of-period cancellation",
			zap.String("subscription_id", subscriptionID),
		)
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) (*notifier.Notification, error) {
	var sub eventdomain.SubscriptionObject
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	subscriptionID := strings.TrimSpace(sub.ID)
	if subscriptionID == "" {
		return nil, nil
	}

	entitlement, err := s.entitlementSvc.FindBySubscriptionID(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if entitlement == nil {
		return nil, nil
	}

	if err := s.entitlementSvc.Revoke(ctx, entitlement.ID, "subscription cancelled"); err != nil {
		return nil, err
	}

	return &notifier.Notification{
		Type:      "subscription.cancelled",
		ProductID: entitlement.ProductID,
	}, nil
}

func (s *Service) handleChargeRefunded(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) (*notifier.Notification, error) {
	var charge eventdomain.Charge
	if err := json.Unmarshal(env.Data.Object, &charge); err != nil {
		return nil, eventdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(charge.PaymentIntent)
	if paymentID == "" {
		return nil, nil
	}

	entitlement, err := s.entitlementSvc.FindByPaymentID(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if entitlement == nil {
		s.log.Warn("no entitlement for refunded charge",
			zap.String("payment_id", paymentID),
		)
		return nil, nil
	}

	if charge.AmountRefunded < charge.Amount {
		// Partial refunds do not affect access.
		s.log.Info("partial refund, access unchanged",
			zap.String("payment_id", paymentID),
			zap.Int64("amount_refunded", charge.AmountRefunded),
			zap.Int64("amount", charge.Amount),
		)
		return nil, nil
	}

	if err := s.entitlementSvc.Revoke(ctx, entitlement.ID, "full refund processed"); err != nil {
		return nil, err
	}

	return &notifier.Notification{
		Type:      "payment.refunded",
		ProductID: entitlement.ProductID,
		Amount:    charge.AmountRefunded,
		Currency:  strings.ToUpper(strings.TrimSpace(charge.Currency)),
	}, nil
}

func (s *Service) handleDisputeCreated(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) error {
	var dispute eventdomain.Dispute
	if err := json.Unmarshal(env.Data.Object, &dispute); err != nil {
		return eventdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(dispute.PaymentIntent)
	if paymentID == "" {
		return nil
	}

	entitlement, err := s.entitlementSvc.FindByPaymentID(ctx, tenantID, paymentID)
	if err != nil {
		return err
	}
	if entitlement == nil {
		s.log.Warn("no entitlement for disputed payment",
			zap.String("payment_id", paymentID),
		)
		return nil
	}

	// Access is pulled before the dispute resolves; a won dispute reinstates.
	reason := fmt.Sprintf("chargeback dispute created: %s", strings.TrimSpace(dispute.Reason))
	return s.entitlementSvc.Revoke(ctx, entitlement.ID, reason)
}

func (s *Service) handleDisputeClosed(ctx context.Context, tenantID snowflake.ID, env *eventdomain.Envelope) error {
	var dispute eventdomain.Dispute
	if err := json.Unmarshal(env.Data.Object, &dispute); err != nil {
		return eventdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(dispute.PaymentIntent)
	if paymentID == "" {
		return nil
	}

	entitlement, err := s.entitlementSvc.FindByPaymentID(ctx, tenantID, paymentID)
	if err != nil {
		return err
	}
	if entitlement == nil {
		return nil
	}

	if dispute.Status != eventdomain.DisputeStatusWon {
		s.log.Info("dispute closed without a win, entitlement stays revoked",
			zap.String("payment_id", paymentID),
			zap.String("resolution", dispute.Status),
		)
		return nil
	}

	return s.entitlementSvc.ReinstateFromDispute(ctx, entitlement.ID)
}

func (s *Service) readPeriodEnd(ctx context.Context, tenantID snowflake.ID, subscriptionID string) (*time.Time, error) {
	sub, err := s.lookupSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CurrentPeriodEnd.IsZero() {
		return nil, nil
	}
	periodEnd := sub.CurrentPeriodEnd.UTC()
	return &periodEnd, nil
}

// lookupSubscription reads the subscription through the tenant's processor
// client, counting the lookup outcome.
func (s *Service) lookupSubscription(ctx context.Context, tenantID snowflake.ID, subscriptionID string) (*upstream.Subscription, error) {
	client, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		s.obsMetrics.RecordUpstreamLookup(ctx, "error")
		return nil, err
	}
	sub, err := client.GetSubscription(ctx, subscriptionID)
	if err != nil {
		s.obsMetrics.RecordUpstreamLookup(ctx, "error")
		return nil, fmt.Errorf("%w: %v", eventdomain.ErrUpstreamLookupFailure, err)
	}
	s.obsMetrics.RecordUpstreamLookup(ctx, "ok")
	return sub, nil
}
