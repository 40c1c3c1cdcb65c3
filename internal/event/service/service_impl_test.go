package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/hookwise/entitled/internal/config"
	customerrepo "github.com/hookwise/entitled/internal/customer/repository"
	customerservice "github.com/hookwise/entitled/internal/customer/service"
	entitlementrepo "github.com/hookwise/entitled/internal/entitlement/repository"
	entitlementservice "github.com/hookwise/entitled/internal/entitlement/service"
	eventdomain "github.com/hookwise/entitled/internal/event/domain"
	eventrepo "github.com/hookwise/entitled/internal/event/repository"
	eventservice "github.com/hookwise/entitled/internal/event/service"
	"github.com/hookwise/entitled/internal/notifier"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	"github.com/hookwise/entitled/internal/signature"
	tenantdomain "github.com/hookwise/entitled/internal/tenant/domain"
	tenantrepo "github.com/hookwise/entitled/internal/tenant/repository"
	"github.com/hookwise/entitled/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "whsec_test"

type fakeUpstream struct {
	mu    sync.Mutex
	sub   *upstream.Subscription
	err   error
	calls int
}

func (f *fakeUpstream) GetSubscription(ctx context.Context, subscriptionID string) (*upstream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.sub == nil {
		return nil, fmt.Errorf("%w: no subscription configured", upstream.ErrLookupFailed)
	}
	out := *f.sub
	if out.ID == "" {
		out.ID = subscriptionID
	}
	return &out, nil
}

type fakeResolver struct {
	client upstream.Client
}

func (f *fakeResolver) Resolve(ctx context.Context, tenantID snowflake.ID) (upstream.Client, error) {
	return f.client, nil
}

func (f *fakeResolver) Invalidate(tenantID snowflake.ID) {}

func (f *fakeResolver) Clear() {}

type recordingDispatcher struct {
	mu    sync.Mutex
	notes []notifier.Notification
}

func (d *recordingDispatcher) Dispatch(tenant *tenantdomain.Credential, notification notifier.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notes = append(d.notes, notification)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notes)
}

type testEnv struct {
	db         *gorm.DB
	svc        eventdomain.Service
	upstream   *fakeUpstream
	dispatcher *recordingDispatcher
	node       *snowflake.Node
	reader     *sdkmetric.ManualReader
}

func newTestEnv(t *testing.T, processing config.ProcessingConfig) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	up := &fakeUpstream{}
	dispatcher := &recordingDispatcher{}

	reader := sdkmetric.NewManualReader()
	obs, err := obsmetrics.New(obsmetrics.Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	entitlementSvc := entitlementservice.NewService(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  entitlementrepo.Provide(),
	})
	customerSvc := customerservice.NewService(customerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  customerrepo.Provide(),
	})

	svc := eventservice.NewService(eventservice.Params{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Repo:           eventrepo.Provide(),
		EntitlementSvc: entitlementSvc,
		CustomerSvc:    customerSvc,
		TenantRepo:     tenantrepo.Provide(),
		Resolver:       &fakeResolver{client: up},
		Verifier:       signature.NewVerifier(5 * time.Minute),
		Dispatcher:     dispatcher,
		Holder:         config.NewStaticProcessingConfigHolder(processing),
		Cfg: config.Config{
			DefaultTenantID:            1,
			GlobalWebhookSigningSecret: testSigningSecret,
		},
		ObsMetrics: obs,
	})

	return &testEnv{
		db:         db,
		svc:        svc,
		upstream:   up,
		dispatcher: dispatcher,
		node:       node,
		reader:     reader,
	}
}

// counterValue sums the data points of a cumulative int64 counter whose
// attributes include every given key/value pair.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, want ...attribute.KeyValue) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				matched := true
				for _, attr := range want {
					v, ok := dp.Attributes.Value(attr.Key)
					if !ok || v.Emit() != attr.Value.Emit() {
						matched = false
						break
					}
				}
				if matched {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func defaultProcessing() config.ProcessingConfig {
	return config.DefaultProcessingConfig()
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE tenant_credentials (
			tenant_id BIGINT PRIMARY KEY,
			encrypted_secret_key TEXT,
			publishable_key TEXT NOT NULL DEFAULT '',
			webhook_signing_secret TEXT NOT NULL DEFAULT '',
			notification_url TEXT,
			notification_secret TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE customers (
			id BIGINT PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			external_customer_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_customers_tenant_external ON customers(tenant_id, external_customer_id)`,
		`CREATE TABLE webhook_events (
			id BIGINT PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			external_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_webhook_events_external_event_id ON webhook_events(external_event_id)`,
		`CREATE TABLE entitlements (
			id BIGINT PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			product_id TEXT NOT NULL DEFAULT '',
			purchase_intent_id TEXT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at TIMESTAMP,
			revoked_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_entitlements_purchase ON entitlements(tenant_id, customer_id, product_id, purchase_intent_id)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func signPayload(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutPayload(eventID, piID, subscription string) []byte {
	now := time.Now().UTC().Unix()
	sub := ""
	if subscription != "" {
		sub = fmt.Sprintf(`"subscription":%q,`, subscription)
	}
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"checkout.session.completed","created":%d,"data":{"object":{"id":"cs_1","customer":"cus_42","customer_email":"buyer@example.com","payment_intent":"pi_abc",%s"amount_total":4900,"currency":"usd","metadata":{"purchase_intent_id":%q,"product_id":"prod_basic"}}}}`,
		eventID, now, sub, piID,
	))
}

func ingest(t *testing.T, env *testEnv, payload []byte) eventdomain.Result {
	t.Helper()
	header := signPayload(testSigningSecret, payload, time.Now().UTC().Unix())
	result, err := env.svc.IngestWebhook(context.Background(), 0, payload, header)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return result
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64) {
	t.Helper()
	var got int64
	if err := db.Raw(query).Scan(&got).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows for %q, got %d", want, query, got)
	}
}

func entitlementStatus(t *testing.T, db *gorm.DB) string {
	t.Helper()
	var status string
	if err := db.Raw("SELECT status FROM entitlements LIMIT 1").Scan(&status).Error; err != nil {
		t.Fatalf("scan entitlement status: %v", err)
	}
	return status
}

func eventStatus(t *testing.T, db *gorm.DB, externalEventID string) string {
	t.Helper()
	var status string
	if err := db.Raw("SELECT status FROM webhook_events WHERE external_event_id = ?", externalEventID).Scan(&status).Error; err != nil {
		t.Fatalf("scan event status: %v", err)
	}
	return status
}

func TestIngestCheckoutGrantsEntitlement(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	result := ingest(t, env, checkoutPayload("evt_1", "pi_intent_1", ""))

	if !result.Processed {
		t.Fatalf("expected event to be processed")
	}
	if result.Duplicate {
		t.Fatalf("first delivery must not be a duplicate")
	}
	if got := eventStatus(t, env.db, "evt_1"); got != "processed" {
		t.Fatalf("expected processed event, got %s", got)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 1)
	assertCount(t, env.db, "SELECT COUNT(1) FROM customers", 1)
	if got := entitlementStatus(t, env.db); got != "active" {
		t.Fatalf("expected active entitlement, got %s", got)
	}
	if env.dispatcher.count() != 1 {
		t.Fatalf("expected one notification, got %d", env.dispatcher.count())
	}
}

func TestIngestIsIdempotentAcrossRedeliveries(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	payload := checkoutPayload("evt_dup", "pi_intent_dup", "")
	first := ingest(t, env, payload)
	second := ingest(t, env, payload)

	if !first.Processed {
		t.Fatalf("first delivery should process")
	}
	if second.Processed || !second.Duplicate {
		t.Fatalf("second delivery should be a duplicate no-op, got %+v", second)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM webhook_events", 1)
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 1)
	if env.dispatcher.count() != 1 {
		t.Fatalf("duplicate delivery must not re-notify, got %d", env.dispatcher.count())
	}
}

func TestIngestRejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	payload := checkoutPayload("evt_bad_sig", "pi_1", "")
	header := signPayload("wrong_secret", payload, time.Now().UTC().Unix())

	_, err := env.svc.IngestWebhook(context.Background(), 0, payload, header)
	if !errors.Is(err, eventdomain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	_, err = env.svc.IngestWebhook(context.Background(), 0, payload, "")
	if !errors.Is(err, eventdomain.ErrSignatureMissing) {
		t.Fatalf("expected ErrSignatureMissing, got %v", err)
	}

	// Rejected deliveries must never touch the ledger.
	assertCount(t, env.db, "SELECT COUNT(1) FROM webhook_events", 0)
}

func TestIngestRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	payload := checkoutPayload("evt_stale", "pi_1", "")
	stale := time.Now().UTC().Add(-time.Hour).Unix()
	header := signPayload(testSigningSecret, payload, stale)

	_, err := env.svc.IngestWebhook(context.Background(), 0, payload, header)
	if !errors.Is(err, eventdomain.ErrSignatureInvalid) {
		t.Fatalf("expected stale timestamp rejection, got %v", err)
	}
}

func TestCheckoutWithoutPurchaseIntentFails(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	result := ingest(t, env, checkoutPayload("evt_no_pi", "", ""))

	if result.Processed {
		t.Fatalf("event without purchase intent must not process")
	}
	if got := eventStatus(t, env.db, "evt_no_pi"); got != "failed" {
		t.Fatalf("expected failed status, got %s", got)
	}
	var lastError string
	if err := env.db.Raw("SELECT last_error FROM webhook_events WHERE external_event_id = 'evt_no_pi'").Scan(&lastError).Error; err != nil {
		t.Fatalf("scan last_error: %v", err)
	}
	if lastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 0)
}

func TestRetryEscalatesToDeadLetter(t *testing.T) {
	processing := defaultProcessing()
	processing.Retry.MaxAttempts = 2
	env := newTestEnv(t, processing)

	result := ingest(t, env, checkoutPayload("evt_dead", "", ""))
	if result.Processed {
		t.Fatalf("expected first attempt to fail")
	}
	if got := eventStatus(t, env.db, "evt_dead"); got != "failed" {
		t.Fatalf("expected failed after first attempt, got %s", got)
	}

	var ledgerID int64
	if err := env.db.Raw("SELECT id FROM webhook_events WHERE external_event_id = 'evt_dead'").Scan(&ledgerID).Error; err != nil {
		t.Fatalf("scan ledger id: %v", err)
	}

	retried, err := env.svc.RetryOne(context.Background(), snowflake.ID(ledgerID))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Processed {
		t.Fatalf("retry of a broken event must not process")
	}
	if got := eventStatus(t, env.db, "evt_dead"); got != "dead_letter" {
		t.Fatalf("expected dead_letter after exhausting retries, got %s", got)
	}

	var attempts int
	if err := env.db.Raw("SELECT attempts FROM webhook_events WHERE external_event_id = 'evt_dead'").Scan(&attempts).Error; err != nil {
		t.Fatalf("scan attempts: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryProcessedEventReturnsError(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	ingest(t, env, checkoutPayload("evt_done", "pi_done", ""))

	var ledgerID int64
	if err := env.db.Raw("SELECT id FROM webhook_events WHERE external_event_id = 'evt_done'").Scan(&ledgerID).Error; err != nil {
		t.Fatalf("scan ledger id: %v", err)
	}

	_, err := env.svc.RetryOne(context.Background(), snowflake.ID(ledgerID))
	if !errors.Is(err, eventdomain.ErrEventAlreadyProcessed) {
		t.Fatalf("expected ErrEventAlreadyProcessed, got %v", err)
	}
}

func TestSubscriptionCheckoutReadsPeriodEnd(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	env.upstream.sub = &upstream.Subscription{
		Status:           upstream.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd,
	}

	result := ingest(t, env, checkoutPayload("evt_sub", "pi_sub", "sub_123"))
	if !result.Processed {
		t.Fatalf("expected subscription checkout to process")
	}
	if env.upstream.calls != 1 {
		t.Fatalf("expected one upstream lookup, got %d", env.upstream.calls)
	}

	var subscriptionID string
	if err := env.db.Raw("SELECT subscription_id FROM entitlements LIMIT 1").Scan(&subscriptionID).Error; err != nil {
		t.Fatalf("scan subscription_id: %v", err)
	}
	if subscriptionID != "sub_123" {
		t.Fatalf("expected subscription_id sub_123, got %q", subscriptionID)
	}

	var expiresAt time.Time
	if err := env.db.Raw("SELECT expires_at FROM entitlements LIMIT 1").Scan(&expiresAt).Error; err != nil {
		t.Fatalf("scan expires_at: %v", err)
	}
	if expiresAt.IsZero() {
		t.Fatalf("expected expires_at to be set from the upstream period end")
	}
}

func TestSubscriptionCheckoutFailsWhenUpstreamDown(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	env.upstream.err = fmt.Errorf("%w: connection refused", upstream.ErrLookupFailed)

	result := ingest(t, env, checkoutPayload("evt_up_down", "pi_up", "sub_down"))
	if result.Processed {
		t.Fatalf("upstream failure must leave the event for retry")
	}
	if got := eventStatus(t, env.db, "evt_up_down"); got != "failed" {
		t.Fatalf("expected failed, got %s", got)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 0)
}

func invoicePayload(eventID, subscriptionID, billingReason string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"invoice.paid","created":%d,"data":{"object":{"id":"in_1","subscription":%q,"billing_reason":%q,"amount_paid":4900,"currency":"usd"}}}`,
		eventID, time.Now().UTC().Unix(), subscriptionID, billingReason,
	))
}

func eventPayload(eventID, eventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"created":%d,"data":{"object":%s}}`,
		eventID, eventType, time.Now().UTC().Unix(), object,
	))
}

func seedSubscriptionEntitlement(t *testing.T, env *testEnv, subscriptionID string) {
	t.Helper()
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	env.upstream.sub = &upstream.Subscription{
		Status:           upstream.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd,
	}
	ingest(t, env, checkoutPayload("evt_seed_"+subscriptionID, "pi_seed_"+subscriptionID, subscriptionID))
}

func TestInvoicePaidRenewsEntitlement(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	seedSubscriptionEntitlement(t, env, "sub_renew")

	var before time.Time
	if err := env.db.Raw("SELECT expires_at FROM entitlements LIMIT 1").Scan(&before).Error; err != nil {
		t.Fatalf("scan expires_at: %v", err)
	}

	renewed := before.Add(30 * 24 * time.Hour)
	env.upstream.sub = &upstream.Subscription{
		Status:           upstream.SubscriptionStatusActive,
		CurrentPeriodEnd: renewed,
	}

	result := ingest(t, env, invoicePayload("evt_renew", "sub_renew", "subscription_cycle"))
	if !result.Processed {
		t.Fatalf("expected renewal to process")
	}

	var after time.Time
	if err := env.db.Raw("SELECT expires_at FROM entitlements LIMIT 1").Scan(&after).Error; err != nil {
		t.Fatalf("scan expires_at: %v", err)
	}
	if !after.After(before) {
		t.Fatalf("expected expires_at to advance, before=%v after=%v", before, after)
	}
}

func TestInvoicePaidSkipsFirstSubscriptionInvoice(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	seedSubscriptionEntitlement(t, env, "sub_first")
	callsAfterSeed := env.upstream.calls

	result := ingest(t, env, invoicePayload("evt_first", "sub_first", "subscription_create"))
	if !result.Processed {
		t.Fatalf("first-invoice skip is still a processed event")
	}
	if env.upstream.calls != callsAfterSeed {
		t.Fatalf("subscription_create invoice must not hit the upstream API")
	}
}

func TestInvoicePaymentFailedSuspendsWhenPastDue(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	seedSubscriptionEntitlement(t, env, "sub_pd")

	env.upstream.sub = &upstream.Subscription{Status: upstream.SubscriptionStatusPastDue}
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_pd","type":"invoice.payment_failed","created":%d,"data":{"object":{"id":"in_2","subscription":"sub_pd"}}}`,
		time.Now().UTC().Unix(),
	))
	result := ingest(t, env, payload)
	if !result.Processed {
		t.Fatalf("expected payment failure handling to process")
	}
	if got := entitlementStatus(t, env.db); got != "suspended" {
		t.Fatalf("expected suspended entitlement, got %s", got)
	}
}

func TestSubscriptionUpdatedReactivates(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	seedSubscriptionEntitlement(t, env, "sub_react")

	env.upstream.sub = &upstream.Subscription{Status: upstream.SubscriptionStatusPastDue}
	ingest(t, env, eventPayload("evt_suspend", "invoice.payment_failed", `{"id":"in_3","subscription":"sub_react"}`))
	if got := entitlementStatus(t, env.db); got != "suspended" {
		t.Fatalf("expected suspended before reactivation, got %s", got)
	}

	result := ingest(t, env, eventPayload("evt_react", "customer.subscription.updated", `{"id":"sub_react","status":"active"}`))
	if !result.Processed {
		t.Fatalf("expected update to process")
	}
	if got := entitlementStatus(t, env.db); got != "active" {
		t.Fatalf("expected reactivated entitlement, got %s", got)
	}
}

func TestSubscriptionDeletedRevokes(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	seedSubscriptionEntitlement(t, env, "sub_gone")

	result := ingest(t, env, eventPayload("evt_gone", "customer.subscription.deleted", `{"id":"sub_gone","status":"canceled"}`))
	if !result.Processed {
		t.Fatalf("expected deletion to process")
	}
	if got := entitlementStatus(t, env.db); got != "revoked" {
		t.Fatalf("expected revoked entitlement, got %s", got)
	}
}

func TestChargeRefundedFullRevokesPartialKeeps(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	ingest(t, env, checkoutPayload("evt_buy", "pi_refund", ""))

	partial := eventPayload("evt_partial", "charge.refunded", `{"id":"ch_1","payment_intent":"pi_abc","amount":4900,"amount_refunded":1000,"currency":"usd"}`)
	if result := ingest(t, env, partial); !result.Processed {
		t.Fatalf("partial refund should process")
	}
	if got := entitlementStatus(t, env.db); got != "active" {
		t.Fatalf("partial refund must keep access, got %s", got)
	}

	full := eventPayload("evt_full", "charge.refunded", `{"id":"ch_1","payment_intent":"pi_abc","amount":4900,"amount_refunded":4900,"currency":"usd"}`)
	if result := ingest(t, env, full); !result.Processed {
		t.Fatalf("full refund should process")
	}
	if got := entitlementStatus(t, env.db); got != "revoked" {
		t.Fatalf("full refund must revoke access, got %s", got)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	ingest(t, env, checkoutPayload("evt_buy2", "pi_dispute", ""))

	created := eventPayload("evt_dp_open", "charge.dispute.created", `{"id":"dp_1","payment_intent":"pi_abc","reason":"fraudulent","status":"needs_response"}`)
	if result := ingest(t, env, created); !result.Processed {
		t.Fatalf("dispute creation should process")
	}
	if got := entitlementStatus(t, env.db); got != "revoked" {
		t.Fatalf("dispute must revoke access immediately, got %s", got)
	}

	lost := eventPayload("evt_dp_lost", "charge.dispute.closed", `{"id":"dp_1","payment_intent":"pi_abc","status":"lost"}`)
	if result := ingest(t, env, lost); !result.Processed {
		t.Fatalf("lost dispute should process")
	}
	if got := entitlementStatus(t, env.db); got != "revoked" {
		t.Fatalf("lost dispute keeps access revoked, got %s", got)
	}

	closedWon := eventPayload("evt_dp_closed", "charge.dispute.closed", `{"id":"dp_1","payment_intent":"pi_abc","status":"won"}`)
	if result := ingest(t, env, closedWon); !result.Processed {
		t.Fatalf("won dispute should process")
	}
	if got := entitlementStatus(t, env.db); got != "active" {
		t.Fatalf("won dispute must reinstate access, got %s", got)
	}
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	result := ingest(t, env, eventPayload("evt_unknown", "product.created", `{"id":"prod_1"}`))
	if !result.Processed {
		t.Fatalf("unknown types are acknowledged and marked processed")
	}
	if got := eventStatus(t, env.db, "evt_unknown"); got != "processed" {
		t.Fatalf("expected processed, got %s", got)
	}
}

func TestTenantSigningSecretOverridesGlobal(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	tenantID := env.node.Generate()

	if err := env.db.Exec(
		`INSERT INTO tenant_credentials (tenant_id, webhook_signing_secret, created_at, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		tenantID, "whsec_tenant",
	).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	payload := checkoutPayload("evt_tenant", "pi_tenant", "")
	now := time.Now().UTC().Unix()

	_, err := env.svc.IngestWebhook(context.Background(), tenantID, payload, signPayload(testSigningSecret, payload, now))
	if !errors.Is(err, eventdomain.ErrSignatureInvalid) {
		t.Fatalf("global secret must not verify a tenant with its own secret, got %v", err)
	}

	result, err := env.svc.IngestWebhook(context.Background(), tenantID, payload, signPayload("whsec_tenant", payload, now))
	if err != nil {
		t.Fatalf("tenant-signed ingest: %v", err)
	}
	if !result.Processed {
		t.Fatalf("expected tenant-signed event to process")
	}
}

func TestIngestReattemptsFailedEventOnRedelivery(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())
	env.upstream.err = fmt.Errorf("%w: connection refused", upstream.ErrLookupFailed)

	payload := checkoutPayload("evt_redeliver", "pi_redeliver", "sub_redeliver")
	first := ingest(t, env, payload)
	if first.Processed || first.Duplicate {
		t.Fatalf("first delivery should fail without counting as duplicate, got %+v", first)
	}
	if got := eventStatus(t, env.db, "evt_redeliver"); got != "failed" {
		t.Fatalf("expected failed before redelivery, got %s", got)
	}

	env.upstream.err = nil
	env.upstream.sub = &upstream.Subscription{
		Status:           upstream.SubscriptionStatusActive,
		CurrentPeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
	}

	second := ingest(t, env, payload)
	if !second.Processed || second.Duplicate {
		t.Fatalf("redelivery of a failed event must re-attempt the handler, got %+v", second)
	}
	if got := eventStatus(t, env.db, "evt_redeliver"); got != "processed" {
		t.Fatalf("expected processed after redelivery, got %s", got)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM webhook_events", 1)
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 1)
}

func TestIngestLoadsWinnerWhenInsertLosesRace(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	// A concurrent delivery has already claimed the ledger row; this caller's
	// insert hits the unique index and must pick up the winner's row instead.
	payload := checkoutPayload("evt_race", "pi_race", "")
	winnerID := env.node.Generate()
	if err := env.db.Exec(
		`INSERT INTO webhook_events (id, tenant_id, external_event_id, event_type, payload, status, attempts, created_at, updated_at)
		 VALUES (?, 1, 'evt_race', 'checkout.session.completed', ?, 'pending', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		winnerID, string(payload),
	).Error; err != nil {
		t.Fatalf("seed winner row: %v", err)
	}

	result := ingest(t, env, payload)
	if !result.Processed {
		t.Fatalf("losing the insert race must still process the winner's row, got %+v", result)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM webhook_events", 1)

	var rowID int64
	if err := env.db.Raw("SELECT id FROM webhook_events WHERE external_event_id = 'evt_race'").Scan(&rowID).Error; err != nil {
		t.Fatalf("scan row id: %v", err)
	}
	if snowflake.ID(rowID) != winnerID {
		t.Fatalf("expected the pre-existing ledger row to survive, got id %d want %d", rowID, winnerID)
	}
	if got := eventStatus(t, env.db, "evt_race"); got != "processed" {
		t.Fatalf("expected winner row processed, got %s", got)
	}
	assertCount(t, env.db, "SELECT COUNT(1) FROM entitlements", 1)
}

func TestIngestCountsOutcomesAndSignatureFailures(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	ingest(t, env, checkoutPayload("evt_cnt_ok", "pi_cnt_ok", ""))
	ingest(t, env, checkoutPayload("evt_cnt_bad", "", ""))

	payload := checkoutPayload("evt_cnt_sig", "pi_cnt_sig", "")
	now := time.Now().UTC().Unix()
	if _, err := env.svc.IngestWebhook(context.Background(), 0, payload, signPayload("wrong_secret", payload, now)); err == nil {
		t.Fatalf("expected signature rejection")
	}
	if _, err := env.svc.IngestWebhook(context.Background(), 0, payload, ""); err == nil {
		t.Fatalf("expected missing header rejection")
	}

	if got := counterValue(t, env.reader, "entitled_webhook_events_total", attribute.String("outcome", "processed")); got != 1 {
		t.Fatalf("expected 1 processed event counted, got %d", got)
	}
	if got := counterValue(t, env.reader, "entitled_webhook_events_total", attribute.String("outcome", "failed")); got != 1 {
		t.Fatalf("expected 1 failed event counted, got %d", got)
	}
	if got := counterValue(t, env.reader, "entitled_signature_failures_total", attribute.String("reason", "invalid")); got != 1 {
		t.Fatalf("expected 1 invalid signature counted, got %d", got)
	}
	if got := counterValue(t, env.reader, "entitled_signature_failures_total", attribute.String("reason", "missing_header")); got != 1 {
		t.Fatalf("expected 1 missing header counted, got %d", got)
	}
}

func TestUpstreamLookupsAreCounted(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	env.upstream.sub = &upstream.Subscription{
		Status:           upstream.SubscriptionStatusActive,
		CurrentPeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	ingest(t, env, checkoutPayload("evt_lk_ok", "pi_lk_ok", "sub_lk_ok"))

	env.upstream.err = fmt.Errorf("%w: connection refused", upstream.ErrLookupFailed)
	ingest(t, env, checkoutPayload("evt_lk_err", "pi_lk_err", "sub_lk_err"))

	if got := counterValue(t, env.reader, "entitled_upstream_lookups_total", attribute.String("outcome", "ok")); got != 1 {
		t.Fatalf("expected 1 successful lookup counted, got %d", got)
	}
	if got := counterValue(t, env.reader, "entitled_upstream_lookups_total", attribute.String("outcome", "error")); got != 1 {
		t.Fatalf("expected 1 failed lookup counted, got %d", got)
	}
}

func TestListFailedReturnsCounts(t *testing.T) {
	env := newTestEnv(t, defaultProcessing())

	ingest(t, env, checkoutPayload("evt_ok", "pi_ok", ""))
	ingest(t, env, checkoutPayload("evt_broken", "", ""))

	events, counts, err := env.svc.ListFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(events))
	}
	if events[0].ExternalEventID != "evt_broken" {
		t.Fatalf("expected evt_broken, got %s", events[0].ExternalEventID)
	}
	if counts.Failed != 1 || counts.DeadLettered != 0 || counts.Total != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
