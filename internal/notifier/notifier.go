// Package notifier delivers simplified event notifications to tenant
// callback URLs. Delivery is strictly best-effort: failures are logged and
// never fail or retry the originating webhook event.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hookwise/entitled/internal/config"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	"github.com/hookwise/entitled/internal/signature"
	tenantdomain "github.com/hookwise/entitled/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC over "<timestamp>.<body>" when the tenant
// configured a notification secret.
const SignatureHeader = "Entitled-Notify-Signature"

// Notification is the simplified payload sent to tenants. It deliberately
// does not mirror the processor's native event shape; tenants should not need
// to understand the upstream vendor's event model.
type Notification struct {
	DeliveryID string `json:"delivery_id"`
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ProductID  string `json:"product_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

type Dispatcher interface {
	// Dispatch sends the notification in the background if the tenant has a
	// destination configured. It never blocks on delivery.
	Dispatch(tenant *tenantdomain.Credential, notification Notification)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Holder      *config.ProcessingConfigHolder
	ObsMetrics  *obsmetrics.Metrics     `optional:"true"`
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

type dispatcher struct {
	log         *zap.Logger
	holder      *config.ProcessingConfigHolder
	client      *http.Client
	sleep       func(time.Duration)
	obsMetrics  *obsmetrics.Metrics
	httpMetrics *obsmetrics.HTTPMetrics
}

func NewDispatcher(p Params) Dispatcher {
	return &dispatcher{
		log:         p.Log.Named("notifier"),
		holder:      p.Holder,
		client:      &http.Client{},
		sleep:       time.Sleep,
		obsMetrics:  p.ObsMetrics,
		httpMetrics: p.HTTPMetrics,
	}
}

func (d *dispatcher) Dispatch(tenant *tenantdomain.Credential, notification Notification) {
	if tenant == nil || tenant.NotificationURL == nil || *tenant.NotificationURL == "" {
		return
	}
	go d.deliver(*tenant, notification)
}

// deliver runs the bounded retry loop: the initial attempt plus up to
// MaxRetries more at the configured backoff. A 4xx response is a permanent
// tenant configuration error and is not retried.
func (d *dispatcher) deliver(tenant tenantdomain.Credential, notification Notification) {
	cfg := d.holder.Get().Notifier

	if notification.DeliveryID == "" {
		notification.DeliveryID = uuid.NewString()
	}
	if notification.Timestamp == 0 {
		notification.Timestamp = time.Now().UTC().Unix()
	}

	body, err := json.Marshal(notification)
	if err != nil {
		d.log.Error("failed to encode notification", zap.Error(err))
		return
	}

	log := d.log.With(
		zap.String("tenant_id", tenant.TenantID.String()),
		zap.String("delivery_id", notification.DeliveryID),
		zap.String("event_id", notification.EventID),
		zap.String("type", notification.Type),
	)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.httpMetrics.ObserveDeliveryRetry()
			d.sleep(backoffFor(cfg.Backoff, attempt))
		}

		permanent, err := d.post(tenant, notification, body, cfg.Timeout)
		if err == nil {
			d.recordOutcome("delivered")
			log.Info("notification delivered", zap.Int("attempt", attempt+1))
			return
		}
		lastErr = err
		if permanent {
			d.recordOutcome("rejected")
			log.Warn("notification rejected by tenant endpoint, not retrying", zap.Error(err))
			return
		}
		log.Warn("notification attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	d.recordOutcome("exhausted")
	log.Warn("notification delivery exhausted retries", zap.Error(lastErr))
}

func (d *dispatcher) recordOutcome(outcome string) {
	d.obsMetrics.RecordNotification(context.Background(), outcome)
	d.httpMetrics.ObserveDelivery(outcome)
}

func (d *dispatcher) post(tenant tenantdomain.Credential, notification Notification, body []byte, timeout time.Duration) (permanent bool, err error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *tenant.NotificationURL, bytes.NewReader(body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant.NotificationSecret != nil && *tenant.NotificationSecret != "" {
		timestamp := strconv.FormatInt(notification.Timestamp, 10)
		sig := signature.Sign(*tenant.NotificationSecret, timestamp, body)
		req.Header.Set(SignatureHeader, fmt.Sprintf("t=%s,v1=%s", timestamp, sig))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return true, fmt.Errorf("tenant endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("tenant endpoint returned %d", resp.StatusCode)
	}
}

func backoffFor(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 10 * time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	return backoff[idx]
}
