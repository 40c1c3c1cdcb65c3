package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.processor.example.com"
	defaultTimeout = 10 * time.Second
)

// HTTPClient talks to the processor REST API with a per-request timeout so a
// slow upstream cannot pin request-handling capacity.
type HTTPClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewHTTPClient(baseURL, secretKey string, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

type subscriptionPayload struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

func (c *HTTPClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: empty subscription id", ErrLookupFailed)
	}

	endpoint := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, url.PathEscape(subscriptionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: subscription %s: status %d", ErrLookupFailed, subscriptionID, resp.StatusCode)
	}

	var payload subscriptionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	sub := &Subscription{
		ID:                payload.ID,
		Status:            strings.TrimSpace(payload.Status),
		CancelAtPeriodEnd: payload.CancelAtPeriodEnd,
	}
	if payload.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(payload.CurrentPeriodEnd, 0).UTC()
	}
	return sub, nil
}
