package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DeliveryPayload is the engine's view of a notification: what happened, to
// whom, about which quote. Template bodies are the delivery service's
// concern.
type DeliveryPayload struct {
	TenantID    string            `json:"tenantId"`
	EventType   string            `json:"eventType"`
	QuoteID     string            `json:"quoteId"`
	QuoteNumber string            `json:"quoteNumber,omitempty"`
	ApprovalID  string            `json:"approvalId,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// DeliverySender is the transport boundary. The engine decides whether and
// when to send; the implementation decides how.
type DeliverySender interface {
	Send(ctx context.Context, channel, recipient string, payload DeliveryPayload) error
}

// DeliveryClient handles HTTP communication with the notification delivery
// service
type DeliveryClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ DeliverySender = (*DeliveryClient)(nil)

// NewDeliveryClient creates a new delivery client
func NewDeliveryClient(baseURL string) *DeliveryClient {
	return &DeliveryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send forwards one delivery to the notification service
func (c *DeliveryClient) Send(ctx context.Context, channel, recipient string, payload DeliveryPayload) error {
	body, err := json.Marshal(map[string]interface{}{
		"channel":   channel,
		"to":        recipient,
		"eventType": payload.EventType,
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications/send", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", payload.TenantID)
	req.Header.Set("X-Internal-Service", "quote-approval-service")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delivery service returned status %d", resp.StatusCode)
	}
	return nil
}

// newJSONRequest builds a POST/PUT request with a JSON body
func newJSONRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
