package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayNotifier delivers email and SMS through an external HTTP gateway.
// Unlike WebhookNotifier the endpoint is fixed and the contact address rides
// in the payload, so one gateway serves every contact on the channel.
type GatewayNotifier struct {
	endpoint string
	client   *http.Client
}

func NewGatewayNotifier(endpoint string, timeout time.Duration) *GatewayNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &GatewayNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (n *GatewayNotifier) Send(ctx context.Context, target Target, msg Message) error {
	body, err := json.Marshal(map[string]any{
		"channel":   target.Channel,
		"to":        target.Address,
		"contactId": target.Contact.ID,
		"alert":     msg,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	return nil
}
