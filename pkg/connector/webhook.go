package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
)

// WebhookConnector is the narrow sibling of HTTPConnector: POST-only,
// allowlisted domains, and every outbound envelope carries a gateway
// signature the receiver can verify.
type WebhookConnector struct {
	guard        *Guard
	signer       crypto.Signer
	maxBodyBytes int64
}

// NewWebhookConnector builds a webhook connector signed with signer.
func NewWebhookConnector(guard *Guard, signer crypto.Signer, maxBodyBytes int64) *WebhookConnector {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookConnector{guard: guard, signer: signer, maxBodyBytes: maxBodyBytes}
}

func (c *WebhookConnector) Name() string { return "webhook" }

func (c *WebhookConnector) Validate(ctx context.Context, action contracts.Action) error {
	url, ok := action.Params["url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("connector: webhook.deliver requires a string \"url\" param")
	}
	_, _, err := c.guard.Validate(ctx, url)
	return err
}

type webhookEnvelope struct {
	ActionHash string         `json:"action_hash"`
	OrgID      string         `json:"org_id"`
	Payload    map[string]any `json:"payload"`
	SentAt     time.Time      `json:"sent_at"`
}

func (c *WebhookConnector) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	if err := c.Validate(ctx, action); err != nil {
		return Result{}, err
	}

	rawURL := action.Params["url"].(string)
	u, ip, err := c.guard.Validate(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	payload, _ := action.Params["payload"].(map[string]interface{})
	envelope := webhookEnvelope{
		OrgID:   action.OrgID,
		Payload: payload,
		SentAt:  time.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, fmt.Errorf("connector: envelope marshal failed: %w", err)
	}

	sig, err := c.signer.Sign(body)
	if err != nil {
		return Result{}, fmt.Errorf("connector: envelope signing failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("connector: request construction failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Signature", sig)
	req.Header.Set("X-Gateway-Key-ID", c.signer.KeyID())

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	client := NewPinnedClient(c.guard, c.maxBodyBytes)
	client.Transport.(*http.Transport).DialContext = DialerFor(ip, port)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("connector: webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	return Result{
		Output:  map[string]interface{}{"status_code": resp.StatusCode},
		Status:  fmt.Sprintf("%d", resp.StatusCode),
		Latency: time.Since(start),
	}, nil
}
