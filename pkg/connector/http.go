package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// HTTPConnector performs arbitrary outbound HTTP calls within an
// allowlisted set of hosts and methods. Every request goes through the
// shared SSRF Guard and is IP-pinned before the TLS handshake.
type HTTPConnector struct {
	guard          *Guard
	allowedMethods map[string]bool
	maxBodyBytes   int64
}

// NewHTTPConnector restricts outbound calls to guard's allowlisted hosts
// and the given HTTP methods.
func NewHTTPConnector(guard *Guard, allowedMethods []string, maxBodyBytes int64) *HTTPConnector {
	methods := make(map[string]bool, len(allowedMethods))
	for _, m := range allowedMethods {
		methods[m] = true
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20 // 1MB default
	}
	return &HTTPConnector{guard: guard, allowedMethods: methods, maxBodyBytes: maxBodyBytes}
}

func (c *HTTPConnector) Name() string { return "http" }

func (c *HTTPConnector) Validate(ctx context.Context, action contracts.Action) error {
	url, ok := action.Params["url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("connector: http.request requires a string \"url\" param")
	}
	method, _ := action.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	if !c.allowedMethods[method] {
		return fmt.Errorf("connector: method %q not permitted for this connector", method)
	}
	_, _, err := c.guard.Validate(ctx, url)
	return err
}

func (c *HTTPConnector) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	if err := c.Validate(ctx, action); err != nil {
		return Result{}, err
	}

	rawURL := action.Params["url"].(string)
	method, _ := action.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	u, ip, err := c.guard.Validate(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	var body io.Reader
	if b, ok := action.Params["body"]; ok {
		raw, err := json.Marshal(b)
		if err != nil {
			return Result{}, fmt.Errorf("connector: body marshal failed: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Result{}, fmt.Errorf("connector: request construction failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}

	client := NewPinnedClient(c.guard, c.maxBodyBytes)
	client.Transport.(*http.Transport).DialContext = DialerFor(ip, port)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("connector: http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(limitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("connector: reading response failed: %w", err)
	}

	return Result{
		Output: map[string]interface{}{
			"status_code": resp.StatusCode,
			"body":        string(raw),
		},
		Status:  fmt.Sprintf("%d", resp.StatusCode),
		Latency: time.Since(start),
	}, nil
}
