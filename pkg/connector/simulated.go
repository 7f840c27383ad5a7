package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/kms"
)

// MockConnector echoes its params back as output. Used in tests and in
// dry-run/demo deployments where no real tool is wired up yet.
type MockConnector struct {
	name string
}

// NewMockConnector builds an echo connector bound to a specific tool
// name, so a test manifest can allowlist it like any real integration.
func NewMockConnector(name string) *MockConnector {
	return &MockConnector{name: name}
}

func (c *MockConnector) Name() string { return c.name }

func (c *MockConnector) Validate(ctx context.Context, action contracts.Action) error {
	return nil
}

func (c *MockConnector) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	return Result{
		Output: map[string]interface{}{"echo": action.Params},
		Status: "ok",
	}, nil
}

// fileLogConnector is the shared implementation behind SimulatedMailer
// and SimulatedPayments: both only append a structured record to a
// local file rather than calling a real provider, per spec.md §4.4.
// When encryptor is non-nil, every string field in the record (the
// counterparty identity, email body, etc.) is sealed with it before the
// record ever touches disk, so a stolen log file on its own discloses
// nothing — the same pkg/kms keystore the gateway already boots for
// credential material.
type fileLogConnector struct {
	name      string
	mu        sync.Mutex
	w         io.Writer
	encryptor kms.Manager
}

func (c *fileLogConnector) Name() string { return c.name }

func (c *fileLogConnector) append(record map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record["logged_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if c.encryptor != nil {
		for k, v := range record {
			if k == "logged_at" {
				continue
			}
			s, ok := v.(string)
			if !ok {
				continue
			}
			sealed, err := c.encryptor.Encrypt(s)
			if err != nil {
				return fmt.Errorf("connector: encrypt field %q: %w", k, err)
			}
			record[k] = sealed
		}
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("connector: record marshal failed: %w", err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("connector: record write failed: %w", err)
	}
	return nil
}

// SimulatedMailer stands in for a real email provider; it never performs
// outbound I/O, so it is exempt from the SSRF guard.
type SimulatedMailer struct{ fileLogConnector }

// NewSimulatedMailer appends to path, creating it if necessary, logging
// records in the clear.
func NewSimulatedMailer(path string) (*SimulatedMailer, error) {
	return NewSimulatedMailerWithKMS(path, nil)
}

// NewSimulatedMailerWithKMS is like NewSimulatedMailer but seals every
// logged record with encryptor first. A nil encryptor behaves exactly
// like NewSimulatedMailer.
func NewSimulatedMailerWithKMS(path string, encryptor kms.Manager) (*SimulatedMailer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("connector: simulated mailer log open failed: %w", err)
	}
	return &SimulatedMailer{fileLogConnector{name: "mailer.simulated", w: f, encryptor: encryptor}}, nil
}

func (c *SimulatedMailer) Validate(ctx context.Context, action contracts.Action) error {
	if action.Counterparty.ID == "" {
		return fmt.Errorf("connector: email.send requires a counterparty")
	}
	return nil
}

func (c *SimulatedMailer) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	record := map[string]interface{}{
		"to":      action.Counterparty.ID,
		"subject": action.Params["subject"],
		"body":    action.Params["body"],
	}
	if err := c.append(record); err != nil {
		return Result{}, err
	}
	return Result{Output: record, Status: "logged"}, nil
}

// SimulatedPayments stands in for a real payments provider (e.g.
// Stripe); like SimulatedMailer it only logs, which is why this build
// does not import a payments SDK — see DESIGN.md.
type SimulatedPayments struct{ fileLogConnector }

// NewSimulatedPayments appends to path, creating it if necessary, logging
// records in the clear.
func NewSimulatedPayments(path string) (*SimulatedPayments, error) {
	return NewSimulatedPaymentsWithKMS(path, nil)
}

// NewSimulatedPaymentsWithKMS is like NewSimulatedPayments but seals
// every logged record with encryptor first. A nil encryptor behaves
// exactly like NewSimulatedPayments.
func NewSimulatedPaymentsWithKMS(path string, encryptor kms.Manager) (*SimulatedPayments, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("connector: simulated payments log open failed: %w", err)
	}
	return &SimulatedPayments{fileLogConnector{name: "payments.simulated", w: f, encryptor: encryptor}}, nil
}

func (c *SimulatedPayments) Validate(ctx context.Context, action contracts.Action) error {
	if action.AmountCents <= 0 {
		return fmt.Errorf("connector: payment.transfer requires a positive amount")
	}
	if action.Currency == "" {
		return fmt.Errorf("connector: payment.transfer requires a currency")
	}
	return nil
}

func (c *SimulatedPayments) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	record := map[string]interface{}{
		"payee":        action.Counterparty.ID,
		"amount_cents": action.AmountCents,
		"currency":     action.Currency,
	}
	if err := c.append(record); err != nil {
		return Result{}, err
	}
	return Result{Output: record, Status: "logged"}, nil
}
