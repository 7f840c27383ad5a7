// Package approval implements the gateway's Approval Store
// (SPEC_FULL.md §4.6): the PENDING -> {APPROVED,DENIED,EXPIRED} ->
// CONSUMED state machine that backs human-in-the-loop review of
// ESCALATE decisions, and the override-token codec that binds a single
// approved action hash to a single-use retry credential.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// DefaultTTL is used when a caller does not set ExpiresAt on Create.
const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound        = errors.New("approval: not found")
	ErrNotPending      = errors.New("approval: not pending")
	ErrNotApproved     = errors.New("approval: not approved")
	ErrAlreadyConsumed = errors.New("approval: already consumed")
	ErrActionMismatch  = errors.New("approval: presented action hash does not match approval")
)

// Store is the Approval Store's lifecycle contract. Approve/Deny/Consume
// must be linearizable per approval ID: a concurrent double-consume must
// leave exactly one caller observing success.
type Store interface {
	Create(ctx context.Context, a contracts.Approval, now time.Time) (contracts.Approval, error)
	Get(ctx context.Context, approvalID string) (contracts.Approval, error)
	// Approve transitions PENDING->APPROVED and returns a signed override
	// token bound to the approval's action hash.
	Approve(ctx context.Context, approvalID, approverID string, now time.Time) (contracts.Approval, string, error)
	Deny(ctx context.Context, approvalID, approverID, reason string, now time.Time) (contracts.Approval, error)
	// Consume verifies tokenString, checks it against presentedActionHash,
	// and performs the APPROVED->CONSUMED transition exactly once.
	Consume(ctx context.Context, tokenString, presentedActionHash, interactionID string, now time.Time) (contracts.Approval, error)
	// CheckExpirations transitions any PENDING approval past its
	// ExpiresAt to EXPIRED and returns the ones it moved.
	CheckExpirations(ctx context.Context, now time.Time) ([]contracts.Approval, error)
}

// MemoryStore implements Store in process memory, mirroring
// pkg/escalation's Manager shape (single mutex, map-of-ID, explicit
// status checks before every transition) generalized with a CONSUMED
// terminal state for override-token single-use enforcement.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*contracts.Approval
	codec     *TokenCodec
}

// NewMemoryStore wires a store to the codec that will issue and verify
// its override tokens.
func NewMemoryStore(codec *TokenCodec) *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*contracts.Approval),
		codec:     codec,
	}
}

func (s *MemoryStore) Create(ctx context.Context, a contracts.Approval, now time.Time) (contracts.Approval, error) {
	select {
	case <-ctx.Done():
		return contracts.Approval{}, ctx.Err()
	default:
	}

	if a.ApprovalID == "" {
		a.ApprovalID = uuid.New().String()
	}
	a.Status = contracts.ApprovalPending
	a.CreatedAt = now
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = now.Add(DefaultTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := a
	s.approvals[a.ApprovalID] = &stored
	return stored, nil
}

func (s *MemoryStore) Get(ctx context.Context, approvalID string) (contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return contracts.Approval{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) Approve(ctx context.Context, approvalID, approverID string, now time.Time) (contracts.Approval, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return contracts.Approval{}, "", ErrNotFound
	}
	if a.Expired(now) {
		a.Status = contracts.ApprovalExpired
		return *a, "", ErrNotPending
	}
	if a.Status != contracts.ApprovalPending {
		return contracts.Approval{}, "", ErrNotPending
	}

	tokenID, err := randomID()
	if err != nil {
		return contracts.Approval{}, "", fmt.Errorf("approval: token id generation failed: %w", err)
	}
	override := contracts.OverrideToken{
		TokenID:    tokenID,
		ApprovalID: a.ApprovalID,
		ActionHash: a.ActionHash,
		OrgID:      a.OrgID,
		IssuedAt:   now,
		ExpiresAt:  a.ExpiresAt,
	}
	signed, err := s.codec.Issue(override)
	if err != nil {
		return contracts.Approval{}, "", err
	}

	a.Status = contracts.ApprovalApproved
	a.ApproverID = approverID
	a.DecidedAt = now
	a.OverrideTokenID = tokenID

	return *a, signed, nil
}

func (s *MemoryStore) Deny(ctx context.Context, approvalID, approverID, reason string, now time.Time) (contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return contracts.Approval{}, ErrNotFound
	}
	if a.Status != contracts.ApprovalPending {
		return contracts.Approval{}, ErrNotPending
	}

	a.Status = contracts.ApprovalDenied
	a.ApproverID = approverID
	a.Reason = reason
	a.DecidedAt = now

	return *a, nil
}

func (s *MemoryStore) Consume(ctx context.Context, tokenString, presentedActionHash, interactionID string, now time.Time) (contracts.Approval, error) {
	token, err := s.codec.Parse(tokenString)
	if err != nil {
		return contracts.Approval{}, err
	}
	if token.Expired(now) {
		return contracts.Approval{}, fmt.Errorf("%w: token expired", ErrTokenInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[token.ApprovalID]
	if !ok {
		return contracts.Approval{}, ErrNotFound
	}
	if a.ActionHash != presentedActionHash || token.ActionHash != presentedActionHash {
		return contracts.Approval{}, ErrActionMismatch
	}
	// The compare-and-swap: only an APPROVED->CONSUMED transition
	// succeeds. A concurrent consumer that already
	// flipped this approval to CONSUMED leaves this caller here.
	if a.Status != contracts.ApprovalApproved {
		return contracts.Approval{}, ErrAlreadyConsumed
	}

	a.Status = contracts.ApprovalConsumed
	a.ConsumedAt = now
	a.ConsumedInteractionID = interactionID

	return *a, nil
}

func (s *MemoryStore) CheckExpirations(ctx context.Context, now time.Time) ([]contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []contracts.Approval
	for _, a := range s.approvals {
		if a.Status == contracts.ApprovalPending && now.After(a.ExpiresAt) {
			a.Status = contracts.ApprovalExpired
			expired = append(expired, *a)
		}
	}
	return expired, nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
