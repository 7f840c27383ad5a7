// Package audit implements the gateway's append-only, hash-chained,
// signed audit log (SPEC_FULL.md §4.3).
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agentgateway/pkg/canonicalize"
	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
)

const genesisHash = "GENESIS"

var (
	// ErrChainCorrupt is returned by VerifyChain when a link, a hash, or a
	// signature does not match. Per SPEC_FULL.md §9, a missing signature
	// is treated identically to a broken chain link.
	ErrChainCorrupt = errors.New("audit: hash chain is corrupt")
	// ErrUnavailable is the fail-closed error surfaced to callers (and
	// mapped to contracts.ReasonAuditUnavailable) when the backing store
	// cannot accept an append.
	ErrUnavailable = errors.New("audit: log unavailable")
)

// Log is the gateway's audit log. Implementations must serialize Append
// calls (the chain has exactly one writer) and must sign every event —
// there is no unsigned-event code path.
type Log interface {
	Append(ctx context.Context, event contracts.AuditEvent) (contracts.AuditEvent, error)
	VerifyChain(ctx context.Context) error
	MerkleRoot(ctx context.Context) (string, error)
	Export(ctx context.Context, filter Filter) ([]byte, error)
}

// Filter narrows an Export call to a sub-range of the chain.
type Filter struct {
	OrgID     string
	StartSeq  int64
	EndSeq    int64
	StartTime time.Time
	EndTime   time.Time
}

func (f Filter) matches(e contracts.AuditEvent) bool {
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if f.StartSeq > 0 && e.SequenceNumber < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.SequenceNumber > f.EndSeq {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// MemoryLog is an in-process, single-writer implementation of Log. It is
// used by tests and is also the Log cmd/gateway wires in; this package
// has no durable (Postgres-backed) implementation.
type MemoryLog struct {
	mu       sync.Mutex
	signer   crypto.Signer
	events   []contracts.AuditEvent
	chainHead string
	seq      int64
}

// NewMemoryLog creates an empty log that will sign every appended event
// with signer. signer must not be nil — an audit log with no signing
// service fails closed (see pkg/config's production check).
func NewMemoryLog(signer crypto.Signer) *MemoryLog {
	return &MemoryLog{
		signer:    signer,
		chainHead: genesisHash,
	}
}

// Append computes event's hash, links it to the chain head, signs it, and
// stores it. The caller-supplied EventID/Timestamp are honored if set;
// otherwise they are generated here so a single Append is all a caller
// needs.
func (l *MemoryLog) Append(ctx context.Context, event contracts.AuditEvent) (contracts.AuditEvent, error) {
	select {
	case <-ctx.Done():
		return contracts.AuditEvent{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.seq++
	event.SequenceNumber = l.seq
	event.PreviousEventHash = l.chainHead

	hash, err := eventHash(event)
	if err != nil {
		l.seq--
		return contracts.AuditEvent{}, fmt.Errorf("audit: failed to hash event: %w", err)
	}
	event.EventHash = hash

	if l.signer == nil {
		l.seq--
		return contracts.AuditEvent{}, fmt.Errorf("%w: no signing service configured", ErrUnavailable)
	}
	if err := l.signer.SignEvent(&event); err != nil {
		l.seq--
		return contracts.AuditEvent{}, fmt.Errorf("%w: signing failed: %w", ErrUnavailable, err)
	}

	l.events = append(l.events, event)
	l.chainHead = event.EventHash
	return event, nil
}

// eventHash computes the canonical hash of every field of event except
// EventHash and Signature/SignerKID, which are derived from it.
func eventHash(e contracts.AuditEvent) (string, error) {
	hashable := e
	hashable.EventHash = ""
	hashable.Signature = ""
	hashable.SignerKID = ""
	return canonicalize.ActionHash(hashable)
}

// VerifyChain recomputes every event's hash and signature and checks the
// previous_event_hash linkage. Any mismatch — a broken link, a recomputed
// hash that doesn't match the stored one, an event signed by a key other
// than this log's signer, or a signature that doesn't cryptographically
// verify against that signer's public key — is reported as
// ErrChainCorrupt.
func (l *MemoryLog) VerifyChain(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expectedPrev := genesisHash
	for i, e := range l.events {
		if e.PreviousEventHash != expectedPrev {
			return fmt.Errorf("%w: event %d (%s) previous_event_hash=%s want=%s", ErrChainCorrupt, i, e.EventID, e.PreviousEventHash, expectedPrev)
		}
		computed, err := eventHash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d (%s) rehash failed: %w", ErrChainCorrupt, i, e.EventID, err)
		}
		if computed != e.EventHash {
			return fmt.Errorf("%w: event %d (%s) hash mismatch", ErrChainCorrupt, i, e.EventID)
		}
		if e.Signature == "" || e.SignerKID == "" {
			return fmt.Errorf("%w: event %d (%s) is unsigned", ErrChainCorrupt, i, e.EventID)
		}
		if e.SignerKID != l.signer.KeyID() {
			return fmt.Errorf("%w: event %d (%s) signed by unknown key %q", ErrChainCorrupt, i, e.EventID, e.SignerKID)
		}
		verified, err := crypto.VerifyEventSignature(&e, l.signer.PublicKeyHex())
		if err != nil {
			return fmt.Errorf("%w: event %d (%s) signature verification failed: %w", ErrChainCorrupt, i, e.EventID, err)
		}
		if !verified {
			return fmt.Errorf("%w: event %d (%s) signature does not verify against signer %q", ErrChainCorrupt, i, e.EventID, e.SignerKID)
		}
		expectedPrev = e.EventHash
	}
	return nil
}

// MerkleRoot returns the domain-separated Merkle root over the current
// set of event hashes, for compact external attestation of the whole log
// without shipping every event.
func (l *MemoryLog) MerkleRoot(ctx context.Context) (string, error) {
	l.mu.Lock()
	leaves := make([][]byte, len(l.events))
	for i, e := range l.events {
		leaves[i] = []byte(e.EventHash)
	}
	l.mu.Unlock()

	return merkleRoot(leaves)
}

// Export serializes every event matching filter as newline-delimited
// JSON. Each line is independently self-verifying: a consumer can
// recompute event_hash and verify the signature without needing the rest
// of the chain, though full tamper-evidence requires walking the chain
// (VerifyChain).
func (l *MemoryLog) Export(ctx context.Context, filter Filter) ([]byte, error) {
	l.mu.Lock()
	matched := make([]contracts.AuditEvent, 0, len(l.events))
	for _, e := range l.events {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	l.mu.Unlock()

	var buf []byte
	for _, e := range matched {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("audit: export marshal failed: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

// Events returns a copy of every event currently held, for tests and for
// sinks that need the full in-memory view before shipping it out.
func (l *MemoryLog) Events() []contracts.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}
