package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// PostgresStore implements Store against an approvals table, using
// SELECT ... FOR UPDATE inside a transaction for every state
// transition so Approve/Deny/Consume race the same way MemoryStore's
// single mutex does, but across however many gateway instances share
// the database.
type PostgresStore struct {
	db    *sql.DB
	codec *TokenCodec
}

// NewPostgresStore wraps an already-configured *sql.DB (lib/pq driver)
// and the codec that will issue and verify this store's override
// tokens.
func NewPostgresStore(db *sql.DB, codec *TokenCodec) *PostgresStore {
	return &PostgresStore{db: db, codec: codec}
}

func (s *PostgresStore) Create(ctx context.Context, a contracts.Approval, now time.Time) (contracts.Approval, error) {
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.New().String()
	}
	a.Status = contracts.ApprovalPending
	a.CreatedAt = now
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = now.Add(DefaultTTL)
	}

	actionJSON, err := json.Marshal(a.Action)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: marshal action: %w", err)
	}
	reasonCodesJSON, err := json.Marshal(a.ReasonCodes)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: marshal reason codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, org_id, action_hash, action, status, reason_codes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ApprovalID, a.OrgID, a.ActionHash, actionJSON, string(a.Status), reasonCodesJSON, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: insert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Get(ctx context.Context, approvalID string) (contracts.Approval, error) {
	return scanApproval(s.db.QueryRowContext(ctx, selectApprovalSQL, approvalID))
}

func (s *PostgresStore) Approve(ctx context.Context, approvalID, approverID string, now time.Time) (contracts.Approval, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Approval{}, "", fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, selectApprovalForUpdateSQL, approvalID))
	if err != nil {
		return contracts.Approval{}, "", err
	}

	if a.Expired(now) {
		if _, updErr := tx.ExecContext(ctx, `UPDATE approvals SET status = $1 WHERE approval_id = $2`, string(contracts.ApprovalExpired), approvalID); updErr != nil {
			return contracts.Approval{}, "", fmt.Errorf("approval: mark expired: %w", updErr)
		}
		_ = tx.Commit()
		a.Status = contracts.ApprovalExpired
		return a, "", ErrNotPending
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

	_, err = tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $1, approver_id = $2, decided_at = $3, override_token_id = $4
		WHERE approval_id = $5
	`, string(contracts.ApprovalApproved), approverID, now, tokenID, approvalID)
	if err != nil {
		return contracts.Approval{}, "", fmt.Errorf("approval: update approved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Approval{}, "", fmt.Errorf("approval: commit: %w", err)
	}

	a.Status = contracts.ApprovalApproved
	a.ApproverID = approverID
	a.DecidedAt = now
	a.OverrideTokenID = tokenID
	return a, signed, nil
}

func (s *PostgresStore) Deny(ctx context.Context, approvalID, approverID, reason string, now time.Time) (contracts.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, selectApprovalForUpdateSQL, approvalID))
	if err != nil {
		return contracts.Approval{}, err
	}
	if a.Status != contracts.ApprovalPending {
		return contracts.Approval{}, ErrNotPending
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $1, approver_id = $2, reason = $3, decided_at = $4
		WHERE approval_id = $5
	`, string(contracts.ApprovalDenied), approverID, reason, now, approvalID)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: update denied: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: commit: %w", err)
	}

	a.Status = contracts.ApprovalDenied
	a.ApproverID = approverID
	a.Reason = reason
	a.DecidedAt = now
	return a, nil
}

func (s *PostgresStore) Consume(ctx context.Context, tokenString, presentedActionHash, interactionID string, now time.Time) (contracts.Approval, error) {
	token, err := s.codec.Parse(tokenString)
	if err != nil {
		return contracts.Approval{}, err
	}
	if token.Expired(now) {
		return contracts.Approval{}, fmt.Errorf("%w: token expired", ErrTokenInvalid)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, selectApprovalForUpdateSQL, token.ApprovalID))
	if err != nil {
		return contracts.Approval{}, err
	}
	if a.ActionHash != presentedActionHash || token.ActionHash != presentedActionHash {
		return contracts.Approval{}, ErrActionMismatch
	}
	if a.Status != contracts.ApprovalApproved {
		return contracts.Approval{}, ErrAlreadyConsumed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $1, consumed_at = $2, consumed_interaction_id = $3
		WHERE approval_id = $4
	`, string(contracts.ApprovalConsumed), now, interactionID, a.ApprovalID)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: update consumed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Approval{}, fmt.Errorf("approval: commit: %w", err)
	}

	a.Status = contracts.ApprovalConsumed
	a.ConsumedAt = now
	a.ConsumedInteractionID = interactionID
	return a, nil
}

func (s *PostgresStore) CheckExpirations(ctx context.Context, now time.Time) ([]contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE approvals
		SET status = $1
		WHERE status = $2 AND expires_at < $3
		RETURNING approval_id, org_id, action_hash, action, status, reason_codes, approver_id, reason, created_at, decided_at, expires_at, override_token_id, consumed_at, consumed_interaction_id
	`, string(contracts.ApprovalExpired), string(contracts.ApprovalPending), now)
	if err != nil {
		return nil, fmt.Errorf("approval: check expirations: %w", err)
	}
	defer rows.Close()

	var expired []contracts.Approval
	for rows.Next() {
		a, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, a)
	}
	return expired, rows.Err()
}

const selectApprovalSQL = `
SELECT approval_id, org_id, action_hash, action, status, reason_codes, approver_id, reason, created_at, decided_at, expires_at, override_token_id, consumed_at, consumed_interaction_id
FROM approvals WHERE approval_id = $1
`

const selectApprovalForUpdateSQL = selectApprovalSQL + " FOR UPDATE"

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (contracts.Approval, error) {
	a, err := scanApprovalRow(row)
	if err == sql.ErrNoRows {
		return contracts.Approval{}, ErrNotFound
	}
	return a, err
}

func scanApprovalRow(row rowScanner) (contracts.Approval, error) {
	var (
		a               contracts.Approval
		status          string
		actionJSON      []byte
		reasonCodesJSON []byte
		approverID      sql.NullString
		reason          sql.NullString
		decidedAt       sql.NullTime
		overrideTokenID sql.NullString
		consumedAt      sql.NullTime
		consumedIntID   sql.NullString
	)
	err := row.Scan(
		&a.ApprovalID, &a.OrgID, &a.ActionHash, &actionJSON, &status, &reasonCodesJSON,
		&approverID, &reason, &a.CreatedAt, &decidedAt, &a.ExpiresAt,
		&overrideTokenID, &consumedAt, &consumedIntID,
	)
	if err != nil {
		return contracts.Approval{}, err
	}
	a.Status = contracts.ApprovalStatus(status)
	if len(actionJSON) > 0 {
		if jsonErr := json.Unmarshal(actionJSON, &a.Action); jsonErr != nil {
			return contracts.Approval{}, fmt.Errorf("approval: unmarshal action: %w", jsonErr)
		}
	}
	if len(reasonCodesJSON) > 0 {
		if jsonErr := json.Unmarshal(reasonCodesJSON, &a.ReasonCodes); jsonErr != nil {
			return contracts.Approval{}, fmt.Errorf("approval: unmarshal reason codes: %w", jsonErr)
		}
	}
	a.ApproverID = approverID.String
	a.Reason = reason.String
	a.DecidedAt = decidedAt.Time
	a.OverrideTokenID = overrideTokenID.String
	a.ConsumedAt = consumedAt.Time
	a.ConsumedInteractionID = consumedIntID.String
	return a, nil
}
