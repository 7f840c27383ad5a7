package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// PostgresStore implements Store against a budget_counters table, using a
// single conditional UPDATE (falling back to INSERT on first use within a
// bucket) so the limit check and the increment happen as one statement
// rather than the teacher's read-then-write upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-configured *sql.DB (lib/pq driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reserveUpdateSQL = `
UPDATE budget_counters
SET count_used = count_used + 1,
    amount_used_cents = amount_used_cents + $5,
    count_limit = $6,
    amount_limit_cents = $7,
    updated_at = $8
WHERE org_id = $1 AND uapk_id = $2 AND action_type = $3 AND period_bucket = $4
  AND ($6 <= 0 OR count_used + 1 <= $6)
  AND ($7 <= 0 OR amount_used_cents + $5 <= $7)
RETURNING count_used, amount_used_cents
`

const insertSQL = `
INSERT INTO budget_counters (org_id, uapk_id, action_type, period_bucket, count_used, amount_used_cents, count_limit, amount_limit_cents, updated_at)
VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8)
ON CONFLICT (org_id, uapk_id, action_type, period_bucket) DO NOTHING
RETURNING count_used, amount_used_cents
`

func (s *PostgresStore) Reserve(ctx context.Context, key Key, amountCents int64, limit Limit, now time.Time) (Reservation, error) {
	bucket := periodBucket(key, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var count, amount int64
	err = tx.QueryRowContext(ctx, reserveUpdateSQL,
		key.OrgID, key.UAPKID, string(key.ActionType), bucket,
		amountCents, limit.CountLimit, limit.AmountLimit, now,
	).Scan(&count, &amount)

	switch {
	case err == sql.ErrNoRows:
		// No existing row matched the conditional UPDATE: either the row
		// doesn't exist yet, or it exists but the limit would be exceeded.
		// Try a first-insert; if that also yields no row, a concurrent
		// writer won the race or the limit is already exhausted on a row
		// that existed at UPDATE time but not at INSERT time. A first
		// reservation whose amount alone exceeds the amount limit is
		// refused without inserting.
		insertErr := sql.ErrNoRows
		if limit.AmountLimit <= 0 || amountCents <= limit.AmountLimit {
			insertErr = tx.QueryRowContext(ctx, insertSQL,
				key.OrgID, key.UAPKID, string(key.ActionType), bucket,
				amountCents, limit.CountLimit, limit.AmountLimit, now,
			).Scan(&count, &amount)
		}
		if insertErr == sql.ErrNoRows {
			counter, getErr := s.getTx(ctx, tx, key, bucket)
			if getErr != nil {
				return Reservation{}, getErr
			}
			if commitErr := tx.Commit(); commitErr != nil {
				return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, commitErr)
			}
			return Reservation{Allowed: false, Counter: counter}, nil
		}
		if insertErr != nil {
			return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, insertErr)
		}
	case err != nil:
		return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	counter := contracts.BudgetCounter{
		OrgID:            key.OrgID,
		UAPKID:           key.UAPKID,
		ActionType:       key.ActionType,
		PeriodBucket:     bucket,
		CountUsed:        count,
		AmountUsedCents:  amount,
		CountLimit:       limit.CountLimit,
		AmountLimitCents: limit.AmountLimit,
		UpdatedAt:        now,
	}
	return Reservation{Allowed: true, Counter: counter}, nil
}

func (s *PostgresStore) getTx(ctx context.Context, tx *sql.Tx, key Key, bucket string) (contracts.BudgetCounter, error) {
	counter := contracts.BudgetCounter{OrgID: key.OrgID, UAPKID: key.UAPKID, ActionType: key.ActionType, PeriodBucket: bucket}
	row := tx.QueryRowContext(ctx, `SELECT count_used, amount_used_cents, count_limit, amount_limit_cents FROM budget_counters WHERE org_id = $1 AND uapk_id = $2 AND action_type = $3 AND period_bucket = $4`,
		key.OrgID, key.UAPKID, string(key.ActionType), bucket)
	err := row.Scan(&counter.CountUsed, &counter.AmountUsedCents, &counter.CountLimit, &counter.AmountLimitCents)
	if err == sql.ErrNoRows {
		return counter, nil
	}
	if err != nil {
		return contracts.BudgetCounter{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return counter, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key, now time.Time) (contracts.BudgetCounter, error) {
	bucket := periodBucket(key, now)
	counter := contracts.BudgetCounter{OrgID: key.OrgID, UAPKID: key.UAPKID, ActionType: key.ActionType, PeriodBucket: bucket}

	row := s.db.QueryRowContext(ctx, `SELECT count_used, amount_used_cents, count_limit, amount_limit_cents FROM budget_counters WHERE org_id = $1 AND uapk_id = $2 AND action_type = $3 AND period_bucket = $4`,
		key.OrgID, key.UAPKID, string(key.ActionType), bucket)
	err := row.Scan(&counter.CountUsed, &counter.AmountUsedCents, &counter.CountLimit, &counter.AmountLimitCents)
	if err == sql.ErrNoRows {
		return counter, nil
	}
	if err != nil {
		return contracts.BudgetCounter{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return counter, nil
}
