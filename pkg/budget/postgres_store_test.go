package budget

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

func TestPostgresStore_Reserve_UpdatesExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypePaymentTransfer}

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"count_used", "amount_used_cents"}).AddRow(int64(3), int64(3000))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budget_counters")).
		WithArgs("org_1", "uapk_1", "payment.transfer", "2026-07-30", int64(1000), int64(10), int64(100000), now).
		WillReturnRows(rows)
	mock.ExpectCommit()

	res, err := store.Reserve(ctx, key, 1000, Limit{CountLimit: 10, AmountLimit: 100000}, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 3, res.Counter.CountUsed)
	assert.EqualValues(t, 3000, res.Counter.AmountUsedCents)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Reserve_InsertsFirstRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypeEmailSend}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budget_counters")).
		WillReturnError(sql.ErrNoRows)
	insertRows := sqlmock.NewRows([]string{"count_used", "amount_used_cents"}).AddRow(int64(1), int64(0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO budget_counters")).
		WithArgs("org_1", "uapk_1", "email.send", "2026-07-30", int64(0), int64(5), int64(0), now).
		WillReturnRows(insertRows)
	mock.ExpectCommit()

	res, err := store.Reserve(ctx, key, 0, Limit{CountLimit: 5}, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 1, res.Counter.CountUsed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_ReturnsZeroCounterWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypeHTTPRequest}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count_used, amount_used_cents, count_limit, amount_limit_cents FROM budget_counters")).
		WithArgs("org_1", "uapk_1", "http.request", "2026-07-30").
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(ctx, key, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.CountUsed)
}
