package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tallyhq/backend/internal/config"
	"github.com/tallyhq/backend/internal/provider"
)

func syncTestConfig() *config.SyncConfig {
	return &config.SyncConfig{
		PageSize:       100,
		IncrementalCap: 500,
		FullResyncCap:  5000,
		BatchSize:      50,
		LockTTL:        10 * time.Minute,
	}
}

func expectConnectionRow(mock sqlmock.Sqlmock, svc *ConnectionService, accountID, credential string) {
	sealed, _ := svc.seal(credential)
	mock.ExpectQuery("SELECT account_id, method, provider_account_id, sealed_credential, last_synced_at FROM provider_connections").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "method", "provider_account_id", "sealed_credential", "last_synced_at"}).
			AddRow(accountID, "manual_key", "prov_acct_1", sealed, nil))
}

func TestSyncService_Sync(t *testing.T) {
	t.Run("incremental run fetches since watermark and persists both streams", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		svc := NewSyncService(store, connSvc, providerMock, nil, syncTestConfig())

		watermark := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

		expectConnectionRow(dbMock, connSvc, "acct_1", "sk_live_secret")
		dbMock.ExpectQuery(`SELECT MAX\(occurred_at\) FROM transactions`).
			WithArgs("acct_1").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(watermark))
		dbMock.ExpectQuery(`SELECT MAX\(occurred_at\) FROM payouts`).
			WithArgs("acct_1").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

		rawTxs := []provider.RawTransaction{
			{ID: "txn_001", Type: "charge", Amount: 10000, Fee: 300, Currency: "usd", Created: watermark.Add(time.Hour).Unix()},
			{ID: "txn_002", Type: "refund", Amount: 2000, Fee: 0, Currency: "usd", Created: watermark.Add(2 * time.Hour).Unix()},
		}
		rawPos := []provider.RawPayout{
			{ID: "po_001", Amount: 9700, Currency: "usd", Status: "paid", Created: watermark.Add(3 * time.Hour).Unix()},
		}

		providerMock.On("FetchTransactions", mock.Anything, "sk_live_secret",
			mock.MatchedBy(func(opts provider.FetchOptions) bool {
				return opts.Since != nil && opts.Since.Equal(watermark) && opts.MaxRecords == 500
			})).Return(rawTxs, nil)
		providerMock.On("FetchPayouts", mock.Anything, "sk_live_secret",
			mock.MatchedBy(func(opts provider.FetchOptions) bool {
				return opts.Since == nil && opts.MaxRecords == 500
			})).Return(rawPos, nil)

		dbMock.ExpectBegin()
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectCommit()
		dbMock.ExpectBegin()
		dbMock.ExpectExec("INSERT INTO payouts").WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectCommit()
		dbMock.ExpectExec("UPDATE provider_connections SET last_synced_at").
			WithArgs(sqlmock.AnyArg(), "acct_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := svc.Sync(context.Background(), "acct_1", false)
		assert.NoError(t, err)
		assert.Equal(t, 2, result.TransactionsCount)
		assert.Equal(t, 1, result.PayoutsCount)
		assert.Equal(t, "100", result.TotalSales.String())
		assert.Equal(t, "3", result.TotalFees.String())
		assert.Equal(t, "97", result.TotalPayouts.String())
		assert.NoError(t, dbMock.ExpectationsWereMet())
		providerMock.AssertExpectations(t)
	})

	t.Run("forced run ignores watermarks and uses the full-resync cap", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		svc := NewSyncService(store, connSvc, providerMock, nil, syncTestConfig())

		expectConnectionRow(dbMock, connSvc, "acct_1", "sk_live_secret")

		forcedOpts := func(opts provider.FetchOptions) bool {
			return opts.Since == nil && opts.MaxRecords == 5000
		}
		providerMock.On("FetchTransactions", mock.Anything, "sk_live_secret", mock.MatchedBy(forcedOpts)).
			Return([]provider.RawTransaction{}, nil)
		providerMock.On("FetchPayouts", mock.Anything, "sk_live_secret", mock.MatchedBy(forcedOpts)).
			Return([]provider.RawPayout{}, nil)

		dbMock.ExpectExec("UPDATE provider_connections SET last_synced_at").
			WithArgs(sqlmock.AnyArg(), "acct_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := svc.Sync(context.Background(), "acct_1", true)
		assert.NoError(t, err)
		assert.Equal(t, 0, result.TransactionsCount)
		assert.Equal(t, 0, result.PayoutsCount)
		assert.True(t, result.TotalSales.IsZero())
		assert.True(t, result.TotalPayouts.IsZero())
		assert.NoError(t, dbMock.ExpectationsWereMet())
		providerMock.AssertExpectations(t)
	})

	t.Run("not connected surfaces before any provider call", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		svc := NewSyncService(store, connSvc, providerMock, nil, syncTestConfig())

		dbMock.ExpectQuery("SELECT account_id, method, provider_account_id, sealed_credential, last_synced_at FROM provider_connections").
			WithArgs("acct_missing").
			WillReturnError(sql.ErrNoRows)

		_, err = svc.Sync(context.Background(), "acct_missing", false)
		assert.ErrorIs(t, err, ErrNotConnected)
		providerMock.AssertNotCalled(t, "FetchTransactions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("provider failure aborts the run without touching the marker", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		svc := NewSyncService(store, connSvc, providerMock, nil, syncTestConfig())

		expectConnectionRow(dbMock, connSvc, "acct_1", "sk_live_secret")

		providerMock.On("FetchTransactions", mock.Anything, "sk_live_secret", mock.Anything).
			Return(nil, &provider.RequestError{StatusCode: 500, Message: "upstream down"})
		providerMock.On("FetchPayouts", mock.Anything, "sk_live_secret", mock.Anything).
			Return([]provider.RawPayout{}, nil)

		_, err = svc.Sync(context.Background(), "acct_1", true)
		assert.ErrorIs(t, err, provider.ErrProviderRequest)
		// No upserts, no marker update.
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("second concurrent sync is rejected by the account lock", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		cfg := syncTestConfig()
		svc := NewSyncService(store, connSvc, providerMock, redisClient, cfg)

		expectConnectionRow(dbMock, connSvc, "acct_1", "sk_live_secret")
		redisMock.ExpectSetNX("sync:lock:acct_1", "1", cfg.LockTTL).SetVal(false)

		_, err = svc.Sync(context.Background(), "acct_1", true)
		assert.ErrorIs(t, err, ErrSyncInProgress)
		assert.NoError(t, redisMock.ExpectationsWereMet())
		providerMock.AssertNotCalled(t, "FetchTransactions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("persistence failure leaves earlier batches committed", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		providerMock := &MockProviderAPI{}
		connSvc := NewConnectionService(db, nil, providerMock)
		store := NewLedgerStore(db)
		cfg := syncTestConfig()
		cfg.BatchSize = 1
		svc := NewSyncService(store, connSvc, providerMock, nil, cfg)

		expectConnectionRow(dbMock, connSvc, "acct_1", "sk_live_secret")

		rawTxs := []provider.RawTransaction{
			{ID: "txn_001", Type: "charge", Amount: 5000, Currency: "usd", Created: 1700000000},
			{ID: "txn_002", Type: "charge", Amount: 6000, Currency: "usd", Created: 1700000100},
		}
		providerMock.On("FetchTransactions", mock.Anything, "sk_live_secret", mock.Anything).
			Return(rawTxs, nil)
		providerMock.On("FetchPayouts", mock.Anything, "sk_live_secret", mock.Anything).
			Return([]provider.RawPayout{}, nil)

		// First single-record batch commits, second fails.
		dbMock.ExpectBegin()
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectCommit()
		dbMock.ExpectBegin()
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnError(assert.AnError)
		dbMock.ExpectRollback()

		_, err = svc.Sync(context.Background(), "acct_1", true)
		assert.ErrorIs(t, err, ErrPersistence)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
