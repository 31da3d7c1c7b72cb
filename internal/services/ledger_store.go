package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallyhq/backend/internal/models"
)

// LedgerStore is the local record store for synced transactions and payouts.
// All mutation is upsert-by-external-id with last-write-wins semantics, so
// re-running a sync over the same records is idempotent. Records are never
// deleted here.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const upsertTransactionSQL = `
	INSERT INTO transactions
		(account_id, external_id, kind, amount, fee, net, currency, description,
		 counterparty_email, status, occurred_at, raw_details, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	ON CONFLICT (account_id, external_id) DO UPDATE SET
		kind = EXCLUDED.kind,
		amount = EXCLUDED.amount,
		fee = EXCLUDED.fee,
		net = EXCLUDED.net,
		currency = EXCLUDED.currency,
		description = EXCLUDED.description,
		counterparty_email = EXCLUDED.counterparty_email,
		status = EXCLUDED.status,
		occurred_at = EXCLUDED.occurred_at,
		raw_details = EXCLUDED.raw_details,
		updated_at = EXCLUDED.updated_at`

const upsertPayoutSQL = `
	INSERT INTO payouts
		(account_id, external_id, amount, currency, arrival_date, status, method,
		 description, occurred_at, raw_details, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	ON CONFLICT (account_id, external_id) DO UPDATE SET
		amount = EXCLUDED.amount,
		currency = EXCLUDED.currency,
		arrival_date = EXCLUDED.arrival_date,
		status = EXCLUDED.status,
		method = EXCLUDED.method,
		description = EXCLUDED.description,
		occurred_at = EXCLUDED.occurred_at,
		raw_details = EXCLUDED.raw_details,
		updated_at = EXCLUDED.updated_at`

// UpsertTransactions writes one batch of normalized transactions inside a
// single database transaction, so a batch either commits whole or not at all.
// Earlier batches committed by the caller stay committed on failure.
func (s *LedgerStore) UpsertTransactions(ctx context.Context, records []models.Transaction) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range records {
		_, err := tx.ExecContext(ctx, upsertTransactionSQL,
			rec.AccountID, rec.ExternalID, rec.Kind, rec.Amount, rec.Fee, rec.Net,
			rec.Currency, rec.Description, rec.CounterpartyEmail, rec.Status,
			rec.OccurredAt, []byte(rec.RawDetails), now)
		if err != nil {
			return fmt.Errorf("%w: transaction %s: %v", ErrPersistence, rec.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// UpsertPayouts writes one batch of normalized payouts, with the same
// semantics as UpsertTransactions.
func (s *LedgerStore) UpsertPayouts(ctx context.Context, records []models.Payout) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range records {
		_, err := tx.ExecContext(ctx, upsertPayoutSQL,
			rec.AccountID, rec.ExternalID, rec.Amount, rec.Currency, rec.ArrivalDate,
			rec.Status, rec.Method, rec.Description, rec.OccurredAt,
			[]byte(rec.RawDetails), now)
		if err != nil {
			return fmt.Errorf("%w: payout %s: %v", ErrPersistence, rec.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// LatestTransactionTime returns the most recent occurred_at stored for the
// account, or nil when the account has no transactions yet. This is the
// incremental-sync watermark.
func (s *LedgerStore) LatestTransactionTime(ctx context.Context, accountID string) (*time.Time, error) {
	return s.latestOccurredAt(ctx, "transactions", accountID)
}

// LatestPayoutTime is the payout-stream counterpart of LatestTransactionTime.
func (s *LedgerStore) LatestPayoutTime(ctx context.Context, accountID string) (*time.Time, error) {
	return s.latestOccurredAt(ctx, "payouts", accountID)
}

func (s *LedgerStore) latestOccurredAt(ctx context.Context, table, accountID string) (*time.Time, error) {
	var latest sql.NullTime
	query := fmt.Sprintf(`SELECT MAX(occurred_at) FROM %s WHERE account_id = $1`, table)
	if err := s.db.QueryRowContext(ctx, query, accountID).Scan(&latest); err != nil {
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

// TransactionsByAccount returns the account's transactions ordered newest
// first. limit <= 0 means no limit.
func (s *LedgerStore) TransactionsByAccount(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT id, account_id, external_id, kind, amount, fee, net, currency,
		       description, counterparty_email, status, occurred_at, created_at, updated_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY occurred_at DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Transaction
	for rows.Next() {
		var rec models.Transaction
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ExternalID, &rec.Kind,
			&rec.Amount, &rec.Fee, &rec.Net, &rec.Currency, &rec.Description,
			&rec.CounterpartyEmail, &rec.Status, &rec.OccurredAt,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PayoutsByAccount returns the account's payouts ordered newest first.
// limit <= 0 means no limit.
func (s *LedgerStore) PayoutsByAccount(ctx context.Context, accountID string, limit int) ([]models.Payout, error) {
	query := `
		SELECT id, account_id, external_id, amount, currency, arrival_date, status,
		       method, description, occurred_at, created_at, updated_at
		FROM payouts
		WHERE account_id = $1
		ORDER BY occurred_at DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Payout
	for rows.Next() {
		var rec models.Payout
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ExternalID, &rec.Amount,
			&rec.Currency, &rec.ArrivalDate, &rec.Status, &rec.Method,
			&rec.Description, &rec.OccurredAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountTransactions returns the number of stored transactions for an account.
func (s *LedgerStore) CountTransactions(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&count)
	return count, err
}

// CountPayouts returns the number of stored payouts for an account.
func (s *LedgerStore) CountPayouts(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payouts WHERE account_id = $1`, accountID).Scan(&count)
	return count, err
}
