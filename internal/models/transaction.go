package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is the closed set of ledger entry categories. Provider
// values that do not map onto one of these fall back to KindFee so a sync
// run never aborts on an unknown category.
type TransactionKind string

const (
	KindCharge    TransactionKind = "charge"
	KindPayment   TransactionKind = "payment"
	KindRefund    TransactionKind = "refund"
	KindPayoutFee TransactionKind = "payout_fee"
	KindFee       TransactionKind = "fee"
)

// ParseTransactionKind maps a provider category string onto the local kind.
// Unrecognized values fail closed to KindFee; the verbatim provider value is
// still retained in the record's RawDetails.
func ParseTransactionKind(s string) TransactionKind {
	switch TransactionKind(s) {
	case KindCharge, KindPayment, KindRefund, KindPayoutFee, KindFee:
		return TransactionKind(s)
	default:
		return KindFee
	}
}

// IsRevenue reports whether the kind contributes to gross sales.
func (k TransactionKind) IsRevenue() bool {
	return k == KindCharge || k == KindPayment
}

// Transaction is the canonical, locally-stored shape of a provider ledger
// entry. Rows are created and overwritten only by the sync engine, keyed on
// (account_id, external_id). Amounts are major currency units.
type Transaction struct {
	ID                int             `json:"id" db:"id"`
	AccountID         string          `json:"accountId" db:"account_id"`
	ExternalID        string          `json:"externalId" db:"external_id"`
	Kind              TransactionKind `json:"kind" db:"kind"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Fee               decimal.Decimal `json:"fee" db:"fee"`
	Net               decimal.Decimal `json:"net" db:"net"`
	Currency          string          `json:"currency" db:"currency"`
	Description       string          `json:"description" db:"description"`
	CounterpartyEmail string          `json:"counterpartyEmail,omitempty" db:"counterparty_email"`
	Status            string          `json:"status" db:"status"`
	OccurredAt        time.Time       `json:"occurredAt" db:"occurred_at"`
	RawDetails        json.RawMessage `json:"rawDetails,omitempty" db:"raw_details"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}
