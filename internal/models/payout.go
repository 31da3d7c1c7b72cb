package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus mirrors the provider's payout lifecycle states.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCanceled  PayoutStatus = "canceled"
)

// ParsePayoutStatus normalizes the provider's spelling of known states.
// Unknown values are preserved verbatim: they never match a known state, so
// they contribute to no totals, and sync never aborts on them.
func ParsePayoutStatus(s string) PayoutStatus {
	switch s {
	case "pending":
		return PayoutPending
	case "in_transit", "in-transit":
		return PayoutInTransit
	case "paid":
		return PayoutPaid
	case "failed":
		return PayoutFailed
	case "canceled", "cancelled":
		return PayoutCanceled
	default:
		return PayoutStatus(s)
	}
}

// InFlight reports whether the payout has been initiated but not yet received.
func (s PayoutStatus) InFlight() bool {
	return s == PayoutPending || s == PayoutInTransit
}

// Payout is the canonical, locally-stored shape of a provider payout.
// Same ownership and lifecycle rules as Transaction.
type Payout struct {
	ID          int             `json:"id" db:"id"`
	AccountID   string          `json:"accountId" db:"account_id"`
	ExternalID  string          `json:"externalId" db:"external_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`
	ArrivalDate time.Time       `json:"arrivalDate" db:"arrival_date"`
	Status      PayoutStatus    `json:"status" db:"status"`
	Method      string          `json:"method,omitempty" db:"method"`
	Description string          `json:"description,omitempty" db:"description"`
	OccurredAt  time.Time       `json:"occurredAt" db:"occurred_at"`
	RawDetails  json.RawMessage `json:"rawDetails,omitempty" db:"raw_details"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}
