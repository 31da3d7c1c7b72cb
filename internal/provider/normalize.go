package provider

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tallyhq/backend/internal/models"
)

// The provider expresses money in minor units (cents). Canonical records
// store major units, so every amount is scaled down by 10^2 at normalization.
const minorUnitExponent = -2

const fallbackDescription = "Provider transaction"

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, minorUnitExponent)
}

// NormalizeTransaction converts a raw provider ledger entry into the canonical
// local shape. It never fails: missing optional fields resolve through
// fallback chains and unknown kinds fail closed to the fee bucket.
func NormalizeTransaction(accountID string, raw RawTransaction) models.Transaction {
	amount := fromMinorUnits(raw.Amount)
	fee := fromMinorUnits(raw.Fee)

	return models.Transaction{
		AccountID:         accountID,
		ExternalID:        raw.ID,
		Kind:              models.ParseTransactionKind(raw.Type),
		Amount:            amount,
		Fee:               fee,
		Net:               amount.Sub(fee),
		Currency:          raw.Currency,
		Description:       transactionDescription(raw),
		CounterpartyEmail: counterpartyEmail(raw),
		Status:            raw.Status,
		OccurredAt:        time.Unix(raw.Created, 0).UTC(),
		RawDetails:        raw.Payload,
	}
}

// NormalizePayout converts a raw provider payout into the canonical local shape.
func NormalizePayout(accountID string, raw RawPayout) models.Payout {
	return models.Payout{
		AccountID:   accountID,
		ExternalID:  raw.ID,
		Amount:      fromMinorUnits(raw.Amount),
		Currency:    raw.Currency,
		ArrivalDate: time.Unix(raw.ArrivalDate, 0).UTC(),
		Status:      models.ParsePayoutStatus(raw.Status),
		Method:      raw.Method,
		Description: raw.Description,
		OccurredAt:  time.Unix(raw.Created, 0).UTC(),
		RawDetails:  raw.Payload,
	}
}

// transactionDescription resolves the description fallback chain: nested
// charge/source description, then the top-level description, then a literal
// placeholder. First non-empty wins.
func transactionDescription(raw RawTransaction) string {
	candidates := []string{
		sourceDescription(raw),
		raw.Description,
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return fallbackDescription
}

func sourceDescription(raw RawTransaction) string {
	if raw.Source == nil {
		return ""
	}
	return raw.Source.Description
}

// counterpartyEmail resolves the email fallback chain: receipt email, billing
// details email, then the customer_email and email metadata keys. An empty
// result means the counterparty is unknown, which is not an error.
func counterpartyEmail(raw RawTransaction) string {
	candidates := []string{
		raw.ReceiptEmail,
		raw.BillingDetails.Email,
		raw.Metadata["customer_email"],
		raw.Metadata["email"],
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
