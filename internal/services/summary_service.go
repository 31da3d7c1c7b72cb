package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tallyhq/backend/internal/middleware"
	"github.com/tallyhq/backend/internal/models"
)

const (
	recentTransactionsLimit = 20
	recentPayoutsLimit      = 10
)

// Summary is the derived financial view over the account's synced records.
type Summary struct {
	TotalSales         decimal.Decimal      `json:"totalSales"`
	TotalPayouts       decimal.Decimal      `json:"totalPayouts"`
	TotalFees          decimal.Decimal      `json:"totalFees"`
	TotalNet           decimal.Decimal      `json:"totalNet"`
	PendingPayouts     decimal.Decimal      `json:"pendingPayouts"`
	RecentTransactions []models.Transaction `json:"recentTransactions"`
	RecentPayouts      []models.Payout      `json:"recentPayouts"`
}

// SummaryService computes derived totals and recency lists from the local
// store. It is a pure read: it never talks to the provider, so a failed sync
// never changes what it reports — only committed records do.
type SummaryService struct {
	store *LedgerStore
}

func NewSummaryService(store *LedgerStore) *SummaryService {
	return &SummaryService{store: store}
}

// Summarize computes the account's totals over its full local record set.
// Per-account volume is assumed to sit in the low thousands, so summing in
// memory over the already-sorted result is fine.
func (s *SummaryService) Summarize(ctx context.Context, accountID string) (*Summary, error) {
	transactions, err := s.store.TransactionsByAccount(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}
	payouts, err := s.store.PayoutsByAccount(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalSales:         decimal.Zero,
		TotalPayouts:       decimal.Zero,
		TotalFees:          decimal.Zero,
		TotalNet:           decimal.Zero,
		PendingPayouts:     decimal.Zero,
		RecentTransactions: []models.Transaction{},
		RecentPayouts:      []models.Payout{},
	}

	for _, tx := range transactions {
		summary.TotalFees = summary.TotalFees.Add(tx.Fee)
		switch {
		case tx.Kind.IsRevenue():
			summary.TotalSales = summary.TotalSales.Add(tx.Amount)
			summary.TotalNet = summary.TotalNet.Add(tx.Amount.Sub(tx.Fee))
		case tx.Kind == models.KindRefund:
			summary.TotalNet = summary.TotalNet.Sub(tx.Amount)
		}
	}

	for _, po := range payouts {
		switch {
		case po.Status == models.PayoutPaid:
			summary.TotalPayouts = summary.TotalPayouts.Add(po.Amount)
		case po.Status.InFlight():
			summary.PendingPayouts = summary.PendingPayouts.Add(po.Amount)
		}
	}

	if len(transactions) > recentTransactionsLimit {
		transactions = transactions[:recentTransactionsLimit]
	}
	if len(payouts) > recentPayoutsLimit {
		payouts = payouts[:recentPayoutsLimit]
	}
	summary.RecentTransactions = transactions
	summary.RecentPayouts = payouts

	return summary, nil
}

// GetSummary returns the account's financial summary
// @Summary Financial summary
// @Description Derived totals and recent records from the locally synced ledger
// @Tags summary
// @Produce json
// @Success 200 {object} Summary
// @Failure 500 {object} ErrorResponse
// @Router /summary [get]
func (s *SummaryService) GetSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	summary, err := s.Summarize(r.Context(), accountID)
	if err != nil {
		log.Printf("[SUMMARY] failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to compute summary", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetTransactions lists the account's synced transactions
// @Summary List synced transactions
// @Tags summary
// @Produce json
// @Param limit query int false "Number of records (default 50, max 500)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /transactions [get]
func (s *SummaryService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	transactions, err := s.store.TransactionsByAccount(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[SUMMARY] transaction list failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetPayouts lists the account's synced payouts
// @Summary List synced payouts
// @Tags summary
// @Produce json
// @Param limit query int false "Number of records (default 50, max 500)"
// @Success 200 {object} object{payouts=[]models.Payout,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /payouts [get]
func (s *SummaryService) GetPayouts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	payouts, err := s.store.PayoutsByAccount(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[SUMMARY] payout list failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch payouts", http.StatusInternalServerError, nil)
		return
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"payouts": payouts,
		"count":   len(payouts),
	})
}

func parseLimit(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
