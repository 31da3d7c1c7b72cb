package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/spf13/viper"

	"github.com/tallyhq/backend/internal/middleware"
	"github.com/tallyhq/backend/internal/models"
)

// ExportService renders synced payouts as an ISO 20022 credit-transfer
// message for accounting handoff. It reads only already-persisted records.
type ExportService struct {
	store *LedgerStore
}

func NewExportService(store *LedgerStore) *ExportService {
	return &ExportService{store: store}
}

// ExportPayouts builds a pacs.008 message covering the account's paid
// payouts, newest first, up to limit entries.
func (s *ExportService) ExportPayouts(ctx context.Context, accountID string, limit int) (*pacs_v08.FIToFICustomerCreditTransferV08, int, error) {
	payouts, err := s.store.PayoutsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, 0, err
	}

	var paid []models.Payout
	for _, po := range payouts {
		if po.Status == models.PayoutPaid {
			paid = append(paid, po)
		}
	}
	if len(paid) == 0 {
		return nil, 0, nil
	}

	viper.SetDefault("export.institution_bic", "TALLYHQX")
	bic := common.BICFIDec2014Identifier(viper.GetString("export.institution_bic"))

	msgID := uuid.New().String()
	now := time.Now()
	currency := paid[0].Currency
	total := 0.0

	transfers := make([]pacs_v08.CreditTransferTransaction39, 0, len(paid))
	for _, po := range paid {
		settlementDate := po.ArrivalDate
		externalID := common.Max35Text(po.ExternalID)
		transfers = append(transfers, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    &externalID,
				EndToEndId: externalID,
				TxId:       &externalID,
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(po.Currency),
				Value: po.Amount.InexactFloat64(),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &bic,
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: nameText("Payment provider"),
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &bic,
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: nameText(accountID),
			},
		})
		total += po.Amount.InexactFloat64()
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: common.Max15NumericText(fmt.Sprintf("%d", len(transfers))),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(currency),
				Value: total,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: transfers,
	}
	return doc, len(transfers), nil
}

// ToXML serializes an ISO 20022 document with the XML prolog.
func (s *ExportService) ToXML(doc any) (string, error) {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(data), nil
}

func nameText(s string) *common.Max140Text {
	if len(s) > 140 {
		s = s[:140]
	}
	t := common.Max140Text(s)
	return &t
}

// PostExportPayouts exports paid payouts as an ISO 20022 message
// @Summary Export payouts
// @Description Render the account's paid payouts as a pacs.008 XML message
// @Tags export
// @Produce json
// @Param limit query int false "Maximum payouts to include (default 100)"
// @Success 200 {object} object{messageType=string,count=int,xml=string}
// @Failure 500 {object} ErrorResponse
// @Router /payouts/export [post]
func (s *ExportService) PostExportPayouts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 100, 500)
	doc, count, err := s.ExportPayouts(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[EXPORT] payout export failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to export payouts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if doc == nil {
		json.NewEncoder(w).Encode(map[string]any{
			"messageType": "pacs.008.001.08",
			"count":       0,
			"xml":         "",
		})
		return
	}

	xmlData, err := s.ToXML(doc)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"messageType": "pacs.008.001.08",
		"count":       count,
		"xml":         xmlData,
	})
}
