package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportService_ExportPayouts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	svc := NewExportService(NewLedgerStore(db))
	now := time.Now().UTC()

	t.Run("only paid payouts are exported", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, external_id, amount").
			WithArgs("acct_1", 100).
			WillReturnRows(payoutRows().
				AddRow(1, "acct_1", "po_paid_1", "97.00", "usd", now, "paid", "standard", "", now, now, now).
				AddRow(2, "acct_1", "po_pending", "50.00", "usd", now, "pending", "standard", "", now, now, now).
				AddRow(3, "acct_1", "po_paid_2", "120.00", "usd", now, "paid", "standard", "", now, now, now))

		doc, count, err := svc.ExportPayouts(context.Background(), "acct_1", 100)

		assert.NoError(t, err)
		assert.Equal(t, 2, count)
		require.NotNil(t, doc)
		require.Len(t, doc.CdtTrfTxInf, 2)
		assert.Equal(t, "po_paid_1", string(doc.CdtTrfTxInf[0].PmtId.EndToEndId))
		assert.Equal(t, "po_paid_2", string(doc.CdtTrfTxInf[1].PmtId.EndToEndId))
		assert.InDelta(t, 217.0, doc.GrpHdr.TtlIntrBkSttlmAmt.Value, 0.001)
		assert.Equal(t, "2", string(doc.GrpHdr.NbOfTxs))
	})

	t.Run("no paid payouts yields an empty export", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, external_id, amount").
			WithArgs("acct_1", 100).
			WillReturnRows(payoutRows().
				AddRow(1, "acct_1", "po_pending", "50.00", "usd", now, "pending", "standard", "", now, now, now))

		doc, count, err := svc.ExportPayouts(context.Background(), "acct_1", 100)

		assert.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.Nil(t, doc)
	})

	t.Run("document marshals as a pacs.008 XML message", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, external_id, amount").
			WithArgs("acct_1", 100).
			WillReturnRows(payoutRows().
				AddRow(1, "acct_1", "po_paid_1", "97.00", "usd", now, "paid", "standard", "", now, now, now))

		doc, _, err := svc.ExportPayouts(context.Background(), "acct_1", 100)
		require.NoError(t, err)
		require.NotNil(t, doc)

		xmlData, err := svc.ToXML(doc)
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(xmlData, "<?xml"))
		assert.Contains(t, xmlData, "po_paid_1")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
