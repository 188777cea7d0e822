package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.LedgerEntry("out")
	m.NegativeStock(true)
	m.InsufficientStock()
	m.ConflictRetry()
	m.Event("OrderConfirmed", "ok")
	m.Discrepancies(3)
	m.LowStock(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerExposesLedgerCounters(t *testing.T) {
	m := New()
	m.LedgerEntry("out")
	m.LedgerEntry("out")
	m.NegativeStock(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, `stockledger_ledger_entries_total{type="out"} 2`))
	require.True(t, strings.Contains(body, `stockledger_negative_stock_total{outcome="rejected"} 1`))
}
