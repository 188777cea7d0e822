package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kasirinaja/stockledger/internal/metrics"
)

func TestHealthzReportsOK(t *testing.T) {
	router := newOpsRouter(metrics.New(), func(context.Context) map[string]error { return nil })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestHealthzReportsFailedDependencies(t *testing.T) {
	router := newOpsRouter(metrics.New(), func(context.Context) map[string]error {
		return map[string]error{"postgres": errors.New("connection refused")}
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "postgres") {
		t.Fatalf("expected failed dependency in body, got %s", rec.Body.String())
	}
}

func TestMetricsEndpointServesLedgerCounters(t *testing.T) {
	m := metrics.New()
	m.LedgerEntry("out")
	router := newOpsRouter(m, func(context.Context) map[string]error { return nil })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stockledger_ledger_entries_total") {
		t.Fatalf("expected ledger counter in metrics output")
	}
}
