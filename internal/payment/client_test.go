package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCharge_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/charge" {
			t.Fatalf("path = %s, want /api/charge", r.URL.Path)
		}

		var req map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["booking_id"] != 7 || req["amount"] != 59900 {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "transaction_id": "txn-42"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.Charge(ctx, 7, 59900)
	if err != nil {
		t.Fatalf("Charge error: %v", err)
	}
	if !res.Success || res.TransactionID != "txn-42" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCharge_Declined(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.Charge(ctx, 7, 100)
	if err != nil {
		t.Fatalf("Charge error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected declined charge")
	}
}

func TestCharge_RetriesServerErrors(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"success": true, "transaction_id": "txn-1"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Charge(ctx, 1, 100)
	if err != nil {
		t.Fatalf("Charge error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success after retry")
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("gateway called %d times, want 2", got)
	}
}

func TestGetPaymentState_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payments/7" {
			t.Fatalf("path = %s, want /api/payments/7", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"booking_id": 7, "status": "paid"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retryAfter, err := client.GetPaymentState(ctx, 7)
	if err != nil {
		t.Fatalf("GetPaymentState error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retryAfter != 0 {
		t.Fatalf("retryAfter = %v, want 0", retryAfter)
	}
	if res == nil || res.Status != StatePaid {
		t.Fatalf("unexpected state: %+v", res)
	}
}

func TestGetPaymentState_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retryAfter, err := client.GetPaymentState(ctx, 7)
	if err != nil {
		t.Fatalf("GetPaymentState error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil state for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retryAfter < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retryAfter)
	}
}

func TestGetPaymentState_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, _, err := client.GetPaymentState(ctx, 7)
	if err != nil {
		t.Fatalf("GetPaymentState error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil state for 204, got %+v", res)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
}
