package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meeh420/coinffeine/state"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(step int) state.PaymentRequest {
	return state.PaymentRequest{
		ExchangeID: "e1",
		Step:       step,
		Amount:     decimal.RequireFromString("33.4"),
		Currency:   "EUR",
		Payee:      "ES0000000000000000000002",
	}
}

func TestClient_Pay(t *testing.T) {
	var got paymentRequest
	var key string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(paymentResponse{Status: "completed", Reference: "tx-42"})
	}))
	defer s.Close()

	c := NewClient(Config{URL: s.URL, RateLimit: 100})
	proof, err := c.Pay(context.Background(), request(3))
	require.NoError(t, err)
	assert.Equal(t, "tx-42", proof)
	assert.Equal(t, "e1/3", key)
	assert.Equal(t, paymentRequest{
		ExchangeID: "e1",
		Step:       3,
		Amount:     "33.40",
		Currency:   "EUR",
		Payee:      "ES0000000000000000000002",
	}, got)
}

func TestClient_Pay_rejected(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentResponse{Status: "rejected", Reason: "insufficient funds"})
	}))
	defer s.Close()

	c := NewClient(Config{URL: s.URL, MaxFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := c.Pay(context.Background(), request(1))
		assert.ErrorIs(t, err, ErrRejected)
		assert.ErrorContains(t, err, "insufficient funds")
	}
	assert.Equal(t, gobreaker.StateClosed, c.cb.State())
}

func TestClient_Pay_opensAfterFailures(t *testing.T) {
	var calls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer s.Close()

	c := NewClient(Config{URL: s.URL, MaxFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := c.Pay(context.Background(), request(1))
		assert.ErrorContains(t, err, "503 Service Unavailable: unavailable")
	}
	_, err := c.Pay(context.Background(), request(1))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Pay_cancelled(t *testing.T) {
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only sees the client go away once the body is read.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer s.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewClient(Config{URL: s.URL})
	_, err := c.Pay(ctx, request(1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func TestClient_implementsPaymentProcessor(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req paymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(paymentResponse{Status: "completed", Reference: req.Payee + "/" + req.Amount})
	}))
	defer s.Close()

	var p state.PaymentProcessor = NewClient(Config{URL: s.URL})
	proof, err := p.Pay(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "ES0000000000000000000002/33.40", proof)
}
