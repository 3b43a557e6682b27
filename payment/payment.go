// Package payment contains a client for an HTTP fiat payment processor.
//
// The processor is asked to transfer the fiat amount of one step to the
// seller's account and answers with a reference that serves as the proof of
// payment forwarded to the seller.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meeh420/coinffeine/state"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// ErrRejected is returned when the processor refuses a payment.
var ErrRejected = errors.New("payment rejected")

const (
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
	statusCompleted    = "completed"
)

type Config struct {
	// URL is the endpoint payments are posted to.
	URL        string
	HTTPClient *http.Client
	// RateLimit is the maximum number of requests per second. Zero means no
	// limit.
	RateLimit int
	// MaxFailures is the number of consecutive failed requests that stop
	// requests from being sent for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *log.Entry
}

// Client pays steps through the processor. It implements
// state.PaymentProcessor.
type Client struct {
	url     string
	http    *http.Client
	limiter ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *log.Entry
}

var _ state.PaymentProcessor = (*Client)(nil)

func NewClient(c Config) *Client {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limiter := ratelimit.NewUnlimited()
	if c.RateLimit > 0 {
		limiter = ratelimit.New(c.RateLimit)
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("processor", c.URL)
	return &Client{
		url:     c.URL,
		http:    httpClient,
		limiter: limiter,
		cb:      newCircuitBreaker(c, logger),
		logger:  logger,
	}
}

func newCircuitBreaker(c Config, logger *log.Entry) *gobreaker.CircuitBreaker {
	maxFailures := c.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := c.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn("payment processor seems down, stop sending payments")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info("checking payment processor status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info("payment processor seems ok, sending payments again")
			}
		},
	})
}

type paymentRequest struct {
	ExchangeID string `json:"exchange_id"`
	Step       int    `json:"step"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Payee      string `json:"payee"`
}

type paymentResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// Pay posts r to the processor and returns the payment reference. The
// request carries an idempotency key derived from the exchange and the step
// so that the processor pays a step at most once.
func (c *Client) Pay(ctx context.Context, r state.PaymentRequest) (string, error) {
	body, err := json.Marshal(paymentRequest{
		ExchangeID: r.ExchangeID,
		Step:       r.Step,
		Amount:     r.Amount.StringFixed(2),
		Currency:   r.Currency,
		Payee:      r.Payee,
	})
	if err != nil {
		return "", err
	}
	c.limiter.Take()
	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.post(ctx, fmt.Sprintf("%s/%d", r.ExchangeID, r.Step), body)
	})
	if err != nil {
		return "", fmt.Errorf("paying step %d of %s: %w", r.Step, r.ExchangeID, err)
	}
	resp := v.(paymentResponse)
	if resp.Status != statusCompleted {
		return "", fmt.Errorf("paying step %d of %s: %w: %s %s", r.Step, r.ExchangeID, ErrRejected, resp.Status, resp.Reason)
	}
	c.logger.WithFields(log.Fields{
		"exchange":  r.ExchangeID,
		"step":      r.Step,
		"reference": resp.Reference,
	}).Info("step paid")
	return resp.Reference, nil
}

// post only fails on transport and server errors. A rejected payment is a
// valid answer.
func (c *Client) post(ctx context.Context, key string, body []byte) (paymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return paymentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	res, err := c.http.Do(req)
	if err != nil {
		return paymentResponse{}, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return paymentResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return paymentResponse{}, fmt.Errorf("processor returned %s: %s", res.Status, bytes.TrimSpace(b))
	}
	var resp paymentResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return paymentResponse{}, fmt.Errorf("decoding processor response: %w", err)
	}
	return resp, nil
}
