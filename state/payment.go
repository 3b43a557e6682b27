package state

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentRequest describes the fiat transfer for one step of an exchange.
type PaymentRequest struct {
	ExchangeID string
	Step       int
	Amount     decimal.Decimal
	Currency   string
	Payee      string
}

// PaymentProcessor moves fiat money and returns an opaque proof that the
// payment was issued.
type PaymentProcessor interface {
	Pay(ctx context.Context, r PaymentRequest) (proof string, err error)
}

// PaymentProcessorFunc adapts a function to the PaymentProcessor interface.
type PaymentProcessorFunc func(ctx context.Context, r PaymentRequest) (string, error)

func (f PaymentProcessorFunc) Pay(ctx context.Context, r PaymentRequest) (string, error) {
	return f(ctx, r)
}
