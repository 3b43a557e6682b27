package agent

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Cause is the reason an exchange failed.
type Cause int

const (
	CauseNone Cause = iota
	CauseTimeout
	CauseInvalidStepSignature
	CauseInvalidRefundSignature
	CauseCancelled
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTimeout:
		return "timeout"
	case CauseInvalidStepSignature:
		return "invalid_step_signature"
	case CauseInvalidRefundSignature:
		return "invalid_refund_signature"
	case CauseCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Result is the terminal outcome of an exchange.
type Result struct {
	ExchangeID string
	Success    bool
	// Cause is CauseNone on success.
	Cause Cause
	// Step is the step the exchange stopped at.
	Step int
	// Offer is the last offer signed by both participants, or nil if no step
	// completed. Together with the signed refund it is what a participant
	// can broadcast to recover its funds. OfferStep is its step, zero when
	// Offer is nil.
	Offer     *wire.MsgTx
	OfferStep int
	Err   error
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("exchange %s succeeded", r.ExchangeID)
	}
	return fmt.Sprintf("exchange %s failed at step %d: %v: %v", r.ExchangeID, r.Step, r.Cause, r.Err)
}

// Listener is notified once with the result of an exchange.
type Listener interface {
	ExchangeFinished(r Result)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(r Result)

func (f ListenerFunc) ExchangeFinished(r Result) {
	f(r)
}
