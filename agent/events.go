package agent

import "github.com/btcsuite/btcd/btcutil"

type Event interface{}

// ErrorEvent occurs when an error has occurred that does not end the
// exchange, and contains the error occurred.
type ErrorEvent struct {
	Err error
}

// StepCompletedEvent occurs when the counterpart's signatures for a step
// have been validated and the signed offer recorded.
type StepCompletedEvent struct {
	Step   int
	Payout btcutil.Amount
}

// PaymentSentEvent occurs when the fiat payment for a step was issued and
// its proof forwarded to the seller.
type PaymentSentEvent struct {
	Step  int
	Proof string
}

// PaymentFailedEvent occurs when the payment processor fails to pay a step.
// It does not change the state of the exchange.
type PaymentFailedEvent struct {
	Step int
	Err  error
}

// PaymentProofReceivedEvent occurs when the seller receives the proof of the
// buyer's payment for a step.
type PaymentProofReceivedEvent struct {
	Step  int
	Proof string
}

// FinishedEvent occurs once when the exchange reaches its result.
type FinishedEvent struct {
	Result Result
}
