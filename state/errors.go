package state

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidParameters = errors.New("invalid exchange parameters")
	ErrPaymentFailed     = errors.New("payment failed")
)

// InvalidRefundSignatureError is returned when the counterpart's signature
// over a participant's refund does not verify.
type InvalidRefundSignatureError struct {
	Refund    *wire.MsgTx
	Signature []byte
	// Cause is set when the signature verifies on its own but the signed
	// refund is rejected by the script engine.
	Cause error
}

func (e *InvalidRefundSignatureError) Error() string {
	refund := "<nil>"
	if e.Refund != nil {
		refund = e.Refund.TxHash().String()
	}
	msg := fmt.Sprintf("invalid counterpart signature %s over refund %s", hex.EncodeToString(e.Signature), refund)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InvalidRefundSignatureError) Unwrap() error {
	return e.Cause
}

// InvalidStepSignatureError is returned when the signatures received for a
// step do not authorize that step's offer.
type InvalidStepSignatureError struct {
	Step       int
	Signatures StepSignatures
	Cause      error
}

func (e *InvalidStepSignatureError) Error() string {
	return fmt.Sprintf("invalid signatures for step %d: %v", e.Step, e.Cause)
}

func (e *InvalidStepSignatureError) Unwrap() error {
	return e.Cause
}
