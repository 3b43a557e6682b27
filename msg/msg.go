// Package msg contains the messages exchanged between the participants of an
// exchange and the broker, and their encoding.
package msg

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/meeh420/coinffeine/state"
)

type Type int

const (
	TypeHello                   Type = 10
	TypeRefundSignatureRequest  Type = 20
	TypeRefundSignatureResponse Type = 21
	TypeExchangeCommitment      Type = 22
	TypeStepSignatures          Type = 30
	TypePaymentProof            Type = 31
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeRefundSignatureRequest:
		return "refund_signature_request"
	case TypeRefundSignatureResponse:
		return "refund_signature_response"
	case TypeExchangeCommitment:
		return "exchange_commitment"
	case TypeStepSignatures:
		return "step_signatures"
	case TypePaymentProof:
		return "payment_proof"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

type Message struct {
	Type       Type
	ExchangeID string `cbor:",omitempty"`

	Hello *Hello `cbor:",omitempty"`

	RefundSignatureRequest  *RefundSignatureRequest  `cbor:",omitempty"`
	RefundSignatureResponse *RefundSignatureResponse `cbor:",omitempty"`
	ExchangeCommitment      *ExchangeCommitment      `cbor:",omitempty"`

	StepSignatures *StepSignatures `cbor:",omitempty"`
	PaymentProof   *PaymentProof   `cbor:",omitempty"`
}

// Hello is the first message a peer sends to the broker to bind its
// connection to its peer id.
type Hello struct {
	// Timestamp is the unix time at which the hello was sealed.
	Timestamp int64
}

// RefundSignatureRequest asks the counterpart to sign a refund. Refund is the
// serialized transaction.
type RefundSignatureRequest struct {
	Refund []byte
}

type RefundSignatureResponse struct {
	Signature []byte
}

// ExchangeCommitment carries a participant's serialized deposit transaction
// once its refund is signed.
type ExchangeCommitment struct {
	Deposit []byte
}

// StepSignatures carries a participant's signatures for the offer of Step.
type StepSignatures struct {
	Step       int
	Signatures state.StepSignatures
}

// PaymentProof carries the proof that the fiat payment for Step was issued.
type PaymentProof struct {
	Step  int
	Proof string
}

// Validate checks that the payload matching the message type is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeHello:
		ok = m.Hello != nil
	case TypeRefundSignatureRequest:
		ok = m.RefundSignatureRequest != nil
	case TypeRefundSignatureResponse:
		ok = m.RefundSignatureResponse != nil
	case TypeExchangeCommitment:
		ok = m.ExchangeCommitment != nil
	case TypeStepSignatures:
		ok = m.StepSignatures != nil
	case TypePaymentProof:
		ok = m.PaymentProof != nil
	default:
		return fmt.Errorf("unknown message type %v", m.Type)
	}
	if !ok {
		return fmt.Errorf("message of type %v is missing its payload", m.Type)
	}
	return nil
}

func Marshal(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

func Unmarshal(b []byte) (Message, error) {
	m := Message{}
	if err := cbor.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

type Encoder = cbor.Encoder

func NewEncoder(w io.Writer) *Encoder {
	return cbor.NewEncoder(w)
}

type Decoder = cbor.Decoder

func NewDecoder(r io.Reader) *Decoder {
	return cbor.NewDecoder(r)
}
