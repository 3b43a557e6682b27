package msg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/stellar/go/keypair"
)

// Envelope is a message addressed from one peer to another and signed by
// the sender. Peers are identified by their ed25519 strkey address.
type Envelope struct {
	From      string
	To        string
	Payload   []byte
	Signature []byte
}

type signedEnvelope struct {
	From    string
	To      string
	Payload []byte
}

func (e Envelope) signedBytes() ([]byte, error) {
	return cbor.Marshal(signedEnvelope{From: e.From, To: e.To, Payload: e.Payload})
}

// Seal encodes m and signs it with key.
func Seal(key *keypair.Full, to string, m Message) (Envelope, error) {
	payload, err := Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing message: %w", err)
	}
	e := Envelope{From: key.Address(), To: to, Payload: payload}
	b, err := e.signedBytes()
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing message: %w", err)
	}
	e.Signature, err = key.Sign(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing message: %w", err)
	}
	return e, nil
}

// Open verifies the sender's signature and decodes the message.
func (e Envelope) Open() (Message, error) {
	from, err := keypair.ParseAddress(e.From)
	if err != nil {
		return Message{}, fmt.Errorf("opening envelope: sender: %w", err)
	}
	b, err := e.signedBytes()
	if err != nil {
		return Message{}, fmt.Errorf("opening envelope: %w", err)
	}
	if err := from.Verify(b, e.Signature); err != nil {
		return Message{}, fmt.Errorf("opening envelope from %s: %w", e.From, err)
	}
	return Unmarshal(e.Payload)
}

// Inbound is a message received from a peer.
type Inbound struct {
	From    string
	Message Message
}

// Filter selects inbound messages. Empty fields match anything.
type Filter struct {
	ExchangeID string
	From       string
	Types      []Type
}

func (f Filter) Match(in Inbound) bool {
	if f.ExchangeID != "" && in.Message.ExchangeID != f.ExchangeID {
		return false
	}
	if f.From != "" && in.From != f.From {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if in.Message.Type == t {
			return true
		}
	}
	return false
}

func MarshalEnvelope(e Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	e := Envelope{}
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return e, nil
}
