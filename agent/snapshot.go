package agent

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

type StateKind int

const (
	AwaitingStep StateKind = iota
	AwaitingFinalStep
	Done
)

func (k StateKind) String() string {
	switch k {
	case AwaitingStep:
		return "awaiting_step"
	case AwaitingFinalStep:
		return "awaiting_final_step"
	case Done:
		return "done"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// State is the protocol state of an agent. Step is the step being awaited,
// or the step the exchange stopped at once Done.
type State struct {
	Kind StateKind
	Step int
}

func (s State) String() string {
	return fmt.Sprintf("%v(%d)", s.Kind, s.Step)
}

// Snapshot is a copy of the state of an agent that is safe to read from any
// goroutine.
type Snapshot struct {
	ExchangeID string
	Role       string
	Steps      int
	State      State

	// LastSignedStep is the step of the last offer signed by both
	// participants, zero if none.
	LastSignedStep int
	Payout         btcutil.Amount
	PaymentProofs  map[int]string

	Result *Result
}

func (a *Agent) publish() {
	s := Snapshot{
		ExchangeID:     a.params.ExchangeID(),
		Role:           a.role.name,
		Steps:          a.params.Steps(),
		State:          a.state,
		LastSignedStep: a.offerStep,
		Payout:         a.channel.Payout(a.offerStep),
		PaymentProofs:  make(map[int]string, len(a.proofs)),
	}
	for step, proof := range a.proofs {
		s.PaymentProofs[step] = proof
	}
	if r, ok := a.Result(); ok {
		s.Result = &r
	}
	a.snapshot.Store(s)
}

// Snapshot returns the latest state of the agent.
func (a *Agent) Snapshot() Snapshot {
	return a.snapshot.Load().(Snapshot)
}
