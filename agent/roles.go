package agent

import (
	"github.com/meeh420/coinffeine/msg"
	"github.com/meeh420/coinffeine/state"
)

// role holds what differs between the buyer and the seller. Both roles run
// the same state machine.
type role struct {
	name string

	// validate and validateFinal check the counterpart's signatures.
	validate      func(c *state.Channel, step int, sigs state.StepSignatures) error
	validateFinal func(c *state.Channel, sigs state.StepSignatures) error

	// enter runs when the agent enters a waiting state.
	enter func(a *Agent)
	// stepCompleted runs once the counterpart's signatures for an
	// intermediate step are validated, before advancing.
	stepCompleted func(a *Agent, step int)

	handlers map[StateKind]map[msg.Type]func(*Agent, msg.Inbound)
}

var buyerRole = &role{
	name:          state.RoleBuyer.String(),
	validate:      (*state.Channel).ValidateSellersSignature,
	validateFinal: (*state.Channel).ValidateSellersFinalSignature,
	stepCompleted: func(a *Agent, step int) {
		a.pay(a.ctx, step)
	},
	handlers: map[StateKind]map[msg.Type]func(*Agent, msg.Inbound){
		AwaitingStep: {
			msg.TypeStepSignatures: (*Agent).handleStepSignatures,
		},
		AwaitingFinalStep: {
			msg.TypeStepSignatures: (*Agent).handleStepSignatures,
		},
	},
}

var sellerRole = &role{
	name:          state.RoleSeller.String(),
	validate:      (*state.Channel).ValidateBuyersSignature,
	validateFinal: (*state.Channel).ValidateBuyersFinalSignature,
	enter:         (*Agent).sendSignatures,
	handlers: map[StateKind]map[msg.Type]func(*Agent, msg.Inbound){
		AwaitingStep: {
			msg.TypeStepSignatures: (*Agent).handleStepSignatures,
			msg.TypePaymentProof:   (*Agent).handlePaymentProof,
		},
	},
}

func roleFor(r state.Role) *role {
	if r == state.RoleSeller {
		return sellerRole
	}
	return buyerRole
}

// sendSignatures sends the seller's signatures for the step being entered.
// The terminal signatures end the seller's part of the exchange: the buyer
// needs nothing more from the seller.
func (a *Agent) sendSignatures() {
	sigs, err := a.channel.Sign(a.state.Step)
	if err != nil {
		a.logger.WithError(err).WithField("step", a.state.Step).Error("signing step")
		a.emit(ErrorEvent{Err: err})
		return
	}
	a.outbox = []msg.Message{{
		Type:           msg.TypeStepSignatures,
		StepSignatures: &msg.StepSignatures{Step: a.state.Step, Signatures: sigs},
	}}
	a.sendOutbox()
	if a.state.Kind == AwaitingFinalStep {
		a.finish(Result{Success: true})
	}
}
