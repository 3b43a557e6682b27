package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/agent"
	"github.com/meeh420/coinffeine/txbuild"
)

func printEvents(events <-chan agent.Event) {
	for e := range events {
		switch e := e.(type) {
		case agent.ErrorEvent:
			fmt.Fprintf(os.Stderr, "agent error: %v\n", e.Err)
		case agent.StepCompletedEvent:
			fmt.Fprintf(os.Stdout, "step %d completed: buyer payout=%v\n", e.Step, e.Payout)
		case agent.PaymentSentEvent:
			fmt.Fprintf(os.Stdout, "step %d paid: proof=%s\n", e.Step, e.Proof)
		case agent.PaymentFailedEvent:
			fmt.Fprintf(os.Stderr, "step %d payment failed: %v\n", e.Step, e.Err)
		case agent.PaymentProofReceivedEvent:
			fmt.Fprintf(os.Stdout, "step %d payment proof received: proof=%s\n", e.Step, e.Proof)
		case agent.FinishedEvent:
			fmt.Fprintf(os.Stdout, "exchange finished: %v\n", e.Result)
		}
	}
}

func printTx(name string, tx *wire.MsgTx) error {
	h, err := txbuild.EncodeHex(tx)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	fmt.Fprintf(os.Stdout, "%s %s:\n%s\n", name, tx.TxHash(), h)
	return nil
}
