package state

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/txbuild"
)

// StepSignatures are one participant's signatures over the two deposit
// inputs of a step's offer.
type StepSignatures struct {
	Deposit0 []byte
	Deposit1 []byte
}

// IsEmpty reports whether neither signature is set.
func (s StepSignatures) IsEmpty() bool {
	return len(s.Deposit0) == 0 && len(s.Deposit1) == 0
}

// Channel builds and validates the offers that spend the deposits of an
// exchange. Steps are numbered from 1 and FinalStep, steps+1, is the
// terminal offer. Every offer is built directly from the deposits and its
// step number.
type Channel struct {
	params    Parameters
	deposits  Deposits
	processor PaymentProcessor
}

func NewChannel(p Parameters, d Deposits, processor PaymentProcessor) *Channel {
	return &Channel{params: p, deposits: d, processor: processor}
}

func (c *Channel) Parameters() Parameters { return c.params }
func (c *Channel) Deposits() Deposits     { return c.deposits }
func (c *Channel) FinalStep() int         { return c.params.FinalStep() }

func (c *Channel) checkStep(step int) error {
	if step < 1 || step > c.FinalStep() {
		return fmt.Errorf("step %d out of range 1..%d", step, c.FinalStep())
	}
	return nil
}

// Payout is the bitcoin amount credited to the buyer by the offer of step.
// It strictly increases from step 1 to steps, and is the full amount for
// the terminal offer.
func (c *Channel) Payout(step int) btcutil.Amount {
	return c.params.Progress(step)
}

func (c *Channel) totalDeposits() btcutil.Amount {
	return btcutil.Amount(c.deposits.Buyer.Output.Value + c.deposits.Seller.Output.Value)
}

// buyerOutput is the buyer's output in the offer of step. The terminal
// offer also returns the buyer deposit.
func (c *Channel) buyerOutput(step int) btcutil.Amount {
	if step == c.FinalStep() {
		return c.params.amount + btcutil.Amount(c.deposits.Buyer.Output.Value)
	}
	return c.Payout(step)
}

// Offer returns the unsigned offer of step.
func (c *Channel) Offer(step int) (*wire.MsgTx, error) {
	if err := c.checkStep(step); err != nil {
		return nil, err
	}
	toBuyer := c.buyerOutput(step)
	toSeller := c.totalDeposits() - toBuyer - c.params.fee
	if toSeller < 0 {
		return nil, fmt.Errorf("building offer for step %d: deposits %v do not cover payout %v", step, c.totalDeposits(), toBuyer)
	}
	return txbuild.Offer(txbuild.OfferParams{
		BuyerDeposit:  c.deposits.Buyer.OutPoint,
		SellerDeposit: c.deposits.Seller.OutPoint,
		ToBuyer:       toBuyer,
		ToSeller:      toSeller,
		BuyerAddress:  c.params.BuyerAddress(),
		SellerAddress: c.params.SellerAddress(),
	})
}

// Sign returns this participant's signatures over the offer of step.
func (c *Channel) Sign(step int) (StepSignatures, error) {
	offer, err := c.Offer(step)
	if err != nil {
		return StepSignatures{}, err
	}
	sig0, err := txbuild.SignInput(offer, 0, c.params.redeemScript, c.params.localKey)
	if err != nil {
		return StepSignatures{}, err
	}
	sig1, err := txbuild.SignInput(offer, 1, c.params.redeemScript, c.params.localKey)
	if err != nil {
		return StepSignatures{}, err
	}
	return StepSignatures{Deposit0: sig0, Deposit1: sig1}, nil
}

func (c *Channel) validate(step int, sigs StepSignatures, signer *btcec.PublicKey) error {
	fail := func(err error) error {
		return &InvalidStepSignatureError{Step: step, Signatures: sigs, Cause: err}
	}
	offer, err := c.Offer(step)
	if err != nil {
		return fail(err)
	}
	err = verifySignatures([]signatureVerificationInput{
		{Tx: offer, Index: 0, RedeemScript: c.params.redeemScript, Signature: sigs.Deposit0, Signer: signer},
		{Tx: offer, Index: 1, RedeemScript: c.params.redeemScript, Signature: sigs.Deposit1, Signer: signer},
	})
	if err != nil {
		return fail(err)
	}
	paid, err := txbuild.AmountTo(offer, c.params.BuyerAddress())
	if err != nil {
		return fail(err)
	}
	if want := c.buyerOutput(step); paid != want {
		return fail(fmt.Errorf("offer pays %v to the buyer, want %v", paid, want))
	}
	return nil
}

// ValidateSellersSignature checks the seller's signatures for an
// intermediate step.
func (c *Channel) ValidateSellersSignature(step int, sigs StepSignatures) error {
	if step == c.FinalStep() {
		return &InvalidStepSignatureError{Step: step, Signatures: sigs, Cause: fmt.Errorf("step %d is the final step", step)}
	}
	return c.validate(step, sigs, c.params.SellerKey())
}

// ValidateSellersFinalSignature checks the seller's signatures for the
// terminal offer.
func (c *Channel) ValidateSellersFinalSignature(sigs StepSignatures) error {
	return c.validate(c.FinalStep(), sigs, c.params.SellerKey())
}

// ValidateBuyersSignature checks the buyer's signatures for an intermediate
// step.
func (c *Channel) ValidateBuyersSignature(step int, sigs StepSignatures) error {
	if step == c.FinalStep() {
		return &InvalidStepSignatureError{Step: step, Signatures: sigs, Cause: fmt.Errorf("step %d is the final step", step)}
	}
	return c.validate(step, sigs, c.params.BuyerKey())
}

// ValidateBuyersFinalSignature checks the buyer's signatures for the
// terminal offer.
func (c *Channel) ValidateBuyersFinalSignature(sigs StepSignatures) error {
	return c.validate(c.FinalStep(), sigs, c.params.BuyerKey())
}

// SignedOffer merges the counterpart's signatures with this participant's
// into the offer of step. The counterpart signatures must have been
// validated first. The merged transaction is checked with the script engine.
func (c *Channel) SignedOffer(step int, counterpart StepSignatures) (*wire.MsgTx, error) {
	offer, err := c.Offer(step)
	if err != nil {
		return nil, err
	}
	own, err := c.Sign(step)
	if err != nil {
		return nil, err
	}
	buyer, seller := own, counterpart
	if c.params.role == RoleSeller {
		buyer, seller = counterpart, own
	}
	signed, err := txbuild.AddSignatures(offer, c.params.redeemScript, map[int]txbuild.InputSignatures{
		0: {Buyer: buyer.Deposit0, Seller: seller.Deposit0},
		1: {Buyer: buyer.Deposit1, Seller: seller.Deposit1},
	})
	if err != nil {
		return nil, err
	}
	prevOuts := map[wire.OutPoint]*wire.TxOut{
		c.deposits.Buyer.OutPoint:  &c.deposits.Buyer.Output,
		c.deposits.Seller.OutPoint: &c.deposits.Seller.Output,
	}
	if err := txbuild.VerifyTx(signed, prevOuts); err != nil {
		return nil, fmt.Errorf("verifying signed offer for step %d: %w", step, err)
	}
	return signed, nil
}

// Pay asks the payment processor to transfer the fiat for step to the
// seller and returns the proof of payment. Failures wrap ErrPaymentFailed.
func (c *Channel) Pay(ctx context.Context, step int) (string, error) {
	if step < 1 || step > c.params.steps {
		return "", fmt.Errorf("paying step %d: %w: step out of range 1..%d", step, ErrPaymentFailed, c.params.steps)
	}
	if c.processor == nil {
		return "", fmt.Errorf("paying step %d: %w: no payment processor", step, ErrPaymentFailed)
	}
	proof, err := c.processor.Pay(ctx, PaymentRequest{
		ExchangeID: c.params.id,
		Step:       step,
		Amount:     c.params.FiatPayment(step),
		Currency:   c.params.fiatCurrency,
		Payee:      c.params.SellerFiatAccount(),
	})
	if err != nil {
		return "", fmt.Errorf("paying step %d: %w: %w", step, ErrPaymentFailed, err)
	}
	return proof, nil
}
