package state

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/txbuild"
)

// Deposit is the multisig output a participant locks for an exchange.
type Deposit struct {
	OutPoint wire.OutPoint
	Output   wire.TxOut
}

// Deposits are the two outputs spent by every offer of an exchange.
type Deposits struct {
	Buyer  Deposit
	Seller Deposit
}

func findDeposit(p Parameters, tx *wire.MsgTx, amount btcutil.Amount) (Deposit, error) {
	idx, err := txbuild.FindOutput(tx, p.depositPkScript, amount)
	if err != nil {
		return Deposit{}, err
	}
	return Deposit{
		OutPoint: wire.OutPoint{Hash: tx.TxHash(), Index: idx},
		Output:   *wire.NewTxOut(tx.TxOut[idx].Value, append([]byte(nil), tx.TxOut[idx].PkScript...)),
	}, nil
}

// Handshake holds a participant's deposit and refund until both refunds are
// signed. Handshake is a value: attaching a signature returns a new
// Handshake and leaves the receiver unchanged.
type Handshake struct {
	params    Parameters
	deposit   Deposit
	depositTx *wire.MsgTx
	refund    *wire.MsgTx

	// counterpartSig is only set once it has been verified over input 0 of
	// refund.
	counterpartSig []byte
}

// NewHandshake locates the exchange deposit in depositTx and builds the
// refund that returns it to this participant after the lock time.
func NewHandshake(p Parameters, depositTx *wire.MsgTx) (Handshake, error) {
	d, err := findDeposit(p, depositTx, p.LocalDeposit())
	if err != nil {
		return Handshake{}, fmt.Errorf("creating handshake: %w", err)
	}
	refund, err := txbuild.Refund(txbuild.RefundParams{
		Deposit:       d.OutPoint,
		DepositAmount: btcutil.Amount(d.Output.Value),
		Fee:           p.fee,
		PayTo:         p.localAddress,
		LockTime:      p.lockTime,
	})
	if err != nil {
		return Handshake{}, fmt.Errorf("creating handshake: %w", err)
	}
	return Handshake{
		params:    p,
		deposit:   d,
		depositTx: depositTx.Copy(),
		refund:    refund,
	}, nil
}

func (h Handshake) Parameters() Parameters { return h.params }
func (h Handshake) Deposit() Deposit       { return h.deposit }

// DepositTx returns a copy of the participant's deposit transaction.
func (h Handshake) DepositTx() *wire.MsgTx { return h.depositTx.Copy() }

// Refund returns a copy of the unsigned refund, as sent to the counterpart
// for signing.
func (h Handshake) Refund() *wire.MsgTx { return h.refund.Copy() }

// AttachCounterpartRefundSignature verifies sig as the counterpart's
// signature over input 0 of the refund, and that the refund carrying both
// signatures passes the script engine. When valid it returns a Handshake
// holding the signature; attaching the same signature again yields an equal
// Handshake. When invalid it returns an *InvalidRefundSignatureError.
func (h Handshake) AttachCounterpartRefundSignature(sig []byte) (Handshake, error) {
	if !txbuild.VerifySignature(h.refund, 0, h.params.redeemScript, h.params.remoteKey, sig) {
		return h, &InvalidRefundSignatureError{
			Refund:    h.refund.Copy(),
			Signature: append([]byte(nil), sig...),
		}
	}
	signed := h
	signed.counterpartSig = append([]byte(nil), sig...)
	if _, err := signed.SignedRefund(); err != nil {
		return h, &InvalidRefundSignatureError{
			Refund:    h.refund.Copy(),
			Signature: append([]byte(nil), sig...),
			Cause:     err,
		}
	}
	return signed, nil
}

// IsRefundSigned reports whether the refund carries a valid counterpart
// signature over input 0.
func (h Handshake) IsRefundSigned() bool {
	return h.counterpartSig != nil
}

// SignedRefund returns the refund with both signatures, ready to be
// broadcast once the lock time has passed.
func (h Handshake) SignedRefund() (*wire.MsgTx, error) {
	if !h.IsRefundSigned() {
		return nil, fmt.Errorf("refund is not signed by the counterpart")
	}
	own, err := txbuild.SignInput(h.refund, 0, h.params.redeemScript, h.params.localKey)
	if err != nil {
		return nil, err
	}
	sigs := txbuild.InputSignatures{Buyer: own, Seller: h.counterpartSig}
	if h.params.role == RoleSeller {
		sigs = txbuild.InputSignatures{Buyer: h.counterpartSig, Seller: own}
	}
	signed, err := txbuild.AddSignatures(h.refund, h.params.redeemScript, map[int]txbuild.InputSignatures{0: sigs})
	if err != nil {
		return nil, err
	}
	prevOuts := map[wire.OutPoint]*wire.TxOut{h.deposit.OutPoint: &h.deposit.Output}
	if err := txbuild.VerifyTx(signed, prevOuts); err != nil {
		return nil, fmt.Errorf("verifying signed refund: %w", err)
	}
	return signed, nil
}

// SignCounterpartRefund checks that refund only returns the counterpart's
// deposit after the lock time and signs its input 0.
func (h Handshake) SignCounterpartRefund(refund *wire.MsgTx) ([]byte, error) {
	if refund == nil {
		return nil, fmt.Errorf("signing counterpart refund: missing refund")
	}
	if len(refund.TxIn) != 1 || len(refund.TxOut) != 1 {
		return nil, fmt.Errorf("signing counterpart refund: want 1 input and 1 output, got %d and %d", len(refund.TxIn), len(refund.TxOut))
	}
	if refund.LockTime != h.params.lockTime {
		return nil, fmt.Errorf("signing counterpart refund: lock time %d, want %d", refund.LockTime, h.params.lockTime)
	}
	if refund.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		return nil, fmt.Errorf("signing counterpart refund: lock time is not enforced")
	}
	if refund.TxIn[0].PreviousOutPoint.Hash == (chainhash.Hash{}) {
		return nil, fmt.Errorf("signing counterpart refund: missing deposit outpoint")
	}
	if refund.TxOut[0].Value > int64(h.params.RemoteDeposit()) {
		return nil, fmt.Errorf("signing counterpart refund: refunds %v, more than the deposit %v", btcutil.Amount(refund.TxOut[0].Value), h.params.RemoteDeposit())
	}
	payTo, err := txscript.PayToAddrScript(h.params.remoteAddress)
	if err != nil {
		return nil, fmt.Errorf("signing counterpart refund: %w", err)
	}
	if !bytes.Equal(refund.TxOut[0].PkScript, payTo) {
		return nil, fmt.Errorf("signing counterpart refund: does not pay the counterpart address")
	}
	return txbuild.SignInput(refund, 0, h.params.redeemScript, h.params.localKey)
}

// StartExchange combines the participant's deposit with the counterpart's
// and returns the channel that spends them. Both refunds must already be
// signed.
func (h Handshake) StartExchange(counterpartDepositTx *wire.MsgTx, processor PaymentProcessor) (*Channel, error) {
	remote, err := findDeposit(h.params, counterpartDepositTx, h.params.RemoteDeposit())
	if err != nil {
		return nil, fmt.Errorf("starting exchange: counterpart deposit: %w", err)
	}
	d := Deposits{Buyer: h.deposit, Seller: remote}
	if h.params.role == RoleSeller {
		d = Deposits{Buyer: remote, Seller: h.deposit}
	}
	return NewChannel(h.params, d, processor), nil
}
