package txbuild

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var ErrDepositNotFound = errors.New("deposit output not found")

type DepositParams struct {
	Inputs       []wire.OutPoint
	Amount       btcutil.Amount
	RedeemScript []byte
	Net          *chaincfg.Params
	Change       btcutil.Address
	ChangeAmount btcutil.Amount
}

// Deposit builds the unsigned transaction that moves a participant's funds
// into the exchange multisig. Signing the funding inputs is left to the
// participant's wallet.
func Deposit(p DepositParams) (*wire.MsgTx, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("building deposit: no inputs")
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("building deposit: amount must be greater than 0")
	}
	if p.ChangeAmount < 0 {
		return nil, fmt.Errorf("building deposit: change amount cannot be negative")
	}
	pkScript, err := ScriptHashPkScript(p.RedeemScript, p.Net)
	if err != nil {
		return nil, fmt.Errorf("building deposit: %w", err)
	}

	tx := wire.NewMsgTx(txVersion)
	for i := range p.Inputs {
		tx.AddTxIn(wire.NewTxIn(&p.Inputs[i], nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(p.Amount), pkScript))
	if p.ChangeAmount > 0 {
		if p.Change == nil {
			return nil, fmt.Errorf("building deposit: change amount without change address")
		}
		changeScript, err := txscript.PayToAddrScript(p.Change)
		if err != nil {
			return nil, fmt.Errorf("building deposit: change script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(p.ChangeAmount), changeScript))
	}
	return tx, nil
}

// FindOutput returns the index of the first output of tx that pays exactly
// amount to pkScript.
func FindOutput(tx *wire.MsgTx, pkScript []byte, amount btcutil.Amount) (uint32, error) {
	if tx == nil {
		return 0, fmt.Errorf("finding output: %w", ErrDepositNotFound)
	}
	for i, out := range tx.TxOut {
		if out.Value == int64(amount) && bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("finding output of %v in tx %v: %w", amount, tx.TxHash(), ErrDepositNotFound)
}
