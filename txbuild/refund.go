package txbuild

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type RefundParams struct {
	Deposit       wire.OutPoint
	DepositAmount btcutil.Amount
	Fee           btcutil.Amount
	PayTo         btcutil.Address
	LockTime      uint32
}

// Refund builds the transaction that returns a deposit to its owner once the
// lock time has passed. The deposit is always input 0.
func Refund(p RefundParams) (*wire.MsgTx, error) {
	if p.LockTime == 0 {
		return nil, fmt.Errorf("building refund: lock time must be set")
	}
	if p.PayTo == nil {
		return nil, fmt.Errorf("building refund: missing payout address")
	}
	amount := p.DepositAmount - p.Fee
	if amount <= 0 {
		return nil, fmt.Errorf("building refund: deposit %v does not cover fee %v", p.DepositAmount, p.Fee)
	}
	pkScript, err := txscript.PayToAddrScript(p.PayTo)
	if err != nil {
		return nil, fmt.Errorf("building refund: %w", err)
	}

	tx := wire.NewMsgTx(txVersion)
	in := wire.NewTxIn(&p.Deposit, nil, nil)
	in.Sequence = lockTimeSequence
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))
	tx.LockTime = p.LockTime
	return tx, nil
}
