package txbuild

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type OfferParams struct {
	BuyerDeposit  wire.OutPoint
	SellerDeposit wire.OutPoint
	ToBuyer       btcutil.Amount
	ToSeller      btcutil.Amount
	BuyerAddress  btcutil.Address
	SellerAddress btcutil.Address
}

// Offer builds the transaction that splits both deposits between the buyer
// and the seller. Input 0 is the buyer deposit and input 1 the seller
// deposit. Outputs with a zero amount are left out.
func Offer(p OfferParams) (*wire.MsgTx, error) {
	if p.ToBuyer < 0 || p.ToSeller < 0 {
		return nil, fmt.Errorf("building offer: amounts cannot be negative")
	}
	if p.ToBuyer == 0 && p.ToSeller == 0 {
		return nil, fmt.Errorf("building offer: no outputs")
	}

	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(wire.NewTxIn(&p.BuyerDeposit, nil, nil))
	tx.AddTxIn(wire.NewTxIn(&p.SellerDeposit, nil, nil))

	outputs := []struct {
		amount btcutil.Amount
		addr   btcutil.Address
	}{
		{p.ToBuyer, p.BuyerAddress},
		{p.ToSeller, p.SellerAddress},
	}
	for _, o := range outputs {
		if o.amount == 0 {
			continue
		}
		if o.addr == nil {
			return nil, fmt.Errorf("building offer: missing payout address")
		}
		pkScript, err := txscript.PayToAddrScript(o.addr)
		if err != nil {
			return nil, fmt.Errorf("building offer: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(o.amount), pkScript))
	}
	return tx, nil
}

// AmountTo sums the outputs of tx paying to addr.
func AmountTo(tx *wire.MsgTx, addr btcutil.Address) (btcutil.Amount, error) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, err
	}
	total := btcutil.Amount(0)
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			total += btcutil.Amount(out.Value)
		}
	}
	return total, nil
}
