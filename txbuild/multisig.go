package txbuild

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MultiSigScript returns the 2-of-2 redeem script that locks both deposits of
// an exchange. The buyer key is always first, so signature scripts must list
// the buyer signature before the seller signature.
func MultiSigScript(buyer, seller *btcec.PublicKey, net *chaincfg.Params) ([]byte, error) {
	if buyer == nil || seller == nil {
		return nil, fmt.Errorf("building multisig script: missing public key")
	}
	buyerKey, err := btcutil.NewAddressPubKey(buyer.SerializeCompressed(), net)
	if err != nil {
		return nil, fmt.Errorf("building multisig script: buyer key: %w", err)
	}
	sellerKey, err := btcutil.NewAddressPubKey(seller.SerializeCompressed(), net)
	if err != nil {
		return nil, fmt.Errorf("building multisig script: seller key: %w", err)
	}
	return txscript.MultiSigScript([]*btcutil.AddressPubKey{buyerKey, sellerKey}, 2)
}

// ScriptHashPkScript returns the pay-to-script-hash output script for the
// redeem script.
func ScriptHashPkScript(redeemScript []byte, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
