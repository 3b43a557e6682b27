package txbuild

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// InputSignatures are the two signatures that unlock one multisig input.
type InputSignatures struct {
	Buyer  []byte
	Seller []byte
}

// SignInput signs the input at idx of tx, which spends an output locked by
// redeemScript. The returned signature has the hash type appended.
func SignInput(tx *wire.MsgTx, idx int, redeemScript []byte, key *btcec.PrivateKey) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("signing input %d: tx has %d inputs", idx, len(tx.TxIn))
	}
	sig, err := txscript.RawTxInSignature(tx, idx, redeemScript, sigHashType, key)
	if err != nil {
		return nil, fmt.Errorf("signing input %d: %w", idx, err)
	}
	return sig, nil
}

// VerifySignature reports whether sig is a valid signature by key over the
// input at idx of tx. Only strict DER encodings with a low S value are
// accepted, as required by the script engine's standard verify flags.
func VerifySignature(tx *wire.MsgTx, idx int, redeemScript []byte, key *btcec.PublicKey, sig []byte) bool {
	if tx == nil || key == nil || idx < 0 || idx >= len(tx.TxIn) || len(sig) < 2 {
		return false
	}
	if txscript.SigHashType(sig[len(sig)-1]) != sigHashType {
		return false
	}
	der := sig[:len(sig)-1]
	parsed, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}
	// Serialize always produces the canonical low S encoding.
	if !bytes.Equal(parsed.Serialize(), der) {
		return false
	}
	hash, err := txscript.CalcSignatureHash(redeemScript, sigHashType, tx, idx)
	if err != nil {
		return false
	}
	return parsed.Verify(hash, key)
}

// AddSignatures returns a copy of tx with the inputs listed in sigs unlocked
// by the 2-of-2 redeemScript. The input tx is not modified.
func AddSignatures(tx *wire.MsgTx, redeemScript []byte, sigs map[int]InputSignatures) (*wire.MsgTx, error) {
	signed := tx.Copy()
	for idx, s := range sigs {
		if idx < 0 || idx >= len(signed.TxIn) {
			return nil, fmt.Errorf("adding signatures to input %d: tx has %d inputs", idx, len(signed.TxIn))
		}
		b := txscript.NewScriptBuilder()
		b.AddOp(txscript.OP_FALSE)
		b.AddData(s.Buyer)
		b.AddData(s.Seller)
		b.AddData(redeemScript)
		script, err := b.Script()
		if err != nil {
			return nil, fmt.Errorf("adding signatures to input %d: %w", idx, err)
		}
		signed.TxIn[idx].SignatureScript = script
	}
	return signed, nil
}
