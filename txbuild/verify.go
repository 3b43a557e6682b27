package txbuild

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VerifyTx executes the scripts of every input of tx against the outputs
// they spend.
func VerifyTx(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) error {
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev, ok := prevOuts[in.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("verifying input %d: missing previous output %v", i, in.PreviousOutPoint)
		}
		engine, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, hashes, prev.Value, fetcher)
		if err != nil {
			return fmt.Errorf("verifying input %d: %w", i, err)
		}
		if err := engine.Execute(); err != nil {
			return fmt.Errorf("verifying input %d: %w", i, err)
		}
	}
	return nil
}
