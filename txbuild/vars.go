package txbuild

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// sigHashType is the only hash type participants produce or accept.
	sigHashType = txscript.SigHashAll

	// lockTimeSequence is the input sequence that keeps a transaction's lock
	// time enforced by the network.
	lockTimeSequence = wire.MaxTxInSequenceNum - 1

	txVersion = 2
)
