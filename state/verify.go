package state

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/txbuild"
	"golang.org/x/sync/errgroup"
)

type signatureVerificationInput struct {
	Tx           *wire.MsgTx
	Index        int
	RedeemScript []byte
	Signature    []byte
	Signer       *btcec.PublicKey
}

func verifySignatures(inputs []signatureVerificationInput) error {
	g := errgroup.Group{}
	for _, i := range inputs {
		i := i
		g.Go(func() error {
			if !txbuild.VerifySignature(i.Tx, i.Index, i.RedeemScript, i.Signer, i.Signature) {
				return fmt.Errorf("signature over input %d does not verify", i.Index)
			}
			return nil
		})
	}
	return g.Wait()
}
