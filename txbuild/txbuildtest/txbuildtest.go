// Package txbuildtest contains helpers for building keys, outpoints and
// deposit transactions in tests.
package txbuildtest

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/txbuild"
)

// Net is the network used by tests.
var Net = &chaincfg.RegressionNetParams

// RandomKey returns a new private key and panics if one cannot be generated.
func RandomKey() *btcec.PrivateKey {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// Address returns the pay-to-pubkey-hash address of key on Net.
func Address(key *btcec.PrivateKey) btcutil.Address {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), Net)
	if err != nil {
		panic(err)
	}
	return addr
}

// RandomOutPoint returns an outpoint referencing a random transaction.
func RandomOutPoint() wire.OutPoint {
	var h chainhash.Hash
	b := [36]byte{}
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	copy(h[:], b[:32])
	return *wire.NewOutPoint(&h, binary.BigEndian.Uint32(b[32:])%4)
}

// DepositTx returns a deposit transaction that pays amount into the multisig
// of buyer and seller, spending a random outpoint.
func DepositTx(buyer, seller *btcec.PublicKey, amount btcutil.Amount) *wire.MsgTx {
	redeemScript, err := txbuild.MultiSigScript(buyer, seller, Net)
	if err != nil {
		panic(err)
	}
	tx, err := txbuild.Deposit(txbuild.DepositParams{
		Inputs:       []wire.OutPoint{RandomOutPoint()},
		Amount:       amount,
		RedeemScript: redeemScript,
		Net:          Net,
	})
	if err != nil {
		panic(err)
	}
	return tx
}

// HighS returns sig, a DER signature with the hash type appended, with its S
// value replaced by N-S. The result verifies against the same key and hash
// but is not canonical.
func HighS(sig []byte) []byte {
	der, hashType := sig[:len(sig)-1], sig[len(sig)-1]
	rLen := int(der[3])
	r := der[4 : 4+rLen]
	s := new(big.Int).SetBytes(der[6+rLen:])
	s.Sub(btcec.S256().Params().N, s)
	sb := s.Bytes()
	if sb[0]&0x80 != 0 {
		sb = append([]byte{0}, sb...)
	}
	out := []byte{0x30, byte(4 + len(r) + len(sb)), 0x02, byte(len(r))}
	out = append(out, r...)
	out = append(out, 0x02, byte(len(sb)))
	out = append(out, sb...)
	return append(out, hashType)
}
