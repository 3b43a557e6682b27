// Package statetest builds matching buyer and seller exchanges for tests.
package statetest

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/state"
	"github.com/meeh420/coinffeine/txbuild"
	"github.com/meeh420/coinffeine/txbuild/txbuildtest"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
)

const (
	ExchangeID = "6c2f5c2e-3a3b-4f43-9d0e-3f3b8f0d2a11"
	LockTime   = 1000
)

// Exchange holds both sides of one exchange.
type Exchange struct {
	BuyerKey   *btcec.PrivateKey
	SellerKey  *btcec.PrivateKey
	BuyerPeer  *keypair.Full
	SellerPeer *keypair.Full

	Buyer  state.Parameters
	Seller state.Parameters

	BuyerDepositTx  *wire.MsgTx
	SellerDepositTx *wire.MsgTx
}

// Configs returns matching buyer and seller configs exchanging amount in
// steps for 100 EUR per step.
func Configs(steps int, amount btcutil.Amount) (buyer, seller state.Config, buyerPeer, sellerPeer *keypair.Full) {
	buyerKey := txbuildtest.RandomKey()
	sellerKey := txbuildtest.RandomKey()
	buyerPeer = keypair.MustRandom()
	sellerPeer = keypair.MustRandom()
	common := state.Config{
		ExchangeID:   ExchangeID,
		Network:      txbuildtest.Net,
		Amount:       amount,
		FiatAmount:   decimal.NewFromInt(int64(100 * steps)),
		FiatCurrency: "EUR",
		Steps:        steps,
		LockTime:     LockTime,
	}
	buyer = common
	buyer.Role = state.RoleBuyer
	buyer.Counterpart = sellerPeer.Address()
	buyer.LocalKey = buyerKey
	buyer.RemoteKey = sellerKey.PubKey()
	buyer.LocalAddress = txbuildtest.Address(buyerKey)
	buyer.RemoteAddress = txbuildtest.Address(sellerKey)
	buyer.LocalFiatAccount = "ES0000000000000000000001"
	buyer.RemoteFiatAccount = "ES0000000000000000000002"

	seller = common
	seller.Role = state.RoleSeller
	seller.Counterpart = buyerPeer.Address()
	seller.LocalKey = sellerKey
	seller.RemoteKey = buyerKey.PubKey()
	seller.LocalAddress = txbuildtest.Address(sellerKey)
	seller.RemoteAddress = txbuildtest.Address(buyerKey)
	seller.LocalFiatAccount = buyer.RemoteFiatAccount
	seller.RemoteFiatAccount = buyer.LocalFiatAccount
	return buyer, seller, buyerPeer, sellerPeer
}

// NewExchange returns validated parameters and deposit transactions for both
// sides of an exchange.
func NewExchange(t testing.TB, steps int, amount btcutil.Amount) Exchange {
	buyerConfig, sellerConfig, buyerPeer, sellerPeer := Configs(steps, amount)
	buyer, err := state.NewParameters(buyerConfig)
	require.NoError(t, err)
	seller, err := state.NewParameters(sellerConfig)
	require.NoError(t, err)
	return Exchange{
		BuyerKey:        buyerConfig.LocalKey,
		SellerKey:       sellerConfig.LocalKey,
		BuyerPeer:       buyerPeer,
		SellerPeer:      sellerPeer,
		Buyer:           buyer,
		Seller:          seller,
		BuyerDepositTx:  depositTx(t, buyer, buyer.BuyerDeposit()),
		SellerDepositTx: depositTx(t, seller, seller.SellerDeposit()),
	}
}

func depositTx(t testing.TB, p state.Parameters, amount btcutil.Amount) *wire.MsgTx {
	tx, err := txbuild.Deposit(txbuild.DepositParams{
		Inputs:       []wire.OutPoint{txbuildtest.RandomOutPoint()},
		Amount:       amount,
		RedeemScript: p.RedeemScript(),
		Net:          p.Network(),
	})
	require.NoError(t, err)
	return tx
}

// Handshakes returns both handshakes with their refunds signed by the
// counterpart.
func (e Exchange) Handshakes(t testing.TB) (buyer, seller state.Handshake) {
	buyer, err := state.NewHandshake(e.Buyer, e.BuyerDepositTx)
	require.NoError(t, err)
	seller, err = state.NewHandshake(e.Seller, e.SellerDepositTx)
	require.NoError(t, err)

	sig, err := seller.SignCounterpartRefund(buyer.Refund())
	require.NoError(t, err)
	buyer, err = buyer.AttachCounterpartRefundSignature(sig)
	require.NoError(t, err)

	sig, err = buyer.SignCounterpartRefund(seller.Refund())
	require.NoError(t, err)
	seller, err = seller.AttachCounterpartRefundSignature(sig)
	require.NoError(t, err)
	return buyer, seller
}

// Channels returns both channels of the exchange. Only the buyer pays, so
// only the buyer channel gets processor.
func (e Exchange) Channels(t testing.TB, processor state.PaymentProcessor) (buyer, seller *state.Channel) {
	bh, sh := e.Handshakes(t)
	buyer, err := bh.StartExchange(e.SellerDepositTx, processor)
	require.NoError(t, err)
	seller, err = sh.StartExchange(e.BuyerDepositTx, nil)
	require.NoError(t, err)
	return buyer, seller
}
