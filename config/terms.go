package config

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/state"
	"github.com/meeh420/coinffeine/txbuild"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stellar/go/keypair"
)

// Keys of an exchange terms file. Bitcoin amounts are in BTC.
const (
	ExchangeIDKey             = "exchange_id"
	PeerSeedKey               = "peer_seed"
	CounterpartKey            = "counterpart"
	BrokerKey                 = "broker"
	PrivateKeyKey             = "private_key"
	CounterpartPublicKeyKey   = "counterpart_public_key"
	AddressKey                = "address"
	CounterpartAddressKey     = "counterpart_address"
	AmountKey                 = "amount"
	FiatAmountKey             = "fiat_amount"
	FiatCurrencyKey           = "fiat_currency"
	FiatAccountKey            = "fiat_account"
	CounterpartFiatAccountKey = "counterpart_fiat_account"
	StepsKey                  = "steps"
	LockTimeKey               = "lock_time"
	FeeKey                    = "fee"
	DepositTxKey              = "deposit_tx"
)

// Terms is everything a participant needs to run an exchange.
type Terms struct {
	Exchange state.Config
	// Peer is the key identifying the participant to the broker.
	Peer *keypair.Full
	// DepositTx is the participant's funded deposit transaction.
	DepositTx *wire.MsgTx
}

// ReadTerms reads the terms file at path. The format is taken from the
// file extension.
func ReadTerms(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading terms: %w", err)
	}
	return v, nil
}

// LoadTerms decodes the terms held by v for a participant playing role on
// net. The resulting exchange config is validated by state.NewParameters.
func LoadTerms(v *viper.Viper, net *chaincfg.Params, role state.Role) (Terms, error) {
	fail := func(key string, err error) (Terms, error) {
		return Terms{}, fmt.Errorf("terms: %s: %w", key, err)
	}
	for _, key := range []string{PeerSeedKey, CounterpartKey, PrivateKeyKey, CounterpartPublicKeyKey, AddressKey, CounterpartAddressKey, AmountKey, FiatAmountKey, FiatCurrencyKey, StepsKey, LockTimeKey, DepositTxKey} {
		if !v.IsSet(key) {
			return fail(key, errors.New("missing"))
		}
	}

	peer, err := keypair.ParseFull(v.GetString(PeerSeedKey))
	if err != nil {
		return fail(PeerSeedKey, err)
	}
	wif, err := btcutil.DecodeWIF(v.GetString(PrivateKeyKey))
	if err != nil {
		return fail(PrivateKeyKey, err)
	}
	if !wif.IsForNet(net) {
		return fail(PrivateKeyKey, fmt.Errorf("key is not for network %s", net.Name))
	}
	pubKeyBytes, err := hex.DecodeString(v.GetString(CounterpartPublicKeyKey))
	if err != nil {
		return fail(CounterpartPublicKeyKey, err)
	}
	remoteKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fail(CounterpartPublicKeyKey, err)
	}
	localAddress, err := btcutil.DecodeAddress(v.GetString(AddressKey), net)
	if err != nil {
		return fail(AddressKey, err)
	}
	remoteAddress, err := btcutil.DecodeAddress(v.GetString(CounterpartAddressKey), net)
	if err != nil {
		return fail(CounterpartAddressKey, err)
	}
	amount, err := parseBTC(v.GetString(AmountKey))
	if err != nil {
		return fail(AmountKey, err)
	}
	var fee btcutil.Amount
	if v.IsSet(FeeKey) {
		fee, err = parseBTC(v.GetString(FeeKey))
		if err != nil {
			return fail(FeeKey, err)
		}
	}
	fiat, err := decimal.NewFromString(v.GetString(FiatAmountKey))
	if err != nil {
		return fail(FiatAmountKey, err)
	}
	deposit, err := txbuild.DecodeHex(v.GetString(DepositTxKey))
	if err != nil {
		return fail(DepositTxKey, err)
	}

	return Terms{
		Exchange: state.Config{
			ExchangeID:        v.GetString(ExchangeIDKey),
			Role:              role,
			Network:           net,
			Counterpart:       v.GetString(CounterpartKey),
			Broker:            v.GetString(BrokerKey),
			LocalKey:          wif.PrivKey,
			RemoteKey:         remoteKey,
			LocalAddress:      localAddress,
			RemoteAddress:     remoteAddress,
			Amount:            amount,
			FiatAmount:        fiat,
			FiatCurrency:      v.GetString(FiatCurrencyKey),
			LocalFiatAccount:  v.GetString(FiatAccountKey),
			RemoteFiatAccount: v.GetString(CounterpartFiatAccountKey),
			Steps:             v.GetInt(StepsKey),
			LockTime:          v.GetUint32(LockTimeKey),
			Fee:               fee,
		},
		Peer:      peer,
		DepositTx: deposit,
	}, nil
}

var satoshisPerBitcoin = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)

// parseBTC parses a decimal bitcoin amount, refusing fractions of a
// satoshi.
func parseBTC(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	sat := d.Mul(satoshisPerBitcoin)
	if !sat.Equal(sat.Truncate(0)) {
		return 0, fmt.Errorf("%s BTC is not a whole number of satoshis", s)
	}
	if sat.IsNegative() {
		return 0, fmt.Errorf("%s BTC is negative", s)
	}
	return btcutil.Amount(sat.IntPart()), nil
}
