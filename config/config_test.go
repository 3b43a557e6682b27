package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/meeh420/coinffeine/state"
	"github.com/meeh420/coinffeine/txbuild"
	"github.com/meeh420/coinffeine/txbuild/txbuildtest"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, log.InfoLevel, c.LogLevel)
	assert.Equal(t, &chaincfg.RegressionNetParams, c.Network)
	assert.Equal(t, "ws://localhost:8700/ws", c.BrokerURL)
	assert.Equal(t, 30*time.Second, c.SignatureTimeout)
	assert.Equal(t, 2*time.Minute, c.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, c.ResendInterval)
	assert.Equal(t, "", c.HTTPListen)
}

func TestLoad_env(t *testing.T) {
	t.Setenv("COINFFEINE_NETWORK", "testnet3")
	t.Setenv("COINFFEINE_SIGNATURE_TIMEOUT", "45s")
	t.Setenv("COINFFEINE_LOG_LEVEL", "debug")
	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.TestNet3Params, c.Network)
	assert.Equal(t, 45*time.Second, c.SignatureTimeout)
	assert.Equal(t, log.DebugLevel, c.LogLevel)
}

func TestLoad_invalid(t *testing.T) {
	testCases := []struct {
		key     string
		value   interface{}
		wantErr string
	}{
		{LogLevelKey, "loud", "LOG_LEVEL"},
		{NetworkKey, "liquid", `unknown network "liquid"`},
		{BrokerURLKey, "http://localhost:8700", "BROKER_URL must be a ws or wss url"},
		{ProcessorURLKey, "not a url", "PROCESSOR_URL"},
		{SignatureTimeoutKey, 0, "SIGNATURE_TIMEOUT must be positive"},
		{HandshakeTimeoutKey, -time.Second, "HANDSHAKE_TIMEOUT must be positive"},
		{ResendIntervalKey, -time.Second, "durations must not be negative"},
		{ProcessorRateLimitKey, -1, "rate limits must not be negative"},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			v := New()
			v.Set(tc.key, tc.value)
			_, err := Load(v)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNetwork(t *testing.T) {
	n, err := Network("MainNet")
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.MainNetParams, n)
	_, err = Network("")
	assert.Error(t, err)
}

func writeTerms(t *testing.T, net *chaincfg.Params, extra string) (string, *keypair.Full) {
	t.Helper()
	key := txbuildtest.RandomKey()
	counterpartKey := txbuildtest.RandomKey()
	peer := keypair.MustRandom()
	wif, err := btcutil.NewWIF(key, net, true)
	require.NoError(t, err)
	deposit, err := txbuild.Serialize(txbuildtest.DepositTx(key.PubKey(), counterpartKey.PubKey(), 20_000))
	require.NoError(t, err)

	terms := fmt.Sprintf(`exchange_id: e1
peer_seed: "%s"
counterpart: "%s"
private_key: "%s"
counterpart_public_key: "%s"
address: "%s"
counterpart_address: "%s"
amount: "0.001"
fiat_amount: "25.50"
fiat_currency: eur
fiat_account: ES0000000000000000000001
counterpart_fiat_account: ES0000000000000000000002
steps: 10
lock_time: 800000
deposit_tx: "%s"
%s`,
		peer.Seed(),
		keypair.MustRandom().Address(),
		wif.String(),
		hex.EncodeToString(counterpartKey.PubKey().SerializeCompressed()),
		txbuildtest.Address(key),
		txbuildtest.Address(counterpartKey),
		hex.EncodeToString(deposit),
		extra,
	)
	path := filepath.Join(t.TempDir(), "terms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(terms), 0o600))
	return path, peer
}

func TestLoadTerms(t *testing.T) {
	path, peer := writeTerms(t, txbuildtest.Net, `fee: "0.00000100"`)
	v, err := ReadTerms(path)
	require.NoError(t, err)
	terms, err := LoadTerms(v, txbuildtest.Net, state.RoleBuyer)
	require.NoError(t, err)

	assert.Equal(t, peer.Address(), terms.Peer.Address())
	assert.Equal(t, btcutil.Amount(100_000), terms.Exchange.Amount)
	assert.Equal(t, btcutil.Amount(100), terms.Exchange.Fee)
	assert.Equal(t, "25.5", terms.Exchange.FiatAmount.String())
	assert.Equal(t, uint32(800000), terms.Exchange.LockTime)
	assert.Equal(t, 10, terms.Exchange.Steps)
	require.Len(t, terms.DepositTx.TxOut, 1)

	p, err := state.NewParameters(terms.Exchange)
	require.NoError(t, err)
	assert.Equal(t, "e1", p.ExchangeID())
	assert.Equal(t, "EUR", p.FiatCurrency())
	assert.Equal(t, state.RoleBuyer, p.Role())
}

func TestLoadTerms_wrongNetwork(t *testing.T) {
	path, _ := writeTerms(t, &chaincfg.MainNetParams, "")
	v, err := ReadTerms(path)
	require.NoError(t, err)
	_, err = LoadTerms(v, txbuildtest.Net, state.RoleSeller)
	assert.ErrorContains(t, err, "terms: private_key: key is not for network regtest")
}

func TestLoadTerms_missingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"steps": 10}`), 0o600))
	v, err := ReadTerms(path)
	require.NoError(t, err)
	_, err = LoadTerms(v, txbuildtest.Net, state.RoleSeller)
	assert.EqualError(t, err, "terms: peer_seed: missing")
}

func TestParseBTC(t *testing.T) {
	testCases := []struct {
		in      string
		want    btcutil.Amount
		wantErr string
	}{
		{"1", 100_000_000, ""},
		{"0.00000001", 1, ""},
		{"21000000", 2_100_000_000_000_000, ""},
		{"0.000000001", 0, "not a whole number of satoshis"},
		{"-1", 0, "negative"},
		{"abc", 0, "can't convert"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseBTC(tc.in)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
