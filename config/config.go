// Package config loads the runtime configuration of the coinffeine commands
// and the terms of an exchange.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// LogLevelKey is a logrus level name, e.g. debug or info.
	LogLevelKey = "LOG_LEVEL"
	// NetworkKey is the bitcoin network: mainnet, testnet3, regtest or simnet.
	NetworkKey = "NETWORK"
	// BrokerURLKey is the websocket url of the broker peers connect to.
	BrokerURLKey = "BROKER_URL"
	// BrokerListenKey is the address the broker command listens on.
	BrokerListenKey = "BROKER_LISTEN"
	// BrokerRateLimitKey is the number of envelopes per second the broker
	// accepts from each peer. Zero disables the limit.
	BrokerRateLimitKey = "BROKER_RATE_LIMIT"
	// HelloMaxAgeKey bounds the age of the hello a peer connects with.
	HelloMaxAgeKey = "HELLO_MAX_AGE"
	// SignatureTimeoutKey is how long an agent waits for the counterpart's
	// signatures for a step.
	SignatureTimeoutKey = "SIGNATURE_TIMEOUT"
	// HandshakeTimeoutKey bounds the whole handshake.
	HandshakeTimeoutKey = "HANDSHAKE_TIMEOUT"
	// ResendIntervalKey is how often unanswered messages are sent again.
	ResendIntervalKey = "RESEND_INTERVAL"
	// ProcessorURLKey is the endpoint of the fiat payment processor.
	ProcessorURLKey = "PROCESSOR_URL"
	// ProcessorRateLimitKey is the number of payment requests per second.
	ProcessorRateLimitKey = "PROCESSOR_RATE_LIMIT"
	// PaymentTimeoutKey bounds each payment request.
	PaymentTimeoutKey = "PAYMENT_TIMEOUT"
	// HTTPListenKey is the address the exchange snapshot endpoint listens
	// on. Empty disables it.
	HTTPListenKey = "HTTP_LISTEN"
)

// New returns a viper instance reading COINFFEINE_ prefixed environment
// variables, with every default set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("COINFFEINE")
	v.AutomaticEnv()

	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(NetworkKey, chaincfg.RegressionNetParams.Name)
	v.SetDefault(BrokerURLKey, "ws://localhost:8700/ws")
	v.SetDefault(BrokerListenKey, ":8700")
	v.SetDefault(BrokerRateLimitKey, 100)
	v.SetDefault(HelloMaxAgeKey, time.Minute)
	v.SetDefault(SignatureTimeoutKey, 30*time.Second)
	v.SetDefault(HandshakeTimeoutKey, 2*time.Minute)
	v.SetDefault(ResendIntervalKey, 5*time.Second)
	v.SetDefault(ProcessorURLKey, "http://localhost:8800/payments")
	v.SetDefault(ProcessorRateLimitKey, 10)
	v.SetDefault(PaymentTimeoutKey, 20*time.Second)
	v.SetDefault(HTTPListenKey, "")
	return v
}

type Config struct {
	LogLevel log.Level
	Network  *chaincfg.Params

	BrokerURL       string
	BrokerListen    string
	BrokerRateLimit int
	HelloMaxAge     time.Duration

	SignatureTimeout time.Duration
	HandshakeTimeout time.Duration
	ResendInterval   time.Duration

	ProcessorURL       string
	ProcessorRateLimit int
	PaymentTimeout     time.Duration

	HTTPListen string
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	level, err := log.ParseLevel(v.GetString(LogLevelKey))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", LogLevelKey, err)
	}
	net, err := Network(v.GetString(NetworkKey))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", NetworkKey, err)
	}
	c := Config{
		LogLevel:           level,
		Network:            net,
		BrokerURL:          v.GetString(BrokerURLKey),
		BrokerListen:       v.GetString(BrokerListenKey),
		BrokerRateLimit:    v.GetInt(BrokerRateLimitKey),
		HelloMaxAge:        v.GetDuration(HelloMaxAgeKey),
		SignatureTimeout:   v.GetDuration(SignatureTimeoutKey),
		HandshakeTimeout:   v.GetDuration(HandshakeTimeoutKey),
		ResendInterval:     v.GetDuration(ResendIntervalKey),
		ProcessorURL:       v.GetString(ProcessorURLKey),
		ProcessorRateLimit: v.GetInt(ProcessorRateLimitKey),
		PaymentTimeout:     v.GetDuration(PaymentTimeoutKey),
		HTTPListen:         v.GetString(HTTPListenKey),
	}
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("%s: %w", BrokerURLKey, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must be a ws or wss url, got %q", BrokerURLKey, c.BrokerURL)
	}
	if _, err := url.ParseRequestURI(c.ProcessorURL); err != nil {
		return fmt.Errorf("%s: %w", ProcessorURLKey, err)
	}
	if c.SignatureTimeout <= 0 {
		return fmt.Errorf("%s must be positive", SignatureTimeoutKey)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%s must be positive", HandshakeTimeoutKey)
	}
	if c.ResendInterval < 0 || c.PaymentTimeout < 0 || c.HelloMaxAge < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.BrokerRateLimit < 0 || c.ProcessorRateLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

var networks = []*chaincfg.Params{
	&chaincfg.MainNetParams,
	&chaincfg.TestNet3Params,
	&chaincfg.RegressionNetParams,
	&chaincfg.SimNetParams,
}

// Network returns the bitcoin network named name.
func Network(name string) (*chaincfg.Params, error) {
	for _, n := range networks {
		if strings.EqualFold(n.Name, name) {
			return n, nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
