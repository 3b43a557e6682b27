package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/meeh420/coinffeine/agent"
	"github.com/meeh420/coinffeine/agent/agenthttp"
	"github.com/meeh420/coinffeine/broker"
	"github.com/meeh420/coinffeine/config"
	"github.com/meeh420/coinffeine/payment"
	"github.com/meeh420/coinffeine/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newExchangeCommand(v *viper.Viper, role state.Role) *cobra.Command {
	use, short := "buy", "Buy bitcoin, paying fiat step by step"
	if role == state.RoleSeller {
		use, short = "sell", "Sell bitcoin, receiving fiat step by step"
	}
	cmd := &cobra.Command{
		Use:   use + " TERMS_FILE",
		Short: short,
		Long: `Runs one side of the exchange described by TERMS_FILE (yaml, json or
toml). The signed refund is printed once the handshake completes and the
last offer signed by both peers is printed when the exchange ends. Either
can be broadcast to recover funds.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			keys := map[string]string{
				config.BrokerURLKey:        "broker-url",
				config.SignatureTimeoutKey: "signature-timeout",
				config.HandshakeTimeoutKey: "handshake-timeout",
				config.HTTPListenKey:       "http",
			}
			if role == state.RoleBuyer {
				keys[config.ProcessorURLKey] = "processor-url"
			}
			return bindFlags(v, cmd, keys)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(v)
			if err != nil {
				return err
			}
			terms, err := config.ReadTerms(args[0])
			if err != nil {
				return err
			}
			t, err := config.LoadTerms(terms, c.Network, role)
			if err != nil {
				return err
			}
			return runExchange(cmd.Context(), c, t)
		},
	}
	cmd.Flags().String("broker-url", "", "websocket url of the broker")
	cmd.Flags().Duration("signature-timeout", 0, "time to wait for the counterpart's signatures for each step")
	cmd.Flags().Duration("handshake-timeout", 0, "time to wait for the handshake to complete")
	cmd.Flags().String("http", "", "address to serve the exchange state and metrics on")
	if role == state.RoleBuyer {
		cmd.Flags().String("processor-url", "", "endpoint of the fiat payment processor")
	}
	return cmd
}

func runExchange(ctx context.Context, c config.Config, t config.Terms) error {
	p, err := state.NewParameters(t.Exchange)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{
		"exchange": p.ExchangeID(),
		"role":     p.Role().String(),
	})

	gateway, err := broker.Dial(ctx, broker.ClientConfig{
		GatewayConfig: broker.GatewayConfig{Key: t.Peer, Logger: logger},
		URL:           c.BrokerURL,
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	var processor state.PaymentProcessor
	if p.Role() == state.RoleBuyer {
		processor = payment.NewClient(payment.Config{
			URL:       c.ProcessorURL,
			RateLimit: c.ProcessorRateLimit,
			Logger:    logger,
		})
	}

	hs, err := agent.RunHandshake(ctx, agent.HandshakeConfig{
		Parameters:     p,
		DepositTx:      t.DepositTx,
		Gateway:        gateway,
		Processor:      processor,
		Timeout:        c.HandshakeTimeout,
		ResendInterval: c.ResendInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	refund, err := hs.Handshake.SignedRefund()
	if err != nil {
		return err
	}
	if err := printTx("signed refund", refund); err != nil {
		return err
	}

	events := make(chan agent.Event)
	go printEvents(events)
	a, err := agent.NewAgent(agent.Config{
		Channel:          hs.Channel,
		Gateway:          gateway,
		SignatureTimeout: c.SignatureTimeout,
		ResendInterval:   c.ResendInterval,
		PaymentTimeout:   c.PaymentTimeout,
		Metrics:          agent.NewMetrics(prometheus.DefaultRegisterer),
		Logger:           logger,
		Events:           events,
	})
	if err != nil {
		return err
	}

	if c.HTTPListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/exchanges/", agenthttp.New(agenthttp.Agents{a}))
		mux.Handle("/metrics", promhttp.Handler())
		httpCtx, stopHTTP := context.WithCancel(context.Background())
		defer stopHTTP()
		go func() {
			err := serve(httpCtx, &http.Server{Addr: c.HTTPListen, Handler: mux}, logger)
			if err != nil {
				logger.WithError(err).Error("serving exchange state")
			}
		}()
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	r := a.Wait()
	if r.Offer != nil {
		if err := printTx(fmt.Sprintf("offer for step %d", r.OfferStep), r.Offer); err != nil {
			return err
		}
	}
	if !r.Success {
		return fmt.Errorf("%v", r)
	}
	fmt.Fprintln(os.Stdout, r)
	return nil
}
