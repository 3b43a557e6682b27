// Command coinffeine runs the message broker and the buyer or seller side of
// an exchange.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meeh420/coinffeine/config"
	"github.com/meeh420/coinffeine/state"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "coinffeine",
		Short: "Peer-to-peer stepwise exchange of bitcoin for fiat",
		Long: `Coinffeine exchanges bitcoin for fiat between two peers in steps. Both
peers lock a deposit in a 2-of-2 multisig and, step by step, the buyer pays
a fraction of the fiat while both sign offers moving the same fraction of
bitcoin to the buyer. Messages are relayed by a broker.`,
		Example: `  # Run the broker relay
  coinffeine broker --listen :8700

  # Run both sides of an exchange
  coinffeine sell seller.yaml
  coinffeine buy buyer.yaml --processor-url https://processor.example/payments`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to load config file: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file")
	cmd.PersistentFlags().String("log-level", "", "logging level (debug, info, warn, error)")
	cmd.PersistentFlags().String("network", "", "bitcoin network (mainnet, testnet3, regtest, simnet)")
	for key, flag := range map[string]string{
		config.LogLevelKey: "log-level",
		config.NetworkKey:  "network",
	} {
		if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		newBrokerCommand(v),
		newExchangeCommand(v, state.RoleBuyer),
		newExchangeCommand(v, state.RoleSeller),
	)
	return cmd
}

// loadConfig loads the configuration and applies its log level.
func loadConfig(v *viper.Viper) (config.Config, error) {
	c, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	log.SetLevel(c.LogLevel)
	return c, nil
}


// bindFlags binds config keys to the local flags of cmd. Flags only override
// the configuration when set. Binding happens when cmd runs because commands
// share keys.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
