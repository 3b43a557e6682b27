package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/meeh420/coinffeine/broker"
	"github.com/meeh420/coinffeine/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

func newBrokerCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Relay messages between peers",
		Long: `Runs the broker relay. Peers connect over websockets at /ws and
prove their peer id with a signed hello. Metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd, map[string]string{
				config.BrokerListenKey:    "listen",
				config.BrokerRateLimitKey: "rate-limit",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runBroker(cmd.Context(), c)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on")
	cmd.Flags().Int("rate-limit", 0, "envelopes per second accepted from each peer")
	return cmd
}

func runBroker(ctx context.Context, c config.Config) error {
	logger := log.WithField("component", "broker")
	hub := broker.NewHub(broker.HubConfig{
		Logger:  logger,
		Metrics: broker.NewMetrics(prometheus.DefaultRegisterer),
	})
	mux := http.NewServeMux()
	mux.Handle("/ws", broker.NewServer(broker.ServerConfig{
		Hub:         hub,
		HelloMaxAge: c.HelloMaxAge,
		RateLimit:   c.BrokerRateLimit,
		Logger:      logger,
	}))
	mux.Handle("/metrics", promhttp.Handler())
	return serve(ctx, &http.Server{Addr: c.BrokerListen, Handler: mux}, logger)
}

// serve runs s until ctx is done.
func serve(ctx context.Context, s *http.Server, logger *log.Entry) error {
	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", s.Addr).Info("listening")
		errc <- s.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
