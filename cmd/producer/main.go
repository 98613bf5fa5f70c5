package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"message-relay/internal/broker"
	"message-relay/internal/config"
	"message-relay/internal/gateway"
	"message-relay/internal/observability"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "producer",
		Short:        "HTTP gateway that publishes messages to the broker queue",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().String("env-file", ".env", "optional env file loaded before reading the environment")
	rootCmd.Flags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.Flags().String("addr", "", "listen address (overrides GATEWAY_ADDR)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	logLevel, _ := cmd.Flags().GetString("log-level")
	addr, _ := cmd.Flags().GetString("addr")

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	if addr == "" {
		addr = cfg.Gateway.Addr
	}
	observability.InitLogger(logLevel)
	logger := observability.Component("producer")

	logger.WithFields(logrus.Fields{
		"driver": cfg.Broker.Driver,
		"broker": cfg.Broker.Address(),
		"queue":  cfg.Broker.Queue,
		"users":  len(cfg.Gateway.Users),
	}).Info("Starting API service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := broker.NewDialer(cfg.Broker, observability.Component("broker"))
	if err != nil {
		return err
	}
	metrics := observability.NewInMemoryMetrics()
	pub := gateway.NewPublisher(dialer, gateway.PublisherConfig{Queue: cfg.Broker.Queue, Metrics: metrics})
	srv := gateway.New(pub, gateway.Config{Users: cfg.Gateway.Users, Metrics: metrics})

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.WithError(err).Error("API service stopped")
		return err
	}
	logger.Info("API service stopped")
	return nil
}
