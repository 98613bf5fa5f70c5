package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"message-relay/internal/broker"
	"message-relay/internal/config"
	"message-relay/internal/health"
	"message-relay/internal/observability"
	"message-relay/internal/store"
	"message-relay/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "consumer",
		Short:        "Consume messages from the broker queue and persist them",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().String("env-file", ".env", "optional env file loaded before reading the environment")
	rootCmd.Flags().String("log-level", "", "log level (overrides LOG_LEVEL)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	observability.InitLogger(logLevel)
	logger := observability.Component("consumer")

	logger.WithFields(logrus.Fields{
		"worker_id":   cfg.Worker.ID,
		"driver":      cfg.Broker.Driver,
		"broker":      cfg.Broker.Address(),
		"queue":       cfg.Broker.Queue,
		"persistence": cfg.Store.Path,
		"env_file":    cfg.EnvFound,
	}).Info("Starting consumer worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewInMemoryMetrics()

	st := store.New(afero.NewOsFs(), store.Config{
		Path:        cfg.Store.Path,
		MaxMessages: cfg.Store.MaxMessages,
		WorkerID:    cfg.Worker.ID,
	})
	if err := st.Initialize(); err != nil {
		logger.WithError(err).Warn("Failed to initialize persistence file")
	}

	dialer, err := broker.NewDialer(cfg.Broker, observability.Component("broker"))
	if err != nil {
		return err
	}
	manager := broker.NewManager(dialer, broker.ManagerConfig{
		MaxAttempts: cfg.Broker.MaxAttempts,
		RetryDelay:  cfg.Broker.RetryDelay,
		Metrics:     metrics,
	})

	w := worker.New(manager, worker.NewProcessor(st, cfg.Worker.ID), worker.Config{
		Queue:           cfg.Broker.Queue,
		WorkerID:        cfg.Worker.ID,
		ReconnectDelay:  cfg.Worker.ReconnectDelay,
		MaxRedeliveries: cfg.Worker.MaxRedeliveries,
		Metrics:         metrics,
	})

	hs := health.New(health.Config{Stats: st, Worker: w, Metrics: metrics})
	go func() {
		if err := hs.ListenAndServe(ctx, cfg.Health.Addr); err != nil {
			logger.WithError(err).Error("Health server stopped")
		}
	}()

	if err := w.Run(ctx); err != nil {
		logger.WithError(err).Error("Consumer worker exiting")
		return err
	}
	logger.Info("Consumer worker stopped")
	return nil
}
