// Command outbox-reader polls outbox_events for rows written by other
// services' transactional writes and publishes
// each one onto its cdc.<aggregate_type> topic.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	_ "github.com/lib/pq"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/checkpoint"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/migrations"
	"github.com/lumina-learning/pulse-core/outbox"
)

func main() {
	logger := logging.NewFromEnv("outbox-reader")

	cfg, err := outbox.LoadServiceConfigFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("load configuration")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		logger.WithError(err).Fatal("apply migrations")
	}

	kafka, err := broker.NewKafkaClient(broker.KafkaConfig{
		Brokers: cfg.BrokerAddrs,
		Version: sarama.V2_8_0_0,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("connect to broker")
	}
	defer kafka.Close()

	m := metrics.New("outbox-reader")
	cp := checkpoint.NewStore(db)

	reader := outbox.NewReader(outbox.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}, db, cp, kafka, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reader.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start outbox reader")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Logger.Info("shutting down")
	reader.Stop()
	cancel()
}
