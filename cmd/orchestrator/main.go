// Command orchestrator consumes learner events, evaluates the adaptive
// rules engine against per-learner state, and dispatches the resulting
// actions to downstream services.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/lib/pq"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/dispatch"
	"github.com/lumina-learning/pulse-core/infrastructure/config"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/learner"
	"github.com/lumina-learning/pulse-core/migrations"
	"github.com/lumina-learning/pulse-core/orchestrator"
	"github.com/lumina-learning/pulse-core/pkg/pgnotify"
	"github.com/lumina-learning/pulse-core/rules"
)

func main() {
	logger := logging.NewFromEnv("orchestrator")

	cfg, err := orchestrator.LoadServiceConfigFromEnv()
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

	m := metrics.New("orchestrator")
	targets := config.LoadTargetsConfigOrDefault()

	store := learner.NewStore(learner.DefaultConfig(), learner.NewPostgresPersister(db), m)
	engine := rules.New(rules.DefaultConfig(), rules.SystemClock{})
	orch := orchestrator.New(db, store, engine, logger, m)

	dispatcher := dispatch.New(dispatch.DefaultConfig(), targets, kafka, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)

	poller := orchestrator.NewPoller(orchestrator.PollerConfig{
		PollInterval: cfg.ActionPollInterval,
		BatchSize:    cfg.ActionBatchSize,
	}, db, dispatcher, logger)
	if err := poller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start actions outbox poller")
	}

	if notifyBus, notifyErr := pgnotify.New(cfg.DatabaseURL); notifyErr != nil {
		logger.WithError(notifyErr).Warn("orchestrator: pgnotify unavailable, falling back to poll-only")
	} else {
		defer notifyBus.Close()
		orch.SetNotifier(notifyBus)
		if err := poller.SubscribeNotifier(ctx, notifyBus); err != nil {
			logger.WithError(err).Warn("orchestrator: subscribe to actions-ready notifications failed")
		}
	}

	go func() {
		if err := kafka.Subscribe(ctx, cfg.Topics, cfg.ConsumerGroup, orch.HandleMessage); err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("subscribe to event topics")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Logger.Info("shutting down")
	poller.Stop()
	time.Sleep(100 * time.Millisecond)
	cancel()
}
