// Command indexer consumes change-data-capture topics and writes
// access-filtered, search-ready documents into the search engine.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/elastic/go-elasticsearch/v8"
	_ "github.com/lib/pq"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/checkpoint"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/migrations"
	"github.com/lumina-learning/pulse-core/search"
)

func main() {
	logger := logging.NewFromEnv("indexer")

	cfg, err := search.LoadServiceConfigFromEnv()
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

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.ElasticsearchAddrs})
	if err != nil {
		logger.WithError(err).Fatal("construct elasticsearch client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := search.EnsureIndices(ctx, es, search.DocumentIndices); err != nil {
		logger.WithError(err).Fatal("ensure search indices")
	}

	kafka, err := broker.NewKafkaClient(broker.KafkaConfig{
		Brokers: cfg.BrokerAddrs,
		Version: sarama.V2_8_0_0,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("connect to broker")
	}
	defer kafka.Close()

	m := metrics.New("indexer")
	cp := checkpoint.NewStore(db)

	ix := search.NewIndexer(search.Config{
		FlushSize:     cfg.FlushSize,
		FlushInterval: cfg.FlushInterval,
		NumWorkers:    cfg.NumWorkers,
		AudienceRoles: cfg.AudienceRoles,
	}, search.DefaultPolicy(), es, cp, kafka, logger, m)

	go ix.Run(ctx)

	go func() {
		if err := kafka.Subscribe(ctx, cfg.Topics, cfg.ConsumerGroup, ix.HandleMessage); err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("subscribe to cdc topics")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = ix.Flush(shutdownCtx)
	cancel()
}
