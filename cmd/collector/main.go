// Command collector runs the HTTP ingestion surface that accepts learner
// events and forwards them to the broker, spooling to disk on outage.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/collector"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/infrastructure/middleware"
	"github.com/lumina-learning/pulse-core/spool"
)

func spoolFor(dir string, maxAge time.Duration) (*spool.Spool, error) {
	return spool.New(spool.Config{Dir: dir, MaxAge: maxAge}, logging.NewFromEnv("collector"))
}

func spoolSweeper(sp *spool.Spool, publisher spool.Publisher, logger *logging.Logger) *spool.Sweeper {
	return spool.NewSweeper(sp, publisher, "events.ingest", 5*time.Second, logger)
}

func main() {
	logger := logging.NewFromEnv("collector")

	cfg, err := collector.LoadServiceConfigFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("load configuration")
	}

	kafka, err := broker.NewKafkaClient(broker.KafkaConfig{
		Brokers: cfg.BrokerAddrs,
		Version: sarama.V2_8_0_0,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("connect to broker")
	}
	defer kafka.Close()

	sp, err := spoolFor(cfg.SpoolDir, cfg.SpoolMaxAge)
	if err != nil {
		logger.WithError(err).Fatal("initialize disk spool")
	}

	m := metrics.New("collector")

	c := collector.New(collector.Config{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, kafka, sp, logger, m)

	ready := true
	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return kafka.HealthCheck(ctx)
	})

	router := collector.NewRouter(collector.RouterConfig{
		Collector:     c,
		Logger:        logger,
		Metrics:       m,
		HealthChecker: health,
		ReadyFlag:     &ready,
		RateLimit: collector.Config{
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			RateLimitBurst:     cfg.RateLimitBurst,
		},
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper := spoolSweeper(sp, kafka, logger)
	go sweeper.Run(sweepCtx)
	shutdown.OnShutdown(cancelSweep)

	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("collector listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("serve http")
	}

	shutdown.Wait()
}
