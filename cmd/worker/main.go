// Worker consumes telemetry batches from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, TELEMETRY_KAFKA_TOPIC and LOKI_URL; -group overrides the consumer group.
package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/config"
	"intelligence-substrate/core/internal/platform/lifecycle"
	"intelligence-substrate/core/internal/telemetry/loki"
	"intelligence-substrate/core/internal/telemetry/producer"
)

func main() {
	groupID := flag.String("group", "substrate-telemetry-worker", "Kafka consumer group")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		logger.Fatal("worker: KAFKA_BROKERS is required")
	}
	sink := loki.NewClient(cfg.LokiURL, cfg.OTelServiceName, logger)
	if sink == nil {
		logger.Fatal("worker: LOKI_URL is required")
	}

	relay := producer.NewRelay(brokers, cfg.TelemetryKafkaTopic, *groupID, sink, logger)
	defer relay.Close()

	ctx := lifecycle.New(true).WatchSignals(context.Background())
	logger.Info("worker: consuming",
		zap.String("topic", cfg.TelemetryKafkaTopic), zap.String("group", *groupID), zap.String("loki", cfg.LokiURL))
	if err := relay.Run(ctx); err != nil {
		logger.Error("worker: stopped", zap.Error(err))
		return
	}
	logger.Info("worker: stopped")
}
