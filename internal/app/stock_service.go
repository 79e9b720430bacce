package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const stockServiceName = "fulfillment.StockService"

// RunStockService запускает складской сервис: POST /events, API резервов
// и, если заданы KAFKA_BROKERS, группу потребителей топика событий заказов.
func RunStockService(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "stock-service")
	logger.WithFields(version.Current().Fields()).Info("запуск")

	mode, err := stock.ParseLedgerMode(cfg.LedgerMode)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger, postgres.MigrationSetStock)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	pipelineMetrics := metrics.NewPipelineMetrics()
	consumer := stock.NewConsumer(deps.stock, deps.processed, mode, logger.WithField("layer", "consumer"), pipelineMetrics)
	ledger := stock.NewLedger(deps.stock, logger.WithField("layer", "ledger"), pipelineMetrics)

	producer, closeProducer, err := openProducer(cfg, logger)
	if err != nil {
		return fmt.Errorf("init kafka dlq producer: %w", err)
	}
	defer closeProducer()

	var busConsumer *kafka.Consumer
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		consumerCfg := kafka.DefaultConsumerConfig(brokers, cfg.KafkaConsumerGroup)
		consumerCfg.DLQ = producer
		busConsumer, err = kafka.NewConsumer(consumerCfg, kafka.DomainEventHandler(consumer.HandleEvent))
		if err != nil {
			return fmt.Errorf("init kafka consumer: %w", err)
		}
		if err := busConsumer.Start(ctx); err != nil {
			return err
		}
	}

	workers := newBackground(ctx)
	retention := idempotency.NewRetentionWorker(deps.processed, cfg.LedgerRetention,
		idempotency.WithInterval(cfg.RetentionInterval),
		idempotency.WithBatchSize(cfg.RetentionBatchSize),
		idempotency.WithLogger(logger.WithField("layer", "retention")),
		idempotency.WithMetrics(pipelineMetrics),
	)
	workers.Go(retention.Run)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthcheck.NewHandler(version.GetVersion(), deps.checkers))

	grpcHealthServer, err := startGRPCHealth(cfg.GRPCHealthAddr, stockServiceName, logger)
	if err != nil {
		stopBusConsumer(busConsumer, logger)
		workers.stop(cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	router := httpapi.NewRouter(logger, cfg.RequestTimeout, httpapi.NewStockHandler(consumer, ledger, logger.WithField("layer", "http")))
	apiSrv, apiErr, err := serveAPI(cfg.HTTPAddr, router, logger)
	if err != nil {
		grpcHealthServer.stop(logger)
		stopBusConsumer(busConsumer, logger)
		workers.stop(cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем складской сервис")
		runErr = ctx.Err()
	case err := <-apiErr:
		runErr = err
	}

	grpcHealthServer.notServing()
	shutdownHTTPWithin(apiSrv, cfg.ShutdownTimeout, logger)
	stopBusConsumer(busConsumer, logger)
	workers.stop(cfg.ShutdownTimeout, logger)
	grpcHealthServer.stop(logger)
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

func stopBusConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
