package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/worker"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const orderServiceName = "fulfillment.OrderService"

// RunOrderService запускает сервис заказов и блокируется до отмены ctx.
// Возвращает ctx.Err() после штатной остановки.
func RunOrderService(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "order-service")
	logger.WithFields(version.Current().Fields()).Info("запуск")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger, postgres.MigrationSetOrders)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	producer, closeProducer, err := openProducer(cfg, logger)
	if err != nil {
		if cfg.EventTransport == EventTransportKafka {
			return fmt.Errorf("init kafka producer: %w", err)
		}
		logger.WithError(err).Warn("kafka unavailable, reconciler runs without DLQ")
	}
	defer closeProducer()

	transport, err := newEventTransport(cfg, producer)
	if err != nil {
		return err
	}

	pipelineMetrics := metrics.NewPipelineMetrics()
	publisher := events.NewPublisher(transport, deps.undelivered, logger.WithField("layer", "events"), pipelineMetrics)
	dispatcher := events.NewDispatcher(logger.WithField("layer", "dispatcher"))

	payments := payment.NewGuardedGateway(
		payment.NewMockGateway(cfg.PaymentLatency),
		cfg.BreakerOptions(),
		logger.WithField("layer", "payment"),
		pipelineMetrics,
	)

	manager := order.NewManager(deps.orders, payments,
		order.WithLogger(logger.WithField("layer", "manager")),
		order.WithMetrics(pipelineMetrics),
		order.WithEvents(publisher, dispatcher),
		order.WithQueue(deps.queue),
	)

	workers := newBackground(ctx)
	if cfg.WorkerEnabled {
		options := []worker.Option{
			worker.WithLogger(logger.WithField("layer", "worker")),
			worker.WithMetrics(pipelineMetrics),
			worker.WithWait(cfg.WorkerWait),
			worker.WithBatchSize(cfg.WorkerBatchSize),
		}
		if cfg.AsyncPublishEvents {
			options = append(options, worker.WithPublisher(publisher))
		}
		workers.Go(worker.NewOrderWorker(deps.queue, deps.orders, options...).Run)
	}
	if cfg.ReconcileEnabled {
		options := []outbox.Option{
			outbox.WithLogger(logger.WithField("layer", "reconciler")),
			outbox.WithMetrics(pipelineMetrics),
			outbox.WithPollInterval(cfg.ReconcileInterval),
			outbox.WithBatchSize(cfg.ReconcileBatchSize),
			outbox.WithMaxCycles(cfg.ReconcileMaxCycles),
		}
		if producer != nil {
			options = append(options, outbox.WithDLQ(producer, outbox.DefaultDLQTopic))
		}
		workers.Go(outbox.NewReconciler(deps.undelivered, transport, options...).Run)
	}

	checkers := deps.checkers
	checkers["payment-breaker"] = healthcheck.BreakerState(payments.State)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthcheck.NewHandler(version.GetVersion(), checkers))

	grpcHealthServer, err := startGRPCHealth(cfg.GRPCHealthAddr, orderServiceName, logger)
	if err != nil {
		workers.stop(cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	router := httpapi.NewRouter(logger, cfg.RequestTimeout, httpapi.NewOrderHandler(manager, logger.WithField("layer", "http")))
	apiSrv, apiErr, err := serveAPI(cfg.HTTPAddr, router, logger)
	if err != nil {
		grpcHealthServer.stop(logger)
		workers.stop(cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис заказов")
		runErr = ctx.Err()
	case err := <-apiErr:
		runErr = err
	}

	grpcHealthServer.notServing()
	shutdownHTTPWithin(apiSrv, cfg.ShutdownTimeout, logger)
	workers.stop(cfg.ShutdownTimeout, logger)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.WithError(err).Warn("pending event publications were not drained")
	}
	cancel()

	grpcHealthServer.stop(logger)
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

func shutdownBudget(cfg Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return defaultShutdownTimeout
}
