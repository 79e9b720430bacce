package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
)

const defaultShutdownTimeout = 5 * time.Second

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.Live)
	mux.HandleFunc("/readyz", healthHandler.Ready)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	shutdownHTTPWithin(srv, defaultShutdownTimeout, logger)
}

func shutdownHTTPWithin(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// grpcHealth держит gRPC-сервер только со стандартным health-сервисом (для проверок живости k8s).
type grpcHealth struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// startGRPCHealth слушает addr; пустой адрес отключает сервер.
func startGRPCHealth(addr, service string, logger *log.Entry) (*grpcHealth, error) {
	if addr == "" {
		return nil, nil
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Infof("gRPC health слушает %s", lis.Addr())
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Warn("grpc health server failed")
		}
	}()

	return &grpcHealth{server: server, health: healthServer, lis: lis}, nil
}

// notServing переводит gRPC health в NOT_SERVING перед остановкой.
func (g *grpcHealth) notServing() {
	if g == nil {
		return
	}
	g.health.Shutdown()
}

func (g *grpcHealth) stop(logger *log.Entry) {
	if g == nil {
		return
	}
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(defaultShutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		g.server.Stop()
	}
}

// serveAPI поднимает публичный HTTP API. Ошибка Listen возвращается сразу,
// а srv.Addr содержит фактический адрес (важно для ":0").
func serveAPI(addr string, handler http.Handler, logger *log.Entry) (*http.Server, <-chan error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	srv := &http.Server{Addr: lis.Addr().String(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return srv, errCh, nil
}

// background запускает долгоживущие циклы и ждёт их остановки.
type background struct {
	cancel context.CancelFunc
	ctx    context.Context
	done   []chan struct{}
}

func newBackground(parent context.Context) *background {
	ctx, cancel := context.WithCancel(parent)
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(run func(ctx context.Context)) {
	done := make(chan struct{})
	b.done = append(b.done, done)
	go func() {
		defer close(done)
		run(b.ctx)
	}()
}

// stop отменяет контекст циклов и ждёт их не дольше timeout.
func (b *background) stop(timeout time.Duration, logger *log.Entry) {
	b.cancel()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	deadline := time.After(timeout)
	for _, done := range b.done {
		select {
		case <-done:
		case <-deadline:
			logger.Warn("background workers did not stop in time")
			return
		}
	}
}
