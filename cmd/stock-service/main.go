package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
)

func setupLogger(getenv func(string) string) {
	if strings.EqualFold(getenv("LOG_FORMAT"), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(strings.TrimSpace(getenv("LOG_LEVEL")))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// stockEnv даёт складскому сервису собственные адреса через STOCK_*,
// остальные переменные общие с сервисом заказов.
func stockEnv(getenv func(string) string) func(string) string {
	return func(key string) string {
		switch key {
		case "HTTP_ADDR", "METRICS_ADDR", "GRPC_HEALTH_ADDR":
			if v := getenv("STOCK_" + key); v != "" {
				return v
			}
			return ""
		}
		return getenv(key)
	}
}

func main() {
	_ = godotenv.Load()
	setupLogger(os.Getenv)

	cfg, err := app.LoadConfig(app.DefaultStockConfig(), stockEnv(os.Getenv))
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"ledger_mode":  cfg.LedgerMode,
		"kafka":        cfg.KafkaBrokers != "",
	}).Info("запускаем StockService")

	if err := app.RunStockService(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("StockService остановлен")
}
