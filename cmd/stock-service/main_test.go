package main

import (
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
)

func TestStockEnv_UsesPrefixedAddresses(t *testing.T) {
	env := map[string]string{
		"HTTP_ADDR":         ":8080",
		"STOCK_HTTP_ADDR":   ":18081",
		"STOCK_LEDGER_MODE": "after-commit",
		"METRICS_ADDR":      ":9090",
	}
	getenv := stockEnv(func(key string) string { return env[key] })

	cfg, err := app.LoadConfig(app.DefaultStockConfig(), getenv)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":18081" {
		t.Fatalf("expected STOCK_HTTP_ADDR to win, got %s", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != app.DefaultStockConfig().MetricsAddr {
		t.Fatalf("order service METRICS_ADDR must not leak into stock config, got %s", cfg.MetricsAddr)
	}
	if cfg.LedgerMode != "after-commit" {
		t.Fatalf("shared variables must pass through, got %s", cfg.LedgerMode)
	}
}
