package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
)

type options struct {
	direction string
	steps     int
	dsn       string
	sets      []postgres.MigrationSet
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts options
		set  string
	)

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: FULFILLMENT_POSTGRES_DSN)")
	fs.StringVar(&set, "set", "all", "migration set: orders|stock|all")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}

	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(getenv("FULFILLMENT_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, errors.New("FULFILLMENT_POSTGRES_DSN (or -dsn) is required")
	}

	if strings.EqualFold(strings.TrimSpace(set), "all") {
		opts.sets = []postgres.MigrationSet{postgres.MigrationSetOrders, postgres.MigrationSetStock}
	} else {
		parsed, err := postgres.ParseMigrationSet(set)
		if err != nil {
			return options{}, err
		}
		opts.sets = []postgres.MigrationSet{parsed}
	}

	if opts.direction == "down" && opts.steps <= 0 {
		opts.steps = 1
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn, postgres.WithMaxConns(2))
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	for _, set := range opts.sets {
		switch opts.direction {
		case "up":
			if err := store.MigrateUp(ctx, set, opts.steps); err != nil {
				return fmt.Errorf("migrate up %s failed: %w", set, err)
			}
		case "down":
			if err := store.MigrateDown(ctx, set, opts.steps); err != nil {
				return fmt.Errorf("migrate down %s failed: %w", set, err)
			}
		}

		version, count, err := store.MigrationStatus(ctx, set)
		if err != nil {
			return fmt.Errorf("migration status %s failed: %w", set, err)
		}
		_, _ = fmt.Fprintf(out, "%s %s ok: version=%d applied=%d\n", set, opts.direction, version, count)
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
