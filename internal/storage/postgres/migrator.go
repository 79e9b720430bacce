package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

// MigrationSet объединяет миграции одного сервиса. Наборы независимы и могут жить в одной базе.
type MigrationSet string

const (
	// MigrationSetOrders создаёт заказы, позиции и журнал недоставленных событий.
	MigrationSetOrders MigrationSet = "orders"
	// MigrationSetStock создаёт складской учёт и журнал идемпотентности.
	MigrationSetStock MigrationSet = "stock"
)

//go:embed sql/migrations/orders/*.sql sql/migrations/stock/*.sql
var migrationsFS embed.FS

// setLayout описывает, где лежат файлы набора и как он учитывается в базе.
type setLayout struct {
	dir     string
	table   string
	lockKey int64
}

var migrationSets = map[MigrationSet]setLayout{
	MigrationSetOrders: {dir: "sql/migrations/orders", table: "schema_migrations_orders", lockKey: 10824701},
	MigrationSetStock:  {dir: "sql/migrations/stock", table: "schema_migrations_stock", lockKey: 10824702},
}

// ParseMigrationSet проверяет имя набора миграций.
func ParseMigrationSet(name string) (MigrationSet, error) {
	set := MigrationSet(strings.TrimSpace(name))
	if _, ok := migrationSets[set]; !ok {
		return "", fmt.Errorf("unknown migration set %q (want orders or stock)", name)
	}
	return set, nil
}

func layoutOf(set MigrationSet) (setLayout, error) {
	layout, ok := migrationSets[set]
	if !ok {
		return setLayout{}, fmt.Errorf("unknown migration set %q", set)
	}
	return layout, nil
}

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

// parseMigrationFile разбирает имя вида 0002_processed_events.up.sql.
func parseMigrationFile(file string) (version int64, name string, up bool, err error) {
	stem, up := strings.CutSuffix(file, ".up.sql")
	if !up {
		var down bool
		if stem, down = strings.CutSuffix(file, ".down.sql"); !down {
			return 0, "", false, fmt.Errorf("migration %s: want .up.sql or .down.sql suffix", file)
		}
	}

	digits, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("migration %s: want <version>_<name>", file)
	}
	version, err = strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("migration %s: bad version %q", file, digits)
	}
	return version, name, up, nil
}

// readMigrations собирает пары up/down из каталога и сортирует их по версии.
func readMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", dir, err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, err := parseMigrationFile(entry.Name())
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		m, seen := byVersion[version]
		switch {
		case !seen:
			m = &migration{version: version, name: name}
			byVersion[version] = m
		case m.name != name:
			return nil, fmt.Errorf("version %d is used by both %s and %s", version, m.name, name)
		}

		target := &m.down
		if up {
			target = &m.up
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return migrations, nil
}

// MigrateUp применяет up-миграции набора set.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, set MigrationSet, steps int) error {
	return s.withMigrations(ctx, set, func(tracker *migrationTracker, available []migration, applied []int64) error {
		done := 0
		for _, m := range available {
			if slices.Contains(applied, m.version) {
				continue
			}
			if steps > 0 && done == steps {
				break
			}
			if err := tracker.apply(ctx, m, true); err != nil {
				return err
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает последние steps миграций, по умолчанию одну.
func (s *Store) MigrateDown(ctx context.Context, set MigrationSet, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrations(ctx, set, func(tracker *migrationTracker, available []migration, applied []int64) error {
		for i := len(applied) - 1; i >= 0 && len(applied)-i <= steps; i-- {
			idx := slices.IndexFunc(available, func(m migration) bool { return m.version == applied[i] })
			if idx < 0 {
				return fmt.Errorf("cannot roll back version %d: no such migration in %s", applied[i], set)
			}
			if err := tracker.apply(ctx, available[idx], false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию и количество применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context, set MigrationSet) (int64, int, error) {
	layout, err := layoutOf(set)
	if err != nil {
		return 0, 0, err
	}
	if s == nil || s.db == nil {
		return 0, 0, errStoreClosed
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, trackingTableDDL(layout.table)); err != nil {
		return 0, 0, fmt.Errorf("ensure %s: %w", layout.table, err)
	}

	var (
		version int64
		count   int
	)
	err = s.db.QueryRowContext(queryCtx, `SELECT COALESCE(MAX(version), 0), COUNT(*) FROM `+layout.table).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", layout.table, err)
	}
	return version, count, nil
}

func trackingTableDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
}

// withMigrations держит advisory lock набора на одном соединении, пока работает fn.
func (s *Store) withMigrations(
	ctx context.Context,
	set MigrationSet,
	fn func(tracker *migrationTracker, available []migration, applied []int64) error,
) error {
	layout, err := layoutOf(set)
	if err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errStoreClosed
	}

	available, err := readMigrations(migrationsFS, layout.dir)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", layout.lockKey); err != nil {
		return fmt.Errorf("lock %s migrations: %w", set, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", layout.lockKey)
	}()

	tracker := &migrationTracker{conn: conn, table: layout.table}
	if _, err := conn.ExecContext(ctx, trackingTableDDL(layout.table)); err != nil {
		return fmt.Errorf("ensure %s: %w", layout.table, err)
	}
	applied, err := tracker.appliedVersions(ctx)
	if err != nil {
		return err
	}
	return fn(tracker, available, applied)
}

// migrationTracker применяет миграции и ведёт таблицу версий набора.
type migrationTracker struct {
	conn  *sql.Conn
	table string
}

// appliedVersions возвращает применённые версии по возрастанию.
func (t *migrationTracker) appliedVersions(ctx context.Context) ([]int64, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT version FROM `+t.table+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.table, err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.table, err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// apply выполняет тело миграции и запись о ней в одной транзакции.
func (t *migrationTracker) apply(ctx context.Context, m migration, up bool) (err error) {
	body, record, direction := m.down, `DELETE FROM `+t.table+` WHERE version = $1`, "down"
	args := []any{m.version}
	if up {
		body, record, direction = m.up, `INSERT INTO `+t.table+` (version, name) VALUES ($1, $2)`, "up"
		args = append(args, m.name)
	}

	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("run %s %s: %w", direction, m, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m, err)
	}
	return nil
}
