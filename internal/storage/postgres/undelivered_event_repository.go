package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type undeliveredEventRepository struct {
	db *sql.DB
}

// NewUndeliveredEventRepository создаёт PostgreSQL-реализацию журнала недоставленных событий.
func NewUndeliveredEventRepository(store *Store) domain.UndeliveredEventRepository {
	return &undeliveredEventRepository{db: store.DB()}
}

func (r *undeliveredEventRepository) Record(ctx context.Context, event domain.UndeliveredEvent) (domain.UndeliveredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	envelope, err := json.Marshal(event.Event)
	if err != nil {
		return domain.UndeliveredEvent{}, fmt.Errorf("marshal event envelope: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO undelivered_events (
			id, detail_type, envelope, transport, last_error,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$8)
	`,
		event.ID, event.Event.DetailType, envelope, event.Transport, event.LastError,
		event.Attempts, now, now,
	)
	if err != nil {
		return domain.UndeliveredEvent{}, fmt.Errorf("record undelivered event: %w", err)
	}

	event.Status = domain.UndeliveredPending
	event.CreatedAt = now
	event.UpdatedAt = now
	return event, nil
}

func (r *undeliveredEventRepository) PullPending(ctx context.Context, limit int) ([]domain.UndeliveredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, envelope, transport, last_error, status, attempt_count, created_at, updated_at
		FROM undelivered_events
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending undelivered events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.UndeliveredEvent, 0, limit)
	for rows.Next() {
		var (
			rec      domain.UndeliveredEvent
			envelope []byte
			status   string
		)
		if err := rows.Scan(
			&rec.ID, &envelope, &rec.Transport, &rec.LastError, &status,
			&rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan undelivered event: %w", err)
		}
		if err := json.Unmarshal(envelope, &rec.Event); err != nil {
			return nil, fmt.Errorf("decode envelope of %s: %w", rec.ID, err)
		}
		rec.Status = domain.UndeliveredEventStatus(status)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate undelivered rows: %w", err)
	}

	return result, nil
}

func (r *undeliveredEventRepository) Stats(ctx context.Context) (domain.UndeliveredEventStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.UndeliveredEventStats
		oldest sql.NullTime
	)

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM undelivered_events
		WHERE status = 'pending'
	`).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.UndeliveredEventStats{}, fmt.Errorf("undelivered stats query failed: %w", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}

	return stats, nil
}

func (r *undeliveredEventRepository) MarkRedelivered(ctx context.Context, id string) error {
	return r.mark(ctx, id, domain.UndeliveredRedelivered, "")
}

func (r *undeliveredEventRepository) MarkFailed(ctx context.Context, id string, cause string, terminal bool) error {
	status := domain.UndeliveredPending
	if terminal {
		status = domain.UndeliveredFailed
	}
	return r.mark(ctx, id, status, cause)
}

func (r *undeliveredEventRepository) mark(ctx context.Context, id string, status domain.UndeliveredEventStatus, cause string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE undelivered_events
		SET status = $2,
		    last_error = CASE WHEN $3 = '' THEN last_error ELSE $3 END,
		    attempt_count = attempt_count + 1,
		    updated_at = $4
		WHERE id = $1
	`, id, string(status), cause, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark undelivered event as %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for undelivered %s: %w", status, err)
	}
	if affected == 0 {
		return domain.ErrEventNotFound
	}

	return nil
}

var _ domain.UndeliveredEventRepository = (*undeliveredEventRepository)(nil)
