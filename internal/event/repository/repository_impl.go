package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/event/domain"
	pkgdb "github.com/hookwise/entitled/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, tenant_id, external_event_id, event_type, payload, signature,
			status, attempts, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_event_id) DO NOTHING`,
		event.ID,
		event.TenantID,
		event.ExternalEventID,
		event.EventType,
		event.Payload,
		event.Signature,
		event.Status,
		event.Attempts,
		event.LastError,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalEventID string) (*domain.Event, error) {
	return r.findOne(ctx, db, `external_event_id = ?`, externalEventID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Event, error) {
	var event domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, external_event_id, event_type, payload, signature,
			status, attempts, last_error, created_at, updated_at
		 FROM webhook_events
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusProcessed,
		at,
		id,
		domain.StatusProcessed,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusFailed,
		lastError,
		at,
		id,
		domain.StatusProcessed,
	).Error
}

func (r *repo) MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusDeadLettered,
		lastError,
		at,
		id,
		domain.StatusProcessed,
	).Error
}

func (r *repo) ListByStatuses(ctx context.Context, db *gorm.DB, statuses []domain.Status, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, external_event_id, event_type, payload, signature,
			status, attempts, last_error, created_at, updated_at
		 FROM webhook_events
		 WHERE status IN ?
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		statuses,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) Counts(ctx context.Context, db *gorm.DB) (domain.Counts, error) {
	var counts domain.Counts
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS dead_lettered,
			COUNT(*) AS total
		 FROM webhook_events`,
		domain.StatusFailed,
		domain.StatusDeadLettered,
	).Scan(&counts).Error
	if err != nil {
		return domain.Counts{}, err
	}
	return counts, nil
}
