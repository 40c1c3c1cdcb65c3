package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists ledger entries. Insert relies on the unique index on
// external_event_id so concurrent duplicate deliveries race safely: exactly one
// caller claims the row, the rest load the winner's entry.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalEventID string) (*Event, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, at time.Time) error
	MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, at time.Time) error
	ListByStatuses(ctx context.Context, db *gorm.DB, statuses []Status, limit int) ([]Event, error)
	Counts(ctx context.Context, db *gorm.DB) (Counts, error)
}
