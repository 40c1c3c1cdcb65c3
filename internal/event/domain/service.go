package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service ingests, routes, and replays webhook events.
type Service interface {
	// IngestWebhook verifies the signature over the raw body, records the
	// event in the ledger, and runs the matching handler. The returned Result
	// is reported to the processor even when the handler failed; only
	// signature errors surface as errors to the HTTP layer.
	IngestWebhook(ctx context.Context, tenantID snowflake.ID, payload []byte, signatureHeader string) (Result, error)

	// RetryOne replays a previously stored event through the same handler
	// path. Terminal entries return ErrEventAlreadyProcessed.
	RetryOne(ctx context.Context, ledgerID snowflake.ID) (Result, error)

	// ListFailed returns retry-eligible and dead-lettered entries plus
	// summary counts for operator tooling.
	ListFailed(ctx context.Context, limit int) ([]Event, Counts, error)
}
