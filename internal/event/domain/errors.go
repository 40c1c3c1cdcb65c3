package domain

import "errors"

var (
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventNotFound         = errors.New("event_not_found")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrMissingPurchaseIntent = errors.New("missing_purchase_intent")
	ErrUpstreamLookupFailure = errors.New("upstream_lookup_failure")
	ErrSignatureMissing      = errors.New("missing_signature")
	ErrSignatureInvalid      = errors.New("invalid_signature")
	ErrRetryNotAllowed       = errors.New("retry_not_allowed")
)
