package domain

import "errors"

var (
	ErrAlreadyGranted    = errors.New("entitlement_already_granted")
	ErrNotFound          = errors.New("entitlement_not_found")
	ErrNotSubscription   = errors.New("entitlement_not_subscription")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrInvalidInput      = errors.New("invalid_entitlement_input")
)
