package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different request")
)

// errReplay aborts a registration transaction that lost the race for its
// idempotency key; the caller replays the winner's stored response.
var errReplay = errors.New("idempotency replay")
