package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("service: invalid request")
	ErrConversationNotFound = errors.New("service: conversation not found")
	ErrNotParticipant       = errors.New("service: not a participant")
	ErrMessageIDConflict    = errors.New("service: message id already used by another send")
	// ErrStoreFailure wraps storage errors on send. Nothing of the send was
	// committed.
	ErrStoreFailure = errors.New("service: store failure")
)

var errReplay = errors.New("message id replay")
