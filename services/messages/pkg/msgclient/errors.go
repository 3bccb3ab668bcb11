package msgclient

import (
	"errors"
	"fmt"
)

var (
	ErrBadToken            = errors.New("msgclient: access token rejected")
	ErrServerClosed        = errors.New("msgclient: server closed the connection")
	ErrNotLoggedIn         = errors.New("msgclient: not logged in")
	ErrNotConnected        = errors.New("msgclient: not connected")
	ErrNoRecipientDevices  = errors.New("msgclient: recipient has no registered devices")
	ErrUnknownConversation = errors.New("msgclient: unknown conversation")
	ErrSendRejected        = errors.New("msgclient: message rejected")
	ErrSuperseded          = errors.New("msgclient: load superseded by a newer request")
	ErrDeviceRevoked       = errors.New("msgclient: device revoked")

	errSessionEnded = errors.New("msgclient: session ended")
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("msgclient: http %d: %s", e.Status, e.Message)
}
