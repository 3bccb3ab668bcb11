package msgclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"secumsg/services/messages/pkg/wire"

	"github.com/gorilla/websocket"
)

const (
	socketWriteWait   = 10 * time.Second
	socketAuthTimeout = 10 * time.Second
)

// socket is an authenticated device connection. Acks and errors that carry a
// message id are routed to the waiting send; every other frame goes to
// onFrame on the read goroutine.
type socket struct {
	conn    *websocket.Conn
	onFrame func(wire.Frame)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Frame
	err     error

	done chan struct{}
}

func dialSocket(ctx context.Context, dialer *websocket.Dialer, rawURL, token, deviceID string, onFrame func(wire.Frame)) (*socket, error) {
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("msgclient: dial %s: %w", rawURL, err)
	}
	s := &socket{
		conn:    conn,
		onFrame: onFrame,
		pending: make(map[string]chan wire.Frame),
		done:    make(chan struct{}),
	}
	if err := s.write(wire.Frame{Type: wire.TypeAuth, Token: token, DeviceID: deviceID}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	deadline := time.Now().Add(socketAuthTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var f wire.Frame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return nil, closeError(err)
	}
	if f.Type != wire.TypeAuthOK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected %q frame during auth", ErrServerClosed, f.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	go s.readLoop()
	return s, nil
}

func (s *socket) readLoop() {
	var err error
	for {
		var f wire.Frame
		if err = s.conn.ReadJSON(&f); err != nil {
			break
		}
		if (f.Type == wire.TypeAck || f.Type == wire.TypeError) && f.MessageID != "" {
			s.mu.Lock()
			ch, ok := s.pending[f.MessageID]
			delete(s.pending, f.MessageID)
			s.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}
		if s.onFrame != nil {
			s.onFrame(f)
		}
	}

	s.mu.Lock()
	s.err = closeError(err)
	s.pending = make(map[string]chan wire.Frame)
	s.mu.Unlock()
	_ = s.conn.Close()
	close(s.done)
}

func (s *socket) write(f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrServerClosed, err)
	}
	return nil
}

// request writes f and waits for the ack or error frame carrying its
// message id.
func (s *socket) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	ch := make(chan wire.Frame, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return wire.Frame{}, err
	}
	s.pending[f.MessageID] = ch
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		delete(s.pending, f.MessageID)
		s.mu.Unlock()
	}

	if err := s.write(f); err != nil {
		release()
		return wire.Frame{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		release()
		return wire.Frame{}, ctx.Err()
	case <-s.done:
		return wire.Frame{}, s.closeErr()
	}
}

func (s *socket) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a normal closure and waits for the read loop to stop.
func (s *socket) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(socketWriteWait))
	select {
	case <-s.done:
	case <-time.After(socketWriteWait):
		_ = s.conn.Close()
		<-s.done
	}
	return nil
}

// closeError maps a read failure to the client's transport errors by close
// code.
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case wire.CloseBadToken:
			return fmt.Errorf("%w: %w", ErrBadToken, ce)
		}
		return fmt.Errorf("%w: %w", ErrServerClosed, ce)
	}
	return fmt.Errorf("%w: %v", ErrServerClosed, err)
}

// CloseCode extracts the websocket close code carried by a transport error,
// or 0.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
