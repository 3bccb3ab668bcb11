// Package ws implements the device websocket: an auth handshake followed by
// chat, new-conversation and read frames, with live fan-out of chat
// notifications and read receipts.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"secumsg/internal/authz"
	"secumsg/internal/httpx"
	"secumsg/services/messages/internal/devices"
	"secumsg/services/messages/internal/observability/metrics"
	"secumsg/services/messages/internal/service"
	"secumsg/services/messages/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageService is the part of the message service the socket drives.
type MessageService interface {
	StoreCiphertext(ctx context.Context, in service.StoreInput) (service.StoreResult, error)
	UpdateLastRead(ctx context.Context, userID uuid.UUID, key string, lastRead time.Time) (service.ReadUpdate, error)
}

type Options struct {
	AuthTimeout  time.Duration
	SendQueue    int
	FrameTimeout time.Duration
	CheckOrigin  func(*http.Request) bool
	// Owners confirms the device of a token without a device claim. Nil
	// rejects such tokens.
	Owners devices.Owners
}

func (o *Options) defaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 10 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

type Server struct {
	svc      MessageService
	verifier authz.Verifier
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(svc MessageService, verifier authz.Verifier, hub *Hub, opts Options) *Server {
	opts.defaults()
	return &Server{
		svc:      svc,
		verifier: verifier,
		hub:      hub,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logAttrs := httpx.LogAttrs(r.Context())
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", append(logAttrs, "error", err)...)
		return
	}

	c, ok := s.authenticate(r.Context(), sock, logAttrs)
	if !ok {
		return
	}
	if replaced := s.hub.Register(c); replaced != nil {
		replaced.CloseWith(wire.CloseReplaced, "replaced by a newer connection")
		slog.Info("ws connection replaced", append(logAttrs, "user_id", c.UserID, "device_id", c.DeviceID)...)
	}
	go c.writePump()
	c.Send(wire.Frame{Type: wire.TypeAuthOK, UserID: c.UserID.String(), DeviceID: c.DeviceID.String()})
	slog.Info("ws authenticated", append(logAttrs, "user_id", c.UserID, "device_id", c.DeviceID)...)

	s.readLoop(r.Context(), c)

	s.hub.Unregister(c)
	c.CloseWith(websocket.CloseNormalClosure, "")
	slog.Info("ws closed", append(logAttrs, "user_id", c.UserID, "device_id", c.DeviceID)...)
}

// authenticate waits for the auth frame and binds the connection to the
// token's user and the claimed device.
func (s *Server) authenticate(ctx context.Context, sock *websocket.Conn, logAttrs []any) (*Conn, bool) {
	result := "failure"
	defer func() {
		metrics.AuthenticationAttemptsTotal.WithLabelValues(s.verifier.Name(), result).Inc()
	}()

	sock.SetReadLimit(maxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, data, err := sock.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			closeSocket(sock, wire.CloseAuthTimeout, "auth timeout")
			slog.Warn("ws auth timeout", logAttrs...)
			return nil, false
		}
		_ = sock.Close()
		return nil, false
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != wire.TypeAuth {
		closeSocket(sock, wire.CloseProtocolViolation, "expected auth frame")
		slog.Warn("ws first frame was not auth", logAttrs...)
		return nil, false
	}
	metrics.WSFramesTotal.WithLabelValues("in", f.Type).Inc()

	claims, err := s.verifier.Verify(ctx, f.Token)
	if err != nil {
		closeSocket(sock, wire.CloseBadToken, "invalid or expired token")
		slog.Warn("ws auth rejected", append(logAttrs, "error", err)...)
		return nil, false
	}
	deviceID, err := uuid.Parse(f.DeviceID)
	if err != nil || deviceID == uuid.Nil {
		closeSocket(sock, wire.CloseProtocolViolation, "invalid deviceId")
		return nil, false
	}
	if err := devices.Check(ctx, s.opts.Owners, claims, f.Token, deviceID); err != nil {
		switch {
		case errors.Is(err, devices.ErrMismatch):
			closeSocket(sock, wire.CloseDeviceMismatch, "token is bound to another device")
		case devices.Refused(err):
			closeSocket(sock, wire.CloseDeviceMismatch, "device does not belong to caller")
		default:
			closeSocket(sock, wire.CloseServerError, "device lookup failed")
		}
		slog.Warn("ws device rejected", append(logAttrs, "user_id", claims.UserID, "device_id", deviceID, "token_device_id", claims.DeviceID, "error", err)...)
		return nil, false
	}

	result = "success"
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error { return sock.SetReadDeadline(time.Now().Add(pongWait)) })
	return newConn(sock, claims.UserID, deviceID, s.opts.SendQueue), true
}

// readLoop handles frames one at a time. Fan-out never blocks it.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("ws handler panic", "panic", rec, "user_id", c.UserID, "device_id", c.DeviceID)
			c.CloseWith(wire.CloseServerError, "server error")
		}
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws read failed", "error", err, "device_id", c.DeviceID)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.CloseWith(wire.CloseProtocolViolation, "malformed frame")
			return
		}
		metrics.WSFramesTotal.WithLabelValues("in", f.Type).Inc()

		frameCtx, cancel := context.WithTimeout(ctx, s.opts.FrameTimeout)
		switch f.Type {
		case wire.TypeChat, wire.TypeNewConversation:
			s.handleSend(frameCtx, c, f)
		case wire.TypeRead:
			s.handleRead(frameCtx, c, f)
		default:
			cancel()
			c.CloseWith(wire.CloseProtocolViolation, "unexpected frame type")
			return
		}
		cancel()
	}
}

func (s *Server) handleSend(ctx context.Context, c *Conn, f wire.Frame) {
	in, err := storeInput(c, f)
	if err != nil {
		c.Send(errorFrame(f.MessageID, wire.ErrCodeInvalid, err.Error()))
		return
	}
	res, err := s.svc.StoreCiphertext(ctx, in)
	if err != nil {
		code, msg := errorCode(err)
		c.Send(errorFrame(f.MessageID, code, msg))
		metrics.MessagesStoredTotal.WithLabelValues("failure").Inc()
		slog.Warn("ws send failed", "error", err, "user_id", c.UserID, "device_id", c.DeviceID, "message_id", f.MessageID)
		return
	}

	sentAt := res.Message.SentAt.UTC()
	c.Send(wire.Frame{
		Type:            wire.TypeAck,
		MessageID:       res.Message.ID.String(),
		ConversationKey: res.ConversationKey,
		SentAt:          &sentAt,
	})
	if res.Replayed {
		metrics.MessagesStoredTotal.WithLabelValues("replayed").Inc()
		return
	}

	chatType := "existing"
	if res.NewConversation {
		chatType = "new"
	}
	metrics.MessagesStoredTotal.WithLabelValues(chatType).Inc()
	recipients := make([]uuid.UUID, 0, len(res.Deliveries))
	for _, d := range res.Deliveries {
		recipients = append(recipients, d.RecipientDeviceID)
		metrics.MessagesCiphertextBytes.WithLabelValues(chatType).Observe(float64(len(d.Ciphertext)))
	}
	pushed := s.hub.SendToDevices(recipients, wire.Frame{Type: wire.TypeChat, ConversationKey: res.ConversationKey}, c)
	slog.Info("message stored",
		"user_id", c.UserID, "device_id", c.DeviceID, "message_id", res.Message.ID,
		"conversation_key", res.ConversationKey, "deliveries", len(res.Deliveries), "pushed", pushed)
}

func (s *Server) handleRead(ctx context.Context, c *Conn, f wire.Frame) {
	if f.LastRead == nil {
		c.Send(errorFrame("", wire.ErrCodeInvalid, "lastRead required"))
		return
	}
	upd, err := s.svc.UpdateLastRead(ctx, c.UserID, f.ConversationKey, *f.LastRead)
	if err != nil {
		metrics.ReadUpdatesTotal.WithLabelValues("failure").Inc()
		code, msg := errorCode(err)
		c.Send(errorFrame("", code, msg))
		slog.Warn("ws read update failed", "error", err, "user_id", c.UserID, "conversation_key", f.ConversationKey)
		return
	}
	if !upd.Changed {
		metrics.ReadUpdatesTotal.WithLabelValues("unchanged").Inc()
		return
	}
	metrics.ReadUpdatesTotal.WithLabelValues("advanced").Inc()
	lastRead := upd.LastRead
	s.hub.SendToUsers(upd.Participants, wire.Frame{
		Type:            wire.TypeReadReceipt,
		ConversationKey: upd.ConversationKey,
		UserID:          upd.UserID.String(),
		LastRead:        &lastRead,
	})
}

func storeInput(c *Conn, f wire.Frame) (service.StoreInput, error) {
	in := service.StoreInput{
		SenderID:        c.UserID,
		SenderDeviceID:  c.DeviceID,
		ConversationKey: f.ConversationKey,
		ListingID:       f.ListingID,
	}
	if f.MessageID != "" {
		id, err := uuid.Parse(f.MessageID)
		if err != nil {
			return in, fmt.Errorf("invalid messageId")
		}
		in.MessageID = id
	}
	switch f.Type {
	case wire.TypeNewConversation:
		id, err := uuid.Parse(f.RecipientID)
		if err != nil || id == uuid.Nil {
			return in, fmt.Errorf("new-conversation requires recipientId")
		}
		in.RecipientID = id
	case wire.TypeChat:
		if f.ConversationKey == "" {
			return in, fmt.Errorf("chat requires conversationKey")
		}
	}
	in.Deliveries = make([]service.Delivery, 0, len(f.Deliveries))
	for _, d := range f.Deliveries {
		id, err := uuid.Parse(d.DeviceID)
		if err != nil {
			return in, fmt.Errorf("invalid delivery deviceId")
		}
		in.Deliveries = append(in.Deliveries, service.Delivery{DeviceID: id, Ciphertext: d.Ciphertext})
	}
	return in, nil
}

func errorFrame(messageID, code, msg string) wire.Frame {
	return wire.Frame{Type: wire.TypeError, MessageID: messageID, Code: code, Message: msg}
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrConversationNotFound):
		return wire.ErrCodeInvalid, err.Error()
	case errors.Is(err, service.ErrNotParticipant):
		return wire.ErrCodeNotParticipant, "not a participant of this conversation"
	case errors.Is(err, service.ErrMessageIDConflict):
		return wire.ErrCodeConflict, "message id already used"
	default:
		return wire.ErrCodeStoreFailure, "message could not be stored"
	}
}
