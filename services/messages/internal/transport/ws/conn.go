package ws

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"secumsg/services/messages/internal/observability/metrics"
	"secumsg/services/messages/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 1 << 20
)

// Conn is one authenticated device connection. Frames are queued on a
// bounded channel drained by writePump; a full queue closes the connection.
type Conn struct {
	ws       *websocket.Conn
	UserID   uuid.UUID
	DeviceID uuid.UUID

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, userID, deviceID uuid.UUID, queue int) *Conn {
	return &Conn{
		ws:       ws,
		UserID:   userID,
		DeviceID: deviceID,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
	}
}

// Send queues f without blocking.
func (c *Conn) Send(f wire.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("ws marshal frame", "error", err, "type", f.Type)
		return false
	}
	return c.sendRaw(f.Type, data)
}

func (c *Conn) sendRaw(frameType string, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		metrics.WSFramesTotal.WithLabelValues("out", frameType).Inc()
		return true
	default:
		slog.Warn("ws send queue full, closing slow consumer", "user_id", c.UserID, "device_id", c.DeviceID)
		c.CloseWith(wire.CloseSlowConsumer, "send queue full")
		return false
	}
}

// CloseWith sends a close frame carrying code and tears the connection down.
// Safe to call from any goroutine, any number of times.
func (c *Conn) CloseWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		closeSocket(c.ws, code, reason)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write failed", "error", err, "device_id", c.DeviceID)
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeSocket writes a close control frame (best effort) and closes the
// underlying connection. 1006 is never sent on the wire.
func closeSocket(ws *websocket.Conn, code int, reason string) {
	if code != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		metrics.WSClosesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	_ = ws.Close()
}
