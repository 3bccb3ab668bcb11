package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"secumsg/services/messages/internal/observability/metrics"
	"secumsg/services/messages/pkg/wire"

	"github.com/google/uuid"
)

// Hub is the directory of live, authenticated connections: at most one per
// device, grouped by user.
type Hub struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*Conn
	users   map[uuid.UUID]map[uuid.UUID]*Conn
}

func NewHub() *Hub {
	return &Hub{
		devices: make(map[uuid.UUID]*Conn),
		users:   make(map[uuid.UUID]map[uuid.UUID]*Conn),
	}
}

// Register makes c the live connection for its device and returns the
// connection it replaced, if any. The caller closes the replaced one.
func (h *Hub) Register(c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.devices[c.DeviceID]
	if old != nil {
		if byDevice := h.users[old.UserID]; byDevice != nil {
			delete(byDevice, old.DeviceID)
			if len(byDevice) == 0 {
				delete(h.users, old.UserID)
			}
		}
	} else {
		metrics.WSConnections.WithLabelValues().Inc()
	}
	h.devices[c.DeviceID] = c
	byDevice := h.users[c.UserID]
	if byDevice == nil {
		byDevice = make(map[uuid.UUID]*Conn)
		h.users[c.UserID] = byDevice
	}
	byDevice[c.DeviceID] = c
	return old
}

// Unregister removes c if it is still the live connection of its device.
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[c.DeviceID] != c {
		return false
	}
	delete(h.devices, c.DeviceID)
	if byDevice := h.users[c.UserID]; byDevice != nil {
		delete(byDevice, c.DeviceID)
		if len(byDevice) == 0 {
			delete(h.users, c.UserID)
		}
	}
	metrics.WSConnections.WithLabelValues().Dec()
	return true
}

func (h *Hub) Device(id uuid.UUID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.devices[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// SendToDevices queues f on the live connections of the given devices,
// skipping skip. It never blocks on a peer and returns how many
// connections accepted the frame.
func (h *Hub) SendToDevices(ids []uuid.UUID, f wire.Frame, skip *Conn) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.devices[id]; ok && c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return broadcast(targets, f)
}

// SendToUsers queues f on every live device of every given user.
func (h *Hub) SendToUsers(userIDs []uuid.UUID, f wire.Frame) int {
	h.mu.RLock()
	var targets []*Conn
	for _, uid := range userIDs {
		for _, c := range h.users[uid] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return broadcast(targets, f)
}

func broadcast(targets []*Conn, f wire.Frame) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("ws marshal frame", "error", err, "type", f.Type)
		return 0
	}
	sent := 0
	for _, c := range targets {
		if c.sendRaw(f.Type, data) {
			sent++
		}
	}
	return sent
}
