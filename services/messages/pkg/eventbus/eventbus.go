// Package eventbus fans client-side state changes out to UI subscribers.
package eventbus

import (
	"sort"
	"sync"
)

const (
	TopicMessagesUpdated      = "messages.updated"
	TopicConversationsUpdated = "conversations.updated"
	TopicReadReceipt          = "read-receipt"
	TopicCacheWiped           = "cache.wiped"
	TopicConnectionState      = "connection.state"
)

// Event is one notification. Payload is topic specific.
type Event struct {
	Topic           string
	ConversationKey string
	Payload         any
}

type Handler func(Event)

type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

// Subscription is returned by Subscribe and must be released with
// Unsubscribe when the subscriber goes away.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][b.nextID] = h
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.topic], s.id)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
	})
}

// Publish calls every handler subscribed to e.Topic at the time of the call,
// in subscription order, on the caller's goroutine. Handlers may subscribe or
// unsubscribe while being called.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[e.Topic]))
	for id := range b.subs[e.Topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[e.Topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Subscribers reports how many handlers listen on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
