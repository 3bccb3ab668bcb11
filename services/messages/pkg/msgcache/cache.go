// Package msgcache holds decrypted messages for the signed-in user. Nothing in
// it is persisted; it is dropped on logout or when another user signs in.
package msgcache

import (
	"sort"
	"sync"
	"time"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Message is a decrypted message. Failed marks a message whose ciphertext
// could not be opened; Text then holds the placeholder.
type Message struct {
	ID              string
	ConversationKey string
	SenderID        string
	Text            string
	SentAt          time.Time
	Direction       Direction
	ReadAt          *time.Time
	Failed          bool
}

type Meta struct {
	ConversationKey string
	Title           string
	ListingID       string
	Participants    []string
}

// Summary is the conversation list projection: metadata plus the newest
// message, if any.
type Summary struct {
	Meta   Meta
	Latest *Message
	Unread int
}

type conversation struct {
	meta     Meta
	messages []Message // newest first
	ids      map[string]int
	offset   int
	lastRead map[string]time.Time
}

type Cache struct {
	mu    sync.RWMutex
	owner string
	convs map[string]*conversation
}

func New() *Cache {
	return &Cache{convs: make(map[string]*conversation)}
}

// EnsureOwner binds the cache to userID. It reports true when the cache held
// another user's data and was wiped.
func (c *Cache) EnsureOwner(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == userID {
		return false
	}
	wiped := c.owner != "" || len(c.convs) > 0
	c.owner = userID
	c.convs = make(map[string]*conversation)
	return wiped
}

func (c *Cache) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Wipe drops every conversation and forgets the owner.
func (c *Cache) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = ""
	c.convs = make(map[string]*conversation)
}

func (c *Cache) conv(key string) *conversation {
	cv, ok := c.convs[key]
	if !ok {
		cv = &conversation{
			meta:     Meta{ConversationKey: key},
			ids:      make(map[string]int),
			lastRead: make(map[string]time.Time),
		}
		c.convs[key] = cv
	}
	return cv
}

func (c *Cache) SetMeta(meta Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := c.conv(meta.ConversationKey)
	if meta.Title == "" {
		meta.Title = cv.meta.Title
	}
	cv.meta = meta
	cv.meta.Participants = append([]string(nil), meta.Participants...)
}

func (c *Cache) Meta(key string) (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[key]
	if !ok {
		return Meta{}, false
	}
	m := cv.meta
	m.Participants = append([]string(nil), cv.meta.Participants...)
	return m, true
}

// Upsert merges msgs into their conversations. A message already cached is
// replaced only when the cached copy is a decryption placeholder. It returns
// the number of messages added.
func (c *Cache) Upsert(msgs ...Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	touched := make(map[string]*conversation)
	for _, m := range msgs {
		cv := c.conv(m.ConversationKey)
		if i, ok := cv.ids[m.ID]; ok {
			if i >= 0 && cv.messages[i].Failed && !m.Failed {
				c.stampRead(cv, &m)
				cv.messages[i] = m
			}
			continue
		}
		c.stampRead(cv, &m)
		cv.ids[m.ID] = -1
		cv.messages = append(cv.messages, m)
		touched[m.ConversationKey] = cv
		added++
	}
	for _, cv := range touched {
		cv.sort()
	}
	return added
}

// AppendOlder adds a page of older history to conversation key, skipping ids
// already cached, and returns how many were new.
func (c *Cache) AppendOlder(key string, msgs []Message) int {
	for i := range msgs {
		msgs[i].ConversationKey = key
	}
	return c.Upsert(msgs...)
}

// AdvanceOffset moves the pagination offset of key by the number of rows a
// history fetch returned and reports the new offset.
func (c *Cache) AdvanceOffset(key string, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := c.conv(key)
	if n > 0 {
		cv.offset += n
	}
	return cv.offset
}

func (c *Cache) Offset(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cv, ok := c.convs[key]; ok {
		return cv.offset
	}
	return 0
}

// Messages returns a copy of the conversation, newest first.
func (c *Cache) Messages(key string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[key]
	if !ok {
		return nil
	}
	return append([]Message(nil), cv.messages...)
}

// Find looks a message up by id across conversations.
func (c *Cache) Find(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cv := range c.convs {
		if i, ok := cv.ids[id]; ok {
			return cv.messages[i], true
		}
	}
	return Message{}, false
}

// Bounds returns the oldest and newest sentAt cached for key.
func (c *Cache) Bounds(key string) (oldest, newest time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, found := c.convs[key]
	if !found || len(cv.messages) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return cv.messages[len(cv.messages)-1].SentAt, cv.messages[0].SentAt, true
}

// SetLastRead records that userID has read key up to at. It never moves a
// marker backwards. When userID is not the owner, outgoing messages up to at
// are stamped as read.
func (c *Cache) SetLastRead(key, userID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := c.conv(key)
	if prev, ok := cv.lastRead[userID]; ok && !at.After(prev) {
		return false
	}
	cv.lastRead[userID] = at
	if userID != c.owner {
		for i := range cv.messages {
			c.stampRead(cv, &cv.messages[i])
		}
	}
	return true
}

func (c *Cache) LastRead(key, userID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[key]
	if !ok {
		return time.Time{}, false
	}
	at, ok := cv.lastRead[userID]
	return at, ok
}

// stampRead sets ReadAt on an outgoing message covered by a counterpart's
// read marker.
func (c *Cache) stampRead(cv *conversation, m *Message) {
	if m.Direction != Outgoing || m.ReadAt != nil {
		return
	}
	for uid, at := range cv.lastRead {
		if uid == c.owner || m.SentAt.After(at) {
			continue
		}
		stamp := at
		m.ReadAt = &stamp
		return
	}
}

// Conversations returns one summary per cached conversation, the most
// recently active first. Conversations without messages sort last.
func (c *Cache) Conversations() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Summary, 0, len(c.convs))
	for _, cv := range c.convs {
		s := Summary{Meta: cv.meta}
		s.Meta.Participants = append([]string(nil), cv.meta.Participants...)
		if len(cv.messages) > 0 {
			latest := cv.messages[0]
			s.Latest = &latest
		}
		own := cv.lastRead[c.owner]
		for _, m := range cv.messages {
			if m.Direction == Incoming && m.SentAt.After(own) {
				s.Unread++
			}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Latest, out[j].Latest
		switch {
		case a == nil && b == nil:
			return out[i].Meta.ConversationKey < out[j].Meta.ConversationKey
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.SentAt.After(b.SentAt)
	})
	return out
}

func (cv *conversation) sort() {
	sort.SliceStable(cv.messages, func(i, j int) bool {
		return cv.messages[i].SentAt.After(cv.messages[j].SentAt)
	})
	for i, m := range cv.messages {
		cv.ids[m.ID] = i
	}
}
