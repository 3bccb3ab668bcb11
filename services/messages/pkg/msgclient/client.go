// Package msgclient is the messaging facade used by the UI layer. It unlocks
// the device key, encrypts outgoing messages per recipient device, keeps the
// websocket to the message service and maintains the decrypted cache.
package msgclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	cryptocore "secumsg/services/crypto-core"
	"secumsg/services/messages/pkg/convkey"
	"secumsg/services/messages/pkg/eventbus"
	"secumsg/services/messages/pkg/keyvault"
	"secumsg/services/messages/pkg/localstore"
	"secumsg/services/messages/pkg/msgcache"
	"secumsg/services/messages/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultPageSize   = 50
	FailedPlaceholder = "failed to get message"
	pushFetchTimeout  = 30 * time.Second

	// catchUpOverlap re-reads this far below the catch-up cursors; rows are
	// merged by id.
	catchUpOverlap = 2 * time.Second
)

// Session is the signed-in account handed over by the authentication layer.
type Session struct {
	UserID      string
	Username    string
	AccessToken string
	DeviceID    string
}

// Target addresses a send: an existing conversation, or a user optionally
// scoped to a listing.
type Target struct {
	ConversationKey string
	RecipientID     string
	ListingID       string
}

// ConnectionState is the payload of connection.state events.
type ConnectionState struct {
	Connected bool
	Err       error
}

// ReadReceipt is the payload of read-receipt events.
type ReadReceipt struct {
	ConversationKey string
	UserID          string
	LastRead        time.Time
}

type Config struct {
	KeysBaseURL     string
	MessagesBaseURL string
	Store           *localstore.Store
	SecretsDir      string
	KDFParams       cryptocore.Argon2Params
	PageSize        int
	HTTPClient      *http.Client
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

type Client struct {
	cfg       Config
	log       *slog.Logger
	events    *eventbus.Bus
	cache     *msgcache.Cache
	store     *localstore.Store
	vault     *keyvault.Vault
	directory *DirectoryClient
	syncAPI   *SyncClient
	secrets   *cryptocore.SecretCache

	mu            sync.RWMutex
	session       Session
	key           *keyvault.Key
	sock          *socket
	receiptsSince time.Time

	// gen changes on every release; work started under an older gen must
	// not touch the cache or mirror.
	gen        uint64
	pushCtx    context.Context
	pushCancel context.CancelFunc

	devMu   sync.Mutex
	devices map[string][32]byte

	pullMu sync.Mutex

	loadMu     sync.Mutex
	loadGen    uint64
	loadCancel context.CancelFunc
}

func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("msgclient: local store required")
	}
	if strings.TrimSpace(cfg.SecretsDir) == "" {
		return nil, errors.New("msgclient: secrets dir required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		cfg.Dialer = &d
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		events:  eventbus.New(),
		cache:   msgcache.New(),
		store:   cfg.Store,
		secrets: cryptocore.NewSecretCache(),
		devices: make(map[string][32]byte),
	}
	c.directory = &DirectoryClient{api: apiClient{base: cfg.KeysBaseURL, http: cfg.HTTPClient, token: c.accessToken}}
	c.syncAPI = &SyncClient{api: apiClient{base: cfg.MessagesBaseURL, http: cfg.HTTPClient, token: c.accessToken}}
	c.vault = keyvault.New(cfg.Store, keyvault.FileSecrets{Dir: cfg.SecretsDir}, c.directory, keyvault.Options{
		Params: cfg.KDFParams,
		Logger: cfg.Logger,
	})
	return c, nil
}

func (c *Client) Events() *eventbus.Bus { return c.events }

func (c *Client) Directory() *DirectoryClient { return c.directory }

// Session returns the signed-in session, with DeviceID filled in once the key
// is unlocked.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.key != nil
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.AccessToken
}

func (c *Client) active() (Session, *keyvault.Key, error) {
	sess, key, _, err := c.activeGen()
	return sess, key, err
}

func (c *Client) activeGen() (Session, *keyvault.Key, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return Session{}, nil, 0, ErrNotLoggedIn
	}
	return c.session, c.key, c.gen, nil
}

// commit runs fn unless the session that started the work at gen has been
// released since. Release waits for a running fn, so the wipe that follows a
// release always sees its writes.
func (c *Client) commit(gen uint64, fn func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gen != gen || c.key == nil {
		return errSessionEnded
	}
	return fn()
}

// Login unlocks the device key of sess (with password when given, silently
// otherwise) and restores the local mirror into the cache. Signing in as a
// different user wipes the previous user's cache and mirror.
func (c *Client) Login(ctx context.Context, sess Session, password string) error {
	uid, err := uuid.Parse(strings.TrimSpace(sess.UserID))
	if err != nil || uid == uuid.Nil {
		return fmt.Errorf("msgclient: bad user id %q", sess.UserID)
	}
	sess.UserID = uid.String()
	c.release()

	if c.cache.EnsureOwner(sess.UserID) {
		c.events.Publish(eventbus.Event{Topic: eventbus.TopicCacheWiped})
	}
	if err := c.store.WipeHistory(ctx, sess.UserID); err != nil {
		return fmt.Errorf("msgclient: wipe mirror: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	key, err := c.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: sess.UserID, DeviceID: sess.DeviceID, Password: password})
	if err != nil {
		c.mu.Lock()
		c.session = Session{}
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.key = key
	c.session.DeviceID = key.DeviceID()
	c.receiptsSince = time.Time{}
	c.pushCtx, c.pushCancel = context.WithCancel(context.Background())
	c.mu.Unlock()
	c.log.Info("msgclient: logged in", "user_id", sess.UserID, "device_id", key.DeviceID())

	return c.restoreMirror(ctx)
}

// Logout closes the connection, destroys the unlocked key and wipes the
// cache. The vault record stays so the next login can unlock silently.
func (c *Client) Logout(ctx context.Context) {
	c.release()
	c.cache.Wipe()
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
	c.events.Publish(eventbus.Event{Topic: eventbus.TopicCacheWiped})
}

// ClearLocalData logs out and removes every trace of userID from this
// install, including the vault record and device secret.
func (c *Client) ClearLocalData(ctx context.Context, userID string) error {
	c.Logout(ctx)
	if err := c.vault.Forget(ctx, userID); err != nil {
		return err
	}
	return c.store.WipeHistory(ctx, "")
}

func (c *Client) release() {
	c.loadMu.Lock()
	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}
	c.loadMu.Unlock()

	c.mu.Lock()
	sock, key := c.sock, c.key
	c.sock, c.key = nil, nil
	c.gen++
	if c.pushCancel != nil {
		c.pushCancel()
		c.pushCtx, c.pushCancel = nil, nil
	}
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	if key != nil {
		key.Destroy()
	}
	c.secrets.Clear()
	c.devMu.Lock()
	c.devices = make(map[string][32]byte)
	c.devMu.Unlock()
}

// Connect opens the device websocket. Pushed chat notifications trigger a
// background sync; read receipts update the cache directly.
func (c *Client) Connect(ctx context.Context) error {
	sess, _, err := c.active()
	if err != nil {
		return err
	}
	u, err := websocketURL(c.cfg.MessagesBaseURL)
	if err != nil {
		return err
	}
	sock, err := dialSocket(ctx, c.cfg.Dialer, u, sess.AccessToken, sess.DeviceID, c.handleFrame)
	if err != nil {
		c.events.Publish(eventbus.Event{Topic: eventbus.TopicConnectionState, Payload: ConnectionState{Err: err}})
		return err
	}
	c.mu.Lock()
	old := c.sock
	c.sock = sock
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.events.Publish(eventbus.Event{Topic: eventbus.TopicConnectionState, Payload: ConnectionState{Connected: true}})

	go func() {
		<-sock.done
		c.mu.Lock()
		if c.sock == sock {
			c.sock = nil
		}
		c.mu.Unlock()
		err := sock.closeErr()
		c.log.Info("msgclient: disconnected", "error", err)
		c.events.Publish(eventbus.Event{Topic: eventbus.TopicConnectionState, Payload: ConnectionState{Err: err}})
	}()
	return nil
}

func (c *Client) socket() (*socket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil {
		return nil, ErrNotConnected
	}
	return c.sock, nil
}

func (c *Client) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeChat:
		c.mu.RLock()
		base := c.pushCtx
		c.mu.RUnlock()
		if base == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(base, pushFetchTimeout)
			defer cancel()
			err := c.syncNewer(ctx)
			switch {
			case err == nil, errors.Is(err, ErrNotLoggedIn), errors.Is(err, errSessionEnded), base.Err() != nil:
			default:
				c.log.Warn("msgclient: sync after push failed", "conversation_key", f.ConversationKey, "error", err)
			}
		}()
	case wire.TypeReadReceipt:
		if f.LastRead != nil {
			c.applyReceipt(f.ConversationKey, f.UserID, *f.LastRead)
		}
	case wire.TypeError:
		c.log.Warn("msgclient: server error frame", "code", f.Code, "message", f.Message)
	default:
		c.log.Debug("msgclient: ignoring frame", "type", f.Type)
	}
}

func (c *Client) applyReceipt(key, userID string, at time.Time) {
	if !c.cache.SetLastRead(key, userID, at.UTC()) {
		return
	}
	c.events.Publish(eventbus.Event{
		Topic:           eventbus.TopicReadReceipt,
		ConversationKey: key,
		Payload:         ReadReceipt{ConversationKey: key, UserID: userID, LastRead: at.UTC()},
	})
}

// SendMessage encrypts text for every active device of the recipient and of
// the sender, sends it and waits for the server's ack.
func (c *Client) SendMessage(ctx context.Context, text string, target Target) (msgcache.Message, error) {
	sess, key, gen, err := c.activeGen()
	if err != nil {
		return msgcache.Message{}, err
	}
	sock, err := c.socket()
	if err != nil {
		return msgcache.Message{}, err
	}
	recipientID, listingID, err := c.resolveTarget(ctx, sess, target)
	if err != nil {
		return msgcache.Message{}, err
	}
	me, _ := uuid.Parse(sess.UserID)
	convKey := convkey.Derive(me, recipientID, listingID)
	if target.ConversationKey != "" && target.ConversationKey != convKey {
		return msgcache.Message{}, fmt.Errorf("%w: %s", ErrUnknownConversation, target.ConversationKey)
	}

	recipientDevices, err := c.directory.ListDevices(ctx, recipientID.String())
	if err != nil {
		return msgcache.Message{}, fmt.Errorf("msgclient: recipient devices: %w", err)
	}
	if len(recipientDevices) == 0 {
		return msgcache.Message{}, ErrNoRecipientDevices
	}
	ownDevices, err := c.directory.ListDevices(ctx, sess.UserID)
	if err != nil {
		return msgcache.Message{}, fmt.Errorf("msgclient: own devices: %w", err)
	}
	targets := map[string][32]byte{sess.DeviceID: key.PublicKey()}
	for _, d := range append(recipientDevices, ownDevices...) {
		targets[d.DeviceID] = d.PublicKey
	}
	c.rememberDevices(targets)

	deliveries := make([]wire.Delivery, 0, len(targets))
	for deviceID, pub := range targets {
		secret, err := c.secrets.Get(deviceID, pub, key.SharedSecret)
		if err != nil {
			return msgcache.Message{}, fmt.Errorf("msgclient: shared secret for %s: %w", deviceID, err)
		}
		ct, err := cryptocore.Seal([]byte(text), secret)
		if err != nil {
			return msgcache.Message{}, err
		}
		deliveries = append(deliveries, wire.Delivery{DeviceID: deviceID, Ciphertext: ct})
	}

	messageID := uuid.NewString()
	frame := wire.Frame{
		Type:            wire.TypeChat,
		MessageID:       messageID,
		ConversationKey: convKey,
		Deliveries:      deliveries,
	}
	if !c.knownConversation(convKey) {
		frame.Type = wire.TypeNewConversation
		frame.RecipientID = recipientID.String()
		frame.ListingID = listingID
	}
	reply, err := sock.request(ctx, frame)
	if err != nil {
		return msgcache.Message{}, err
	}
	if reply.Type == wire.TypeError {
		return msgcache.Message{}, fmt.Errorf("%w: %s: %s", ErrSendRejected, reply.Code, reply.Message)
	}
	if reply.SentAt == nil {
		return msgcache.Message{}, fmt.Errorf("%w: ack without sentAt", ErrSendRejected)
	}

	msg := msgcache.Message{
		ID:              messageID,
		ConversationKey: convKey,
		SenderID:        sess.UserID,
		Text:            text,
		SentAt:          reply.SentAt.UTC(),
		Direction:       msgcache.Outgoing,
	}
	err = c.commit(gen, func() error {
		if !c.knownConversation(convKey) {
			c.cache.SetMeta(msgcache.Meta{
				ConversationKey: convKey,
				Title:           recipientID.String(),
				ListingID:       listingID,
				Participants:    []string{sess.UserID, recipientID.String()},
			})
		}
		c.cache.Upsert(msg)
		return nil
	})
	if err != nil {
		return msgcache.Message{}, err
	}
	c.publishUpdated(convKey)
	return msg, nil
}

// knownConversation reports whether the server already has key: it came from
// the conversation list or a send to it was acked.
func (c *Client) knownConversation(key string) bool {
	m, ok := c.cache.Meta(key)
	return ok && len(m.Participants) > 0
}

func (c *Client) resolveTarget(ctx context.Context, sess Session, target Target) (uuid.UUID, string, error) {
	if target.RecipientID != "" {
		id, err := uuid.Parse(strings.TrimSpace(target.RecipientID))
		if err != nil || id == uuid.Nil {
			return uuid.Nil, "", fmt.Errorf("msgclient: bad recipient id %q", target.RecipientID)
		}
		return id, strings.TrimSpace(target.ListingID), nil
	}
	if target.ConversationKey == "" {
		return uuid.Nil, "", fmt.Errorf("%w: empty target", ErrUnknownConversation)
	}
	meta, ok := c.cache.Meta(target.ConversationKey)
	if !ok || len(meta.Participants) == 0 {
		if err := c.refreshConversations(ctx); err != nil {
			return uuid.Nil, "", err
		}
		if meta, ok = c.cache.Meta(target.ConversationKey); !ok {
			return uuid.Nil, "", fmt.Errorf("%w: %s", ErrUnknownConversation, target.ConversationKey)
		}
	}
	for _, p := range meta.Participants {
		if p != sess.UserID {
			id, err := uuid.Parse(p)
			if err != nil {
				break
			}
			return id, meta.ListingID, nil
		}
	}
	return uuid.Nil, "", fmt.Errorf("%w: %s", ErrUnknownConversation, target.ConversationKey)
}

// LoadOlderMessages fetches the page of conversationKey just before the
// oldest cached message. A newer call cancels one still in flight; the older
// call then returns ErrSuperseded and its rows are discarded.
func (c *Client) LoadOlderMessages(ctx context.Context, conversationKey string) ([]msgcache.Message, error) {
	sess, key, sessGen, err := c.activeGen()
	if err != nil {
		return nil, err
	}
	ctx, gen, cancel := c.beginLoad(ctx)
	defer cancel()

	params := SyncParams{DeviceID: sess.DeviceID, ConversationKey: conversationKey, Count: c.cfg.PageSize}
	if oldest, _, ok := c.cache.Bounds(conversationKey); ok {
		params.Before = &oldest
	}
	resp, err := c.syncAPI.Sync(ctx, params)
	if !c.loadCurrent(gen) {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	recs := c.records(sess, resp.Messages)
	msgs := c.decrypt(ctx, sess, key, recs)
	if !c.loadCurrent(gen) {
		return nil, ErrSuperseded
	}
	err = c.commit(sessGen, func() error {
		if err := c.store.PutHistory(ctx, recs...); err != nil {
			return fmt.Errorf("msgclient: mirror: %w", err)
		}
		c.cache.AppendOlder(conversationKey, msgs)
		c.cache.AdvanceOffset(conversationKey, len(resp.Messages))
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishUpdated(conversationKey)
	return msgs, nil
}

func (c *Client) beginLoad(parent context.Context) (context.Context, uint64, context.CancelFunc) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loadCancel != nil {
		c.loadCancel()
	}
	c.loadGen++
	ctx, cancel := context.WithCancel(parent)
	c.loadCancel = cancel
	return ctx, c.loadGen, cancel
}

func (c *Client) loadCurrent(gen uint64) bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loadGen == gen
}

// MarkRead advances the caller's read marker of every conversation touched by
// messageIDs to the newest of those messages.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	sess, _, err := c.active()
	if err != nil {
		return err
	}
	upTo := make(map[string]time.Time)
	for _, id := range messageIDs {
		m, ok := c.cache.Find(id)
		if !ok {
			continue
		}
		if m.SentAt.After(upTo[m.ConversationKey]) {
			upTo[m.ConversationKey] = m.SentAt
		}
	}
	if len(upTo) == 0 {
		return nil
	}
	sock, err := c.socket()
	if err != nil {
		return err
	}
	for key, at := range upTo {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last, ok := c.cache.LastRead(key, sess.UserID); ok && !at.After(last) {
			continue
		}
		lastRead := at.UTC()
		if err := sock.write(wire.Frame{Type: wire.TypeRead, ConversationKey: key, LastRead: &lastRead}); err != nil {
			return err
		}
		c.cache.SetLastRead(key, sess.UserID, lastRead)
		c.events.Publish(eventbus.Event{Topic: eventbus.TopicConversationsUpdated, ConversationKey: key})
	}
	return nil
}

// GetMessages returns the cached messages of conversationKey, newest first.
func (c *Client) GetMessages(conversationKey string) []msgcache.Message {
	return c.cache.Messages(conversationKey)
}

func (c *Client) GetConversationList() []msgcache.Summary {
	return c.cache.Conversations()
}

// CatchUp refreshes the conversation list, pulls every delivery newer than
// the local mirror and applies read receipts changed since the last call.
func (c *Client) CatchUp(ctx context.Context) error {
	_, _, gen, err := c.activeGen()
	if err != nil {
		return err
	}
	if err := c.refreshConversations(ctx); err != nil {
		return err
	}
	if err := c.syncNewer(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	since := c.receiptsSince
	c.mu.RUnlock()
	if !since.IsZero() {
		since = since.Add(-catchUpOverlap)
	}
	resp, err := c.syncAPI.ReadReceipts(ctx, since)
	if err != nil {
		return fmt.Errorf("msgclient: read receipts: %w", err)
	}
	var changed []ReadReceipt
	err = c.commit(gen, func() error {
		for _, r := range resp.Receipts {
			if c.cache.SetLastRead(r.ConversationKey, r.UserID, r.LastRead.UTC()) {
				changed = append(changed, ReadReceipt{ConversationKey: r.ConversationKey, UserID: r.UserID, LastRead: r.LastRead.UTC()})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.receiptsSince = resp.ServerTime
	}
	c.mu.Unlock()
	for _, r := range changed {
		c.events.Publish(eventbus.Event{Topic: eventbus.TopicReadReceipt, ConversationKey: r.ConversationKey, Payload: r})
	}
	return nil
}

// syncNewer pulls deliveries from a little below the newest mirrored one,
// oldest first, until a short page. With an empty mirror it fetches the
// newest page only; older history is loaded on demand.
func (c *Client) syncNewer(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	sess, key, gen, err := c.activeGen()
	if err != nil {
		return err
	}
	var after *time.Time
	latest, err := c.store.LatestSentAt(ctx, sess.UserID)
	switch {
	case err == nil:
		from := latest.Add(-catchUpOverlap)
		after = &from
	case !errors.Is(err, localstore.ErrNotFound):
		return fmt.Errorf("msgclient: mirror cursor: %w", err)
	}

	touched := make(map[string]struct{})
	for {
		resp, err := c.syncAPI.Sync(ctx, SyncParams{DeviceID: sess.DeviceID, Count: c.cfg.PageSize, After: after})
		if err != nil {
			return fmt.Errorf("msgclient: sync: %w", err)
		}
		recs := c.records(sess, resp.Messages)
		msgs := c.decrypt(ctx, sess, key, recs)
		byConv := make(map[string][]msgcache.Message)
		for _, m := range msgs {
			byConv[m.ConversationKey] = append(byConv[m.ConversationKey], m)
		}
		err = c.commit(gen, func() error {
			if err := c.store.PutHistory(ctx, recs...); err != nil {
				return fmt.Errorf("msgclient: mirror: %w", err)
			}
			for k, group := range byConv {
				c.cache.AdvanceOffset(k, c.cache.Upsert(group...))
				touched[k] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if after == nil || len(resp.Messages) < c.cfg.PageSize {
			break
		}
		next := resp.Messages[len(resp.Messages)-1].SentAt.UTC()
		after = &next
	}

	for k := range touched {
		if !c.knownConversation(k) {
			if err := c.refreshConversations(ctx); err != nil {
				c.log.Warn("msgclient: conversation refresh failed", "error", err)
			}
			break
		}
	}
	for k := range touched {
		c.publishUpdated(k)
	}
	return nil
}

func (c *Client) refreshConversations(ctx context.Context) error {
	sess, _, gen, err := c.activeGen()
	if err != nil {
		return err
	}
	resp, err := c.syncAPI.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("msgclient: conversations: %w", err)
	}
	err = c.commit(gen, func() error {
		for _, conv := range resp.Conversations {
			meta := msgcache.Meta{ConversationKey: conv.ConversationKey, ListingID: conv.ListingID}
			for _, p := range conv.Participants {
				meta.Participants = append(meta.Participants, p.UserID)
				if p.UserID != sess.UserID && meta.Title == "" {
					meta.Title = p.UserID
				}
			}
			c.cache.SetMeta(meta)
			for _, p := range conv.Participants {
				if p.LastReadAt != nil {
					c.cache.SetLastRead(conv.ConversationKey, p.UserID, p.LastReadAt.UTC())
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.events.Publish(eventbus.Event{Topic: eventbus.TopicConversationsUpdated})
	return nil
}

func (c *Client) restoreMirror(ctx context.Context) error {
	sess, key, gen, err := c.activeGen()
	if err != nil {
		return err
	}
	recs, err := c.store.AllHistory(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("msgclient: load mirror: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	msgs := c.decrypt(ctx, sess, key, recs)
	if err := c.commit(gen, func() error {
		c.cache.Upsert(msgs...)
		return nil
	}); err != nil {
		return err
	}
	touched := make(map[string]struct{})
	for _, m := range msgs {
		touched[m.ConversationKey] = struct{}{}
	}
	for k := range touched {
		c.publishUpdated(k)
	}
	return nil
}

func (c *Client) records(sess Session, rows []wire.SyncedMessage) []localstore.HistoryRecord {
	out := make([]localstore.HistoryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, localstore.HistoryRecord{
			ID:              r.MessageID,
			LocalUserID:     sess.UserID,
			ConversationKey: r.ConversationKey,
			SenderID:        r.SenderID,
			SenderDeviceID:  r.SenderDeviceID,
			Ciphertext:      r.Ciphertext,
			SentAt:          r.SentAt.UTC(),
			ReadAt:          r.ReadAt,
		})
	}
	return out
}

// decrypt opens every record. A record that cannot be opened becomes a
// placeholder message instead of failing the batch.
func (c *Client) decrypt(ctx context.Context, sess Session, key *keyvault.Key, recs []localstore.HistoryRecord) []msgcache.Message {
	out := make([]msgcache.Message, 0, len(recs))
	for _, r := range recs {
		m := msgcache.Message{
			ID:              r.ID,
			ConversationKey: r.ConversationKey,
			SenderID:        r.SenderID,
			SentAt:          r.SentAt.UTC(),
			Direction:       msgcache.Incoming,
			ReadAt:          r.ReadAt,
		}
		if r.SenderID == sess.UserID {
			m.Direction = msgcache.Outgoing
		}
		text, err := c.open(ctx, key, r.SenderID, r.SenderDeviceID, r.Ciphertext)
		if err != nil {
			c.log.Warn("msgclient: message could not be decrypted", "message_id", r.ID, "error", err)
			m.Text = FailedPlaceholder
			m.Failed = true
		} else {
			m.Text = text
		}
		out = append(out, m)
	}
	return out
}

func (c *Client) open(ctx context.Context, key *keyvault.Key, senderID, senderDeviceID string, ciphertext []byte) (string, error) {
	pub, err := c.devicePublicKey(ctx, senderID, senderDeviceID)
	if err != nil {
		return "", err
	}
	secret, err := c.secrets.Get(senderDeviceID, pub, key.SharedSecret)
	if err != nil {
		return "", err
	}
	plain, err := cryptocore.Open(ciphertext, secret)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// devicePublicKey resolves the key of a sender device. Revoked devices still
// resolve so their history stays readable.
func (c *Client) devicePublicKey(ctx context.Context, userID, deviceID string) ([32]byte, error) {
	c.devMu.Lock()
	pub, ok := c.devices[deviceID]
	c.devMu.Unlock()
	if ok {
		return pub, nil
	}
	d, err := c.directory.GetDevice(ctx, deviceID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("msgclient: device %s of %s: %w", deviceID, userID, err)
	}
	if d.UserID != userID {
		return [32]byte{}, fmt.Errorf("msgclient: device %s does not belong to %s", deviceID, userID)
	}
	c.rememberDevices(map[string][32]byte{deviceID: d.PublicKey})
	return d.PublicKey, nil
}

func (c *Client) rememberDevices(devices map[string][32]byte) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	for id, pub := range devices {
		c.devices[id] = pub
	}
}

func (c *Client) publishUpdated(key string) {
	c.events.Publish(eventbus.Event{Topic: eventbus.TopicMessagesUpdated, ConversationKey: key})
	c.events.Publish(eventbus.Event{Topic: eventbus.TopicConversationsUpdated, ConversationKey: key})
}
