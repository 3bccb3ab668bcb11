package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"secumsg/internal/authz"
	"secumsg/internal/httpx"
	"secumsg/services/messages/internal/devices"
	"secumsg/services/messages/internal/observability/metrics"
	"secumsg/services/messages/internal/service"
	"secumsg/services/messages/internal/store"
	"secumsg/services/messages/pkg/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	svc    *service.Service
	owners devices.Owners
}

// NewRouter mounts the sync endpoints behind bearer auth and the websocket
// endpoint, which authenticates in-band with its first frame. owners confirms
// devices named by tokens that are not device-bound; when nil such tokens
// cannot sync.
func NewRouter(svc *service.Service, verifier authz.Verifier, owners devices.Owners, socket http.Handler) chi.Router {
	h := &Handler{svc: svc, owners: owners}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.WithRequestAndTrace)
	r.Use(httpx.WithMetrics(metrics.HTTPRequestsTotal, metrics.HTTPRequestDurationSeconds))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", socket)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authz.Middleware(verifier, metrics.AuthenticationAttemptsTotal))
		r.Get("/messages/sync", h.handleSync)
		r.Get("/read-receipts", h.handleReadReceipts)
		r.Get("/conversations", h.handleConversations)
	})
	return r
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	q := r.URL.Query()

	deviceID, err := uuid.Parse(q.Get("originDeviceId"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid originDeviceId")
		return
	}
	tok, _ := httpx.BearerToken(r)
	if err := devices.Check(r.Context(), h.owners, claims, tok, deviceID); err != nil {
		switch {
		case errors.Is(err, devices.ErrMismatch):
			httpx.WriteError(w, http.StatusForbidden, "token is bound to another device")
		case devices.Refused(err):
			httpx.WriteError(w, http.StatusForbidden, "device does not belong to caller")
		default:
			slog.Error("device lookup failed", append(httpx.LogAttrs(r.Context()), "error", err, "device_id", deviceID)...)
			httpx.WriteError(w, http.StatusBadGateway, "device lookup failed")
		}
		return
	}
	query := service.SyncQuery{
		UserID:          claims.UserID,
		DeviceID:        deviceID,
		ConversationKey: q.Get("conversationKey"),
		ListingID:       q.Get("listingId"),
	}
	if v := q.Get("targetUserId"); v != "" {
		if query.TargetUserID, err = uuid.Parse(v); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid targetUserId")
			return
		}
	}
	if v := q.Get("count"); v != "" {
		if query.Count, err = strconv.Atoi(v); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid count")
			return
		}
	}
	if query.Before, err = parseTime(q.Get("beforeDate")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid beforeDate")
		return
	}
	if query.After, err = parseTime(q.Get("afterDate")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid afterDate")
		return
	}

	res, err := h.svc.SyncMessages(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err, "sync failed")
		return
	}
	scope := "catch_up"
	if query.After == nil {
		scope = "history"
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues(scope).Inc()

	out := wire.SyncResponse{Messages: make([]wire.SyncedMessage, 0, len(res.Rows)), ServerTime: res.ServerTime}
	for _, row := range res.Rows {
		out.Messages = append(out.Messages, syncedMessage(row))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleReadReceipts(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid since")
		return
	}
	var from time.Time
	if since != nil {
		from = *since
	}
	res, err := h.svc.GetUpdatedReadReceipts(r.Context(), claims.UserID, from)
	if err != nil {
		writeServiceError(w, r, err, "read receipts failed")
		return
	}
	out := wire.ReadReceiptsResponse{Receipts: make([]wire.ReadReceipt, 0, len(res.Receipts)), ServerTime: res.ServerTime}
	for _, p := range res.Receipts {
		rr := wire.ReadReceipt{ConversationKey: p.ConversationKey, UserID: p.UserID.String()}
		if p.LastReadAt != nil {
			rr.LastRead = p.LastReadAt.UTC()
		}
		if p.ReadUpdatedAt != nil {
			rr.UpdatedAt = p.ReadUpdatedAt.UTC()
		}
		out.Receipts = append(out.Receipts, rr)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	convs, err := h.svc.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, err, "list conversations failed")
		return
	}
	out := wire.ConversationsResponse{Conversations: make([]wire.Conversation, 0, len(convs)), ServerTime: time.Now().UTC()}
	for _, c := range convs {
		conv := wire.Conversation{
			ConversationKey: c.Conversation.Key,
			ListingID:       c.Conversation.ListingID,
			CreatedAt:       c.Conversation.CreatedAt.UTC(),
			LastMessageAt:   c.LastMessageAt,
		}
		for _, p := range c.Participants {
			conv.Participants = append(conv.Participants, wire.Participant{UserID: p.UserID.String(), LastReadAt: p.LastReadAt})
		}
		out.Conversations = append(out.Conversations, conv)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func syncedMessage(row store.SyncRow) wire.SyncedMessage {
	return wire.SyncedMessage{
		MessageID:       row.MessageID.String(),
		ConversationKey: row.ConversationKey,
		SenderID:        row.SenderID.String(),
		SenderDeviceID:  row.SenderDeviceID.String(),
		Ciphertext:      row.Ciphertext,
		SentAt:          row.SentAt.UTC(),
		ReadAt:          row.ReadAt,
	}
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotParticipant):
		httpx.WriteError(w, http.StatusForbidden, "not a participant")
	default:
		slog.Error(msg, append(httpx.LogAttrs(r.Context()), "error", err)...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
