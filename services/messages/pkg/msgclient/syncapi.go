package msgclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"secumsg/services/messages/pkg/wire"
)

// SyncParams selects a page of ciphertext addressed to DeviceID. At most one
// of Before and After may be set.
type SyncParams struct {
	DeviceID        string
	ConversationKey string
	TargetUserID    string
	ListingID       string
	Count           int
	Before          *time.Time
	After           *time.Time
}

// SyncClient talks to the message service REST endpoints.
type SyncClient struct {
	api apiClient
}

func (s *SyncClient) Sync(ctx context.Context, p SyncParams) (wire.SyncResponse, error) {
	q := url.Values{}
	q.Set("originDeviceId", p.DeviceID)
	if p.ConversationKey != "" {
		q.Set("conversationKey", p.ConversationKey)
	}
	if p.TargetUserID != "" {
		q.Set("targetUserId", p.TargetUserID)
	}
	if p.ListingID != "" {
		q.Set("listingId", p.ListingID)
	}
	if p.Count > 0 {
		q.Set("count", strconv.Itoa(p.Count))
	}
	if p.Before != nil {
		q.Set("beforeDate", p.Before.UTC().Format(time.RFC3339Nano))
	}
	if p.After != nil {
		q.Set("afterDate", p.After.UTC().Format(time.RFC3339Nano))
	}
	var out wire.SyncResponse
	err := s.api.do(ctx, http.MethodGet, "/v1/messages/sync", q, nil, nil, &out)
	return out, err
}

func (s *SyncClient) ReadReceipts(ctx context.Context, since time.Time) (wire.ReadReceiptsResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out wire.ReadReceiptsResponse
	err := s.api.do(ctx, http.MethodGet, "/v1/read-receipts", q, nil, nil, &out)
	return out, err
}

func (s *SyncClient) Conversations(ctx context.Context) (wire.ConversationsResponse, error) {
	var out wire.ConversationsResponse
	err := s.api.do(ctx, http.MethodGet, "/v1/conversations", nil, nil, nil, &out)
	return out, err
}
