// Package devices decides whether a caller may act as a device. Tokens that
// carry a device id are bound to it; other tokens are checked against the keys
// service directory.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"secumsg/internal/authz"

	"github.com/google/uuid"
)

var (
	ErrMismatch = errors.New("devices: token is bound to another device")
	ErrNotOwned = errors.New("devices: device does not belong to caller")
	ErrUnbound  = errors.New("devices: token is not bound to a device")
)

// Owners confirms that deviceID is an active device of userID. token is the
// caller's bearer token, forwarded to the directory.
type Owners interface {
	CheckOwner(ctx context.Context, token string, userID, deviceID uuid.UUID) error
}

// Check applies the binding rules for a request acting as deviceID.
func Check(ctx context.Context, owners Owners, claims authz.Claims, token string, deviceID uuid.UUID) error {
	if claims.DeviceID != uuid.Nil {
		if claims.DeviceID != deviceID {
			return ErrMismatch
		}
		return nil
	}
	if owners == nil {
		return ErrUnbound
	}
	return owners.CheckOwner(ctx, token, claims.UserID, deviceID)
}

// Refused reports whether err is a binding decision rather than a lookup
// failure.
func Refused(err error) bool {
	return errors.Is(err, ErrMismatch) || errors.Is(err, ErrNotOwned) || errors.Is(err, ErrUnbound)
}

// Directory looks devices up on the keys service. Confirmed owners are
// cached for ttl, so a revocation takes up to ttl to be noticed.
type Directory struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[uuid.UUID]binding
}

type binding struct {
	userID  uuid.UUID
	expires time.Time
}

func NewDirectory(baseURL string, client *http.Client, ttl time.Duration) *Directory {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Directory{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		ttl:     ttl,
		now:     time.Now,
		seen:    make(map[uuid.UUID]binding),
	}
}

func (d *Directory) CheckOwner(ctx context.Context, token string, userID, deviceID uuid.UUID) error {
	d.mu.Lock()
	b, ok := d.seen[deviceID]
	d.mu.Unlock()
	if ok && d.now().Before(b.expires) {
		if b.userID != userID {
			return ErrNotOwned
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/devices/"+url.PathEscape(deviceID.String()), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("devices: lookup %s: %w", deviceID, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotOwned
	default:
		return fmt.Errorf("devices: lookup %s: status %d", deviceID, resp.StatusCode)
	}

	var body struct {
		UserID    uuid.UUID  `json:"userId"`
		RevokedAt *time.Time `json:"revokedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("devices: decode %s: %w", deviceID, err)
	}
	if body.RevokedAt != nil || body.UserID != userID {
		return ErrNotOwned
	}
	d.mu.Lock()
	d.seen[deviceID] = binding{userID: userID, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return nil
}
