package devices

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"secumsg/internal/authz"
	"secumsg/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func directoryServer(t *testing.T, owners map[uuid.UUID]uuid.UUID, revoked map[uuid.UUID]bool, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/v1/devices/{deviceID}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer caller-token" {
			httpx.WriteError(w, http.StatusUnauthorized, "missing token")
			return
		}
		id, _ := uuid.Parse(chi.URLParam(r, "deviceID"))
		owner, ok := owners[id]
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "device not found")
			return
		}
		out := map[string]any{"deviceId": id, "userId": owner, "publicKey": "x"}
		if revoked[id] {
			out["revokedAt"] = time.Now().UTC()
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestDirectoryConfirmsOnlyActiveOwnDevices(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	aliceDevice, bobDevice, oldDevice := uuid.New(), uuid.New(), uuid.New()
	var hits atomic.Int32
	srv := directoryServer(t,
		map[uuid.UUID]uuid.UUID{aliceDevice: alice, bobDevice: bob, oldDevice: alice},
		map[uuid.UUID]bool{oldDevice: true}, &hits)
	d := NewDirectory(srv.URL+"/", nil, time.Minute)
	ctx := context.Background()

	cases := []struct {
		name   string
		user   uuid.UUID
		device uuid.UUID
		want   error
	}{
		{"own device", alice, aliceDevice, nil},
		{"another user's device", alice, bobDevice, ErrNotOwned},
		{"revoked device", alice, oldDevice, ErrNotOwned},
		{"unknown device", alice, uuid.New(), ErrNotOwned},
	}
	for _, tc := range cases {
		err := d.CheckOwner(ctx, "caller-token", tc.user, tc.device)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	before := hits.Load()
	if err := d.CheckOwner(ctx, "caller-token", alice, aliceDevice); err != nil {
		t.Fatalf("cached own device: %v", err)
	}
	if err := d.CheckOwner(ctx, "caller-token", bob, aliceDevice); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("cached device for another user: %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("expected cached answers, directory was hit %d more times", hits.Load()-before)
	}

	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := d.CheckOwner(ctx, "caller-token", alice, aliceDevice); err != nil {
		t.Fatalf("expired cache entry: %v", err)
	}
	if hits.Load() != before+1 {
		t.Fatalf("expected a fresh lookup after ttl")
	}
}

func TestDirectoryFailuresAreNotRefusals(t *testing.T) {
	var hits atomic.Int32
	srv := directoryServer(t, map[uuid.UUID]uuid.UUID{}, nil, &hits)
	d := NewDirectory(srv.URL, nil, time.Minute)

	err := d.CheckOwner(context.Background(), "wrong-token", uuid.New(), uuid.New())
	if err == nil || Refused(err) {
		t.Fatalf("expected a lookup failure, got %v", err)
	}
}

func TestCheckBindingRules(t *testing.T) {
	user, device := uuid.New(), uuid.New()
	ctx := context.Background()

	if err := Check(ctx, nil, authz.Claims{UserID: user, DeviceID: device}, "", device); err != nil {
		t.Fatalf("bound token for its device: %v", err)
	}
	if err := Check(ctx, nil, authz.Claims{UserID: user, DeviceID: device}, "", uuid.New()); !errors.Is(err, ErrMismatch) {
		t.Fatalf("bound token for another device: %v", err)
	}
	if err := Check(ctx, nil, authz.Claims{UserID: user}, "", device); !errors.Is(err, ErrUnbound) {
		t.Fatalf("unbound token without directory: %v", err)
	}
}
