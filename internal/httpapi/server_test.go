package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thunder45/translate-control-plane/internal/authz"
	"github.com/thunder45/translate-control-plane/internal/broadcast"
	"github.com/thunder45/translate-control-plane/internal/control"
	"github.com/thunder45/translate-control-plane/internal/idgen"
	"github.com/thunder45/translate-control-plane/internal/langsupport"
	"github.com/thunder45/translate-control-plane/internal/ratelimit"
	"github.com/thunder45/translate-control-plane/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	az := authz.New(authz.Config{Issuer: "https://issuer.example", JWKSURL: "http://unused.invalid"})
	limiter := ratelimit.New(st, map[string]ratelimit.Policy{
		"createSession": {Window: time.Minute, Limit: 5, FailOpen: false},
		"joinSession":   {Window: time.Minute, Limit: 30, FailOpen: true},
	})
	idGen := idgen.New(nil, nil)
	langs := langsupport.New(langsupport.StaticProber(map[string][]string{"en": {"es"}}), time.Minute, 500*time.Millisecond)
	hub := broadcast.NewHub()
	ctl := control.New(st, az, limiter, idGen, langs, hub, control.DefaultConfig())

	return New(ctl, st, "test-server", nil), st
}

func TestHealthz(t *testing.T) {
	api, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Server != "test-server" {
		t.Fatalf("unexpected healthz payload: %#v", body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	api, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/missing-session-100")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetSessionFound(t *testing.T) {
	api, st := newTestServer(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, store.Session{
		SessionID:      "quiet-otter-123",
		SourceLanguage: "en",
		QualityTier:    store.TierStandard,
		IsActive:       true,
		ListenerCount:  2,
	}, true); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/quiet-otter-123")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap sessionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SessionID != "quiet-otter-123" || snap.ListenerCount != 2 || !snap.IsActive {
		t.Fatalf("unexpected session snapshot: %#v", snap)
	}
}
