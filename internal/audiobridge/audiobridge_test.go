package audiobridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quic-go/webtransport-go"
)

func TestHandleUpgradeRejectsMissingParams(t *testing.T) {
	called := false
	b := New(":0", "/audio", nil, func(_ context.Context, _, _ string, _ *webtransport.Session) {
		called = true
	})

	cases := []string{
		"/audio",
		"/audio?sessionId=calm-otter-123",
		"/audio?connectionId=conn-1",
	}
	for _, target := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		b.handleUpgrade(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
	if called {
		t.Fatalf("handoff must not be invoked when required params are missing")
	}
}
