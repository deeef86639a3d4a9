package authority_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/auth"
	"github.com/BrandonDHaskell/Portunus/node/internal/authority"
	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/logging"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

const secret = "s3cret"

func newTestHTTP(t *testing.T, svc *authority.Service) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(authority.NewHTTPHandler(svc, authority.ServerOptions{
		Secret: secret,
		Clock:  clock.NewFake(t0),
		Logger: logging.Discard(),
	}))
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, device string) string {
	t.Helper()
	src, err := auth.NewTokenSource(device, secret, time.Hour, clock.NewFake(t0))
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return "Bearer " + tok
}

func do(t *testing.T, method, url, authz string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTP_RequiresDeviceToken(t *testing.T) {
	ts := newTestHTTP(t, newTestService())

	resp := do(t, http.MethodGet, ts.URL+"/v1/health?device_id=door-001", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/health?device_id=door-001", bearer(t, "door-002"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a token issued to another device, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/health?device_id=door-001", bearer(t, "door-001"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHTTP_SetDecisionThenPull(t *testing.T) {
	ts := newTestHTTP(t, newTestService())
	authz := bearer(t, "door-001")

	resp := do(t, http.MethodPut, ts.URL+"/v1/credentials/A123", authz, map[string]string{"decision": "allow"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/credentials?device_id=door-001&since=0", authz, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var pull remote.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pull.Cursor != 1 || len(pull.Updates) != 1 || pull.Updates[0].Decision != "allow" {
		t.Errorf("unexpected pull response: %+v", pull)
	}
}

func TestHTTP_Stats(t *testing.T) {
	svc := newTestService()
	ts := newTestHTTP(t, svc)

	if _, err := svc.Push(context.Background(), "door-001", []types.AccessEvent{event("e1"), event("e2")}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	resp := do(t, http.MethodGet, ts.URL+"/v1/stats", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/stats", bearer(t, "door-001"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st authority.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Entries != 2 || st.ByDevice["door-001"] != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestHTTP_BadInputs(t *testing.T) {
	ts := newTestHTTP(t, newTestService("door-001"))
	authz := bearer(t, "door-001")

	resp := do(t, http.MethodGet, ts.URL+"/v1/credentials?device_id=door-001&since=-1", authz, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, ts.URL+"/v1/credentials/A123", authz, map[string]string{"decision": "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad decision, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, ts.URL+"/v1/events", authz, map[string]any{"device_id": "door-001", "unexpected": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", resp.StatusCode)
	}

	other := bearer(t, "door-999")
	resp = do(t, http.MethodGet, ts.URL+"/v1/credentials?device_id=door-999", other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for unknown device, got %d", resp.StatusCode)
	}
}
