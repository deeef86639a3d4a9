package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/node/internal/logging"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/coordinator"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

type fakeNode struct {
	mu       sync.Mutex
	snap     coordinator.Snapshot
	commands []coordinator.Command
	busy     bool
}

func (n *fakeNode) Snapshot() coordinator.Snapshot { return n.snap }

func (n *fakeNode) Submit(c coordinator.Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.busy {
		return coordinator.ErrBusy
	}
	n.commands = append(n.commands, c)
	return nil
}

func (n *fakeNode) submitted() []coordinator.Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]coordinator.Command(nil), n.commands...)
}

// newTestServer wires the admin API to a fake node and returns an
// httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, node *fakeNode) *httptest.Server {
	t.Helper()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger: logging.Discard(),
		Addr:   ":0",
		Node:   node,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// ── Status ───────────────────────────────────────────────────────────────────

func TestStatus_ReturnsSnapshot(t *testing.T) {
	node := &fakeNode{snap: coordinator.Snapshot{
		At:            time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Door:          types.DoorUnlocked,
		SyncState:     syncer.BackoffWait,
		QueueDepth:    7,
		QueueCapacity: 1000,
		CacheSize:     42,
	}}
	ts := newTestServer(t, node)

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var got coordinator.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Door != types.DoorUnlocked {
		t.Errorf("expected door=unlocked, got %q", got.Door)
	}
	if got.SyncState != syncer.BackoffWait {
		t.Errorf("expected sync_state=backoff_wait, got %q", got.SyncState)
	}
	if got.QueueDepth != 7 || got.CacheSize != 42 {
		t.Errorf("unexpected counts: %+v", got)
	}
}

func TestHealthz_OK(t *testing.T) {
	ts := newTestServer(t, &fakeNode{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// ── Commands ─────────────────────────────────────────────────────────────────

func TestCommands_AreSubmitted(t *testing.T) {
	node := &fakeNode{}
	ts := newTestServer(t, node)

	for _, path := range []string{"/v1/sync", "/v1/alarm/reset"} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", path, resp.StatusCode)
		}
	}

	got := node.submitted()
	want := []coordinator.Command{coordinator.CommandSync, coordinator.CommandReset}
	if len(got) != len(want) {
		t.Fatalf("expected %d commands, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestCommands_Busy_503(t *testing.T) {
	ts := newTestServer(t, &fakeNode{busy: true})

	resp, err := http.Post(ts.URL+"/v1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	var body httpapi.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "busy" {
		t.Errorf("expected error=busy, got %q", body.Error)
	}
}

func TestCommands_WrongMethod_405(t *testing.T) {
	ts := newTestServer(t, &fakeNode{})

	resp, err := http.Get(ts.URL + "/v1/sync")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStart_LogsListeningOnceAndShutsDownCleanly(t *testing.T) {
	var out lockedBuffer
	logger := logging.NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, "test", "door-001", &out)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger: logger,
		Addr:   "127.0.0.1:0",
		Node:   &fakeNode{},
	})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "listening") {
		if time.Now().After(deadline) {
			t.Fatal("server never logged that it is listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Start after shutdown: %v", err)
	}
	if n := strings.Count(out.String(), "listening"); n != 1 {
		t.Errorf("expected one listening line, got %d:\n%s", n, out.String())
	}
}
