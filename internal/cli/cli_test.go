package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/cache"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/node/internal/transport/grpcclient"
	"github.com/BrandonDHaskell/Portunus/node/internal/transport/httpclient"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCommand("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("dev")
	for _, name := range []string{"run", "inspect", "authority", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, name := range []string{"queue", "cache", "cursor"} {
		sub, _, err := cmd.Find([]string{"inspect", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "1.2.3\n", execute(t, "version"))
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Device.ID = "lib-gate-2"
	cfg.Access.StalePolicy = "allow"
	cfg.Sync.BatchSize = 7

	got, err := coordinatorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "lib-gate-2", got.Access.DeviceID)
	assert.Equal(t, access.StaleAllow, got.Access.StalePolicy)
	assert.Equal(t, 7, got.Sync.BatchSize)
	assert.Equal(t, cfg.Store.QueueCapacity, got.QueueCapacity)
	assert.Equal(t, cfg.Sync.BackoffMax, got.Sync.BackoffMax)

	cfg.Access.StalePolicy = "sometimes"
	_, err = coordinatorConfig(cfg)
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewFake(t0)

	tr, err := newTransport(cfg, clk)
	require.NoError(t, err)
	assert.IsType(t, &httpclient.Client{}, tr)
	require.NoError(t, tr.Close())

	cfg.Sync.Transport = "grpc"
	cfg.Sync.Endpoint = "127.0.0.1:9090"
	cfg.Sync.DeviceSecret = "s3cret"
	tr, err = newTransport(cfg, clk)
	require.NoError(t, err)
	assert.IsType(t, &grpcclient.Client{}, tr)
	require.NoError(t, tr.Close())

	cfg.Sync.Transport = "smoke-signal"
	_, err = newTransport(cfg, clk)
	assert.Error(t, err)
}

func TestInspect_ReadsDurableState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	st, closeStore, err := openStore(ctx, path)
	require.NoError(t, err)
	q, _, err := queue.Open(ctx, st, queue.Options{Capacity: 10})
	require.NoError(t, err)
	_, err = q.Append(ctx, types.AccessEvent{
		ID: "e1", DeviceID: "door-001", CredentialID: "A123",
		Outcome: types.OutcomeGranted, Reason: types.ReasonCredentialAllowed, Timestamp: t0,
	})
	require.NoError(t, err)
	c, _, err := cache.Open(ctx, st, cache.Options{Clock: clock.NewFake(t0)})
	require.NoError(t, err)
	_, err = c.Merge(ctx, types.Credential{ID: "A123", Decision: types.DecisionAllow, Version: 4})
	require.NoError(t, err)
	closeStore()

	var ev eventLine
	require.NoError(t, json.Unmarshal([]byte(execute(t, "inspect", "queue", "--db", path)), &ev))
	assert.Equal(t, uint64(1), ev.QueueID)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "granted", ev.Outcome)

	var cred credentialLine
	require.NoError(t, json.Unmarshal([]byte(execute(t, "inspect", "cache", "--db", path)), &cred))
	assert.Equal(t, "A123", cred.ID)
	assert.Equal(t, uint64(4), cred.Version)
	assert.True(t, cred.ReceivedAt.Equal(t0))

	out := execute(t, "inspect", "cursor", "--db", path)
	assert.True(t, strings.HasPrefix(out, `{"acked_event_id":0,"credential_version":0`), out)
}
