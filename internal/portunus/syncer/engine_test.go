package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/logging"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/cache"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// ------------------------------------------------------------
// Fake transport
// ------------------------------------------------------------

type fakeTransport struct {
	connectErr error
	pushErr    error
	pullErr    error
	hangPush   bool // block until the call's deadline

	// nack marks event ids the authority rejects.
	nack map[string]bool

	pushed  []types.AccessEvent
	pulls   []uint64
	updates []types.Credential
	version uint64
}

func (f *fakeTransport) Connect(context.Context) error { return f.connectErr }

func (f *fakeTransport) Push(ctx context.Context, events []types.AccessEvent) ([]remote.PushResult, error) {
	if f.hangPush {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", remote.ErrTransport, ctx.Err())
	}
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	out := make([]remote.PushResult, len(events))
	for i, ev := range events {
		if f.nack[ev.ID] {
			out[i] = remote.PushResult{EventID: ev.ID, Error: "rejected"}
			continue
		}
		f.pushed = append(f.pushed, ev)
		out[i] = remote.PushResult{EventID: ev.ID, Acked: true}
	}
	return out, nil
}

func (f *fakeTransport) Pull(_ context.Context, since uint64) (remote.PullResult, error) {
	f.pulls = append(f.pulls, since)
	if f.pullErr != nil {
		return remote.PullResult{}, f.pullErr
	}
	var out []types.Credential
	for _, c := range f.updates {
		if c.Version > since {
			out = append(out, c)
		}
	}
	return remote.PullResult{Updates: out, Cursor: f.version}, nil
}

func (f *fakeTransport) Close() error { return nil }

// ------------------------------------------------------------
// Harness
// ------------------------------------------------------------

type harness struct {
	st     *memory.Store
	clk    *clock.Fake
	q      *queue.Queue
	c      *cache.Cache
	cursor *CursorStore
	tr     *fakeTransport
	e      *Engine
}

var testConfig = Config{
	BatchSize:   2,
	Interval:    30 * time.Second,
	Timeout:     20 * time.Millisecond,
	BackoffBase: time.Second,
	BackoffMax:  60 * time.Second,
}

func newHarness(t *testing.T, st *memory.Store, tr *fakeTransport) *harness {
	t.Helper()
	ctx := context.Background()
	if st == nil {
		st = memory.New()
	}
	clk := clock.NewFake(t0)

	cursor, corrupt, err := LoadCursor(ctx, st)
	require.NoError(t, err)
	require.False(t, corrupt)

	q, _, err := queue.Open(ctx, st, queue.Options{
		Capacity:       100,
		AckedWatermark: types.EventID(cursor.Get().AckedEventID),
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	c, _, err := cache.Open(ctx, st, cache.Options{Clock: clk, LastSync: cursor.Get().LastSyncAt, Logger: logging.Discard()})
	require.NoError(t, err)

	e, err := New(testConfig, tr, q, c, cursor, clk, logging.Discard())
	require.NoError(t, err)

	return &harness{st: st, clk: clk, q: q, c: c, cursor: cursor, tr: tr, e: e}
}

func (h *harness) appendEvents(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		_, err := h.q.Append(context.Background(), types.AccessEvent{
			ID:        fmt.Sprintf("evt-%d-%d", h.q.Len(), i),
			DeviceID:  "door-001",
			Outcome:   types.OutcomeGranted,
			Timestamp: h.clk.Now(),
		})
		require.NoError(t, err)
	}
}

// stepUntil steps until the engine reaches want, failing after a bound.
func (h *harness) stepUntil(t *testing.T, want State) {
	t.Helper()
	for range 50 {
		h.e.Step(context.Background())
		if h.e.State() == want {
			return
		}
	}
	t.Fatalf("engine never reached %s, stuck in %s", want, h.e.State())
}

// ------------------------------------------------------------
// Tests
// ------------------------------------------------------------

func TestEngine_FullCycleDrainsQueueAndMergesUpdates(t *testing.T) {
	tr := &fakeTransport{
		updates: []types.Credential{{ID: "A123", Decision: types.DecisionDeny, Version: 6}},
		version: 6,
	}
	h := newHarness(t, nil, tr)
	h.appendEvents(t, 5)

	h.e.Step(context.Background()) // Idle -> Connecting (first cycle is due)
	assert.Equal(t, Connecting, h.e.State())
	h.e.Step(context.Background())
	assert.Equal(t, Pushing, h.e.State())

	// Five events in batches of two: stays in Pushing until drained.
	h.e.Step(context.Background())
	assert.Equal(t, Pushing, h.e.State())
	assert.Equal(t, 3, h.q.Len())

	h.stepUntil(t, Idle)

	assert.Len(t, tr.pushed, 5)
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, []uint64{0}, tr.pulls)

	e := h.c.Lookup("A123")
	require.True(t, e.Found)
	assert.Equal(t, types.DecisionDeny, e.Credential.Decision)
	assert.Equal(t, time.Duration(0), e.Staleness)

	cur := h.cursor.Get()
	assert.Equal(t, uint64(5), cur.AckedEventID)
	assert.Equal(t, uint64(6), cur.CredentialVersion)
	assert.Equal(t, t0, cur.LastSyncAt)

	s := h.e.Stats()
	assert.Equal(t, uint64(1), s.Cycles)
	assert.Equal(t, uint64(5), s.Pushed)
	assert.Equal(t, uint64(1), s.Pulled)
}

func TestEngine_CursorSurvivesRestart(t *testing.T) {
	tr := &fakeTransport{version: 9}
	h := newHarness(t, nil, tr)
	h.appendEvents(t, 3)
	h.stepUntil(t, Pulling)
	h.stepUntil(t, Idle)

	cursor, corrupt, err := LoadCursor(context.Background(), h.st)
	require.NoError(t, err)
	assert.False(t, corrupt)
	assert.Equal(t, h.cursor.Get(), cursor.Get())

	// Incremental pulls resume from the stored version.
	h2 := newHarness(t, h.st, tr)
	h2.stepUntil(t, Pulling)
	h2.stepUntil(t, Idle)
	assert.Equal(t, []uint64{0, 9}, tr.pulls)
}

func TestEngine_IdleWaitsForIntervalKickOrTrigger(t *testing.T) {
	h := newHarness(t, nil, &fakeTransport{})
	h.stepUntil(t, Idle)

	h.e.Step(context.Background())
	assert.Equal(t, Idle, h.e.State(), "interval not elapsed")

	h.e.Kick()
	h.e.Step(context.Background())
	assert.Equal(t, Connecting, h.e.State())
	h.stepUntil(t, Idle)

	h.e.Trigger()
	h.e.Step(context.Background())
	assert.Equal(t, Connecting, h.e.State())
	h.stepUntil(t, Idle)

	h.clk.Advance(testConfig.Interval)
	h.e.Step(context.Background())
	assert.Equal(t, Connecting, h.e.State())
}

func TestEngine_KickDuringCycleStartsNextCycle(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, nil, tr)
	h.stepUntil(t, Pulling)

	// An event queued after the push phase is not in this cycle.
	h.appendEvents(t, 1)
	h.e.Kick()
	h.stepUntil(t, Idle)
	assert.Equal(t, 1, h.q.Len())

	h.e.Step(context.Background())
	assert.Equal(t, Connecting, h.e.State(), "kick survives the cycle")
	h.stepUntil(t, Idle)
	assert.Equal(t, 0, h.q.Len())
	assert.Len(t, tr.pushed, 1)

	h.e.Step(context.Background())
	assert.Equal(t, Idle, h.e.State(), "kick is consumed by one cycle")
}

func TestEngine_BackoffGrowsToCapAndResetsAfterSuccess(t *testing.T) {
	tr := &fakeTransport{hangPush: true}
	h := newHarness(t, nil, tr)
	h.appendEvents(t, 1)

	var delays []time.Duration
	for range 10 {
		h.stepUntil(t, BackoffWait)
		delays = append(delays, h.e.Stats().LastDelay)

		// Backoff holds until the delay elapses.
		h.e.Step(context.Background())
		require.Equal(t, BackoffWait, h.e.State())
		h.clk.Advance(h.e.Stats().LastDelay)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60, 60}
	for i := range want {
		want[i] *= time.Second
	}
	assert.Equal(t, want, delays)
	assert.Equal(t, 10, h.e.Stats().ConsecutiveFailures)
	assert.Contains(t, h.e.Stats().LastError, "deadline exceeded")
	assert.Equal(t, 1, h.q.Len(), "nothing discarded while failing")

	// Eleventh attempt succeeds.
	tr.hangPush = false
	h.stepUntil(t, Idle)
	assert.Equal(t, 0, h.e.Stats().ConsecutiveFailures)
	assert.Equal(t, 0, h.q.Len())

	// The next failure starts again from the base delay.
	tr.connectErr = remote.ErrTransport
	h.e.Trigger()
	h.stepUntil(t, BackoffWait)
	assert.Equal(t, time.Second, h.e.Stats().LastDelay)
}

func TestEngine_TriggerSkipsBackoffButKickDoesNot(t *testing.T) {
	tr := &fakeTransport{connectErr: remote.ErrTransport}
	h := newHarness(t, nil, tr)
	h.stepUntil(t, BackoffWait)

	h.e.Kick()
	h.e.Step(context.Background())
	assert.Equal(t, BackoffWait, h.e.State())

	h.e.Trigger()
	h.e.Step(context.Background())
	assert.Equal(t, Connecting, h.e.State())
}

func TestEngine_PartialAckKeepsRejectedEvents(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, nil, tr)
	h.appendEvents(t, 2)

	head := h.q.PeekBatch(2)
	tr.nack = map[string]bool{head[0].Event.ID: true}

	h.stepUntil(t, BackoffWait)

	left := h.q.PeekBatch(10)
	require.Len(t, left, 1)
	assert.Equal(t, head[0].ID, left[0].ID)
	assert.Equal(t, uint64(head[1].ID), h.cursor.Get().AckedEventID)
	assert.Contains(t, h.e.Stats().LastError, "not acknowledged")

	// Authority accepts on retry.
	tr.nack = nil
	h.clk.Advance(time.Second)
	h.stepUntil(t, Idle)
	assert.Equal(t, 0, h.q.Len())
}

func TestEngine_MalformedPullIsATransportFailure(t *testing.T) {
	tr := &fakeTransport{pullErr: fmt.Errorf("%w: bad decision", remote.ErrMalformedResponse)}
	h := newHarness(t, nil, tr)

	h.stepUntil(t, BackoffWait)
	assert.Contains(t, h.e.Stats().LastError, "malformed")
	assert.Equal(t, uint64(0), h.cursor.Get().CredentialVersion)
	assert.True(t, h.cursor.Get().LastSyncAt.IsZero())
}

func TestEngine_FullResyncPullsFromZeroWithoutLoweringCursor(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{
		updates: []types.Credential{
			{ID: "A123", Decision: types.DecisionAllow, Version: 3},
			{ID: "B456", Decision: types.DecisionDeny, Version: 7},
		},
		version: 7,
	}
	h := newHarness(t, nil, tr)
	h.stepUntil(t, Pulling)
	h.stepUntil(t, Idle)
	require.Equal(t, uint64(7), h.cursor.Get().CredentialVersion)

	require.NoError(t, h.c.RequestResync(ctx))
	assert.True(t, h.e.Stats().FullResyncPending)

	h.e.Trigger()
	h.stepUntil(t, Pulling)
	h.stepUntil(t, Idle)

	assert.Equal(t, []uint64{0, 0}, tr.pulls)
	assert.Equal(t, uint64(7), h.cursor.Get().CredentialVersion)
	assert.False(t, h.c.NeedsResync())

	h.e.Trigger()
	h.stepUntil(t, Pulling)
	h.stepUntil(t, Idle)
	assert.Equal(t, uint64(7), tr.pulls[2])
}

func TestLoadCursor_CorruptIsZeroAndReported(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	cs, _, err := LoadCursor(ctx, st)
	require.NoError(t, err)
	require.NoError(t, cs.Advance(ctx, types.SyncCursor{AckedEventID: 4, CredentialVersion: 9, LastSyncAt: t0}))

	require.True(t, st.Corrupt(cursorKey))

	cs2, corrupt, err := LoadCursor(ctx, st)
	require.NoError(t, err)
	assert.True(t, corrupt)
	assert.Equal(t, types.SyncCursor{}, cs2.Get())
}

func TestCursor_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	cs, _, err := LoadCursor(ctx, st)
	require.NoError(t, err)

	require.NoError(t, cs.Advance(ctx, types.SyncCursor{AckedEventID: 10, CredentialVersion: 5}))
	require.NoError(t, cs.Advance(ctx, types.SyncCursor{AckedEventID: 3, CredentialVersion: 8}))

	assert.Equal(t, uint64(10), cs.Get().AckedEventID)
	assert.Equal(t, uint64(8), cs.Get().CredentialVersion)
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{}, &fakeTransport{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
