package telemetry

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

type capture struct{ points []*write.Point }

func (c *capture) WritePoint(p *write.Point) { c.points = append(c.points, p) }

func tags(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestRecorder_AccessDecision(t *testing.T) {
	w := &capture{}
	r := NewRecorder(w, "door-001")
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	r.AccessDecision(at, access.Result{
		Outcome:  types.OutcomeGranted,
		Reason:   types.ReasonCredentialAllowed,
		Enqueued: true,
	}, types.DoorUnlocked)

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, "access_events", p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, map[string]string{
		"device_id": "door-001",
		"outcome":   "granted",
		"reason":    "credential_allowed",
	}, tags(p))
	f := fields(p)
	assert.Equal(t, int64(1), f["count"])
	assert.Equal(t, true, f["enqueued"])
	assert.Equal(t, "unlocked", f["door"])
}

func TestRecorder_SyncCycle(t *testing.T) {
	w := &capture{}
	r := NewRecorder(w, "door-001")
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	r.SyncCycle(at, syncer.Stats{
		State:               syncer.BackoffWait,
		ConsecutiveFailures: 3,
		LastDelay:           4 * time.Second,
		Cycles:              7,
		LastError:           "remote: transport failure",
	})

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, "sync_stats", p.Name())
	assert.Equal(t, "backoff_wait", tags(p)["state"])
	f := fields(p)
	assert.Equal(t, int64(3), f["consecutive_failures"])
	assert.Equal(t, int64(4000), f["backoff_ms"])
	assert.Equal(t, uint64(7), f["cycles"])
	assert.Equal(t, "remote: transport failure", f["last_error"])
}

func TestRecorder_SyncCycleOmitsEmptyError(t *testing.T) {
	w := &capture{}
	NewRecorder(w, "door-001").SyncCycle(time.Now(), syncer.Stats{State: syncer.Idle, Cycles: 1})

	require.Len(t, w.points, 1)
	_, ok := fields(w.points[0])["last_error"]
	assert.False(t, ok)
}
