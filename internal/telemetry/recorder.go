package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

const (
	measurementAccess = "access_events"
	measurementSync   = "sync_stats"
)

// PointWriter accepts points without blocking. api.WriteAPI satisfies it.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder turns access decisions and sync cycles into points.
type Recorder struct {
	w        PointWriter
	deviceID string
}

func NewRecorder(w PointWriter, deviceID string) *Recorder {
	return &Recorder{w: w, deviceID: deviceID}
}

func (r *Recorder) AccessDecision(at time.Time, res access.Result, door types.DoorState) {
	r.w.WritePoint(accessPoint(r.deviceID, at, res, door))
}

func (r *Recorder) SyncCycle(at time.Time, s syncer.Stats) {
	r.w.WritePoint(syncPoint(r.deviceID, at, s))
}

func accessPoint(deviceID string, at time.Time, res access.Result, door types.DoorState) *write.Point {
	return write.NewPoint(
		measurementAccess,
		map[string]string{
			"device_id": deviceID,
			"outcome":   string(res.Outcome),
			"reason":    res.Reason,
		},
		map[string]any{
			"count":    1,
			"enqueued": res.Enqueued,
			"door":     string(door),
		},
		at,
	)
}

func syncPoint(deviceID string, at time.Time, s syncer.Stats) *write.Point {
	fields := map[string]any{
		"cycles":               s.Cycles,
		"pushed":               s.Pushed,
		"pulled":               s.Pulled,
		"consecutive_failures": s.ConsecutiveFailures,
		"backoff_ms":           s.LastDelay.Milliseconds(),
		"full_resync_pending":  s.FullResyncPending,
	}
	if s.LastError != "" {
		fields["last_error"] = s.LastError
	}
	return write.NewPoint(
		measurementSync,
		map[string]string{
			"device_id": deviceID,
			"state":     string(s.State),
		},
		fields,
		at,
	)
}
