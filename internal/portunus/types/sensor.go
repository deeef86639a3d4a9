package types

import "time"

type SensorKind string

const (
	SensorScan       SensorKind = "scan"
	SensorDoorOpen   SensorKind = "door_open"
	SensorDoorClose  SensorKind = "door_close"
	SensorSyncButton SensorKind = "sync_button"
)

// SensorSample is one edge reported by the hardware. Code is only set for
// scans.
type SensorSample struct {
	Kind SensorKind
	Code string
	At   time.Time
}
