package access

// Indicator is the state shown on the door's status LED.
type Indicator string

const (
	IndicatorIdle     Indicator = "idle"
	IndicatorGranted  Indicator = "granted"
	IndicatorDenied   Indicator = "denied"
	IndicatorAlarm    Indicator = "alarm"
	IndicatorDegraded Indicator = "degraded"
)

// Actuator drives the physical outputs. Calls are fire-and-forget; a
// hardware fault is the actuator's to report.
type Actuator interface {
	SetLock(locked bool)
	SetBuzzer(on bool)
	SetIndicator(Indicator)
}
