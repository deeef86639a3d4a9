package device

import (
	"log/slog"
	"sync"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
)

// LogActuator reports outputs through the logger. It stands in for GPIO on
// hosts without door hardware.
type LogActuator struct {
	logger *slog.Logger
}

func NewLogActuator(logger *slog.Logger) *LogActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActuator{logger: logger}
}

func (a *LogActuator) SetLock(locked bool) { a.logger.Info("lock", "locked", locked) }

func (a *LogActuator) SetBuzzer(on bool) { a.logger.Debug("buzzer", "on", on) }

func (a *LogActuator) SetIndicator(i access.Indicator) { a.logger.Debug("indicator", "state", i) }

// Output is one call captured by RecordingActuator.
type Output struct {
	Kind  string // "lock", "buzzer", "indicator"
	Value string
}

// RecordingActuator captures every output call. Safe for concurrent use.
type RecordingActuator struct {
	mu      sync.Mutex
	outputs []Output

	locked    bool
	buzzer    bool
	indicator access.Indicator
}

func (a *RecordingActuator) SetLock(locked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked = locked
	v := "unlocked"
	if locked {
		v = "locked"
	}
	a.outputs = append(a.outputs, Output{Kind: "lock", Value: v})
}

func (a *RecordingActuator) SetBuzzer(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buzzer = on
	v := "off"
	if on {
		v = "on"
	}
	a.outputs = append(a.outputs, Output{Kind: "buzzer", Value: v})
}

func (a *RecordingActuator) SetIndicator(i access.Indicator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indicator = i
	a.outputs = append(a.outputs, Output{Kind: "indicator", Value: string(i)})
}

func (a *RecordingActuator) Outputs() []Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Output, len(a.outputs))
	copy(out, a.outputs)
	return out
}

// Locked reports the current lock output.
func (a *RecordingActuator) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}

func (a *RecordingActuator) Buzzer() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buzzer
}

func (a *RecordingActuator) Indicator() access.Indicator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.indicator
}
