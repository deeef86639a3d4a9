package authority

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
)

// DeviceSeen is the registry's record of a device that contacted the
// authority.
type DeviceSeen struct {
	DeviceID string
	Known    bool
	LastSeen time.Time
}

// DeviceRegistry tracks which devices may sync and when each was last
// heard from.
type DeviceRegistry struct {
	clk clock.Clock

	mu    sync.Mutex
	known map[string]struct{}
	open  bool
	seen  map[string]DeviceSeen
}

// NewDeviceRegistry admits the listed devices, or any device when the
// list is empty.
func NewDeviceRegistry(known []string, clk clock.Clock) *DeviceRegistry {
	r := &DeviceRegistry{
		clk:   clk,
		known: make(map[string]struct{}, len(known)),
		open:  len(known) == 0,
		seen:  make(map[string]DeviceSeen),
	}
	for _, id := range known {
		if id = strings.TrimSpace(id); id != "" {
			r.known[id] = struct{}{}
		}
	}
	return r
}

func (r *DeviceRegistry) IsKnown(_ context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return true, nil
	}
	_, ok := r.known[deviceID]
	return ok, nil
}

func (r *DeviceRegistry) NoteSeen(deviceID string, known bool) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[deviceID] = DeviceSeen{DeviceID: deviceID, Known: known, LastSeen: r.clk.Now()}
}

// Seen returns the last contact for deviceID.
func (r *DeviceRegistry) Seen(deviceID string) (DeviceSeen, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.seen[deviceID]
	return d, ok
}
