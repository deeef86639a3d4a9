// Package authority is a reference remote authority: the server side of
// the node's sync contract. It backs the dev "authority" command and the
// transport tests.
//
// Credentials carry a single global version counter; every decision change
// bumps it, so a node can ask for "everything newer than v". Pushed events
// are deduplicated by event id, which makes replaying a batch after a lost
// acknowledgment harmless.
package authority

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

var (
	ErrInvalidDeviceID     = errors.New("device_id is required")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidCredentialID = errors.New("credential id is required")
	ErrInvalidDecision     = errors.New("decision must be allow or deny")
)

// StoredEvent is an accepted event and when the authority received it.
type StoredEvent struct {
	Event types.AccessEvent
	// Device is the authenticated sender, which may differ from the
	// device id the event claims.
	Device string
}

// Stats counts granted entries, in total and per sending device.
type Stats struct {
	Entries     int            `json:"entries"`
	ByDevice    map[string]int `json:"by_device"`
	LastUpdated time.Time      `json:"last_updated,omitzero"`
}

// Options configure New.
type Options struct {
	// KnownDevices restricts which devices may sync. Empty allows any.
	KnownDevices []string
	Clock        clock.Clock
	Logger       *slog.Logger
	// OnChange, if set, is called after a decision changes. It runs with
	// the service unlocked.
	OnChange func(types.Credential)
	// OnEntry, if set, is called once for each newly accepted granted
	// event, after the batch is stored and with the service unlocked.
	OnEntry func(StoredEvent)
}

type Service struct {
	registry *DeviceRegistry
	clk      clock.Clock
	logger   *slog.Logger
	onChange func(types.Credential)
	onEntry  func(StoredEvent)

	mu      sync.Mutex
	version uint64
	creds   map[string]types.Credential
	seen    map[string]struct{}
	events  []StoredEvent
	entries map[string]int
	updated time.Time
}

func New(opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: NewDeviceRegistry(opts.KnownDevices, clk),
		clk:      clk,
		logger:   logger,
		onChange: opts.OnChange,
		onEntry:  opts.OnEntry,
		creds:    make(map[string]types.Credential),
		seen:     make(map[string]struct{}),
		entries:  make(map[string]int),
	}
}

// SetDecision records a new decision for id and returns the stored
// credential. Setting the decision a credential already has is a no-op.
func (s *Service) SetDecision(id string, d types.Decision) (types.Credential, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Credential{}, ErrInvalidCredentialID
	}
	if !d.Valid() {
		return types.Credential{}, ErrInvalidDecision
	}

	s.mu.Lock()
	if cur, ok := s.creds[id]; ok && cur.Decision == d {
		s.mu.Unlock()
		return cur, nil
	}
	s.version++
	c := types.Credential{ID: id, Decision: d, Version: s.version}
	s.creds[id] = c
	s.mu.Unlock()

	s.logger.Info("decision changed", "credential_id", id, "decision", d, "version", c.Version)
	if s.onChange != nil {
		s.onChange(c)
	}
	return c, nil
}

// Health checks that deviceID may sync.
func (s *Service) Health(ctx context.Context, deviceID string) error {
	return s.admit(ctx, deviceID)
}

// Push accepts a batch from deviceID. Every event gets a result; an event
// already received is acknowledged again without being stored twice.
func (s *Service) Push(ctx context.Context, deviceID string, events []types.AccessEvent) ([]remote.PushResult, error) {
	if err := s.admit(ctx, deviceID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]remote.PushResult, len(events))
	var granted []StoredEvent
	accepted := 0
	for i, ev := range events {
		switch {
		case ev.ID == "":
			out[i] = remote.PushResult{Error: "missing event id"}
			continue
		case ev.Timestamp.IsZero():
			out[i] = remote.PushResult{EventID: ev.ID, Error: "missing timestamp"}
			continue
		}

		out[i] = remote.PushResult{EventID: ev.ID, Acked: true}
		if _, dup := s.seen[ev.ID]; dup {
			continue
		}
		s.seen[ev.ID] = struct{}{}
		stored := StoredEvent{Event: ev, Device: deviceID}
		s.events = append(s.events, stored)
		accepted++

		if ev.Outcome == types.OutcomeGranted || ev.Outcome == types.OutcomeStaleAllow {
			s.entries[deviceID]++
			s.updated = s.clk.Now()
			granted = append(granted, stored)
		}

		if ev.Priority {
			s.logger.Warn("stale grant needs confirmation",
				"device_id", deviceID, "credential_id", ev.CredentialID, "event_id", ev.ID)
		}
	}

	s.mu.Unlock()

	s.logger.Debug("events pushed", "device_id", deviceID, "batch", len(events), "new", accepted)
	if s.onEntry != nil {
		for _, e := range granted {
			s.onEntry(e)
		}
	}
	return out, nil
}

// Pull returns every credential changed after since, in version order.
func (s *Service) Pull(ctx context.Context, deviceID string, since uint64) (remote.PullResult, error) {
	if err := s.admit(ctx, deviceID); err != nil {
		return remote.PullResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := remote.PullResult{Cursor: s.version}
	for _, c := range s.creds {
		if c.Version > since {
			res.Updates = append(res.Updates, c)
		}
	}
	slices.SortFunc(res.Updates, func(a, b types.Credential) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

// Events returns a copy of every accepted event in arrival order.
func (s *Service) Events() []StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Stats reports granted entries received so far. Replayed events are not
// counted twice.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ByDevice: make(map[string]int, len(s.entries)), LastUpdated: s.updated}
	for dev, n := range s.entries {
		st.ByDevice[dev] = n
		st.Entries += n
	}
	return st
}

func (s *Service) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Service) Registry() *DeviceRegistry { return s.registry }

func (s *Service) admit(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	known, err := s.registry.IsKnown(ctx, deviceID)
	if err != nil {
		return err
	}
	s.registry.NoteSeen(deviceID, known)
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return nil
}
