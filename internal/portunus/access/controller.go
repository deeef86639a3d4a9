// Package access turns sensor edges into door actions and audit events.
//
// Decisions are made from the local cache alone, so the door keeps working
// with no network. Every decision is appended to the event queue before the
// lock is driven; a grant that cannot be recorded is not a grant.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/cache"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// buzzPulse is how long the buzzer sounds for a denied scan.
const buzzPulse = 500 * time.Millisecond

type Cache interface {
	Lookup(id string) cache.Entry
}

type Queue interface {
	Append(ctx context.Context, ev types.AccessEvent) (types.EventID, error)
	Full() bool
}

type Config struct {
	DeviceID       string
	TrustThreshold time.Duration
	StalePolicy    StalePolicy
	RelockAfter    time.Duration
}

// Result reports what a sensor edge did.
type Result struct {
	Outcome types.Outcome
	Reason  string
	// Enqueued is true when an audit event was durably appended.
	Enqueued bool
	EventID  types.EventID
}

type Controller struct {
	cfg    Config
	cache  Cache
	queue  Queue
	act    Actuator
	clk    clock.Clock
	logger *slog.Logger

	state    types.DoorState
	doorOpen bool
	relockAt time.Time

	// pulseUntil is when a granted/denied indicator (and a deny buzz)
	// falls back to the resting indicator.
	pulseUntil time.Time
	buzzing    bool

	newID func() string
}

func New(cfg Config, c Cache, q Queue, act Actuator, clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctl := &Controller{
		cfg:    cfg,
		cache:  c,
		queue:  q,
		act:    act,
		clk:    clk,
		logger: logger,
		state:  types.DoorLocked,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	act.SetLock(true)
	act.SetBuzzer(false)
	act.SetIndicator(ctl.restingIndicator())
	return ctl
}

func (c *Controller) State() types.DoorState { return c.state }

// Handle dispatches one sensor sample. Sync-button samples are not the
// controller's concern and are ignored.
func (c *Controller) Handle(ctx context.Context, s types.SensorSample) (Result, error) {
	switch s.Kind {
	case types.SensorScan:
		return c.Scan(ctx, s.Code)
	case types.SensorDoorOpen:
		return c.DoorOpened(ctx)
	case types.SensorDoorClose:
		return c.DoorClosed(), nil
	default:
		return Result{}, nil
	}
}

// Scan decides a presented credential.
func (c *Controller) Scan(ctx context.Context, code string) (Result, error) {
	if c.state == types.DoorAlarmActive {
		res, err := c.record(ctx, code, types.OutcomeDenied, types.ReasonAlarmActive, c.state, false)
		c.logger.Warn("scan refused during alarm", "credential_id", code)
		return res, err
	}

	// Deny-new-scan mode: without room to record the attempt, nothing is
	// granted.
	if c.queue.Full() {
		c.storageFull(code)
		return Result{Outcome: types.OutcomeDenied, Reason: types.ReasonStorageFull}, nil
	}

	outcome, reason := c.decide(code)
	granted := outcome == types.OutcomeGranted || outcome == types.OutcomeStaleAllow

	// A denial leaves the door as it is: it does not cut short an earlier
	// grant's unlock window.
	after := c.state
	if granted {
		after = types.DoorUnlocked
	}

	res, err := c.record(ctx, code, outcome, reason, after, outcome == types.OutcomeStaleAllow)
	if err != nil {
		if errors.Is(err, queue.ErrStorageFull) {
			c.storageFull(code)
			return Result{Outcome: types.OutcomeDenied, Reason: types.ReasonStorageFull}, nil
		}
		c.deny()
		return Result{Outcome: types.OutcomeDenied, Reason: reason}, err
	}

	if granted {
		c.unlock()
	} else {
		c.deny()
	}

	c.logger.Info("scan decided",
		"credential_id", code,
		"outcome", outcome,
		"reason", reason,
		"door", c.state,
		"queue_id", res.EventID,
	)
	return res, nil
}

func (c *Controller) decide(code string) (types.Outcome, string) {
	e := c.cache.Lookup(code)
	switch {
	case !e.Found:
		return types.OutcomeDenied, types.ReasonUnknownCredential
	case e.Credential.Decision != types.DecisionAllow:
		return types.OutcomeDenied, types.ReasonCredentialDenied
	case e.Trusted && e.Staleness <= c.cfg.TrustThreshold:
		return types.OutcomeGranted, types.ReasonCredentialAllowed
	case c.cfg.StalePolicy == StaleAllow:
		return types.OutcomeStaleAllow, types.ReasonStaleAllow
	default:
		return types.OutcomeDenied, types.ReasonStalePending
	}
}

// DoorOpened handles the door-open edge. Opening a locked door raises the
// alarm.
func (c *Controller) DoorOpened(ctx context.Context) (Result, error) {
	c.doorOpen = true

	if c.state != types.DoorLocked {
		return Result{}, nil
	}

	before := c.state
	c.state = types.DoorAlarmActive
	c.act.SetBuzzer(true)
	c.buzzing = true
	c.act.SetIndicator(IndicatorAlarm)
	c.logger.Error("forced entry detected", "device_id", c.cfg.DeviceID)

	ev := c.event("", types.OutcomeError, types.ReasonForcedEntry, before, c.state, false)
	return c.append(ctx, ev)
}

// DoorClosed handles the door-close edge. Closing after an authorized
// opening relocks.
func (c *Controller) DoorClosed() Result {
	wasOpen := c.doorOpen
	c.doorOpen = false

	if c.state == types.DoorUnlocked && wasOpen {
		c.lock("door closed")
	}
	return Result{}
}

// Reset clears an active alarm. It reports whether there was one to clear.
func (c *Controller) Reset(ctx context.Context, source string) (bool, error) {
	if c.state != types.DoorAlarmActive {
		return false, nil
	}

	c.state = types.DoorLocked
	c.act.SetLock(true)
	c.act.SetBuzzer(false)
	c.buzzing = false
	c.pulseUntil = time.Time{}
	c.act.SetIndicator(c.restingIndicator())
	c.logger.Info("alarm reset", "source", source)

	ev := c.event("", types.OutcomeError, types.ReasonAlarmReset, types.DoorAlarmActive, c.state, false)
	_, err := c.append(ctx, ev)
	return true, err
}

// Tick runs time-driven transitions: auto-relock and the end of indicator
// and buzzer pulses.
func (c *Controller) Tick() {
	now := c.clk.Now()

	if c.state == types.DoorUnlocked && !c.doorOpen && !now.Before(c.relockAt) {
		c.lock("relock timer")
	}

	if !c.pulseUntil.IsZero() && !now.Before(c.pulseUntil) {
		c.pulseUntil = time.Time{}
		if c.buzzing && c.state != types.DoorAlarmActive {
			c.act.SetBuzzer(false)
			c.buzzing = false
		}
		if c.state != types.DoorUnlocked {
			c.act.SetIndicator(c.restingIndicator())
		}
	}
}

func (c *Controller) unlock() {
	if c.state == types.DoorLocked {
		c.state = types.DoorUnlocking
		c.act.SetLock(false)
	}
	c.state = types.DoorUnlocked
	c.relockAt = c.clk.Now().Add(c.cfg.RelockAfter)
	c.act.SetIndicator(IndicatorGranted)
}

func (c *Controller) lock(why string) {
	c.state = types.DoorLocked
	c.relockAt = time.Time{}
	c.act.SetLock(true)
	c.act.SetIndicator(c.restingIndicator())
	c.logger.Debug("door relocked", "trigger", why)
}

func (c *Controller) deny() {
	c.act.SetBuzzer(true)
	c.buzzing = true
	c.pulseUntil = c.clk.Now().Add(buzzPulse)
	if c.state != types.DoorAlarmActive {
		c.act.SetIndicator(IndicatorDenied)
	}
}

func (c *Controller) storageFull(code string) {
	c.act.SetBuzzer(true)
	c.buzzing = true
	c.pulseUntil = c.clk.Now().Add(buzzPulse)
	c.act.SetIndicator(IndicatorDegraded)
	c.logger.Warn("scan denied: event queue full", "credential_id", code)
}

func (c *Controller) restingIndicator() Indicator {
	switch {
	case c.state == types.DoorAlarmActive:
		return IndicatorAlarm
	case c.queue.Full():
		return IndicatorDegraded
	default:
		return IndicatorIdle
	}
}

// record appends a scan event. Denials are applied by the caller.
func (c *Controller) record(ctx context.Context, code string, outcome types.Outcome, reason string, after types.DoorState, priority bool) (Result, error) {
	ev := c.event(code, outcome, reason, c.state, after, priority)
	return c.append(ctx, ev)
}

func (c *Controller) append(ctx context.Context, ev types.AccessEvent) (Result, error) {
	res := Result{Outcome: ev.Outcome, Reason: ev.Reason}
	id, err := c.queue.Append(ctx, ev)
	if err != nil {
		c.logger.Error("audit event not recorded", "reason", ev.Reason, "error", err)
		return res, fmt.Errorf("access: record %s: %w", ev.Reason, err)
	}
	res.Enqueued = true
	res.EventID = id
	return res, nil
}

func (c *Controller) event(code string, outcome types.Outcome, reason string, before, after types.DoorState, priority bool) types.AccessEvent {
	return types.AccessEvent{
		ID:           c.newID(),
		DeviceID:     c.cfg.DeviceID,
		CredentialID: code,
		Outcome:      outcome,
		Reason:       reason,
		Timestamp:    c.clk.Now(),
		DoorBefore:   before,
		DoorAfter:    after,
		Priority:     priority,
	}
}

// RecordFault appends an error event for a degradation found outside a
// scan (corrupt storage at startup).
func (c *Controller) RecordFault(ctx context.Context, reason string) (Result, error) {
	return c.append(ctx, c.event("", types.OutcomeError, reason, c.state, c.state, false))
}
