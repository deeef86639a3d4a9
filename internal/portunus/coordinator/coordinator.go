// Package coordinator owns the node's single control loop.
//
// The queue, cache, access controller and sync engine are mutated only from
// the loop goroutine. Other goroutines (admin HTTP, MQTT) talk to the loop
// through Submit and observe it through Snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/cache"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// ErrBusy is returned by Submit when the command buffer is full.
var ErrBusy = errors.New("coordinator: command buffer full")

const commandBuffer = 16

// SensorSource yields the samples that arrived since the previous poll.
// It must not block.
type SensorSource interface {
	Poll(ctx context.Context) iter.Seq[types.SensorSample]
}

// Recorder receives telemetry from the loop. Implementations must not
// block.
type Recorder interface {
	AccessDecision(at time.Time, res access.Result, door types.DoorState)
	SyncCycle(at time.Time, s syncer.Stats)
}

type Command string

const (
	CommandSync  Command = "sync"
	CommandReset Command = "reset"
)

func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandSync, CommandReset:
		return c, nil
	default:
		return "", fmt.Errorf("coordinator: unknown command %q", s)
	}
}

type Config struct {
	QueueCapacity      int
	LoopInterval       time.Duration
	StaleMaxAge        time.Duration
	StaleCheckInterval time.Duration
	DropStale          bool

	Access access.Config
	Sync   syncer.Config
}

// Deps are the collaborators handed to Open.
type Deps struct {
	Store     store.Store
	Transport remote.Transport
	Sensors   SensorSource
	Actuator  access.Actuator
	Telemetry Recorder // optional
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Snapshot is an immutable view of the node published after every loop
// iteration.
type Snapshot struct {
	At                  time.Time       `json:"at"`
	Door                types.DoorState `json:"door"`
	SyncState           syncer.State    `json:"sync_state"`
	QueueDepth          int             `json:"queue_depth"`
	QueueCapacity       int             `json:"queue_capacity"`
	CacheSize           int             `json:"cache_size"`
	Staleness           time.Duration   `json:"staleness_ns"`
	NeverSynced         bool            `json:"never_synced"`
	LastSyncAt          time.Time       `json:"last_sync_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastSyncError       string          `json:"last_sync_error,omitempty"`
	RetryAt             time.Time       `json:"retry_at"`
	FullResyncPending   bool            `json:"full_resync_pending"`
	SyncCycles          uint64          `json:"sync_cycles"`
}

type Coordinator struct {
	cfg       Config
	queue     *queue.Queue
	cache     *cache.Cache
	ctl       *access.Controller
	engine    *syncer.Engine
	transport remote.Transport
	sensors   SensorSource
	telemetry Recorder
	clk       clock.Clock
	logger    *slog.Logger

	commands chan Command
	snapshot atomic.Pointer[Snapshot]

	nextStaleCheck time.Time
	lastCycles     uint64
	lastFailures   int
}

// Open restores durable state and assembles the node. Any corrupt record
// found on the way is recorded as an error audit event, and lost cache or
// cursor data schedules a full credential re-sync.
func Open(ctx context.Context, cfg Config, d Deps) (*Coordinator, error) {
	if cfg.LoopInterval <= 0 {
		return nil, errors.New("coordinator: loop interval must be positive")
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := d.Telemetry
	if tel == nil {
		tel = nopRecorder{}
	}

	cursor, cursorCorrupt, err := syncer.LoadCursor(ctx, d.Store)
	if err != nil {
		return nil, err
	}
	cur := cursor.Get()

	q, queueCorrupt, err := queue.Open(ctx, d.Store, queue.Options{
		Capacity:       cfg.QueueCapacity,
		AckedWatermark: types.EventID(cur.AckedEventID),
		Logger:         logger.With("component", "queue"),
	})
	if err != nil {
		return nil, err
	}

	c, cacheCorrupt, err := cache.Open(ctx, d.Store, cache.Options{
		Clock:     clk,
		LastSync:  cur.LastSyncAt,
		DropStale: cfg.DropStale,
		Logger:    logger.With("component", "cache"),
	})
	if err != nil {
		return nil, err
	}
	if cursorCorrupt && !c.NeedsResync() {
		if err := c.RequestResync(ctx); err != nil {
			return nil, err
		}
	}

	ctl := access.New(cfg.Access, c, q, d.Actuator, clk, logger.With("component", "access"))

	faults := make([]string, 0, len(queueCorrupt)+len(cacheCorrupt)+1)
	for range queueCorrupt {
		faults = append(faults, types.ReasonQueueCorrupt)
	}
	for range cacheCorrupt {
		faults = append(faults, types.ReasonCacheCorrupt)
	}
	if cursorCorrupt {
		faults = append(faults, types.ReasonCursorCorrupt)
	}
	for _, reason := range faults {
		if _, err := ctl.RecordFault(ctx, reason); err != nil {
			// A full queue cannot take the audit record; the log keeps it.
			logger.Error("startup fault not recorded", "reason", reason, "error", err)
		}
	}

	engine, err := syncer.New(cfg.Sync, d.Transport, q, c, cursor, clk, logger.With("component", "syncer"))
	if err != nil {
		return nil, err
	}

	co := &Coordinator{
		cfg:       cfg,
		queue:     q,
		cache:     c,
		ctl:       ctl,
		engine:    engine,
		transport: d.Transport,
		sensors:   d.Sensors,
		telemetry: tel,
		clk:       clk,
		logger:    logger,
		commands:  make(chan Command, commandBuffer),
	}
	co.nextStaleCheck = clk.Now().Add(cfg.StaleCheckInterval)
	co.publish()

	logger.Info("node state restored",
		"queued", q.Len(),
		"cached", c.Len(),
		"acked_event_id", cur.AckedEventID,
		"credential_version", cur.CredentialVersion,
		"full_resync", c.NeedsResync(),
		"faults", len(faults),
	)
	return co, nil
}

// Submit hands a command to the loop. It never blocks.
func (c *Coordinator) Submit(cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Snapshot returns the state published by the last iteration.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Run iterates once immediately and then on every tick until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clk.NewTicker(c.cfg.LoopInterval)
	defer ticker.Stop()

	c.logger.Info("control loop started", "interval", c.cfg.LoopInterval)
	c.Iterate(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("control loop stopped")
			return nil
		case <-ticker.C:
			c.Iterate(ctx)
		}
	}
}

// Iterate runs one pass of the loop.
func (c *Coordinator) Iterate(ctx context.Context) {
	c.drainCommands(ctx)

	for s := range c.sensors.Poll(ctx) {
		c.handleSample(ctx, s)
	}

	c.ctl.Tick()

	now := c.clk.Now()
	if c.cfg.StaleCheckInterval > 0 && !now.Before(c.nextStaleCheck) {
		c.cache.EvictIfStale(c.cfg.StaleMaxAge)
		c.nextStaleCheck = now.Add(c.cfg.StaleCheckInterval)
	}

	c.engine.Step(ctx)

	c.publish()
	c.recordSync()
}

// Close releases the transport.
func (c *Coordinator) Close() error {
	return c.transport.Close()
}

func (c *Coordinator) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-c.commands:
			c.logger.Info("command received", "command", cmd)
			switch cmd {
			case CommandSync:
				c.engine.Trigger()
			case CommandReset:
				c.reset(ctx, "remote")
			}
		default:
			return
		}
	}
}

func (c *Coordinator) handleSample(ctx context.Context, s types.SensorSample) {
	if s.Kind == types.SensorSyncButton {
		if c.ctl.State() == types.DoorAlarmActive {
			c.reset(ctx, "sync_button")
		}
		c.engine.Trigger()
		return
	}

	res, err := c.ctl.Handle(ctx, s)
	if err != nil {
		c.logger.Error("sensor sample failed", "kind", s.Kind, "error", err)
	}
	if res.Enqueued {
		c.engine.Kick()
	}
	// A stale grant needs confirming now, even through a pending backoff.
	if res.Outcome == types.OutcomeStaleAllow {
		c.engine.Trigger()
	}
	if res.Outcome != "" {
		c.telemetry.AccessDecision(c.clk.Now(), res, c.ctl.State())
	}
}

func (c *Coordinator) reset(ctx context.Context, source string) {
	cleared, err := c.ctl.Reset(ctx, source)
	if err != nil {
		c.logger.Error("alarm reset not recorded", "source", source, "error", err)
	}
	if cleared {
		c.engine.Kick()
	}
}

func (c *Coordinator) publish() {
	st := c.engine.Stats()
	staleness := c.cache.Staleness()
	c.snapshot.Store(&Snapshot{
		At:                  c.clk.Now(),
		Door:                c.ctl.State(),
		SyncState:           st.State,
		QueueDepth:          c.queue.Len(),
		QueueCapacity:       c.queue.Capacity(),
		CacheSize:           c.cache.Len(),
		Staleness:           staleness,
		NeverSynced:         staleness == cache.Never,
		LastSyncAt:          c.cache.LastSync(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastSyncError:       st.LastError,
		RetryAt:             st.RetryAt,
		FullResyncPending:   st.FullResyncPending,
		SyncCycles:          st.Cycles,
	})
}

// recordSync reports completed cycles and new failures.
func (c *Coordinator) recordSync() {
	st := c.engine.Stats()
	if st.Cycles == c.lastCycles && st.ConsecutiveFailures == c.lastFailures {
		return
	}
	c.lastCycles = st.Cycles
	c.lastFailures = st.ConsecutiveFailures
	c.telemetry.SyncCycle(c.clk.Now(), st)
}

type nopRecorder struct{}

func (nopRecorder) AccessDecision(time.Time, access.Result, types.DoorState) {}
func (nopRecorder) SyncCycle(time.Time, syncer.Stats)                       {}
