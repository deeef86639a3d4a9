// Package syncer drains the event queue to the remote authority and merges
// credential updates back into the local cache.
//
// The Engine is a cooperative state machine: the control loop calls Step
// once per iteration and each Step performs at most one transition, so a
// slow or absent network never stalls access decisions for longer than one
// bounded transport call.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

type State string

const (
	Idle        State = "idle"
	Connecting  State = "connecting"
	Pushing     State = "pushing"
	Pulling     State = "pulling"
	BackoffWait State = "backoff_wait"
)

var errNotAcked = errors.New("syncer: events not acknowledged")

// Queue is the part of the event queue the engine drains.
type Queue interface {
	PeekBatch(max int) []queue.Entry
	Acknowledge(ctx context.Context, id types.EventID, extra ...store.Op) error
	Len() int
}

// Cache is the part of the local cache the engine updates.
type Cache interface {
	Merge(ctx context.Context, cred types.Credential) (bool, error)
	MarkSynced(t time.Time)
	NeedsResync() bool
	ClearResync(ctx context.Context) error
}

type Config struct {
	BatchSize   int
	Interval    time.Duration // periodic sync from Idle
	Timeout     time.Duration // per transport call
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Stats is a point-in-time view of the engine for status and telemetry.
type Stats struct {
	State               State
	ConsecutiveFailures int
	LastDelay           time.Duration
	RetryAt             time.Time
	Cycles              uint64
	Pushed              uint64
	Pulled              uint64
	LastError           string
	LastSuccess         time.Time
	FullResyncPending   bool
}

type Engine struct {
	cfg       Config
	transport remote.Transport
	queue     Queue
	cache     Cache
	cursor    *CursorStore
	clk       clock.Clock
	logger    *slog.Logger

	state     State
	backoff   *backoff
	nextSync  time.Time // periodic deadline while Idle
	retryAt   time.Time // end of the current BackoffWait
	kicked    bool
	triggered bool

	stats Stats
}

func New(cfg Config, t remote.Transport, q Queue, c Cache, cursor *CursorStore, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("syncer: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Timeout <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("syncer: timeout and interval must be positive")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		return nil, errors.New("syncer: backoff base must be positive and not exceed max")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		transport: t,
		queue:     q,
		cache:     c,
		cursor:    cursor,
		clk:       clk,
		logger:    logger,
		state:     Idle,
		backoff:   newBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
	// First cycle runs on the first Step.
	e.nextSync = clk.Now()
	return e, nil
}

func (e *Engine) State() State { return e.state }

// Kick asks for a sync because the queue has new events. A kick during a
// cycle starts the next one as soon as the engine is back in Idle. A
// pending backoff is respected.
func (e *Engine) Kick() {
	e.kicked = true
}

// Trigger asks for an immediate sync (sync button, remote command). It
// also cuts short a pending backoff.
func (e *Engine) Trigger() {
	e.triggered = true
}

func (e *Engine) Stats() Stats {
	s := e.stats
	s.State = e.state
	s.RetryAt = e.retryAt
	s.FullResyncPending = e.cache.NeedsResync()
	return s
}

// Step performs at most one state transition.
func (e *Engine) Step(ctx context.Context) {
	switch e.state {
	case Idle:
		if e.kicked || e.triggered || !e.clk.Now().Before(e.nextSync) {
			e.enter(Connecting)
		}

	case Connecting:
		if err := e.call(ctx, e.transport.Connect); err != nil {
			e.fail("connect", err)
			return
		}
		e.enter(Pushing)

	case Pushing:
		e.push(ctx)

	case Pulling:
		e.pull(ctx)

	case BackoffWait:
		if e.triggered || !e.clk.Now().Before(e.retryAt) {
			e.enter(Connecting)
		}
	}
}

func (e *Engine) enter(s State) {
	if s == Connecting {
		e.kicked = false
		e.triggered = false
	}
	if s == Idle {
		e.nextSync = e.clk.Now().Add(e.cfg.Interval)
	}
	e.logger.Debug("sync state", "from", e.state, "to", s)
	e.state = s
}

func (e *Engine) push(ctx context.Context) {
	batch := e.queue.PeekBatch(e.cfg.BatchSize)
	if len(batch) == 0 {
		e.enter(Pulling)
		return
	}

	events := make([]types.AccessEvent, len(batch))
	ids := make(map[string]types.EventID, len(batch))
	for i, entry := range batch {
		events[i] = entry.Event
		ids[entry.Event.ID] = entry.ID
	}

	var results []remote.PushResult
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		results, err = e.transport.Push(ctx, events)
		return err
	})
	if err != nil {
		e.fail("push", err)
		return
	}

	rejected := 0
	for _, r := range results {
		id, ok := ids[r.EventID]
		if !ok {
			e.fail("push", fmt.Errorf("%w: result for unknown event %s", remote.ErrMalformedResponse, r.EventID))
			return
		}
		if !r.Acked {
			rejected++
			e.logger.Warn("event not acknowledged", "event_id", r.EventID, "queue_id", id, "error", r.Error)
			continue
		}

		op, merged, err := e.cursor.op(types.SyncCursor{AckedEventID: uint64(id)})
		if err != nil {
			e.fail("ack", err)
			return
		}
		if err := e.queue.Acknowledge(ctx, id, op); err != nil {
			e.fail("ack", err)
			return
		}
		e.cursor.cur = merged
		e.stats.Pushed++
	}

	if rejected > 0 || len(results) < len(batch) {
		e.fail("push", fmt.Errorf("%w: %d of %d", errNotAcked, len(batch)-len(results)+rejected, len(batch)))
		return
	}
	if e.queue.Len() == 0 {
		e.enter(Pulling)
	}
}

func (e *Engine) pull(ctx context.Context) {
	full := e.cache.NeedsResync()
	since := e.cursor.Get().CredentialVersion
	if full {
		since = 0
	}

	var res remote.PullResult
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.transport.Pull(ctx, since)
		return err
	})
	if err != nil {
		e.fail("pull", err)
		return
	}

	for _, cred := range res.Updates {
		applied, err := e.cache.Merge(ctx, cred)
		if err != nil {
			e.fail("merge", err)
			return
		}
		if applied {
			e.stats.Pulled++
		}
	}

	now := e.clk.Now()
	if err := e.cursor.Advance(ctx, types.SyncCursor{CredentialVersion: res.Cursor, LastSyncAt: now}); err != nil {
		e.fail("cursor", err)
		return
	}
	if full {
		if err := e.cache.ClearResync(ctx); err != nil {
			e.fail("cursor", err)
			return
		}
		e.logger.Info("full credential re-sync complete", "updates", len(res.Updates), "cursor", res.Cursor)
	}
	e.cache.MarkSynced(now)

	e.backoff.Reset()
	e.stats.ConsecutiveFailures = 0
	e.stats.LastDelay = 0
	e.stats.LastError = ""
	e.stats.LastSuccess = now
	e.stats.Cycles++
	e.enter(Idle)
}

// call runs fn under the per-call timeout.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) fail(op string, err error) {
	delay := e.backoff.Next()
	e.retryAt = e.clk.Now().Add(delay)
	e.stats.ConsecutiveFailures++
	e.stats.LastDelay = delay
	e.stats.LastError = fmt.Sprintf("%s: %v", op, err)

	attrs := []any{"op", op, "error", err, "retry_in", delay, "failures", e.stats.ConsecutiveFailures}
	switch {
	case errors.Is(err, remote.ErrMalformedResponse):
		e.logger.Warn("malformed response from authority", attrs...)
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("sync timed out", attrs...)
	default:
		e.logger.Warn("sync failed", attrs...)
	}

	e.enter(BackoffWait)
}
