// Package queue is the durable FIFO of access events awaiting remote
// acknowledgment.
//
// The queue is owned by the control loop and is not safe for concurrent
// use. Every append and acknowledgment is a single durable commit, so after
// a power loss the queue holds exactly the accepted, unacknowledged events
// in their original order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/record"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

const keyPrefix = "queue/"

var (
	// ErrStorageFull is returned by Append when the queue is at capacity or
	// the store is out of space. The caller must apply backpressure; no
	// queued event is ever dropped to make room.
	ErrStorageFull = errors.New("queue: storage full")

	ErrUnknownEvent = errors.New("queue: unknown event id")
)

// Entry is one queued event and its queue position.
type Entry struct {
	ID    types.EventID
	Event types.AccessEvent
}

type Queue struct {
	st       store.Store
	capacity int
	logger   *slog.Logger

	entries []Entry
	nextID  types.EventID
}

// Options configure Open.
type Options struct {
	Capacity int
	// AckedWatermark is the cursor's last acknowledged id; new ids are
	// always issued above it.
	AckedWatermark types.EventID
	Logger         *slog.Logger
}

// Corruption describes a stored entry that failed its integrity check and
// was discarded during Open.
type Corruption struct {
	Key string
	Err error
}

// Open rebuilds the queue from st. Corrupt entries are deleted and
// returned so the caller can record their loss.
func Open(ctx context.Context, st store.Store, opts Options) (*Queue, []Corruption, error) {
	if opts.Capacity <= 0 {
		return nil, nil, fmt.Errorf("queue: capacity must be positive, got %d", opts.Capacity)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		st:       st,
		capacity: opts.Capacity,
		logger:   logger,
		nextID:   opts.AckedWatermark + 1,
	}

	entries, corrupt, err := Scan(ctx, st)
	if err != nil {
		return nil, nil, err
	}
	q.entries = entries
	for _, c := range corrupt {
		if id, err := parseKey(c.Key); err == nil && id >= q.nextID {
			q.nextID = id + 1
		}
	}
	if n := len(entries); n > 0 && entries[n-1].ID >= q.nextID {
		q.nextID = entries[n-1].ID + 1
	}

	for _, c := range corrupt {
		logger.Warn("discarding corrupt queue entry", "key", c.Key, "error", c.Err)
		if err := st.Delete(ctx, c.Key); err != nil {
			return nil, nil, fmt.Errorf("queue: delete corrupt %s: %w", c.Key, err)
		}
	}

	return q, corrupt, nil
}

// Scan reads every stored entry in id order without modifying st.
// Entries that fail to decode are returned as corruptions.
func Scan(ctx context.Context, st store.Store) ([]Entry, []Corruption, error) {
	keys, err := st.List(ctx, keyPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: list: %w", err)
	}

	var (
		entries []Entry
		corrupt []Corruption
	)
	for _, key := range keys {
		id, err := parseKey(key)
		if err != nil {
			corrupt = append(corrupt, Corruption{Key: key, Err: err})
			continue
		}
		data, err := st.Read(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: read %s: %w", key, err)
		}
		ev, err := record.DecodeEvent(data)
		if err != nil {
			corrupt = append(corrupt, Corruption{Key: key, Err: err})
			continue
		}
		entries = append(entries, Entry{ID: id, Event: ev})
	}
	return entries, corrupt, nil
}

// Append durably enqueues ev and returns its id.
func (q *Queue) Append(ctx context.Context, ev types.AccessEvent) (types.EventID, error) {
	if len(q.entries) >= q.capacity {
		return 0, ErrStorageFull
	}

	data, err := record.EncodeEvent(ev)
	if err != nil {
		return 0, fmt.Errorf("queue: encode: %w", err)
	}

	id := q.nextID
	if err := q.st.Write(ctx, key(id), data); err != nil {
		if errors.Is(err, store.ErrFull) {
			return 0, fmt.Errorf("%w: %w", ErrStorageFull, err)
		}
		return 0, fmt.Errorf("queue: append: %w", err)
	}

	q.nextID++
	q.entries = append(q.entries, Entry{ID: id, Event: ev})
	return id, nil
}

// PeekBatch returns up to max of the oldest entries without removing them.
func (q *Queue) PeekBatch(max int) []Entry {
	if max <= 0 || len(q.entries) == 0 {
		return nil
	}
	n := min(max, len(q.entries))
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	return out
}

// Acknowledge removes id. extra ops (e.g. a cursor advance) are committed
// in the same atomic write.
func (q *Queue) Acknowledge(ctx context.Context, id types.EventID, extra ...store.Op) error {
	idx := q.index(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}

	ops := append([]store.Op{store.Del(key(id))}, extra...)
	if err := q.st.Commit(ctx, ops...); err != nil {
		return fmt.Errorf("queue: acknowledge %d: %w", id, err)
	}

	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return nil
}

func (q *Queue) Len() int      { return len(q.entries) }
func (q *Queue) Capacity() int { return q.capacity }
func (q *Queue) Full() bool    { return len(q.entries) >= q.capacity }

func (q *Queue) index(id types.EventID) int {
	// Acknowledgments normally arrive in FIFO order, so the head is the
	// common case.
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// key zero-pads ids so lexical key order equals numeric order.
func key(id types.EventID) string {
	return fmt.Sprintf("%s%020d", keyPrefix, uint64(id))
}

func parseKey(k string) (types.EventID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(k, keyPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad queue key %q", record.ErrCorrupt, k)
	}
	return types.EventID(n), nil
}
