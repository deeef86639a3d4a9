// Package cache holds the node's local copy of credential decisions.
//
// Entries are versioned: a merge only applies a strictly newer version, so
// replaying an update (or receiving an older one late) never changes what
// the node believes. Trust is tracked separately from presence; a stale
// cache is downgraded, not emptied.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/record"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

const (
	keyPrefix = "cache/"

	// resyncKey marks that cache data was lost and a pull from version 0 is
	// owed. It survives restarts until ClearResync.
	resyncKey = "resync"
)

// Never is the staleness reported before the first successful sync.
const Never = time.Duration(math.MaxInt64)

// Entry is the result of a Lookup.
type Entry struct {
	Credential types.Credential
	Found      bool
	Staleness  time.Duration
	// Trusted is false once the stale check has downgraded the entry.
	Trusted bool
}

type item struct {
	cred    types.Credential
	trusted bool
}

type Options struct {
	Clock clock.Clock
	// LastSync seeds staleness from the persisted sync cursor.
	LastSync time.Time
	// DropStale reports downgraded entries as not found.
	DropStale bool
	Logger    *slog.Logger
}

type Cache struct {
	st        store.Store
	clk       clock.Clock
	logger    *slog.Logger
	dropStale bool

	items    map[string]*item
	lastSync time.Time
	resync   bool
}

// Corruption describes a stored credential that failed its integrity
// check during Open.
type Corruption struct {
	Key string
	Err error
}

// Open loads every stored credential. Corrupt entries are deleted and
// returned; when any are found the cache persists a re-sync marker so the
// loss is repaired by a full pull even across further restarts.
func Open(ctx context.Context, st store.Store, opts Options) (*Cache, []Corruption, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		st:        st,
		clk:       clk,
		logger:    logger,
		dropStale: opts.DropStale,
		items:     make(map[string]*item),
		lastSync:  opts.LastSync,
	}

	creds, corrupt, err := Scan(ctx, st)
	if err != nil {
		return nil, nil, err
	}
	for _, cred := range creds {
		c.items[cred.ID] = &item{cred: cred, trusted: true}
	}

	if len(corrupt) > 0 {
		ops := []store.Op{store.Put(resyncKey, []byte{1})}
		for _, cr := range corrupt {
			logger.Warn("discarding corrupt cache entry", "key", cr.Key, "error", cr.Err)
			ops = append(ops, store.Del(cr.Key))
		}
		if err := st.Commit(ctx, ops...); err != nil {
			return nil, nil, fmt.Errorf("cache: discard corrupt entries: %w", err)
		}
	}

	if c.resync, err = ResyncPending(ctx, st); err != nil {
		return nil, nil, err
	}

	return c, corrupt, nil
}

// Scan reads every stored credential without modifying st. An entry
// whose key does not match its credential id counts as corrupt.
func Scan(ctx context.Context, st store.Store) ([]types.Credential, []Corruption, error) {
	keys, err := st.List(ctx, keyPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: list: %w", err)
	}

	var (
		creds   []types.Credential
		corrupt []Corruption
	)
	for _, key := range keys {
		data, err := st.Read(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("cache: read %s: %w", key, err)
		}
		cred, err := record.DecodeCredential(data)
		if err == nil && cred.ID != strings.TrimPrefix(key, keyPrefix) {
			err = fmt.Errorf("%w: key %q holds credential %q", record.ErrCorrupt, key, cred.ID)
		}
		if err != nil {
			corrupt = append(corrupt, Corruption{Key: key, Err: err})
			continue
		}
		creds = append(creds, cred)
	}
	return creds, corrupt, nil
}

// ResyncPending reports whether st carries the marker left by lost cache
// data.
func ResyncPending(ctx context.Context, st store.Store) (bool, error) {
	_, err := st.Read(ctx, resyncKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("cache: read resync marker: %w", err)
	}
}

// Lookup returns the cached decision for id together with the cache's
// current staleness.
func (c *Cache) Lookup(id string) Entry {
	e := Entry{Staleness: c.Staleness()}

	it, ok := c.items[id]
	if !ok {
		return e
	}
	if !it.trusted && c.dropStale {
		return e
	}
	e.Credential = it.cred
	e.Found = true
	e.Trusted = it.trusted
	return e
}

// Merge stores cred if it is strictly newer than the cached version and
// reports whether it was applied. Same or older versions are no-ops.
func (c *Cache) Merge(ctx context.Context, cred types.Credential) (bool, error) {
	if cred.ID == "" || !cred.Decision.Valid() {
		return false, fmt.Errorf("cache: invalid credential %q (decision %q)", cred.ID, cred.Decision)
	}
	if cur, ok := c.items[cred.ID]; ok && cred.Version <= cur.cred.Version {
		return false, nil
	}

	cred.ReceivedAt = c.clk.Now()
	data, err := record.EncodeCredential(cred)
	if err != nil {
		return false, fmt.Errorf("cache: encode %s: %w", cred.ID, err)
	}
	if err := c.st.Write(ctx, keyPrefix+cred.ID, data); err != nil {
		return false, fmt.Errorf("cache: write %s: %w", cred.ID, err)
	}

	c.items[cred.ID] = &item{cred: cred, trusted: true}
	return true, nil
}

// EvictIfStale downgrades every trusted entry when the cache has not been
// synced within maxAge. It returns how many entries were downgraded.
// Nothing is deleted.
func (c *Cache) EvictIfStale(maxAge time.Duration) int {
	if c.Staleness() <= maxAge {
		return 0
	}
	n := 0
	for _, it := range c.items {
		if it.trusted {
			it.trusted = false
			n++
		}
	}
	if n > 0 {
		c.logger.Info("cache downgraded", "entries", n, "max_age", maxAge)
	}
	return n
}

// MarkSynced records a successful sync at t and restores trust.
func (c *Cache) MarkSynced(t time.Time) {
	if t.After(c.lastSync) {
		c.lastSync = t
	}
	for _, it := range c.items {
		it.trusted = true
	}
}

// Staleness is the time since the last successful sync, or Never.
func (c *Cache) Staleness() time.Duration {
	if c.lastSync.IsZero() {
		return Never
	}
	d := c.clk.Now().Sub(c.lastSync)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Cache) LastSync() time.Time { return c.lastSync }

func (c *Cache) Len() int { return len(c.items) }

// NeedsResync reports whether cached data was lost and a pull from version
// 0 is owed.
func (c *Cache) NeedsResync() bool { return c.resync }

// RequestResync persists the re-sync marker.
func (c *Cache) RequestResync(ctx context.Context) error {
	if err := c.st.Write(ctx, resyncKey, []byte{1}); err != nil {
		return fmt.Errorf("cache: request resync: %w", err)
	}
	c.resync = true
	return nil
}

// ClearResync removes the marker after a full pull completed.
func (c *Cache) ClearResync(ctx context.Context) error {
	if !c.resync {
		return nil
	}
	if err := c.st.Delete(ctx, resyncKey); err != nil {
		return fmt.Errorf("cache: clear resync: %w", err)
	}
	c.resync = false
	return nil
}

// Credentials returns a copy of every cached credential, for inspection.
func (c *Cache) Credentials() []types.Credential {
	out := make([]types.Credential, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.cred)
	}
	return out
}
