package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/record"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

const cursorKey = "cursor"

// CursorStore is the persisted SyncCursor. Updates go through Merge, so
// the stored value never moves backwards.
type CursorStore struct {
	st  store.Store
	cur types.SyncCursor
}

// LoadCursor reads the cursor. A missing cursor is the zero cursor. A
// corrupt one is also treated as zero and reported via corrupt=true; the
// caller is expected to force a full credential re-sync.
func LoadCursor(ctx context.Context, st store.Store) (cs *CursorStore, corrupt bool, err error) {
	cs = &CursorStore{st: st}

	data, err := st.Read(ctx, cursorKey)
	if errors.Is(err, store.ErrNotFound) {
		return cs, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cursor: read: %w", err)
	}

	cur, err := record.DecodeCursor(data)
	if errors.Is(err, record.ErrCorrupt) {
		return cs, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cursor: decode: %w", err)
	}
	cs.cur = cur
	return cs, false, nil
}

func (c *CursorStore) Get() types.SyncCursor { return c.cur }

// op builds the write for the cursor merged with next, without applying it.
func (c *CursorStore) op(next types.SyncCursor) (store.Op, types.SyncCursor, error) {
	merged := c.cur.Merge(next)
	data, err := record.EncodeCursor(merged)
	if err != nil {
		return store.Op{}, types.SyncCursor{}, fmt.Errorf("cursor: encode: %w", err)
	}
	return store.Put(cursorKey, data), merged, nil
}

// Advance durably merges next into the cursor.
func (c *CursorStore) Advance(ctx context.Context, next types.SyncCursor) error {
	op, merged, err := c.op(next)
	if err != nil {
		return err
	}
	if err := c.st.Commit(ctx, op); err != nil {
		return fmt.Errorf("cursor: write: %w", err)
	}
	c.cur = merged
	return nil
}
