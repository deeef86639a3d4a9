package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/cache"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/queue"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// InspectOptions holds flags for the inspect commands.
type InspectOptions struct {
	*RootOptions
	DBPath string
}

func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print durable node state as JSON lines",
		Long: `Read the node's durable store without modifying it.

Corrupt records are reported, not repaired; the node repairs them on its
next start.`,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides store.path)")

	cmd.AddCommand(inspectSub("queue", "Pending audit events", opts, inspectQueue))
	cmd.AddCommand(inspectSub("cache", "Cached credential decisions", opts, inspectCache))
	cmd.AddCommand(inspectSub("cursor", "Sync cursor", opts, inspectCursor))
	return cmd
}

type inspectFn func(ctx context.Context, st store.Store, enc *json.Encoder) error

func inspectSub(use, short string, opts *InspectOptions, fn inspectFn) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.DBPath
			if path == "" {
				cfg, err := config.Load(opts.ConfigPath)
				if err != nil {
					return err
				}
				path = cfg.Store.Path
			}
			st, closeStore, err := openStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer closeStore()
			return fn(cmd.Context(), st, json.NewEncoder(cmd.OutOrStdout()))
		},
	}
}

type corruptLine struct {
	Key     string `json:"key"`
	Corrupt string `json:"corrupt"`
}

type eventLine struct {
	QueueID      uint64    `json:"queue_id"`
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Priority     bool      `json:"priority,omitempty"`
}

func inspectQueue(ctx context.Context, st store.Store, enc *json.Encoder) error {
	entries, corrupt, err := queue.Scan(ctx, st)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.Encode(eventLine{
			QueueID:      uint64(e.ID),
			ID:           e.Event.ID,
			CredentialID: e.Event.CredentialID,
			Outcome:      string(e.Event.Outcome),
			Reason:       e.Event.Reason,
			Timestamp:    e.Event.Timestamp,
			Priority:     e.Event.Priority,
		}); err != nil {
			return err
		}
	}
	for _, c := range corrupt {
		if err := enc.Encode(corruptLine{Key: c.Key, Corrupt: c.Err.Error()}); err != nil {
			return err
		}
	}
	return nil
}

type credentialLine struct {
	ID         string         `json:"id"`
	Decision   types.Decision `json:"decision"`
	Version    uint64         `json:"version"`
	ReceivedAt time.Time      `json:"received_at"`
}

func inspectCache(ctx context.Context, st store.Store, enc *json.Encoder) error {
	creds, corrupt, err := cache.Scan(ctx, st)
	if err != nil {
		return err
	}
	for _, c := range creds {
		if err := enc.Encode(credentialLine{ID: c.ID, Decision: c.Decision, Version: c.Version, ReceivedAt: c.ReceivedAt}); err != nil {
			return err
		}
	}
	for _, c := range corrupt {
		if err := enc.Encode(corruptLine{Key: c.Key, Corrupt: c.Err.Error()}); err != nil {
			return err
		}
	}
	pending, err := cache.ResyncPending(ctx, st)
	if err != nil {
		return err
	}
	if pending {
		return enc.Encode(map[string]bool{"full_resync_pending": true})
	}
	return nil
}

type cursorLine struct {
	AckedEventID      uint64    `json:"acked_event_id"`
	CredentialVersion uint64    `json:"credential_version"`
	LastSyncAt        time.Time `json:"last_sync_at"`
	Corrupt           bool      `json:"corrupt,omitempty"`
}

func inspectCursor(ctx context.Context, st store.Store, enc *json.Encoder) error {
	cs, corrupt, err := syncer.LoadCursor(ctx, st)
	if err != nil {
		return err
	}
	cur := cs.Get()
	return enc.Encode(cursorLine{
		AckedEventID:      cur.AckedEventID,
		CredentialVersion: cur.CredentialVersion,
		LastSyncAt:        cur.LastSyncAt,
		Corrupt:           corrupt,
	})
}
