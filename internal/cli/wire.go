package cli

import (
	"fmt"

	"github.com/BrandonDHaskell/Portunus/node/internal/auth"
	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/access"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/coordinator"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/syncer"
	"github.com/BrandonDHaskell/Portunus/node/internal/transport/grpcclient"
	"github.com/BrandonDHaskell/Portunus/node/internal/transport/httpclient"
)

type tokenSource interface {
	Token() (string, error)
}

// coordinatorConfig maps the file/env configuration onto the node core.
func coordinatorConfig(cfg config.Config) (coordinator.Config, error) {
	policy, err := access.ParseStalePolicy(cfg.Access.StalePolicy)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		QueueCapacity:      cfg.Store.QueueCapacity,
		LoopInterval:       cfg.Loop.Interval,
		StaleMaxAge:        cfg.Access.StaleMaxAge,
		StaleCheckInterval: cfg.Access.StaleCheckInterval,
		DropStale:          cfg.Access.DropStale,
		Access: access.Config{
			DeviceID:       cfg.Device.ID,
			TrustThreshold: cfg.Access.TrustThreshold,
			StalePolicy:    policy,
			RelockAfter:    cfg.Access.RelockAfter,
		},
		Sync: syncer.Config{
			BatchSize:   cfg.Sync.BatchSize,
			Interval:    cfg.Sync.Interval,
			Timeout:     cfg.Sync.Timeout,
			BackoffBase: cfg.Sync.BackoffBase,
			BackoffMax:  cfg.Sync.BackoffMax,
		},
	}, nil
}

// newTransport builds the configured transport. Requests are
// unauthenticated when no device secret is set.
func newTransport(cfg config.Config, clk clock.Clock) (remote.Transport, error) {
	var tokens tokenSource
	if cfg.Sync.DeviceSecret != "" {
		ts, err := auth.NewTokenSource(cfg.Device.ID, cfg.Sync.DeviceSecret, cfg.Sync.TokenTTL, clk)
		if err != nil {
			return nil, err
		}
		tokens = ts
	}

	switch cfg.Sync.Transport {
	case "grpc":
		c, err := grpcclient.New(grpcclient.Options{
			Target:   cfg.Sync.Endpoint,
			DeviceID: cfg.Device.ID,
			Tokens:   tokens,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "http":
		c, err := httpclient.New(httpclient.Options{
			BaseURL:  cfg.Sync.Endpoint,
			DeviceID: cfg.Device.ID,
			Tokens:   tokens,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown sync transport %q", cfg.Sync.Transport)
	}
}
