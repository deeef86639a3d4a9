package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/db"
	"github.com/BrandonDHaskell/Portunus/node/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/node/internal/logging"
	"github.com/BrandonDHaskell/Portunus/node/internal/mqtt"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/coordinator"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/device"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/node/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	// Sensors is the line-oriented sensor feed; stdin when nil.
	Sensors io.Reader
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Long: `Start the node's control loop.

Sensor edges are read from stdin, one per line:
  scan <code> | open | close | button

Example:
  portunus-node run --config ./node.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts)
		},
	}
}

// openStore opens the node database and returns the durable store with a
// function that releases it.
func openStore(ctx context.Context, path string) (*sqlite.Store, func(), error) {
	sqlDB, err := db.Open(ctx, db.Config{Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	worker := db.NewWorker(sqlDB)
	closeFn := func() {
		worker.Close()
		_ = sqlDB.Close()
	}
	return sqlite.New(sqlDB, worker), closeFn, nil
}

func runNode(ctx context.Context, opts *RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, opts.Version, cfg.Device.ID)
	clk := clock.Real()

	st, closeStore, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	transport, err := newTransport(cfg, clk)
	if err != nil {
		return err
	}

	ccfg, err := coordinatorConfig(cfg)
	if err != nil {
		return err
	}

	in := opts.Sensors
	if in == nil {
		in = os.Stdin
	}

	deps := coordinator.Deps{
		Store:     st,
		Transport: transport,
		Sensors:   device.NewLineSource(in, clk, logger.With("component", "sensors")),
		Actuator:  device.NewLogActuator(logger.With("component", "actuator")),
		Clock:     clk,
		Logger:    logger,
	}
	if cfg.InfluxDB.Enabled {
		tc, err := telemetry.Connect(ctx, cfg.InfluxDB, logger.With("component", "telemetry"))
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			defer tc.Close()
			deps.Telemetry = telemetry.NewRecorder(tc.Writer(), cfg.Device.ID)
		}
	}

	node, err := coordinator.Open(ctx, ccfg, deps)
	if err != nil {
		_ = transport.Close()
		return err
	}
	defer node.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })

	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(httpapi.Dependencies{
			Logger: logger.With("component", "http"),
			Addr:   cfg.HTTP.Addr,
			Node:   node,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.MQTT.Enabled {
		startMQTT(gctx, g, cfg, node, logger)
	}

	logger.Info("node started",
		"transport", cfg.Sync.Transport,
		"endpoint", cfg.Sync.Endpoint,
		"stale_policy", cfg.Access.StalePolicy,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("node stopped")
	return nil
}

// startMQTT connects the optional broker link. A broker that cannot be
// reached is logged; the node runs without it.
func startMQTT(ctx context.Context, g *errgroup.Group, cfg config.Config, node *coordinator.Coordinator, logger *slog.Logger) {
	mlog := logger.With("component", "mqtt")
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "portunus-node-" + cfg.Device.ID
	}

	mc, err := mqtt.Connect(cfg.MQTT, clientID, mqtt.NodeStatus(cfg.Device.ID), mlog)
	if err != nil {
		mlog.Warn("mqtt disabled", "error", err)
		return
	}
	if err := mqtt.BindNode(mc, cfg.Device.ID, node.Submit); err != nil {
		mlog.Warn("mqtt subscriptions failed", "error", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return mc.Close()
	})
}
