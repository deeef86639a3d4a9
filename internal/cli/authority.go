package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/BrandonDHaskell/Portunus/node/internal/authority"
	"github.com/BrandonDHaskell/Portunus/node/internal/config"
	"github.com/BrandonDHaskell/Portunus/node/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/node/internal/logging"
	"github.com/BrandonDHaskell/Portunus/node/internal/mqtt"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// AuthorityOptions holds flags for the authority command.
type AuthorityOptions struct {
	*RootOptions
	HTTPAddr string
	GRPCAddr string
	Secret   string
	Devices  []string
	Allow    []string
	Deny     []string
	MQTTHost string
	MQTTPort int
}

func NewAuthorityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Serve an in-memory reference authority",
		Long: `Serve a development authority over HTTP and gRPC.

Decisions are held in memory. Seed them with --allow/--deny and change
them at runtime with PUT /v1/credentials/{id}.

Example:
  portunus-node authority --secret dev --allow A123 --deny B456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAuthority(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.HTTPAddr, "http-addr", "127.0.0.1:8080", "HTTP listen address (empty disables)")
	f.StringVar(&opts.GRPCAddr, "grpc-addr", "127.0.0.1:9090", "gRPC listen address (empty disables)")
	f.StringVar(&opts.Secret, "secret", os.Getenv("PORTUNUS_AUTHORITY_SECRET"), "device token secret (empty disables auth)")
	f.StringSliceVar(&opts.Devices, "device", nil, "known device id (repeatable; empty allows any)")
	f.StringSliceVar(&opts.Allow, "allow", nil, "credential ids to allow")
	f.StringSliceVar(&opts.Deny, "deny", nil, "credential ids to deny")
	f.StringVar(&opts.MQTTHost, "mqtt-host", "", "announce decision changes on this broker")
	f.IntVar(&opts.MQTTPort, "mqtt-port", 1883, "MQTT broker port")

	return cmd
}

func runAuthority(ctx context.Context, opts *AuthorityOptions) error {
	if opts.HTTPAddr == "" && opts.GRPCAddr == "" {
		return errors.New("authority: at least one of --http-addr and --grpc-addr is required")
	}

	logger := logging.New(config.LoggingConfig{Level: "info", Format: "text"}, opts.Version, "authority").
		With("component", "authority")

	svcOpts := authority.Options{KnownDevices: opts.Devices, Logger: logger}
	if opts.MQTTHost != "" {
		mc, err := mqtt.Connect(config.MQTTConfig{Host: opts.MQTTHost, Port: opts.MQTTPort, QoS: 1},
			"portunus-authority", mqtt.AuthorityStatus(), logger.With("component", "mqtt"))
		if err != nil {
			logger.Warn("mqtt disabled", "error", err)
		} else {
			defer mc.Close()
			svcOpts.OnChange = mqtt.ChangePublisher(mc)
			svcOpts.OnEntry = mqtt.EntryPublisher(mc)
		}
	}
	svc := authority.New(svcOpts)

	if err := seed(svc, opts.Allow, types.DecisionAllow); err != nil {
		return err
	}
	if err := seed(svc, opts.Deny, types.DecisionDeny); err != nil {
		return err
	}

	srvOpts := authority.ServerOptions{Secret: opts.Secret, Logger: logger}
	if opts.Secret == "" {
		logger.Warn("device authentication disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.HTTPAddr != "" {
		serveAuthorityHTTP(gctx, g, opts.HTTPAddr, svc, srvOpts, logger)
	}
	if opts.GRPCAddr != "" {
		if err := serveAuthorityGRPC(gctx, g, opts.GRPCAddr, svc, srvOpts, logger); err != nil {
			return err
		}
	}
	return g.Wait()
}

func seed(svc *authority.Service, ids []string, d types.Decision) error {
	for _, id := range ids {
		if _, err := svc.SetDecision(id, d); err != nil {
			return fmt.Errorf("seed %s=%s: %w", id, d, err)
		}
	}
	return nil
}

func serveAuthorityHTTP(ctx context.Context, g *errgroup.Group, addr string, svc *authority.Service, opts authority.ServerOptions, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.LoggingMiddleware(logger, authority.NewHTTPHandler(svc, opts)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("authority http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func serveAuthorityGRPC(ctx context.Context, g *errgroup.Group, addr string, svc *authority.Service, opts authority.ServerOptions, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("authority grpc listen: %w", err)
	}
	srv := grpc.NewServer()
	authority.RegisterGRPC(srv, svc, opts)

	g.Go(func() error {
		logger.Info("authority grpc listening", "addr", addr)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	return nil
}
