// Package telemetry writes node activity to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/BrandonDHaskell/Portunus/node/internal/config"
)

const (
	pingTimeout          = 5 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

var ErrConnectionFailed = errors.New("telemetry: influxdb connection failed")

// Client owns the InfluxDB connection and its non-blocking write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect pings the server and starts the batched writer. Write errors
// are delivered asynchronously and logged.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *slog.Logger) (*Client, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush)*1000))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go func() {
		for err := range c.writeAPI.Errors() {
			logger.Warn("influxdb write failed", "error", err)
		}
	}()
	return c, nil
}

// Writer is the point sink used by Recorder.
func (c *Client) Writer() api.WriteAPI { return c.writeAPI }

// Close flushes pending points and closes the connection.
func (c *Client) Close() error {
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
