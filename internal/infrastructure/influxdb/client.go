package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client writes Boilerline telemetry through the batched, non-blocking
// InfluxDB write API. Every point carries a "site" tag. Writes after Close
// are dropped. Safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	closed   atomic.Bool
}

// Connect pings the server and starts the write API. onError, when non-nil,
// receives asynchronous write failures wrapped in ErrWriteFailed.
// It returns ErrDisabled when InfluxDB is switched off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, siteID string, onError func(error)) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(defaultBatchSize)).
		SetFlushInterval(uint(defaultFlushInterval.Milliseconds()))
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(uint(cfg.BatchSize)) // #nosec G115 -- positive
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint((time.Duration(cfg.FlushInterval) * time.Second).Milliseconds())) // #nosec G115 -- positive
	}
	if siteID != "" {
		opts.AddDefaultTag("site", siteID)
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func(errs <-chan error) {
		for err := range errs {
			if onError != nil {
				onError(fmt.Errorf("%w: %w", ErrWriteFailed, err))
			}
		}
	}(c.writeAPI.Errors())

	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func (c *Client) open() bool {
	return c != nil && c.client != nil && !c.closed.Load()
}

// Close flushes buffered points and closes the client. Safe to call twice.
func (c *Client) Close() error {
	if c == nil || c.client == nil || c.closed.Swap(true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server. It returns ErrNotConnected after Close.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.open() {
		return ErrNotConnected
	}
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// Flush blocks until every buffered point has been sent.
func (c *Client) Flush() {
	if c.open() {
		c.writeAPI.Flush()
	}
}
