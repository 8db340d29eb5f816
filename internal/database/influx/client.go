// Package influx writes miner time series (jobs, solutions and hash rate)
// to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names
const (
	MeasurementJobs      = "jobs"
	MeasurementSolutions = "solutions"
	MeasurementHashrate  = "hashrate"
)

// Client wraps InfluxDB operations for time-series metrics. Writes are
// batched and non-blocking.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	miner    string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects to InfluxDB and verifies its health. Points are tagged
// with miner.
func NewClient(cfg *Config, miner string) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(10_000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		miner:    miner,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Errors returns asynchronous write errors. It must be drained.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteJobMetric records a published job
func (c *Client) WriteJobMetric(kind string, difficulty float64) {
	c.writeAPI.WritePoint(jobPoint(c.miner, kind, difficulty, time.Now()))
}

// WriteSolutionMetric records a solution and its verdict
func (c *Client) WriteSolutionMetric(kind, worker, status string) {
	c.writeAPI.WritePoint(solutionPoint(c.miner, kind, worker, status, time.Now()))
}

// WriteHashrateMetric records a hash-rate sample
func (c *Client) WriteHashrateMetric(hashrate float64, hashes uint64) {
	c.writeAPI.WritePoint(hashratePoint(c.miner, hashrate, hashes, time.Now()))
}

func jobPoint(miner, kind string, difficulty float64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementJobs,
		map[string]string{"miner": miner, "kind": kind},
		map[string]any{"difficulty": difficulty, "count": 1},
		ts)
}

func solutionPoint(miner, kind, worker, status string, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementSolutions,
		map[string]string{"miner": miner, "kind": kind, "worker": worker, "status": status},
		map[string]any{"count": 1},
		ts)
}

func hashratePoint(miner string, hashrate float64, hashes uint64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementHashrate,
		map[string]string{"miner": miner},
		map[string]any{"hashrate": hashrate, "hashes": hashes},
		ts)
}
