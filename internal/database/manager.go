// Package database records miner events in the optional telemetry stores:
// PostgreSQL for the solution ledger, Redis for live state and InfluxDB for
// time series. Any store may be left unconfigured.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/kminer/internal/database/influx"
	"github.com/bardlex/kminer/internal/database/postgres"
	"github.com/bardlex/kminer/internal/database/redis"
	"github.com/bardlex/kminer/internal/messaging"
	"github.com/bardlex/kminer/pkg/circuit"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
	"github.com/bardlex/kminer/pkg/retry"
)

const (
	counterTTL    = 7 * 24 * time.Hour
	hashrateTTL   = 10 * time.Minute
	flushInterval = 10 * time.Second
)

type solutionStore interface {
	CreateSolution(ctx context.Context, s *postgres.Solution) error
	GetRecentSolutions(ctx context.Context, miner string, limit int) ([]*postgres.Solution, error)
}

type stateStore interface {
	SetCurrentJob(ctx context.Context, job any) error
	IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error)
	AddHashrate(ctx context.Context, hashrate float64, window time.Duration) error
	Health(ctx context.Context) error
	Close() error
}

type metricStore interface {
	WriteJobMetric(kind string, difficulty float64)
	WriteSolutionMetric(kind, worker, status string)
	WriteHashrateMetric(hashrate float64, hashes uint64)
	Errors() <-chan error
	Flush()
	Health(ctx context.Context) error
	Close()
}

// Config holds configuration for the stores. A nil entry disables the store.
type Config struct {
	Miner    string
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Manager coordinates writes across the configured stores
type Manager struct {
	miner  string
	logger *log.Logger

	postgres  *postgres.Client
	solutions solutionStore
	state     stateStore
	metrics   metricStore

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewManager connects to every configured store. A store that fails to
// connect fails the whole manager and closes the ones already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(cfg.Miner, logger)

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		repo := postgres.NewSolutionRepository(pgClient.DB())
		if err := repo.EnsureSchema(ctx); err != nil {
			pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema",
				"failed to prepare PostgreSQL schema")
		}
		m.postgres = pgClient
		m.solutions = repo
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis, cfg.Miner)
		if err != nil {
			m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.state = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx, cfg.Miner)
		if err != nil {
			m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.metrics = influxClient
	}

	m.logger.Info("telemetry stores ready",
		"postgres", m.solutions != nil,
		"redis", m.state != nil,
		"influx", m.metrics != nil,
	)
	return m, nil
}

func newManager(miner string, logger *log.Logger) *Manager {
	m := &Manager{
		miner:          miner,
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(circuit.SinkConfig("postgres")),
		retryConfig:    retry.DatabaseConfig(),
	}
	m.circuitBreaker.OnStateChange(func(name string, from, to circuit.State) {
		m.logger.LogBreakerState(name, from.String(), to.String())
	})
	return m
}

// Enabled reports whether any store is configured.
func (m *Manager) Enabled() bool {
	return m.solutions != nil || m.state != nil || m.metrics != nil
}

// Close closes all store connections
func (m *Manager) Close() error {
	var errs []error

	if m.postgres != nil {
		if err := m.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.state != nil {
		if err := m.state.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.metrics != nil {
		m.metrics.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.postgres != nil {
		if err := m.postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.state != nil {
		if err := m.state.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.metrics != nil {
		if err := m.metrics.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// RecordJob stores the job as the miner's current job and counts it
func (m *Manager) RecordJob(ctx context.Context, job *messaging.JobMessage) {
	if m.metrics != nil {
		m.metrics.WriteJobMetric(job.Kind, job.Difficulty)
	}
	if m.state != nil {
		if err := m.state.SetCurrentJob(ctx, job); err != nil {
			m.logger.WithError(err).Warn("failed to store current job in Redis", "job_id", job.JobID)
		}
	}
}

// RecordSolution stores the solution row and updates counters. Only the
// PostgreSQL write is retried; the other stores are best effort.
func (m *Manager) RecordSolution(ctx context.Context, sol *messaging.SolutionMessage) error {
	if m.metrics != nil {
		m.metrics.WriteSolutionMetric(sol.Kind, sol.Worker, sol.Status)
	}
	if m.state != nil {
		if _, err := m.state.IncrementCounter(ctx, "solutions:"+sol.Status, counterTTL); err != nil {
			m.logger.WithError(err).Warn("failed to update solution counter in Redis", "status", sol.Status)
		}
	}

	if m.solutions == nil {
		return nil
	}

	row := &postgres.Solution{
		Miner:     m.miner,
		JobID:     sol.JobID,
		Kind:      sol.Kind,
		PoolJobID: sol.PoolJobID,
		BlockHash: sol.BlockHash,
		Nonce:     sol.Nonce,
		PowHash:   sol.PowHash,
		Worker:    sol.Worker,
		Status:    sol.Status,
		FoundAt:   sol.FoundAt,
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.solutions.CreateSolution(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_solution",
					"failed to store solution in PostgreSQL").
					WithContext("job_id", sol.JobID).
					WithContext("nonce", sol.Nonce).
					WithContext("status", sol.Status)
			}
			return nil
		})
	})
}

// RecordHashrate stores a hash-rate sample
func (m *Manager) RecordHashrate(ctx context.Context, sample *messaging.HashrateMessage) {
	if m.metrics != nil {
		m.metrics.WriteHashrateMetric(sample.Hashrate, sample.Hashes)
	}
	if m.state != nil {
		if err := m.state.AddHashrate(ctx, sample.Hashrate, hashrateTTL); err != nil {
			m.logger.WithError(err).Warn("failed to store hashrate in Redis")
		}
	}
}

// RecentSolutions returns this miner's newest solutions from PostgreSQL,
// or nothing when PostgreSQL is not configured.
func (m *Manager) RecentSolutions(ctx context.Context, limit int) ([]*postgres.Solution, error) {
	if m.solutions == nil {
		return nil, nil
	}
	return m.solutions.GetRecentSolutions(ctx, m.miner, limit)
}

// StartPeriodicTasks flushes InfluxDB writes and logs asynchronous write
// errors until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.metrics == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.metrics.Flush()
			}
		}
	}()

	go func() {
		errs := m.metrics.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}
	}()
}
