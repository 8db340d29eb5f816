// Package main implements kminer, a kHeavyHash miner. It mines blocks from a
// node's templates, or shares for a stratum pool when a pool address is set.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/kminer/internal/config"
	"github.com/bardlex/kminer/internal/database"
	"github.com/bardlex/kminer/internal/database/influx"
	"github.com/bardlex/kminer/internal/database/postgres"
	"github.com/bardlex/kminer/internal/database/redis"
	"github.com/bardlex/kminer/internal/device"
	"github.com/bardlex/kminer/internal/messaging"
	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/node"
	"github.com/bardlex/kminer/internal/stratum"
	"github.com/bardlex/kminer/pkg/circuit"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
	"github.com/bardlex/kminer/pkg/retry"
)

// healthySession is how long a connection must last before a later failure
// restarts the reconnect backoff.
const healthySession = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}
	logger.Info("starting kminer",
		"version", cfg.Version,
		"miner_id", cfg.MinerID,
		"config_file", cfg.ConfigFile,
		"backends", device.Available(),
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("kminer failed")
		os.Exit(1)
	}
	logger.Info("kminer stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	specs, err := device.ParseSpecs(cfg.Devices, cfg.Workloads, cfg.WorkloadAbsolute)
	if err != nil {
		return err
	}

	// Cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := openSinks(ctx, cfg, logger)
	defer sinks.Close()

	submissions := miner.NewSubmissionChannel(cfg.SubmissionBuffer)
	manager := miner.NewManager(miner.ManagerConfig{
		CPUWorkers:       cfg.Threads,
		Devices:          specs,
		HashrateInterval: cfg.HashrateInterval,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		InterruptGrace:   miner.DefaultInterruptGrace,
	}, logger, submissions, sinks.telemetry)

	var runErr error
	if cfg.UseStratum() {
		runErr = runStratum(ctx, cfg, logger, manager, submissions, sinks.telemetry)
	} else {
		runErr = runNode(ctx, cfg, logger, manager, submissions, sinks.telemetry)
	}
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("miner shutdown failed")
		if runErr == nil {
			runErr = err
		}
	}
	submissions.Close()

	return runErr
}

func runStratum(ctx context.Context, cfg *config.Config, logger *log.Logger, manager *miner.Manager,
	submissions *miner.SubmissionChannel, reporter miner.ResultReporter) error {
	client := stratum.NewClient(stratum.ClientConfig{
		Address:        cfg.StratumAddress,
		MiningAddress:  cfg.MiningAddress,
		Password:       cfg.StratumPassword,
		UserAgent:      cfg.ServiceName + "/" + cfg.Version,
		DevfundAddress: cfg.DevfundAddress,
		DevfundPercent: cfg.DevfundPercent,
		DialTimeout:    cfg.DialTimeout,
		ReadTimeout:    cfg.ReadTimeout,
	}, logger, manager, submissions, reporter, nil)

	logDevfund(logger, cfg)

	return supervise(ctx, logger, "pool", cfg.ReconnectDelay, func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			return err
		}
		return client.Run(ctx)
	})
}

func runNode(ctx context.Context, cfg *config.Config, logger *log.Logger, manager *miner.Manager,
	submissions *miner.SubmissionChannel, reporter miner.ResultReporter) error {
	rpc, err := node.NewRPCClient(cfg.NodeHost, cfg.NodePort, cfg.NodeUser, cfg.NodePassword, cfg.ExtraData)
	if err != nil {
		return err
	}
	defer rpc.Close()
	rpc.Breaker().OnStateChange(func(name string, from, to circuit.State) {
		logger.LogBreakerState(name, from.String(), to.String())
	})

	handler := node.NewHandler(node.HandlerConfig{
		MiningAddress:     cfg.MiningAddress,
		DevfundAddress:    cfg.DevfundAddress,
		DevfundPercent:    cfg.DevfundPercent,
		MineWhenNotSynced: cfg.MineWhenNotSynced,
		PollInterval:      cfg.PollInterval,
	}, logger, rpc, manager, submissions, reporter)

	if cfg.ZMQAddr != "" {
		notifier, err := openNotifier(cfg.ZMQAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("block notifications unavailable, polling only")
		} else {
			defer notifier.Close()
			handler.SetNotifier(notifier)
		}
	}

	return supervise(ctx, logger, "node", cfg.ReconnectDelay, handler.Run)
}

func openNotifier(endpoint string, logger *log.Logger) (*node.ZMQNotifier, error) {
	notifier, err := node.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	if err := notifier.Subscribe(node.TopicHashBlock); err != nil {
		notifier.Close()
		return nil, err
	}
	if err := notifier.Connect(); err != nil {
		notifier.Close()
		return nil, err
	}
	return notifier, nil
}

// supervise runs session until ctx is done, reconnecting with backoff.
// A pay address rotation reconnects at once. A non-retryable stratum error
// means the pool will not accept this miner and ends the loop.
func supervise(ctx context.Context, logger *log.Logger, peer string, delay time.Duration,
	session func(ctx context.Context) error) error {
	backoff := retry.ReconnectConfig(delay)
	attempt := 0

	for {
		start := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if stderrors.Is(err, stratum.ErrPayAddressRotation) {
			logger.Debug("reconnecting for pay address rotation", "peer", peer)
			attempt = 0
			continue
		}
		if errors.IsType(err, errors.ErrorTypeStratum) && !errors.IsRetryable(err) {
			return err
		}

		if time.Since(start) > healthySession {
			attempt = 0
		}
		wait := backoff.Delay(attempt)
		attempt++

		logger.WithError(err).Warn("disconnected, retrying",
			"peer", peer,
			"attempt", attempt,
			"retry_in", wait,
		)
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func logDevfund(logger *log.Logger, cfg *config.Config) {
	if cfg.DevfundPercent == 0 || cfg.DevfundAddress == "" {
		return
	}
	logger.Info("devfund enabled",
		"percent", config.DevfundString(cfg.DevfundPercent),
		"address", cfg.DevfundAddress,
	)
}

// sinks holds the optional telemetry outputs.
type sinks struct {
	kafka     *messaging.KafkaClient
	db        *database.Manager
	telemetry *telemetry
}

// openSinks connects the configured telemetry outputs. A sink that cannot
// be reached is logged and left out; mining does not depend on telemetry.
func openSinks(ctx context.Context, cfg *config.Config, logger *log.Logger) *sinks {
	s := &sinks{}

	var pub publisher
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		pub = s.kafka
	}

	var rec recorder
	if dbCfg := databaseConfig(cfg); dbCfg != nil {
		db, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			logger.WithError(err).Warn("telemetry stores unavailable")
		} else {
			s.db = db
			rec = db
			db.StartPeriodicTasks(ctx)
			logRecentSolutions(ctx, db, logger)
		}
	}

	s.telemetry = newTelemetry(cfg.MinerID, logger, pub, rec)
	return s
}

// Close flushes queued events and closes the sinks.
func (s *sinks) Close() {
	s.telemetry.Close()
	if s.kafka != nil {
		s.kafka.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// databaseConfig returns nil when no store is configured.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{Miner: cfg.MinerID}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     4,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	if dbCfg.Postgres == nil && dbCfg.Redis == nil && dbCfg.Influx == nil {
		return nil
	}
	return dbCfg
}

func logRecentSolutions(ctx context.Context, db *database.Manager, logger *log.Logger) {
	recent, err := db.RecentSolutions(ctx, 5)
	if err != nil {
		logger.WithError(err).Warn("failed to load recent solutions")
		return
	}
	for _, sol := range recent {
		logger.Info("previous solution",
			"kind", sol.Kind,
			"job_id", sol.JobID,
			"nonce", sol.Nonce,
			"status", sol.Status,
			"found_at", sol.FoundAt,
		)
	}
}
