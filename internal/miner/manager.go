// Package miner runs the hashing workers. A Manager turns block templates and
// pool share jobs into immutable jobs, broadcasts them to CPU and device
// workers through a job cell, and hands winning nonces to the network layer
// through a SubmissionChannel.
package miner

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"github.com/klauspost/cpuid/v2"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/kminer/internal/device"
	"github.com/bardlex/kminer/internal/jobcell"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
)

const (
	// DefaultShutdownTimeout bounds the cooperative worker join.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultInterruptGrace is how long interrupted workers get to exit.
	DefaultInterruptGrace = 2 * time.Second
)

// ManagerConfig configures the worker fleet.
type ManagerConfig struct {
	// CPUWorkers is the number of CPU workers; negative means one per
	// physical core.
	CPUWorkers       int
	Devices          []device.Spec
	HashrateInterval time.Duration
	ShutdownTimeout  time.Duration
	InterruptGrace   time.Duration

	// nonceHook sees every candidate nonce before it is tested. Tests only.
	nonceHook func(worker string, job *pow.State, nonce uint64)
}

// DefaultManagerConfig returns a configuration with one CPU worker per
// physical core and no devices.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CPUWorkers:       -1,
		HashrateInterval: DefaultHashrateInterval,
		ShutdownTimeout:  DefaultShutdownTimeout,
		InterruptGrace:   DefaultInterruptGrace,
	}
}

// Manager owns the workers and the publishing side of the job cell.
type Manager struct {
	cfg         ManagerConfig
	logger      *log.Logger
	submissions *SubmissionChannel
	reporter    Reporter

	cell      *jobcell.Cell[pow.State]
	publishMu sync.Mutex
	nextID    atomic.Uint64
	synced    atomic.Bool
	hashes    atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	swg     sizedwaitgroup.SizedWaitGroup
	running atomic.Int32
	devices []*deviceWorker

	loggerDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager starts the configured workers and the hash-rate logger.
func NewManager(cfg ManagerConfig, logger *log.Logger, submissions *SubmissionChannel, reporter Reporter) *Manager {
	if cfg.CPUWorkers < 0 {
		cfg.CPUWorkers = defaultCPUWorkers()
	}
	if cfg.HashrateInterval <= 0 {
		cfg.HashrateInterval = DefaultHashrateInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = DefaultInterruptGrace
	}
	if reporter == nil {
		reporter = NopReporter{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	total := cfg.CPUWorkers + len(cfg.Devices)

	m := &Manager{
		cfg:         cfg,
		logger:      logger.WithComponent("miner"),
		submissions: submissions,
		reporter:    reporter,
		cell:        jobcell.New[pow.State](),
		ctx:         ctx,
		cancel:      cancel,
		swg:         sizedwaitgroup.New(max(total, 1)),
		loggerDone:  make(chan struct{}),
	}

	for i := range cfg.CPUWorkers {
		m.spawn(newCPUWorker(m, i).run)
	}
	for _, spec := range cfg.Devices {
		w := newDeviceWorker(m, spec)
		m.devices = append(m.devices, w)
		m.spawn(w.run)
	}

	go m.runHashrateLogger(cfg.HashrateInterval)

	m.logger.Info("miner started",
		"cpu_workers", cfg.CPUWorkers,
		"device_workers", len(cfg.Devices),
		"available_backends", device.Available(),
	)
	return m
}

// defaultCPUWorkers returns the physical core count. SMT siblings share a
// core's execution units and add little hash rate. Where cpuid cannot tell,
// every logical CPU counts.
func defaultCPUWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return min(n, runtime.NumCPU())
	}
	return runtime.NumCPU()
}

func (m *Manager) spawn(run func()) {
	m.swg.Add()
	m.running.Add(1)
	go run()
}

func (m *Manager) workerDone() {
	m.running.Add(-1)
	m.swg.Done()
}

// ProcessBlock publishes a new job built from src. A nil src means no work
// is available: the current job is cleared, but only on the first nil after
// a synced state. Construction errors are returned and nothing is published.
func (m *Manager) ProcessBlock(src pow.Source) error {
	if m.ctx.Err() != nil {
		return errors.New(errors.ErrorTypeInternal, "process_block", "miner is shut down").NonRetryable()
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	if src == nil {
		if m.synced.Swap(false) {
			m.cell.Publish(nil)
			m.logger.Info("no work available, workers idle until the next job")
		}
		return nil
	}

	id := m.nextID.Add(1)
	state, err := pow.NewState(id, src)
	if err != nil {
		m.logger.WithError(err).Warn("discarding malformed work", "kind", src.Kind(), "job_id", id)
		return err
	}

	m.synced.Store(true)
	m.cell.Publish(state)

	m.logger.LogJobPublished(id, src.Kind(), state.Target.String())
	m.reporter.JobPublished(state)
	return nil
}

// Synced reports whether the last ProcessBlock call published a job.
func (m *Manager) Synced() bool {
	return m.synced.Load()
}

// CurrentJob returns the published job, or nil.
func (m *Manager) CurrentJob() *pow.State {
	return m.cell.Load()
}

// Workers returns the number of running workers.
func (m *Manager) Workers() int {
	return int(m.running.Load())
}

// Shutdown stops all workers. Workers get ShutdownTimeout (or until ctx is
// done) to exit cooperatively. After that, device backends that support it
// are interrupted and get InterruptGrace; workers still running after that
// are abandoned and a timeout error is returned. Interrupting is best-effort.
// Repeated calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

// Close is Shutdown without an outer deadline.
func (m *Manager) Close() error {
	return m.Shutdown(context.Background())
}

func (m *Manager) shutdown(ctx context.Context) error {
	start := time.Now()
	m.logger.Info("stopping workers", "running", m.Workers())

	m.cancel()
	m.cell.Close()
	<-m.loggerDone

	joined := make(chan struct{})
	go func() {
		m.swg.Wait()
		close(joined)
	}()

	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-joined:
		m.logger.LogDuration("miner shutdown", time.Since(start))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	stuck := m.Workers()
	interrupted := 0
	for _, w := range m.devices {
		if w.interrupt() {
			interrupted++
		}
	}
	m.logger.Error("workers did not stop in time, forcing interrupt",
		"stuck", stuck,
		"interrupted_devices", interrupted,
		"waited", durafmt.Parse(time.Since(start)).LimitFirstN(2).String(),
	)

	grace := time.NewTimer(m.cfg.InterruptGrace)
	defer grace.Stop()

	select {
	case <-joined:
		m.logger.Warn("stuck workers exited after interrupt")
		return nil
	case <-grace.C:
	}

	remaining := m.Workers()
	m.logger.Error("abandoning stuck workers", "remaining", remaining)
	return errors.New(errors.ErrorTypeTimeout, "shutdown", "workers did not stop after interrupt").
		NonRetryable().
		WithContext("remaining", remaining).
		WithContext("interrupted_devices", interrupted)
}
