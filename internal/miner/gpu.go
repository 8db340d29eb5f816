package miner

import (
	"errors"
	"runtime"
	"sync"

	"github.com/bardlex/kminer/internal/device"
	"github.com/bardlex/kminer/internal/jobcell"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/log"
)

type deviceWorker struct {
	name   string
	spec   device.Spec
	m      *Manager
	reader *jobcell.Reader[pow.State]
	logger *log.Logger

	mu      sync.Mutex
	backend device.Backend
}

func newDeviceWorker(m *Manager, spec device.Spec) *deviceWorker {
	return &deviceWorker{
		name:   spec.String(),
		spec:   spec,
		m:      m,
		reader: m.cell.NewReader(),
		logger: m.logger.WithDevice(spec.Backend, spec.Device),
	}
}

// run owns the backend for its whole life. The goroutine stays on one OS
// thread because accelerator contexts are bound to the creating thread.
func (w *deviceWorker) run() {
	m := w.m
	defer m.workerDone()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	backend, err := device.Open(w.spec)
	if err != nil {
		w.logger.WithError(err).Error("device worker terminating, failed to open device")
		return
	}
	w.setBackend(backend)
	defer func() {
		w.setBackend(nil)
		if err := backend.Close(); err != nil {
			w.logger.WithError(err).Warn("failed to close device")
		}
	}()

	info := backend.Info()
	workload := backend.Workload()
	w.logger.Info("device opened",
		"device_name", info.Name,
		"compute_units", info.ComputeUnits,
		"threads_per_unit", info.MaxThreadsPerUnit,
		"workload", workload,
	)

	var job *pow.State
	for {
		if job == nil {
			next, err := w.reader.WaitForChange(m.ctx)
			if err != nil {
				w.logger.Debug("device worker stopped", "reason", err.Error())
				return
			}
			job = next
			backend.LoadConstants(job.Header, job.Matrix, job.Target)
		}

		nonce, err := w.batch(backend, job)
		if err != nil {
			if errors.Is(err, device.ErrInterrupted) {
				w.logger.Warn("device worker interrupted")
			} else {
				w.logger.WithError(err).Error("device worker terminating, batch failed")
			}
			return
		}
		m.hashes.Add(uint64(workload))

		if nonce != 0 {
			if m.cfg.nonceHook != nil {
				m.cfg.nonceHook(w.name, job, nonce)
			}
			res := job.GenerateResultIfWinning(nonce)
			if res == nil {
				w.logger.Warn("device returned a nonce the host rejects, discarding",
					"job_id", job.ID,
					"nonce", nonce,
				)
			} else if err := m.submit(w.name, res); err != nil {
				if errors.Is(err, ErrReceiverGone) {
					w.logger.WithError(err).Error("device worker terminating, cannot report results")
				}
				return
			}
		}

		if m.ctx.Err() != nil {
			w.logger.Debug("device worker stopped", "reason", "shutdown")
			return
		}

		if next, changed := w.reader.TryGetChanged(); changed {
			job = next
			if job != nil {
				backend.LoadConstants(job.Header, job.Matrix, job.Target)
			}
		}
	}
}

func (w *deviceWorker) batch(backend device.Backend, job *pow.State) (uint64, error) {
	if err := backend.LaunchBatch(job.NonceMask, job.NonceFixed); err != nil {
		return 0, err
	}
	if err := backend.Synchronize(); err != nil {
		return 0, err
	}
	return backend.ReadWinningNonce()
}

func (w *deviceWorker) setBackend(b device.Backend) {
	w.mu.Lock()
	w.backend = b
	w.mu.Unlock()
}

// interrupt aborts an in-flight batch if the backend supports it.
func (w *deviceWorker) interrupt() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if in, ok := w.backend.(device.Interrupter); ok {
		in.Interrupt()
		return true
	}
	return false
}
