package miner

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/bardlex/kminer/internal/jobcell"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/log"
)

// batchSize is how many nonces a CPU worker tests between job and shutdown
// checks. It bounds how long a worker keeps hashing a replaced job.
const batchSize = 128

type cpuWorker struct {
	name   string
	m      *Manager
	reader *jobcell.Reader[pow.State]
	logger *log.Logger
	seed   uint64
}

func newCPUWorker(m *Manager, index int) *cpuWorker {
	return &cpuWorker{
		name:   "cpu:" + strconv.Itoa(index),
		m:      m,
		reader: m.cell.NewReader(),
		logger: m.logger.WithWorker("cpu", index),
		// independent random start per worker; overlap between siblings is
		// possible but negligible over a 64-bit space
		seed: rand.Uint64(),
	}
}

func (w *cpuWorker) run() {
	m := w.m
	defer m.workerDone()

	counter := w.seed
	var job *pow.State

	for {
		if job == nil {
			next, err := w.reader.WaitForChange(m.ctx)
			if err != nil {
				w.logger.Debug("cpu worker stopped", "reason", err.Error())
				return
			}
			job = next
		}

		for range batchSize {
			nonce := job.Partition(counter)
			counter++
			if m.cfg.nonceHook != nil {
				m.cfg.nonceHook(w.name, job, nonce)
			}

			if res := job.GenerateResultIfWinning(nonce); res != nil {
				if err := m.submit(w.name, res); err != nil {
					if errors.Is(err, ErrReceiverGone) {
						w.logger.WithError(err).Error("cpu worker terminating, cannot report results")
					}
					return
				}
			}
		}
		m.hashes.Add(batchSize)

		if m.ctx.Err() != nil {
			w.logger.Debug("cpu worker stopped", "reason", "shutdown")
			return
		}

		if next, changed := w.reader.TryGetChanged(); changed {
			// nil puts the worker back to waiting for work
			job = next
		}
	}
}

// submit logs, reports and queues a result. A result that cannot be queued
// is reported as dropped so telemetry never holds a find with no outcome.
func (m *Manager) submit(worker string, res *pow.Result) error {
	sub := Submission{Result: res, Worker: worker, FoundAt: time.Now()}

	m.logger.WithFields("worker", worker).
		LogSolutionFound(res.Source.Kind(), res.StateID, res.Nonce, res.Hash.String())
	m.reporter.SolutionFound(sub)

	if err := m.submissions.Send(m.ctx, sub); err != nil {
		if rr, ok := m.reporter.(ResultReporter); ok {
			rr.SolutionResult(sub, StatusDropped)
		}
		return err
	}
	return nil
}
