package miner

import (
	"time"

	"github.com/bardlex/kminer/internal/pow"
)

// Reporter receives miner events for telemetry. Calls are made from worker
// and manager goroutines and must not block.
type Reporter interface {
	JobPublished(state *pow.State)
	SolutionFound(sub Submission)
	Hashrate(hashes uint64, interval time.Duration)
}

// NopReporter discards all events.
type NopReporter struct{}

// JobPublished implements Reporter.
func (NopReporter) JobPublished(*pow.State) {}

// SolutionFound implements Reporter.
func (NopReporter) SolutionFound(Submission) {}

// Hashrate implements Reporter.
func (NopReporter) Hashrate(uint64, time.Duration) {}

// Submission outcomes. All but StatusDropped come from the network clients.
const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusStale     = "stale"
	StatusDuplicate = "duplicate"
	StatusLowDiff   = "low_diff"
	StatusMisrouted = "misrouted"
	// StatusDropped marks a result that never reached the network client.
	StatusDropped   = "dropped"
)

// ResultReporter receives the network's verdict on a submission.
type ResultReporter interface {
	SolutionResult(sub Submission, status string)
}
