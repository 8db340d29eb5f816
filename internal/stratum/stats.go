package stratum

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/kminer/internal/miner"
)

// DefaultStatsInterval is how often share statistics are logged.
const DefaultStatsInterval = 30 * time.Second

type pendingShare struct {
	jobID  string
	sub    miner.Submission
	sentAt time.Time
}

// ShareStats counts pool verdicts. It outlives individual connections.
type ShareStats struct {
	Accepted  atomic.Uint64
	Stale     atomic.Uint64
	LowDiff   atomic.Uint64
	Duplicate atomic.Uint64
	Rejected  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]pendingShare
}

// NewShareStats returns empty statistics.
func NewShareStats() *ShareStats {
	return &ShareStats{pending: make(map[uint64]pendingShare)}
}

func (s *ShareStats) addPending(id uint64, p pendingShare) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = p
}

func (s *ShareStats) takePending(id uint64) (pendingShare, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

// dropPending forgets shares whose verdict can no longer arrive.
func (s *ShareStats) dropPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	clear(s.pending)
	return n
}

// Pending returns the number of shares awaiting a verdict.
func (s *ShareStats) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// String renders e.g. "Shares: Accepted: 12 Stale: 1 Pending: 0". Zero
// counters are omitted.
func (s *ShareStats) String() string {
	var b strings.Builder
	b.WriteString("Shares: ")
	for _, c := range []struct {
		label string
		n     uint64
	}{
		{"Accepted", s.Accepted.Load()},
		{"Stale", s.Stale.Load()},
		{"Low difficulty", s.LowDiff.Load()},
		{"Duplicate", s.Duplicate.Load()},
		{"Rejected", s.Rejected.Load()},
	} {
		if c.n > 0 {
			fmt.Fprintf(&b, "%s: %d ", c.label, c.n)
		}
	}
	fmt.Fprintf(&b, "Pending: %d", s.Pending())
	return b.String()
}
