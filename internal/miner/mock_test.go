package miner

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/kminer/internal/device"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/log"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*log.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return log.NewWithWriter(buf, "kminer", "test", "debug", "text"), buf
}

// mockReporter records reporter calls.
type mockReporter struct {
	mu        sync.Mutex
	jobs      []uint64
	solutions []Submission
	results   []string
	hashes    []uint64
}

func (r *mockReporter) JobPublished(st *pow.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, st.ID)
}

func (r *mockReporter) SolutionFound(sub Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solutions = append(r.solutions, sub)
}

func (r *mockReporter) SolutionResult(_ Submission, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, status)
}

func (r *mockReporter) counts() (solutions int, results []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.solutions), append([]string(nil), r.results...)
}

func (r *mockReporter) Hashrate(hashes uint64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = append(r.hashes, hashes)
}

func (r *mockReporter) totalHashes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, h := range r.hashes {
		total += h
	}
	return total
}

// testBackends holds the backend each registered test device opens. Tests
// install their own instance with useBackend.
var testBackends sync.Map

func useBackend(t *testing.T, name string, b device.Backend) {
	t.Helper()
	testBackends.Store(name, b)
	t.Cleanup(func() { testBackends.Delete(name) })
}

func init() {
	for _, name := range []string{"test-hung", "test-stuck", "test-ctx", "test-rejecting", "test-failing", "test-stalling"} {
		device.Register(name, 1, func(device.Spec) (device.Backend, error) {
			b, ok := testBackends.Load(name)
			if !ok {
				return nil, errors.New("no backend installed for " + name)
			}
			return b.(device.Backend), nil
		})
	}
}

// stubBackend is a device that finds nothing.
type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }
func (stubBackend) Info() device.Info {
	return device.Info{Name: "stub", ComputeUnits: 1, MaxThreadsPerUnit: 1}
}
func (stubBackend) LoadConstants([72]byte, *pow.Matrix, pow.Uint256) {}
func (stubBackend) LaunchBatch(uint64, uint64) error { return nil }
func (stubBackend) Synchronize() error { return nil }
func (stubBackend) ReadWinningNonce() (uint64, error) { return 0, nil }
func (stubBackend) Workload() int { return 1 }
func (stubBackend) Close() error { return nil }

// blockingBackend never finishes a batch until released.
type blockingBackend struct {
	stubBackend
	release chan struct{}
	once    sync.Once
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{release: make(chan struct{})}
}

func (b *blockingBackend) Synchronize() error {
	<-b.release
	return device.ErrInterrupted
}

func (b *blockingBackend) unblock() { b.once.Do(func() { close(b.release) }) }

// interruptibleBackend is a blockingBackend that implements
// device.Interrupter.
type interruptibleBackend struct {
	*blockingBackend
}

func (b interruptibleBackend) Interrupt() { b.unblock() }

// rejectingBackend claims a winner on every batch with a nonce the host
// check refuses.
type rejectingBackend struct {
	stubBackend
	nonce    uint64
	launches atomic.Uint64
}

func (b *rejectingBackend) LaunchBatch(uint64, uint64) error {
	b.launches.Add(1)
	time.Sleep(time.Millisecond)
	return nil
}

func (b *rejectingBackend) ReadWinningNonce() (uint64, error) { return b.nonce, nil }

// failingBackend fails every launch.
type failingBackend struct {
	stubBackend
	err error
}

func (b failingBackend) LaunchBatch(uint64, uint64) error { return b.err }

// stallingBackend completes its first batch, then hangs in Synchronize
// until interrupted.
type stallingBackend struct {
	*blockingBackend
	batches atomic.Int32
}

func (b *stallingBackend) Synchronize() error {
	if b.batches.Add(1) == 1 {
		return nil
	}
	return b.blockingBackend.Synchronize()
}

func (b *stallingBackend) Interrupt() { b.unblock() }

func maxTargetShare(mask, fixed uint64) *pow.PartialShare {
	return &pow.PartialShare{
		JobID:      "e2e",
		HeaderHash: [4]uint64{11, 22, 33, 44},
		Timestamp:  1700000000000,
		Target:     pow.MaxUint256,
		NonceMask:  mask,
		NonceFixed: fixed,
	}
}

func zeroTargetShare(mask, fixed uint64) *pow.PartialShare {
	s := maxTargetShare(mask, fixed)
	s.Target = pow.Uint256{}
	return s
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
