package device

import (
	"errors"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/kminer/internal/pow"
)

const (
	// SimName is the registry name of the host-emulated device.
	SimName = "sim"
	// SimDevices is the number of emulated device ordinals.
	SimDevices = 4

	simThreadsPerUnit = 8
	// lanes poll the abort flag this often
	simAbortStride = 64
)

func init() {
	Register(SimName, 16, OpenSim)
}

// SimBackend emulates an accelerator on the host. A batch is split into
// lanes that run as goroutines, each drawing nonces from its own xoshiro256**
// stream. The first winning nonce of a batch is kept.
type SimBackend struct {
	spec     Spec
	info     Info
	workload int

	hasher *pow.Hasher
	target pow.Uint256
	lanes  []xoshiro256ss

	swg      sizedwaitgroup.SizedWaitGroup
	inFlight bool
	winner   atomic.Uint64
	abort    atomic.Bool
	closed   bool

	// launches counts batches, for tests
	launches atomic.Uint64
}

var (
	_ Backend     = (*SimBackend)(nil)
	_ Interrupter = (*SimBackend)(nil)
)

// OpenSim opens an emulated device. Ordinals at or above SimDevices fail.
func OpenSim(spec Spec) (Backend, error) {
	if spec.Device < 0 || spec.Device >= SimDevices {
		return nil, errors.New("no such emulated device")
	}

	units := max(runtime.NumCPU()/2, 1)
	info := Info{
		Name:              "emulated device " + spec.String(),
		ComputeUnits:      units,
		MaxThreadsPerUnit: simThreadsPerUnit,
	}

	seed := [4]uint64{rand.Uint64(), rand.Uint64(), rand.Uint64(), rand.Uint64()}
	return &SimBackend{
		spec:     spec,
		info:     info,
		workload: spec.Size(info),
		lanes:    jumpStreams(seed, units),
		swg:      sizedwaitgroup.New(max(runtime.GOMAXPROCS(0), 1)),
	}, nil
}

// Name implements Backend.
func (b *SimBackend) Name() string { return SimName }

// Info implements Backend.
func (b *SimBackend) Info() Info { return b.info }

// Workload implements Backend.
func (b *SimBackend) Workload() int { return b.workload }

// Launches returns the number of batches launched so far.
func (b *SimBackend) Launches() uint64 { return b.launches.Load() }

// LoadConstants implements Backend.
func (b *SimBackend) LoadConstants(header [72]byte, matrix *pow.Matrix, target pow.Uint256) {
	b.wait()
	b.hasher = pow.NewHasher(&header, matrix)
	b.target = target
	b.winner.Store(0)
}

// LaunchBatch implements Backend.
func (b *SimBackend) LaunchBatch(mask, fixed uint64) error {
	if b.closed {
		return errors.New("device is closed")
	}
	if b.hasher == nil {
		return errors.New("no constants loaded")
	}
	if b.abort.Load() {
		return ErrInterrupted
	}
	b.wait()

	b.inFlight = true
	b.launches.Add(1)

	perLane := b.workload / len(b.lanes)
	extra := b.workload % len(b.lanes)
	hasher, target := b.hasher, b.target

	for i := range b.lanes {
		count := perLane
		if i < extra {
			count++
		}
		if count == 0 {
			continue
		}

		b.swg.Add()
		go func(rng *xoshiro256ss, count int) {
			defer b.swg.Done()
			for n := 0; n < count; n++ {
				if n%simAbortStride == 0 && b.abort.Load() {
					return
				}
				nonce := (rng.next() & mask) | fixed
				if hasher.Hash(nonce).LessOrEqual(target) {
					b.winner.CompareAndSwap(0, nonce)
				}
			}
		}(&b.lanes[i], count)
	}
	return nil
}

// Synchronize implements Backend.
func (b *SimBackend) Synchronize() error {
	b.wait()
	if b.abort.Load() {
		return ErrInterrupted
	}
	return nil
}

// ReadWinningNonce implements Backend. The slot is reset for the next batch.
func (b *SimBackend) ReadWinningNonce() (uint64, error) {
	return b.winner.Swap(0), nil
}

// Interrupt aborts the in-flight batch and fails every later launch. Safe to
// call from any goroutine.
func (b *SimBackend) Interrupt() {
	b.abort.Store(true)
}

// Close implements Backend.
func (b *SimBackend) Close() error {
	b.wait()
	b.closed = true
	return nil
}

func (b *SimBackend) wait() {
	if b.inFlight {
		b.swg.Wait()
		b.inFlight = false
	}
}
