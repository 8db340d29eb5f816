// Package device defines the contract between the miner's device workers and
// accelerator backends, plus a compile-time registry of backends.
package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bardlex/kminer/internal/pow"
)

// Info describes a device's native parallelism.
type Info struct {
	Name              string
	ComputeUnits      int
	MaxThreadsPerUnit int
}

// NativeParallelism is the number of nonces the device can test at once.
func (i Info) NativeParallelism() int {
	return max(i.ComputeUnits*i.MaxThreadsPerUnit, 1)
}

// Backend is one opened accelerator context. A Backend is owned by the
// goroutine that opened it and must only be used from that goroutine's
// locked OS thread.
type Backend interface {
	Name() string
	Info() Info
	// LoadConstants uploads the job-invariant material. Called once per job.
	LoadConstants(header [72]byte, matrix *pow.Matrix, target pow.Uint256)
	// LaunchBatch starts testing Workload() nonces, each drawn as
	// (random & mask) | fixed. It may return before the batch finishes.
	LaunchBatch(mask, fixed uint64) error
	// Synchronize waits for the launched batch.
	Synchronize() error
	// ReadWinningNonce returns the batch's winning nonce, 0 meaning none.
	ReadWinningNonce() (uint64, error)
	Workload() int
	Close() error
}

// Interrupter is implemented by backends whose in-flight batch can be
// aborted from another goroutine. Only used when shutdown times out.
type Interrupter interface {
	Interrupt()
}

// Spec selects a backend, a device ordinal and the batch size.
type Spec struct {
	Backend string
	Device  int
	// Workload is a multiplier over native parallelism, or a nonce count
	// when Absolute is set. Zero means the backend default.
	Workload float64
	Absolute bool
}

// String returns "backend:device".
func (s Spec) String() string {
	return s.Backend + ":" + strconv.Itoa(s.Device)
}

// Size returns the batch size for a device with the given info.
func (s Spec) Size(info Info) int {
	workload := s.Workload
	if workload <= 0 {
		workload = DefaultWorkload(s.Backend)
	}
	if s.Absolute {
		return max(int(workload), 1)
	}
	size := workload * float64(info.NativeParallelism())
	if size >= math.MaxInt32 {
		return math.MaxInt32
	}
	return max(int(size), 1)
}

// ParseSpecs parses entries like "cuda:0", "opencl:1" or "sim" (device 0).
// workloads is matched by index; a single value applies to every device and
// an empty list selects backend defaults.
func ParseSpecs(devices []string, workloads []float64, absolute bool) ([]Spec, error) {
	if len(workloads) > 1 && len(workloads) != len(devices) {
		return nil, fmt.Errorf("got %d workloads for %d devices", len(workloads), len(devices))
	}

	specs := make([]Spec, 0, len(devices))
	for i, d := range devices {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}

		spec := Spec{Backend: d, Absolute: absolute}
		if name, ordinal, ok := strings.Cut(d, ":"); ok {
			n, err := strconv.Atoi(ordinal)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid device ordinal in %q", d)
			}
			spec.Backend, spec.Device = name, n
		}
		spec.Backend = strings.ToLower(spec.Backend)

		switch len(workloads) {
		case 0:
		case 1:
			spec.Workload = workloads[0]
		default:
			spec.Workload = workloads[i]
		}
		if spec.Workload < 0 {
			return nil, fmt.Errorf("negative workload for %q", d)
		}

		specs = append(specs, spec)
	}
	return specs, nil
}
