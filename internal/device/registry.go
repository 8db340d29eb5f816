package device

import (
	"errors"
	"slices"
	"sync"

	kerrors "github.com/bardlex/kminer/pkg/errors"
)

var (
	// ErrUnknownBackend is returned by Open for names nobody registered.
	ErrUnknownBackend = errors.New("unknown device backend")
	// ErrUnavailable is returned by backends compiled without support.
	ErrUnavailable = errors.New("device backend not available in this build")
	// ErrInterrupted is returned by a backend after Interrupt.
	ErrInterrupted = errors.New("device batch interrupted")
)

// Factory opens a backend for one device. It runs on the worker's locked OS
// thread.
type Factory func(spec Spec) (Backend, error)

type registration struct {
	factory         Factory
	defaultWorkload float64
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register makes a backend available under name. Backends register from
// init functions; registering a name twice panics.
func Register(name string, defaultWorkload float64, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("device: backend registered twice: " + name)
	}
	registry[name] = registration{factory: factory, defaultWorkload: defaultWorkload}
}

// Available lists registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultWorkload returns the workload multiplier a backend uses when the
// spec does not set one.
func DefaultWorkload(name string) float64 {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if r, ok := registry[name]; ok && r.defaultWorkload > 0 {
		return r.defaultWorkload
	}
	return 1
}

// Open opens the device described by spec.
func Open(spec Spec) (Backend, error) {
	registryMu.RLock()
	r, ok := registry[spec.Backend]
	registryMu.RUnlock()

	if !ok {
		return nil, kerrors.Wrap(ErrUnknownBackend, kerrors.ErrorTypeDevice, "open",
			"no such backend").
			WithContext("device", spec.String()).
			WithContext("available", Available())
	}

	b, err := r.factory(spec)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeDevice, "open",
			"failed to open device").
			NonRetryable().
			WithContext("device", spec.String())
	}
	return b, nil
}
