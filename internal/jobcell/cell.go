// Package jobcell implements a single-slot broadcast cell holding the current
// mining job. One writer publishes, any number of readers poll or block for
// changes, each tracking its own last-seen version.
package jobcell

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by WaitForChange once the cell is closed.
var ErrClosed = errors.New("jobcell: closed")

// entry is never mutated after it is stored, so a reader always sees a value
// together with the version it was published under.
type entry[T any] struct {
	version uint64
	value   *T
}

// Cell holds "the current value or none".
type Cell[T any] struct {
	current atomic.Pointer[entry[T]]

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// New returns an empty cell at version 0.
func New[T any]() *Cell[T] {
	c := &Cell[T]{}
	c.cond = sync.NewCond(&c.mu)
	c.current.Store(&entry[T]{})
	return c
}

// Publish replaces the current value, bumps the version and wakes all blocked
// readers. A nil value clears the cell.
func (c *Cell[T]) Publish(v *T) {
	c.mu.Lock()
	prev := c.current.Load()
	c.current.Store(&entry[T]{version: prev.version + 1, value: v})
	c.mu.Unlock()

	c.cond.Broadcast()
}

// Load returns the current value without touching any reader bookmark.
func (c *Cell[T]) Load() *T {
	return c.current.Load().value
}

// Version returns the number of publishes so far.
func (c *Cell[T]) Version() uint64 {
	return c.current.Load().version
}

// Close wakes every blocked reader with ErrClosed. Later waits fail
// immediately; TryGetChanged keeps working.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cond.Broadcast()
}

// Closed reports whether Close was called.
func (c *Cell[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewReader returns a reader whose bookmark is 0, so any published entry
// counts as a change.
func (c *Cell[T]) NewReader() *Reader[T] {
	return &Reader[T]{cell: c}
}

// Reader is one consumer's view of a Cell. A Reader must not be shared
// between goroutines.
type Reader[T any] struct {
	cell *Cell[T]
	seen uint64
}

// Seen returns the last version this reader observed.
func (r *Reader[T]) Seen() uint64 {
	return r.seen
}

// TryGetChanged returns the current value and true if it was published after
// the reader's bookmark. A cleared cell yields (nil, true) once.
func (r *Reader[T]) TryGetChanged() (*T, bool) {
	e := r.cell.current.Load()
	if e.version == r.seen {
		return nil, false
	}
	r.seen = e.version
	return e.value, true
}

// WaitForChange blocks until a non-nil value newer than the bookmark is
// published. Clears advance the bookmark without returning.
func (r *Reader[T]) WaitForChange(ctx context.Context) (*T, error) {
	c := r.cell

	if v, ok := r.TryGetChanged(); ok && v != nil {
		return v, nil
	}

	// Taking the lock before broadcasting guarantees the waiter is either
	// before its ctx check or parked in Wait.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, ErrClosed
		}
		if v, ok := r.TryGetChanged(); ok && v != nil {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cond.Wait()
	}
}
