package miner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bardlex/kminer/internal/pow"
)

// DefaultSubmissionBuffer is the queue depth between workers and the
// network layer.
const DefaultSubmissionBuffer = 16

// ErrReceiverGone is returned by Send once the network side closed the
// channel. A worker that gets it can no longer report results.
var ErrReceiverGone = errors.New("submission receiver is gone")

// Submission is one winning nonce on its way to the network layer.
type Submission struct {
	Result  *pow.Result
	Worker  string
	FoundAt time.Time
}

// SubmissionChannel is a bounded many-producer queue from workers to the
// network layer. A full queue blocks the producing worker.
type SubmissionChannel struct {
	ch        chan Submission
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubmissionChannel returns a channel holding up to size submissions.
func NewSubmissionChannel(size int) *SubmissionChannel {
	if size <= 0 {
		size = DefaultSubmissionBuffer
	}
	return &SubmissionChannel{
		ch:   make(chan Submission, size),
		done: make(chan struct{}),
	}
}

// Send queues sub, blocking while the queue is full.
func (c *SubmissionChannel) Send(ctx context.Context, sub Submission) error {
	select {
	case <-c.done:
		return ErrReceiverGone
	default:
	}

	select {
	case c.ch <- sub:
		return nil
	case <-c.done:
		return ErrReceiverGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the consumer side. It is never closed; consumers stop on
// their own context.
func (c *SubmissionChannel) Receive() <-chan Submission {
	return c.ch
}

// Close marks the receiver as gone. Pending and future sends fail with
// ErrReceiverGone.
func (c *SubmissionChannel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Len returns the number of queued submissions.
func (c *SubmissionChannel) Len() int {
	return len(c.ch)
}
