package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kminer/internal/messaging"
	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/log"
)

const (
	telemetryQueueSize = 256
	telemetryTimeout   = 5 * time.Second
)

// publisher is the part of messaging.KafkaClient the reporter uses.
type publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// recorder is the part of database.Manager the reporter uses.
type recorder interface {
	RecordJob(ctx context.Context, job *messaging.JobMessage)
	RecordSolution(ctx context.Context, sol *messaging.SolutionMessage) error
	RecordHashrate(ctx context.Context, sample *messaging.HashrateMessage)
}

// telemetry fans miner events out to Kafka and the database stores. Events
// are queued so mining goroutines never wait on a sink; when the queue is
// full the event is dropped and counted.
type telemetry struct {
	minerID   string
	logger    *log.Logger
	publisher publisher
	recorder  recorder

	mu      sync.RWMutex
	closed  bool
	queue   chan any
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

var (
	_ miner.Reporter       = (*telemetry)(nil)
	_ miner.ResultReporter = (*telemetry)(nil)
)

// newTelemetry starts the delivery goroutine. publisher and recorder may be
// nil.
func newTelemetry(minerID string, logger *log.Logger, pub publisher, rec recorder) *telemetry {
	t := &telemetry{
		minerID:   minerID,
		logger:    logger.WithComponent("telemetry"),
		publisher: pub,
		recorder:  rec,
		queue:     make(chan any, telemetryQueueSize),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// JobPublished implements miner.Reporter.
func (t *telemetry) JobPublished(state *pow.State) {
	t.enqueue(messaging.NewJobMessage(t.minerID, state))
}

// SolutionFound implements miner.Reporter.
func (t *telemetry) SolutionFound(sub miner.Submission) {
	t.enqueue(messaging.NewSolutionMessage(t.minerID, sub, messaging.StatusFound))
}

// Hashrate implements miner.Reporter.
func (t *telemetry) Hashrate(hashes uint64, interval time.Duration) {
	t.enqueue(messaging.NewHashrateMessage(t.minerID, hashes, interval))
}

// SolutionResult implements miner.ResultReporter.
func (t *telemetry) SolutionResult(sub miner.Submission, status string) {
	t.enqueue(messaging.NewSolutionMessage(t.minerID, sub, status))
}

// Dropped returns the number of events lost to a full queue.
func (t *telemetry) Dropped() uint64 {
	return t.dropped.Load()
}

// Close delivers the queued events and stops. Events reported after Close
// are dropped.
func (t *telemetry) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	t.wg.Wait()
	if n := t.dropped.Load(); n > 0 {
		t.logger.Warn("telemetry events dropped", "count", n)
	}
}

func (t *telemetry) enqueue(event any) {
	if t.publisher == nil && t.recorder == nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		return
	}

	select {
	case t.queue <- event:
	default:
		t.dropped.Add(1)
	}
}

func (t *telemetry) run() {
	defer t.wg.Done()
	for event := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
		t.deliver(ctx, event)
		cancel()
	}
}

func (t *telemetry) deliver(ctx context.Context, event any) {
	switch msg := event.(type) {
	case *messaging.JobMessage:
		t.publish(ctx, messaging.TopicJobs, msg.Key(), msg)
		if t.recorder != nil {
			t.recorder.RecordJob(ctx, msg)
		}

	case *messaging.SolutionMessage:
		t.publish(ctx, messaging.TopicSolutions, msg.Key(), msg)
		if t.recorder != nil {
			if err := t.recorder.RecordSolution(ctx, msg); err != nil {
				t.logger.WithError(err).Warn("failed to record solution",
					"job_id", msg.JobID, "status", msg.Status)
			}
		}

	case *messaging.HashrateMessage:
		if t.publisher != nil {
			if pb, err := msg.Proto(); err != nil {
				t.logger.WithError(err).Warn("failed to encode hashrate sample")
			} else if err := t.publisher.PublishProto(ctx, messaging.TopicHashrate, msg.Miner, pb); err != nil {
				t.logger.WithError(err).Debug("failed to publish hashrate sample")
			}
		}
		if t.recorder != nil {
			t.recorder.RecordHashrate(ctx, msg)
		}
	}
}

func (t *telemetry) publish(ctx context.Context, topic, key string, v any) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PublishJSON(ctx, topic, key, v); err != nil {
		t.logger.WithError(err).Debug("failed to publish event", "topic", topic)
	}
}
