package main

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kminer/internal/config"
	"github.com/bardlex/kminer/internal/messaging"
	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/internal/stratum"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	protos int
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) PublishProto(_ context.Context, topic, _ string, _ proto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.protos++
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	jobs      int
	solutions []string
	hashrates []float64
	block     chan struct{}
}

func (r *fakeRecorder) RecordJob(context.Context, *messaging.JobMessage) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs++
}

func (r *fakeRecorder) RecordSolution(_ context.Context, sol *messaging.SolutionMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solutions = append(r.solutions, sol.Status)
	return stderrors.New("ledger offline")
}

func (r *fakeRecorder) RecordHashrate(_ context.Context, sample *messaging.HashrateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashrates = append(r.hashrates, sample.Hashrate)
}

func testSubmission() miner.Submission {
	return miner.Submission{
		Result: &pow.Result{
			StateID: 7,
			Nonce:   0xdeadbeef,
			Source:  &pow.PartialShare{JobID: "a1"},
		},
		Worker:  "cpu-0",
		FoundAt: time.Now(),
	}
}

func TestTelemetryDelivers(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	tel := newTelemetry("rig-1", log.Nop(), pub, rec)

	tel.JobPublished(&pow.State{ID: 7})
	tel.SolutionFound(testSubmission())
	tel.SolutionResult(testSubmission(), miner.StatusAccepted)
	tel.Hashrate(5000, 10*time.Second)
	tel.Close()

	if rec.jobs != 1 {
		t.Errorf("jobs recorded = %d, want 1", rec.jobs)
	}
	if len(rec.solutions) != 2 || rec.solutions[0] != messaging.StatusFound || rec.solutions[1] != miner.StatusAccepted {
		t.Errorf("solutions recorded = %v", rec.solutions)
	}
	if len(rec.hashrates) != 1 || rec.hashrates[0] != 500 {
		t.Errorf("hashrates recorded = %v, want [500]", rec.hashrates)
	}

	want := []string{messaging.TopicJobs, messaging.TopicSolutions, messaging.TopicSolutions, messaging.TopicHashrate}
	if len(pub.topics) != len(want) {
		t.Fatalf("topics = %v, want %v", pub.topics, want)
	}
	for i := range want {
		if pub.topics[i] != want[i] {
			t.Errorf("topic %d = %q, want %q", i, pub.topics[i], want[i])
		}
	}
	if pub.protos != 1 {
		t.Errorf("proto publishes = %d, want 1", pub.protos)
	}
}

func TestTelemetryDropsWhenFull(t *testing.T) {
	rec := &fakeRecorder{block: make(chan struct{})}
	tel := newTelemetry("rig-1", log.Nop(), nil, rec)

	for range telemetryQueueSize + 10 {
		tel.JobPublished(&pow.State{ID: 1})
	}
	if tel.Dropped() == 0 {
		t.Error("expected dropped events with a stalled sink")
	}

	close(rec.block)
	tel.Close()

	before := tel.Dropped()
	tel.Hashrate(1, time.Second)
	if tel.Dropped() != before+1 {
		t.Error("events after Close should be dropped")
	}
}

func TestTelemetryWithoutSinks(t *testing.T) {
	tel := newTelemetry("rig-1", log.Nop(), nil, nil)
	tel.JobPublished(&pow.State{ID: 1})
	tel.Close()
	if tel.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0 without sinks", tel.Dropped())
	}
}

func TestSupervise(t *testing.T) {
	fatal := errors.New(errors.ErrorTypeStratum, "authorize", "worker not authorized").NonRetryable()

	tests := []struct {
		name     string
		results  []error
		wantErr  error
		wantRuns int
	}{
		{
			name:     "fatal stratum error stops",
			results:  []error{fatal},
			wantErr:  fatal,
			wantRuns: 1,
		},
		{
			name:     "disconnects are retried",
			results:  []error{stderrors.New("EOF"), errors.New(errors.ErrorTypeNetwork, "dial", "refused"), fatal},
			wantErr:  fatal,
			wantRuns: 3,
		},
		{
			name:     "rotation reconnects",
			results:  []error{stratum.ErrPayAddressRotation, stratum.ErrPayAddressRotation, fatal},
			wantErr:  fatal,
			wantRuns: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := 0
			err := supervise(context.Background(), log.Nop(), "pool", time.Millisecond, func(context.Context) error {
				err := tt.results[runs]
				runs++
				return err
			})
			if err != tt.wantErr {
				t.Errorf("supervise() = %v, want %v", err, tt.wantErr)
			}
			if runs != tt.wantRuns {
				t.Errorf("sessions = %d, want %d", runs, tt.wantRuns)
			}
		})
	}
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runs := 0
	err := supervise(ctx, log.Nop(), "node", time.Hour, func(ctx context.Context) error {
		runs++
		cancel()
		return ctx.Err()
	})
	if err != nil {
		t.Errorf("supervise() = %v, want nil after cancel", err)
	}
	if runs != 1 {
		t.Errorf("sessions = %d, want 1", runs)
	}
}

func TestSuperviseCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := supervise(ctx, log.Nop(), "node", time.Hour, func(context.Context) error {
		return stderrors.New("connection refused")
	})
	if err != nil {
		t.Errorf("supervise() = %v, want nil", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff sleep ignored cancellation")
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := &config.Config{MinerID: "rig-1"}
	if databaseConfig(cfg) != nil {
		t.Error("expected nil config without stores")
	}

	cfg.PostgresURL = "postgres://kminer@localhost/kminer?sslmode=disable"
	cfg.InfluxURL = "http://localhost:8086"
	cfg.InfluxToken = "token"
	dbCfg := databaseConfig(cfg)
	if dbCfg == nil {
		t.Fatal("expected a config")
	}
	if dbCfg.Miner != "rig-1" {
		t.Errorf("Miner = %q", dbCfg.Miner)
	}
	if dbCfg.Postgres == nil || dbCfg.Influx == nil {
		t.Error("postgres and influx should be configured")
	}
	if dbCfg.Redis != nil {
		t.Error("redis should stay disabled")
	}
}
