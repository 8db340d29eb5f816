package jobcell

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// job mimics a mining job whose target and material must stay paired.
type job struct {
	id       uint64
	target   uint64
	material [4]uint64
}

func newJob(id uint64) *job {
	return &job{
		id:       id,
		target:   id * 7919,
		material: [4]uint64{id, id ^ 0xdeadbeef, id << 3, ^id},
	}
}

func (j *job) consistent() bool {
	return *j == *newJob(j.id)
}

func TestTryGetChanged(t *testing.T) {
	cell := New[job]()
	reader := cell.NewReader()

	if v, ok := reader.TryGetChanged(); ok || v != nil {
		t.Fatalf("empty cell reported change: %v %v", v, ok)
	}

	cell.Publish(newJob(1))
	v, ok := reader.TryGetChanged()
	if !ok || v == nil || v.id != 1 {
		t.Fatalf("TryGetChanged() = %v, %v; want job 1", v, ok)
	}
	if _, ok := reader.TryGetChanged(); ok {
		t.Error("second poll without publish reported a change")
	}

	cell.Publish(nil)
	v, ok = reader.TryGetChanged()
	if !ok || v != nil {
		t.Errorf("clear should be reported once as (nil, true), got %v, %v", v, ok)
	}
	if _, ok := reader.TryGetChanged(); ok {
		t.Error("clear reported twice")
	}
}

func TestReadersAreIndependent(t *testing.T) {
	cell := New[job]()
	a, b := cell.NewReader(), cell.NewReader()

	cell.Publish(newJob(1))
	if _, ok := a.TryGetChanged(); !ok {
		t.Fatal("reader a missed job 1")
	}

	cell.Publish(newJob(2))
	va, _ := a.TryGetChanged()
	vb, _ := b.TryGetChanged()
	if va.id != 2 || vb.id != 2 {
		t.Errorf("readers saw %d and %d, want 2 and 2", va.id, vb.id)
	}
	if a.Seen() != 2 || b.Seen() != 2 || cell.Version() != 2 {
		t.Errorf("bookmarks %d/%d, version %d", a.Seen(), b.Seen(), cell.Version())
	}
}

func TestWaitForChange(t *testing.T) {
	cell := New[job]()
	reader := cell.NewReader()

	got := make(chan *job, 1)
	go func() {
		v, err := reader.WaitForChange(context.Background())
		if err != nil {
			t.Errorf("WaitForChange() error = %v", err)
		}
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	cell.Publish(nil)
	cell.Publish(newJob(5))

	select {
	case v := <-got:
		if v == nil || v.id != 5 {
			t.Errorf("WaitForChange() = %v, want job 5", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForChange did not return after publish")
	}
}

func TestWaitForChangeSkipsClears(t *testing.T) {
	cell := New[job]()
	reader := cell.NewReader()

	cell.Publish(newJob(1))
	cell.Publish(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if v, err := reader.WaitForChange(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForChange() = %v, %v; want deadline exceeded on cleared cell", v, err)
	}
	if reader.Seen() != 2 {
		t.Errorf("bookmark = %d, want 2", reader.Seen())
	}
}

func TestWaitForChangeCancel(t *testing.T) {
	cell := New[job]()
	reader := cell.NewReader()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reader.WaitForChange(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForChange ignored cancellation")
	}
}

func TestCloseWakesAllWaiters(t *testing.T) {
	cell := New[job]()

	const waiters = 8
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cell.NewReader().WaitForChange(context.Background())
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	cell.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters not released by Close")
	}

	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	}
	if !cell.Closed() {
		t.Error("Closed() = false after Close")
	}
	if _, err := cell.NewReader().WaitForChange(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("wait after close = %v", err)
	}
}

// TestConcurrentPublishAndRead publishes distinguishable jobs while many
// readers poll and block. Every observed job must be internally consistent
// and ids must never go backwards for a single reader.
func TestConcurrentPublishAndRead(t *testing.T) {
	const (
		readers  = 16
		publishs = 20000
	)

	cell := New[job]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func(blocking bool) {
			defer wg.Done()
			reader := cell.NewReader()
			var lastID, lastVersion uint64

			for {
				var v *job
				if blocking {
					var err error
					v, err = reader.WaitForChange(ctx)
					if err != nil {
						return
					}
				} else {
					var ok bool
					v, ok = reader.TryGetChanged()
					if !ok {
						if ctx.Err() != nil {
							return
						}
						continue
					}
				}

				if reader.Seen() < lastVersion {
					t.Errorf("version went backwards: %d after %d", reader.Seen(), lastVersion)
					return
				}
				lastVersion = reader.Seen()

				if v == nil {
					continue
				}
				if !v.consistent() {
					t.Errorf("torn job observed: %+v", v)
					return
				}
				if v.id < lastID {
					t.Errorf("job id went backwards: %d after %d", v.id, lastID)
					return
				}
				lastID = v.id
			}
		}(i%2 == 0)
	}

	for id := uint64(1); id <= publishs; id++ {
		if id%1000 == 0 {
			cell.Publish(nil)
		}
		cell.Publish(newJob(id))
	}

	cancel()
	wg.Wait()

	if got := cell.Load(); got == nil || got.id != publishs {
		t.Errorf("final value = %v, want job %d", got, publishs)
	}
}
