package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtucode-go/services/jobs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingWatchdog struct{ feeds atomic.Int32 }

func (w *countingWatchdog) Feed() { w.feeds.Add(1) }

type fakeQueue struct {
	mu      sync.Mutex
	queued  []jobs.Job
	drains  int
	drainFn func() error
}

func (q *fakeQueue) Enqueue(j jobs.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, x := range q.queued {
		if x.Key() == j.Key() {
			return false
		}
	}
	q.queued = append(q.queued, j)
	return true
}

func (q *fakeQueue) Contains(j jobs.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, x := range q.queued {
		if x.Key() == j.Key() {
			return true
		}
	}
	return false
}

func (q *fakeQueue) DrainOne(context.Context) error {
	q.mu.Lock()
	q.drains++
	fn := q.drainFn
	q.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (q *fakeQueue) pop() jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return nil
	}
	j := q.queued[0]
	q.queued = q.queued[1:]
	return j
}

func newTestScheduler(q *fakeQueue, wd Watchdog) (*Scheduler, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(Options{Tick: time.Second, HangAfter: time.Minute, HangFatal: 5 * time.Minute, Watchdog: wd, Queue: q, Clock: clk})
	return s, clk
}

func counter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error { n.Add(1); return nil }
}

func TestFirstTickLaunchesAllEnabled(t *testing.T) {
	s, _ := newTestScheduler(&fakeQueue{}, nil)
	var a, b, c atomic.Int32
	_ = s.Register(Subsystem{Name: "a", Interval: 30 * time.Second, Run: counter(&a)})
	_ = s.Register(Subsystem{Name: "b", Interval: time.Hour, Run: counter(&b)})
	_ = s.Register(Subsystem{Name: "c", Interval: time.Second, Enabled: func() bool { return false }, Run: counter(&c)})

	s.Tick(context.Background())
	s.Wait()

	if a.Load() != 1 || b.Load() != 1 || c.Load() != 0 {
		t.Fatalf("runs a=%d b=%d c=%d", a.Load(), b.Load(), c.Load())
	}
}

func TestIntervalRespected(t *testing.T) {
	s, clk := newTestScheduler(&fakeQueue{}, nil)
	var n atomic.Int32
	_ = s.Register(Subsystem{Name: "w", Interval: 30 * time.Second, Run: counter(&n)})

	s.Tick(context.Background())
	s.Wait()
	clk.Advance(30 * time.Second) // not strictly greater yet
	s.Tick(context.Background())
	s.Wait()
	if n.Load() != 1 {
		t.Fatalf("runs=%d want 1", n.Load())
	}
	clk.Advance(time.Second)
	s.Tick(context.Background())
	s.Wait()
	if n.Load() != 2 {
		t.Fatalf("runs=%d want 2", n.Load())
	}
}

func TestRunningWorkerNotRelaunched(t *testing.T) {
	s, clk := newTestScheduler(&fakeQueue{}, nil)
	release := make(chan struct{})
	var n atomic.Int32
	_ = s.Register(Subsystem{Name: "slow", Interval: time.Second, Run: func(ctx context.Context) error {
		n.Add(1)
		<-release
		return nil
	}})

	s.Tick(context.Background())
	clk.Advance(10 * time.Second)
	s.Tick(context.Background())
	close(release)
	s.Wait()
	if n.Load() != 1 {
		t.Fatalf("runs=%d want 1", n.Load())
	}
	st := s.Statuses()
	if len(st) != 1 || st[0].Running {
		t.Fatalf("status: %+v", st)
	}
}

func TestPanicAndErrorDoNotStopLoop(t *testing.T) {
	q := &fakeQueue{drainFn: func() error { panic("drain exploded") }}
	s, clk := newTestScheduler(q, nil)
	var ok atomic.Int32
	_ = s.Register(Subsystem{Name: "boom", Interval: time.Second, Run: func(context.Context) error { panic("worker exploded") }})
	_ = s.Register(Subsystem{Name: "err", Interval: time.Second, Run: func(context.Context) error { return errors.New("sensor gone") }})
	_ = s.Register(Subsystem{Name: "ok", Interval: time.Second, Run: counter(&ok)})

	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
		s.Wait()
		clk.Advance(2 * time.Second)
	}
	if ok.Load() != 3 {
		t.Fatalf("ok runs=%d want 3", ok.Load())
	}
	for _, st := range s.Statuses() {
		if st.Running || st.LastRun.IsZero() {
			t.Fatalf("status after panic/error: %+v", st)
		}
	}
	if q.drains != 3 {
		t.Fatalf("drains=%d", q.drains)
	}
}

func TestHangStopsWatchdogFeeding(t *testing.T) {
	wd := &countingWatchdog{}
	s, clk := newTestScheduler(&fakeQueue{}, wd)
	release := make(chan struct{})
	_ = s.Register(Subsystem{Name: "stuck", Interval: time.Second, Run: func(context.Context) error {
		<-release
		return nil
	}})

	s.Tick(context.Background()) // fed, launched
	clk.Advance(2 * time.Minute)
	s.Tick(context.Background()) // hung but still fed
	if st := s.Statuses()[0]; !st.Hung {
		t.Fatalf("want hung, got %+v", st)
	}
	clk.Advance(5 * time.Minute)
	s.Tick(context.Background()) // past fatal: not fed
	if got := wd.feeds.Load(); got != 2 {
		t.Fatalf("feeds=%d want 2", got)
	}

	close(release)
	s.Wait()
	s.Tick(context.Background())
	if got := wd.feeds.Load(); got != 3 {
		t.Fatalf("feeding should resume, feeds=%d", got)
	}
}

func TestPoliciesEnqueueAndStampOnDone(t *testing.T) {
	q := &fakeQueue{}
	s, clk := newTestScheduler(q, nil)
	s.AddPolicy(Policy{Job: jobs.CheckSMS{}, Interval: 300 * time.Second})
	s.AddPolicy(Policy{Job: jobs.PostData{}, Interval: 600 * time.Second, Enabled: func() bool { return false }})
	s.AddPolicy(Policy{Job: jobs.GetTime{}, Interval: 24 * time.Hour})

	s.Tick(context.Background())
	if len(q.queued) != 2 {
		t.Fatalf("queued: %v", q.queued)
	}
	// Still queued: no duplicate.
	clk.Advance(time.Hour)
	s.Tick(context.Background())
	if len(q.queued) != 2 {
		t.Fatalf("queued: %v", q.queued)
	}

	s.JobDone(q.pop(), nil) // check_sms done
	s.JobDone(q.pop(), nil) // get_time done
	clk.Advance(299 * time.Second)
	s.Tick(context.Background())
	if len(q.queued) != 0 {
		t.Fatalf("enqueued too early: %v", q.queued)
	}
	clk.Advance(2 * time.Second)
	s.Tick(context.Background())
	if len(q.queued) != 1 || q.queued[0].Kind() != jobs.KindCheckSMS {
		t.Fatalf("queued: %v", q.queued)
	}
}

func TestDisablePolicyAndReset(t *testing.T) {
	q := &fakeQueue{}
	s, clk := newTestScheduler(q, nil)
	s.AddPolicy(Policy{Job: jobs.GetTime{}, Interval: 24 * time.Hour})
	var n atomic.Int32
	_ = s.Register(Subsystem{Name: "w", Interval: time.Hour, Run: counter(&n)})

	s.DisablePolicy(jobs.KindGetTime)
	s.Tick(context.Background())
	s.Wait()
	if len(q.queued) != 0 {
		t.Fatalf("disabled policy enqueued: %v", q.queued)
	}

	clk.Advance(time.Minute)
	s.Reset()
	s.Tick(context.Background())
	s.Wait()
	if n.Load() != 2 {
		t.Fatalf("reset should relaunch, runs=%d", n.Load())
	}
}

func TestRegisterRejectsBadSubsystems(t *testing.T) {
	s, _ := newTestScheduler(&fakeQueue{}, nil)
	run := func(context.Context) error { return nil }
	if err := s.Register(Subsystem{Name: "", Interval: time.Second, Run: run}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Register(Subsystem{Name: "x", Interval: 0, Run: run}); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := s.Register(Subsystem{Name: "x", Interval: time.Second, Run: run}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Subsystem{Name: "x", Interval: time.Second, Run: run}); err == nil {
		t.Fatal("duplicate accepted")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var n atomic.Int32
	_ = s.Register(Subsystem{Name: "w", Interval: time.Hour, Run: counter(&n)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if n.Load() != 1 {
		t.Fatalf("runs=%d", n.Load())
	}
}
