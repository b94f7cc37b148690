// services/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/jobs"
	"rtucode-go/services/logging"
	"rtucode-go/x/timex"
)

// Watchdog is the hardware liveness timer.
type Watchdog interface {
	Feed()
}

// Queue is the modem job queue as the scheduler drives it.
type Queue interface {
	Enqueue(j jobs.Job) bool
	Contains(j jobs.Job) bool
	DrainOne(ctx context.Context) error
}

// Subsystem is one periodic worker.
type Subsystem struct {
	Name     string
	Interval time.Duration
	// Enabled gates each launch; nil means always.
	Enabled func() bool
	Run     func(ctx context.Context) error
}

// Policy enqueues Job whenever Interval has passed since the job last
// completed.
type Policy struct {
	Job      jobs.Job
	Interval time.Duration
	Enabled  func() bool
}

const (
	DefaultTick      = 5 * time.Second
	DefaultHangAfter = 2 * time.Minute
	DefaultHangFatal = 10 * time.Minute
)

type Options struct {
	Tick time.Duration
	// HangAfter is how long a worker may run before it is reported hung.
	HangAfter time.Duration
	// HangFatal stops watchdog feeding so the hardware resets the device.
	HangFatal time.Duration
	Watchdog  Watchdog
	Queue     Queue
	Clock     timex.Clock
	Logger    *slog.Logger
}

type entry struct {
	sub     Subsystem
	last    time.Time // zero is "never"
	running bool
	started time.Time
	hung    bool
}

type policy struct {
	Policy
	last     time.Time
	disabled bool
}

type result struct {
	name string
	err  error
	at   time.Time
}

// Scheduler launches overdue subsystems and evaluates job policies once per
// tick. It owns timestamps and flags only.
type Scheduler struct {
	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	policies []*policy

	results chan result
	wg      sync.WaitGroup

	tick      time.Duration
	hangAfter time.Duration
	hangFatal time.Duration
	wd        Watchdog
	queue     Queue
	clock     timex.Clock
	log       *slog.Logger
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		byName:    map[string]*entry{},
		results:   make(chan result, 16),
		tick:      opts.Tick,
		hangAfter: opts.HangAfter,
		hangFatal: opts.HangFatal,
		wd:        opts.Watchdog,
		queue:     opts.Queue,
		clock:     opts.Clock,
		log:       logging.Or(opts.Logger).With("svc", "scheduler"),
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.hangAfter <= 0 {
		s.hangAfter = DefaultHangAfter
	}
	if s.hangFatal <= 0 {
		s.hangFatal = DefaultHangFatal
	}
	if s.clock == nil {
		s.clock = timex.System
	}
	return s
}

// Register adds a subsystem. Names must be unique.
func (s *Scheduler) Register(sub Subsystem) error {
	if sub.Name == "" || sub.Run == nil || sub.Interval <= 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "scheduler register", Msg: sub.Name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[sub.Name]; dup {
		return &errcode.E{C: errcode.InvalidParams, Op: "scheduler register", Msg: "duplicate " + sub.Name}
	}
	e := &entry{sub: sub}
	s.entries = append(s.entries, e)
	s.byName[sub.Name] = e
	return nil
}

// AddPolicy adds a job policy.
func (s *Scheduler) AddPolicy(p Policy) {
	s.mu.Lock()
	s.policies = append(s.policies, &policy{Policy: p})
	s.mu.Unlock()
}

// JobDone stamps the policy owning j's kind. Wire it as the queue's OnDone.
func (s *Scheduler) JobDone(j jobs.Job, _ error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Job.Kind() == j.Kind() {
			p.last = now
		}
	}
}

// DisablePolicy stops enqueueing jobs of kind k.
func (s *Scheduler) DisablePolicy(k jobs.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Job.Kind() == k {
			p.disabled = true
		}
	}
}

// Reset makes every subsystem and policy overdue.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.last = time.Time{}
	}
	for _, p := range s.policies {
		p.last = time.Time{}
	}
	s.log.Info("schedule_reset")
}

// Run ticks until ctx is done, then waits for running workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler_started", "tick", s.tick, "subsystems", len(s.entries), "policies", len(s.policies))
	t := time.NewTicker(s.tick)
	defer t.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.log.Info("scheduler_stopped")
			return ctx.Err()
		case r := <-s.results:
			s.apply(r)
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass. A failing step is logged and the pass
// continues.
func (s *Scheduler) Tick(ctx context.Context) {
	s.collect()
	healthy := true
	s.step("hang_check", func() error { healthy = s.checkHangs(); return nil })
	if healthy && s.wd != nil {
		s.step("watchdog", func() error { s.wd.Feed(); return nil })
	}
	s.step("launch", func() error { s.launchOverdue(ctx); return nil })
	s.step("policies", func() error { s.evaluatePolicies(); return nil })
	if s.queue != nil {
		s.step("drain", func() error { return s.queue.DrainOne(ctx) })
	}
}

// Wait blocks until every launched worker has finished and its result is
// applied.
func (s *Scheduler) Wait() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case r := <-s.results:
			s.apply(r)
		case <-done:
			s.collect()
			return
		}
	}
}

func (s *Scheduler) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick_panic", "step", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("tick_step_failed", "step", name, "code", string(errcode.Of(err)), "err", err)
	}
}

// collect applies every finished worker's result without blocking.
func (s *Scheduler) collect() {
	for {
		select {
		case r := <-s.results:
			s.apply(r)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(r result) {
	s.mu.Lock()
	e := s.byName[r.name]
	if e != nil {
		e.running = false
		e.last = r.at
		if e.hung {
			s.log.Warn("worker_recovered", "worker", r.name, "took", r.at.Sub(e.started).Round(time.Second))
		}
		e.hung = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) due(e *entry, now time.Time) bool {
	if e.running {
		return false
	}
	if e.sub.Enabled != nil && !e.sub.Enabled() {
		return false
	}
	return e.last.IsZero() || now.Sub(e.last) > e.sub.Interval
}

func (s *Scheduler) launchOverdue(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	var launch []*entry
	for _, e := range s.entries {
		if s.due(e, now) {
			e.running = true
			e.started = now
			launch = append(launch, e)
		}
	}
	s.mu.Unlock()

	for _, e := range launch {
		s.wg.Add(1)
		go s.runWorker(ctx, e.sub)
	}
}

func (s *Scheduler) runWorker(ctx context.Context, sub Subsystem) {
	defer s.wg.Done()
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker_panic", "worker", sub.Name, "panic", r, "stack", string(debug.Stack()))
			err = &errcode.E{C: errcode.Panic, Op: sub.Name, Msg: fmt.Sprint(r)}
		}
		if err != nil {
			s.log.Debug("worker_result", "worker", sub.Name, "code", string(errcode.Of(err)))
		}
		s.results <- result{name: sub.Name, err: err, at: s.clock.Now()}
	}()
	err = sub.Run(ctx)
}

// checkHangs logs long-running workers and reports false once any has run
// past the fatal limit.
func (s *Scheduler) checkHangs() bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy := true
	for _, e := range s.entries {
		if !e.running {
			continue
		}
		took := now.Sub(e.started)
		if took > s.hangAfter && !e.hung {
			e.hung = true
			s.log.Warn("worker_hung", "worker", e.sub.Name, "running", took.Round(time.Second))
		}
		if took > s.hangFatal {
			if healthy {
				s.log.Error("watchdog_starved", "worker", e.sub.Name, "running", took.Round(time.Second))
			}
			healthy = false
		}
	}
	return healthy
}

func (s *Scheduler) evaluatePolicies() {
	if s.queue == nil {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	var due []jobs.Job
	for _, p := range s.policies {
		if p.disabled || (p.Enabled != nil && !p.Enabled()) {
			continue
		}
		if p.last.IsZero() || now.Sub(p.last) > p.Interval {
			due = append(due, p.Job)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if s.queue.Contains(j) {
			continue
		}
		if s.queue.Enqueue(j) {
			s.log.Debug("policy_enqueued", "job", j.Key())
		}
	}
}

// Status is a read-only view of one subsystem.
type Status struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	Running  bool          `json:"running"`
	Hung     bool          `json:"hung"`
}

// Statuses lists subsystems by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Name: e.sub.Name, Interval: e.sub.Interval, LastRun: e.last, Running: e.running, Hung: e.hung})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
