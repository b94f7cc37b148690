// services/jobs/queue.go
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"rtucode-go/errcode"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/logging"
	"rtucode-go/types"
)

// Handler runs one job. It owns its retries and timeouts.
type Handler func(ctx context.Context, j Job) error

// Modem is the part of the cellular driver the queue needs before dispatch.
type Modem interface {
	CheckRegistration(ctx context.Context) error
	Initialize(ctx context.Context) error
}

// SerialArbiter grants the shared UART.
type SerialArbiter interface {
	Acquire(ctx context.Context, res arbiter.Resource, owner arbiter.Owner, attempts int) (*arbiter.Lease, error)
	SwitchSerial(ctx context.Context, l *arbiter.Lease, mode types.SerialMode) error
}

// Entry is a read-only view of a queued job.
type Entry struct {
	Job    Job       `json:"-"`
	Kind   Kind      `json:"kind"`
	Key    string    `json:"key"`
	Trace  string    `json:"trace"`
	Queued time.Time `json:"queued"`
}

type entry struct {
	job    Job
	key    string
	trace  uuid.UUID
	queued time.Time
}

// Queue is a FIFO of modem jobs in which each Key appears at most once.
type Queue struct {
	mu    sync.Mutex
	order []*entry
	keys  map[string]*entry

	arb      SerialArbiter
	modem    Modem
	handlers map[Kind]Handler
	attempts int
	onDone   func(Job, error)
	log      *slog.Logger
}

// Options configures a Queue.
type Options struct {
	// AcquireAttempts bounds the serial token poll per drain step.
	AcquireAttempts int
	// OnDone is called after a job has been dispatched and removed.
	OnDone func(j Job, err error)
	Logger *slog.Logger
}

const defaultAcquireAttempts = 300 // 30 s at the arbiter's 100 ms poll

func NewQueue(arb SerialArbiter, modem Modem, opts Options) *Queue {
	att := opts.AcquireAttempts
	if att <= 0 {
		att = defaultAcquireAttempts
	}
	return &Queue{
		keys:     map[string]*entry{},
		arb:      arb,
		modem:    modem,
		handlers: map[Kind]Handler{},
		attempts: att,
		onDone:   opts.OnDone,
		log:      logging.Or(opts.Logger).With("svc", "jobs"),
	}
}

// Handle registers the handler for a kind. Call before the first DrainOne.
func (q *Queue) Handle(k Kind, h Handler) {
	q.mu.Lock()
	q.handlers[k] = h
	q.mu.Unlock()
}

// Enqueue appends j unless a job with the same key is already queued. It
// reports whether j was added.
func (q *Queue) Enqueue(j Job) bool {
	k := j.Key()
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.keys[k]; dup {
		return false
	}
	e := &entry{job: j, key: k, trace: uuid.New(), queued: time.Now()}
	q.order = append(q.order, e)
	q.keys[k] = e
	q.log.Debug("job_queued", "job", k, "trace", e.trace.String(), "depth", len(q.order))
	return true
}

// Contains reports whether a job with j's key is queued.
func (q *Queue) Contains(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[j.Key()]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Snapshot lists the queued jobs in order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.order))
	for i, e := range q.order {
		out[i] = Entry{Job: e.job, Kind: e.job.Kind(), Key: e.key, Trace: e.trace.String(), Queued: e.queued}
	}
	return out
}

func (q *Queue) head() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	return q.order[0]
}

func (q *Queue) pop(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.order {
		if x == e {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if q.keys[e.key] == e {
		delete(q.keys, e.key)
	}
}

// DrainOne runs the head job, if any. The serial port is taken and switched
// to the modem; if the modem cannot be brought up the head stays queued and
// errcode.ModemInit is returned. Otherwise the head is dispatched and
// removed whatever its outcome, and the handler's error is returned.
func (q *Queue) DrainOne(ctx context.Context) error {
	e := q.head()
	if e == nil {
		return nil
	}
	lease, err := q.arb.Acquire(ctx, arbiter.Serial, arbiter.OwnerModem, q.attempts)
	if err != nil {
		return errcode.Wrap(errcode.Of(err), "jobs acquire", err)
	}
	defer lease.Release()

	if err := q.arb.SwitchSerial(ctx, lease, types.SerialModem); err != nil {
		return err
	}
	if err := q.initModem(ctx); err != nil {
		q.log.Warn("modem_init_failed", "job", e.key, "trace", e.trace.String(), "err", err)
		return errcode.Wrap(errcode.ModemInit, "jobs init", err)
	}

	start := time.Now()
	q.log.Info("job_started", "job", e.key, "trace", e.trace.String(), "waited", start.Sub(e.queued).Round(time.Millisecond))
	err = q.dispatch(ctx, e.job)
	q.pop(e)
	if q.onDone != nil {
		q.onDone(e.job, err)
	}
	if err != nil {
		q.log.Warn("job_failed", "job", e.key, "trace", e.trace.String(), "took", time.Since(start).Round(time.Millisecond), "err", err)
		return err
	}
	q.log.Info("job_done", "job", e.key, "trace", e.trace.String(), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (q *Queue) initModem(ctx context.Context) error {
	if q.modem == nil {
		return errcode.NotConnected
	}
	if err := q.modem.CheckRegistration(ctx); err == nil {
		return nil
	}
	return q.modem.Initialize(ctx)
}

func (q *Queue) dispatch(ctx context.Context, j Job) (err error) {
	q.mu.Lock()
	h := q.handlers[j.Kind()]
	q.mu.Unlock()
	if h == nil {
		return &errcode.E{C: errcode.Unsupported, Op: "jobs dispatch", Msg: string(j.Kind())}
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job_panic", "job", j.Key(), "panic", r, "stack", string(debug.Stack()))
			err = &errcode.E{C: errcode.Panic, Op: "jobs dispatch", Msg: fmt.Sprint(r)}
		}
	}()
	return h(ctx, j)
}
