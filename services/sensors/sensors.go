// services/sensors/sensors.go
package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/config"
	"rtucode-go/services/jobs"
	"rtucode-go/services/logging"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
	"rtucode-go/x/mathx"

	"tinygo.org/x/drivers"
)

// -----------------------------------------------------------------------------
// Driver contracts
// -----------------------------------------------------------------------------

// SDI12 is the multi-drop digital sensor bus.
type SDI12 interface {
	// Measure triggers a measurement at addr and returns its values in order.
	Measure(ctx context.Context, addr string) ([]float64, error)
}

// RegisterBus is the industrial serial register bus (RS-485).
type RegisterBus interface {
	ReadHoldingRegisters(ctx context.Context, addr uint8, start, count uint16) ([]uint16, error)
}

// Probe is the 4-wire resistance thermometer behind an SPI converter.
type Probe interface {
	ReadTemperature(bus drivers.SPI) (float64, error)
}

// ADC reads one analog channel.
type ADC interface {
	ReadRaw(ch types.SensorID) (uint16, error)
}

// Enqueuer accepts modem jobs.
type Enqueuer interface {
	Enqueue(j jobs.Job) bool
}

// Worker is one acquisition subsystem.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Shared plumbing
// -----------------------------------------------------------------------------

// Deps are the collaborators every worker writes through.
type Deps struct {
	Cfg  *config.Device
	Tel  *telemetry.Store
	Jobs Enqueuer
	Log  *slog.Logger
	// AcquireAttempts bounds bus token polling; 0 waits until ctx is done.
	AcquireAttempts int
}

func (d *Deps) logger() *slog.Logger { return logging.Or(d.Log) }

// Record calibrates raw, evaluates thresholds and writes the reading. A
// breached threshold enqueues one alarm job per sensor and direction.
func (d *Deps) Record(id types.SensorID, raw float64) types.Reading {
	sc := d.Cfg.Sensor(id)
	a, b := sc.Calibration()
	r := types.Measured(mathx.Round2(raw), mathx.Round2(mathx.Linear(raw, a, b)))
	scaled := *r.Scaled
	switch {
	case sc.HighTh != nil && scaled > *sc.HighTh:
		r.Warning = types.WarnHigh
	case sc.LowTh != nil && scaled < *sc.LowTh:
		r.Warning = types.WarnLow
	}
	d.Tel.SetReading(id, r)
	if r.Warning == types.WarnHigh || r.Warning == types.WarnLow {
		high := r.Warning == types.WarnHigh
		if d.Jobs != nil && d.Jobs.Enqueue(jobs.SendAlarmSMS{Sensor: id, High: high}) {
			d.logger().Info("alarm_queued", "sensor", id, "scaled", scaled, "high", high)
		}
	}
	return r
}

// Disconnect marks id NOT_CONNECTED with cleared values.
func (d *Deps) Disconnect(id types.SensorID) {
	d.Tel.SetReading(id, types.Disconnected())
}

// Run executes w, converting a panic into an error. Resources taken by w are
// released by w's own deferred calls before Run returns.
func Run(ctx context.Context, w Worker, log *slog.Logger) (err error) {
	log = logging.Or(log)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker_panic", "worker", w.Name(), "panic", r, "stack", string(debug.Stack()))
			err = &errcode.E{C: errcode.Panic, Op: w.Name(), Msg: fmt.Sprint(r)}
		}
		if err != nil {
			log.Warn("worker_failed", "worker", w.Name(), "took", time.Since(start).Round(time.Millisecond), "err", err)
			return
		}
		log.Debug("worker_done", "worker", w.Name(), "took", time.Since(start).Round(time.Millisecond))
	}()
	return w.Run(ctx)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry calls fn up to attempts times, waiting gap between calls.
func retry(ctx context.Context, attempts int, gap time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, gap); serr != nil {
			return serr
		}
	}
	return err
}
