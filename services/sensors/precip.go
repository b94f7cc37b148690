// services/sensors/precip.go
package sensors

import (
	"context"
	"sync"

	"rtucode-go/services/precip"
	"rtucode-go/types"
	"rtucode-go/x/timex"
)

// Rain channels: running total, last hour, last 12 hours.
const (
	RainTotal  types.SensorID = "ra"
	RainHour   types.SensorID = "ra_1"
	RainTwelve types.SensorID = "ra_12"
)

// PulseSource yields pulses counted since the previous call.
type PulseSource interface {
	Take() uint32
	Add(n uint32)
	Reset()
}

// PrecipWorker moves gauge pulses into the precipitation store and publishes
// the windowed totals.
type PrecipWorker struct {
	*Deps
	Store  *precip.Store
	Pulses PulseSource
	Clock  timex.Clock

	mu sync.Mutex // serialises Run and Zero
}

func (w *PrecipWorker) Name() string { return "precip" }

func (w *PrecipWorker) clock() timex.Clock {
	if w.Clock == nil {
		return timex.System
	}
	return w.Clock
}

func (w *PrecipWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.Pulses.Take()
	win, err := w.Store.RecordTickCount(n, w.clock().Now())
	if err != nil {
		// Keep the pulses for the next attempt.
		w.Pulses.Add(n)
		return err
	}
	w.publish(win)
	return nil
}

// Zero clears the store and any pulses not yet recorded.
func (w *PrecipWorker) Zero() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Pulses.Reset()
	if err := w.Store.Zero(); err != nil {
		return err
	}
	w.publish(precip.Windows{})
	return nil
}

// Publish writes the current totals without recording a bucket. Used at boot.
func (w *PrecipWorker) Publish() error {
	now := w.clock().Now()
	h, err := w.Store.Window(precip.Hour, now)
	if err != nil {
		return err
	}
	t, err := w.Store.Window(precip.TwelveHours, now)
	if err != nil {
		return err
	}
	w.publish(precip.Windows{Total: w.Store.Total(), Hour: h, Twelve: t})
	return nil
}

func (w *PrecipWorker) publish(win precip.Windows) {
	for id, v := range map[types.SensorID]uint32{RainTotal: win.Total, RainHour: win.Hour, RainTwelve: win.Twelve} {
		if w.Cfg.Enabled(id) {
			w.Record(id, float64(v))
		}
	}
}
