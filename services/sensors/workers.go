// services/sensors/workers.go
package sensors

import (
	"context"
	"fmt"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/config"
	"rtucode-go/types"
	"rtucode-go/x/mathx"
)

// -----------------------------------------------------------------------------
// SDI-12 (s1..s9)
// -----------------------------------------------------------------------------

type SDI12Worker struct {
	*Deps
	Bus      SDI12
	Attempts int           // default 10
	Gap      time.Duration // default 1s
}

func (w *SDI12Worker) Name() string { return "sdi12" }

func (w *SDI12Worker) enabled() []types.SensorID {
	var ids []types.SensorID
	for _, id := range config.SDI12Sensors {
		if w.Cfg.Enabled(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *SDI12Worker) Run(ctx context.Context) error {
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	gap := w.Gap
	if gap == 0 {
		gap = time.Second
	}
	var vals []float64
	err := retry(ctx, attempts, gap, func() error {
		v, err := w.Bus.Measure(ctx, w.Cfg.SDI12.Addr)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return errcode.NoData
		}
		vals = v
		return nil
	})
	ids := w.enabled()
	if err != nil {
		for _, id := range ids {
			w.Disconnect(id)
		}
		return errcode.Wrap(errcode.NotConnected, "sdi12 measure", err)
	}
	for _, id := range ids {
		i := sdi12Index(id)
		if i < 0 || i >= len(vals) {
			w.Disconnect(id)
			continue
		}
		w.Record(id, vals[i])
	}
	return nil
}

func sdi12Index(id types.SensorID) int {
	for i, s := range config.SDI12Sensors {
		if s == id {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// Temperature probe (pt)
// -----------------------------------------------------------------------------

const (
	ProbeMin = -200.0
	ProbeMax = 850.0
)

type ProbeWorker struct {
	*Deps
	Arb      *arbiter.Arbiter
	Probe    Probe
	Attempts int // default 3
	Gap      time.Duration
}

func (w *ProbeWorker) Name() string { return "probe" }

func (w *ProbeWorker) Run(ctx context.Context) error {
	const id types.SensorID = "pt"
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	lease, err := w.Arb.Acquire(ctx, arbiter.SPI, arbiter.OwnerProbe, w.AcquireAttempts)
	if err != nil {
		return err
	}
	defer lease.Release()

	bus, err := w.Arb.ConfigureSPI(lease, arbiter.SPIProbe)
	if err != nil {
		w.Disconnect(id)
		return err
	}
	var temp float64
	err = retry(ctx, attempts, w.Gap, func() error {
		t, err := w.Probe.ReadTemperature(bus)
		if err != nil {
			return err
		}
		if !mathx.Between(t, ProbeMin, ProbeMax) {
			return &errcode.E{C: errcode.OutOfRange, Op: "probe", Msg: fmt.Sprintf("%.2f", t)}
		}
		temp = t
		return nil
	})
	lease.Release()
	if err != nil {
		w.Disconnect(id)
		return errcode.Wrap(errcode.NotConnected, "probe read", err)
	}
	w.Record(id, temp)
	return nil
}

// -----------------------------------------------------------------------------
// Analog bank (a1..a3 voltage, c1..c2 current)
// -----------------------------------------------------------------------------

var (
	VoltageChannels = []types.SensorID{"a1", "a2", "a3"}
	CurrentChannels = []types.SensorID{"c1", "c2"}
)

type AnalogWorker struct {
	*Deps
	ADC     ADC
	Samples int           // default 10
	Gap     time.Duration // default 10ms
}

func (w *AnalogWorker) Name() string { return "analog" }

// Volts converts an averaged ADC sample to volts.
func Volts(avg float64) float64 { return avg*0.000004636636 - avg*0.000000022 }

// Milliamps converts an averaged ADC sample on a current channel.
func Milliamps(avg float64) float64 { return avg / 1200000 }

func (w *AnalogWorker) Run(ctx context.Context) error {
	var failed int
	for _, id := range VoltageChannels {
		if err := w.channel(ctx, id, Volts); err != nil {
			failed++
		}
	}
	for _, id := range CurrentChannels {
		if err := w.channel(ctx, id, Milliamps); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return &errcode.E{C: errcode.NotConnected, Op: "analog", Msg: fmt.Sprintf("%d channels failed", failed)}
	}
	return nil
}

func (w *AnalogWorker) channel(ctx context.Context, id types.SensorID, conv func(float64) float64) error {
	if !w.Cfg.Enabled(id) {
		return nil
	}
	n := w.Samples
	if n <= 0 {
		n = 10
	}
	gap := w.Gap
	if gap == 0 {
		gap = 10 * time.Millisecond
	}
	var sum float64
	for i := 0; i < n; i++ {
		v, err := w.ADC.ReadRaw(id)
		if err != nil {
			w.Disconnect(id)
			return err
		}
		sum += float64(v)
		if err := sleep(ctx, gap); err != nil {
			return err
		}
	}
	w.Record(id, conv(sum/float64(n)))
	return nil
}

// -----------------------------------------------------------------------------
// Register bus (rs_1, rs_2)
// -----------------------------------------------------------------------------

var RegisterChannels = []types.SensorID{"rs_1", "rs_2"}

type RegisterBusWorker struct {
	*Deps
	Arb      *arbiter.Arbiter
	Bus      RegisterBus
	Attempts int // default 3
	Gap      time.Duration
}

func (w *RegisterBusWorker) Name() string { return "registerbus" }

func (w *RegisterBusWorker) Run(ctx context.Context) error {
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	lease, err := w.Arb.Acquire(ctx, arbiter.Serial, arbiter.OwnerRegisterBus, w.AcquireAttempts)
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := w.Arb.SwitchSerial(ctx, lease, types.SerialRegisterBus); err != nil {
		w.disconnectAll()
		return err
	}

	var regs []uint16
	err = retry(ctx, attempts, w.Gap, func() error {
		r, err := w.Bus.ReadHoldingRegisters(ctx, uint8(w.Cfg.RS485.Addr), 1, uint16(len(RegisterChannels)))
		if err != nil {
			return err
		}
		if len(r) < len(RegisterChannels) {
			return errcode.NoData
		}
		regs = r
		return nil
	})
	lease.Release()

	if err != nil {
		w.disconnectAll()
		return errcode.Wrap(errcode.NotConnected, "registerbus read", err)
	}
	for i, id := range RegisterChannels {
		if w.Cfg.Enabled(id) {
			w.Record(id, float64(regs[i]))
		}
	}
	return nil
}

func (w *RegisterBusWorker) disconnectAll() {
	for _, id := range RegisterChannels {
		if w.Cfg.Enabled(id) {
			w.Disconnect(id)
		}
	}
}
