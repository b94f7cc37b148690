//go:build rp2040

package platform

import (
	"context"
	"device/arm"
	"device/rp"
	"io"
	"log/slog"
	"machine"
	"runtime"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"rtucode-go/errcode"
	"rtucode-go/services/config"
	"rtucode-go/services/logging"
	"rtucode-go/services/precip"
	"rtucode-go/services/pulse"
	"rtucode-go/types"
)

// Pin plan of the RTU carrier board.
const (
	pinModemTX = machine.GPIO4
	pinModemRX = machine.GPIO5
	pinRegTX   = machine.GPIO8
	pinRegRX   = machine.GPIO9
	pinSPISCK  = machine.GPIO18
	pinSPISDO  = machine.GPIO19
	pinSPISDI  = machine.GPIO16
	pinProbeCS = machine.GPIO17
	pinRain    = machine.GPIO22

	watchdogMs  = 8000
	drainBufLen = 64
	drainQuiet  = 20 * time.Millisecond
)

// Open brings up the RP2040 carrier. The modem, SDI-12 and register-bus
// line drivers are not carried by this build.
func Open(env config.Env, log *slog.Logger) (*Board, error) {
	log = logging.Or(log).With("svc", "platform")

	cause := resetCause()

	wd := &rp2Watchdog{}
	if err := wd.start(); err != nil {
		return nil, err
	}

	pinProbeCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinProbeCS.High()

	b := &Board{
		Name:       "rp2040",
		Serial:     &rp2Serial{u: uartx.UART1},
		SPI:        &rp2SPI{SPI: machine.SPI0},
		SDI12:      absent{"sdi12"},
		RegBus:     absent{"register_bus"},
		Probe:      NewRTDProbe(pinProbeCS.Set),
		ADC:        newRP2ADC(),
		Rain:       newRP2Pin(pinRain),
		Card:       noCard{},
		OpenPrecip: openFlash,

		Watchdog: wd,
		SetClock: func(t time.Time) error {
			runtime.AdjustTimeOffset(int64(time.Until(t)))
			return nil
		},
		Restart:    func() { arm.SystemReset() },
		ResetCause: cause,
	}
	log.Info("board_opened", "board", b.Name, "reset_cause", cause)
	return b, nil
}

// openFlash keeps the precipitation index in the flash region after the
// firmware image.
func openFlash(_ string, log *slog.Logger) (precip.Index, error) {
	return precip.OpenFlash(machine.Flash, precip.DefaultRetention, log)
}

func resetCause() string {
	r := rp.WATCHDOG.REASON.Get()
	switch {
	case r&rp.WATCHDOG_REASON_FORCE != 0:
		return ResetSoftware
	case r&rp.WATCHDOG_REASON_TIMER != 0:
		return ResetWatchdog
	case r == 0:
		return ResetPowerOn
	}
	return ResetUnknown
}

// -----------------------------------------------------------------------------
// Shared UART
// -----------------------------------------------------------------------------

type rp2Serial struct{ u *uartx.UART }

// Drain reads until the line stays quiet for drainQuiet.
func (p *rp2Serial) Drain(ctx context.Context) error {
	var buf [drainBufLen]byte
	for {
		rctx, cancel := context.WithTimeout(ctx, drainQuiet)
		n, err := p.u.RecvSomeContext(rctx, buf[:])
		cancel()
		if err != nil || n == 0 {
			return ctx.Err()
		}
	}
}

func (p *rp2Serial) Configure(cfg types.SerialConfig) error {
	tx, rx := pinModemTX, pinModemRX
	switch cfg.Mode {
	case types.SerialModem:
	case types.SerialRegisterBus:
		tx, rx = pinRegTX, pinRegRX
	default:
		return errcode.UnknownMode
	}
	if err := p.u.Configure(uartx.UARTConfig{BaudRate: cfg.Baud, TX: tx, RX: rx}); err != nil {
		return err
	}
	var par uartx.UARTParity
	switch cfg.Parity {
	case types.ParityEven:
		par = uartx.ParityEven
	case types.ParityOdd:
		par = uartx.ParityOdd
	default:
		par = uartx.ParityNone
	}
	data, stop := cfg.DataBits, cfg.StopBits
	if data == 0 {
		data = 8
	}
	if stop == 0 {
		stop = 1
	}
	return p.u.SetFormat(data, stop, par)
}

// -----------------------------------------------------------------------------
// SPI
// -----------------------------------------------------------------------------

type rp2SPI struct{ *machine.SPI }

func (s *rp2SPI) Configure(mode types.SPIMode) error {
	return s.SPI.Configure(machine.SPIConfig{
		Frequency: mode.Frequency,
		SCK:       pinSPISCK,
		SDO:       pinSPISDO,
		SDI:       pinSPISDI,
		Mode:      mode.Mode,
	})
}

// -----------------------------------------------------------------------------
// Analog bank
// -----------------------------------------------------------------------------

type rp2ADC struct {
	ch map[types.SensorID]machine.ADC
}

func newRP2ADC() *rp2ADC {
	machine.InitADC()
	a := &rp2ADC{ch: map[types.SensorID]machine.ADC{
		"a1": {Pin: machine.ADC0},
		"a2": {Pin: machine.ADC1},
		"a3": {Pin: machine.ADC2},
	}}
	for _, c := range a.ch {
		c.Configure(machine.ADCConfig{})
	}
	return a
}

func (a *rp2ADC) ReadRaw(id types.SensorID) (uint16, error) {
	c, ok := a.ch[id]
	if !ok {
		return 0, &errcode.E{C: errcode.Unsupported, Op: "adc", Msg: string(id)}
	}
	return c.Get(), nil
}

// -----------------------------------------------------------------------------
// Rain gauge pin
// -----------------------------------------------------------------------------

type rp2Pin struct{ p machine.Pin }

func newRP2Pin(p machine.Pin) *rp2Pin {
	p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return &rp2Pin{p: p}
}

func (r *rp2Pin) Get() bool { return r.p.Get() }

func (r *rp2Pin) SetIRQ(edge pulse.Edge, handler func()) error {
	var change machine.PinChange
	switch edge {
	case pulse.EdgeRising:
		change = machine.PinRising
	case pulse.EdgeFalling:
		change = machine.PinFalling
	case pulse.EdgeBoth:
		change = machine.PinRising | machine.PinFalling
	default:
		return r.ClearIRQ()
	}
	return r.p.SetInterrupt(change, func(machine.Pin) { handler() })
}

func (r *rp2Pin) ClearIRQ() error {
	var zero machine.PinChange
	return r.p.SetInterrupt(zero, nil)
}

// -----------------------------------------------------------------------------
// System
// -----------------------------------------------------------------------------

type rp2Watchdog struct{}

func (rp2Watchdog) start() error {
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: watchdogMs}); err != nil {
		return err
	}
	return machine.Watchdog.Start()
}

func (rp2Watchdog) Feed() { machine.Watchdog.Update() }

// noCard reports the storage card as missing; the logger raises its
// storage warning and stays idle.
type noCard struct{}

func (noCard) err() error { return &errcode.E{C: errcode.StorageUnavailable, Op: "card"} }

func (c noCard) MkdirAll(string) error                 { return c.err() }
func (c noCard) Exists(string) (bool, error)           { return false, c.err() }
func (c noCard) Create(string) (io.WriteCloser, error) { return nil, c.err() }
func (c noCard) Append(string) (io.WriteCloser, error) { return nil, c.err() }
