//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"rtucode-go/services/config"
	"rtucode-go/services/datalog"
	"rtucode-go/services/logging"
	"rtucode-go/services/precip"
	"rtucode-go/services/pulse"
	"rtucode-go/types"

	"tinygo.org/x/drivers"
)

// Open returns a simulated board backed by the host: the card is a
// directory, the modem uses the host network stack and the sensors
// produce slowly varying values.
func Open(env config.Env, log *slog.Logger) (*Board, error) {
	log = logging.Or(log).With("svc", "platform")
	b := &Board{
		Name:       "host-sim",
		Serial:     &simSerial{log: log},
		SPI:        &simSPI{},
		SDI12:      simSDI12{},
		RegBus:     simRegBus{},
		Probe:      simProbe{},
		ADC:        simADC{},
		Rain:       &SimPin{},
		Modem:      NewSimModem(filepath.Join(env.DataDir, "sms"), log),
		Card:       datalog.DirFS{Root: env.DataDir},
		OpenPrecip: openSQLite,
		Watchdog:   &SimWatchdog{},
		SetClock:   func(t time.Time) error {
			log.Info("clock_set_ignored", "time", t.Format(time.DateTime), "skew", time.Until(t).Round(time.Second))
			return nil
		},
		ResetCause: ResetPowerOn,
	}
	log.Info("board_opened", "board", b.Name, "data_dir", env.DataDir)
	return b, nil
}

func openSQLite(path string, log *slog.Logger) (precip.Index, error) {
	return precip.OpenSQLite(path, log)
}

// -----------------------------------------------------------------------------
// Buses
// -----------------------------------------------------------------------------

type simSerial struct {
	log *slog.Logger
	mu  sync.Mutex
	cfg types.SerialConfig
}

func (s *simSerial) Drain(ctx context.Context) error { return nil }

func (s *simSerial) Configure(cfg types.SerialConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("serial_configured", "mode", cfg.Mode, "baud", cfg.Baud, "tx", cfg.TX, "rx", cfg.RX)
	return nil
}

type simSPI struct {
	mu   sync.Mutex
	mode types.SPIMode
}

func (s *simSPI) Configure(mode types.SPIMode) error {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

func (s *simSPI) Tx(w, r []byte) error {
	for i := range r {
		r[i] = 0
	}
	return nil
}

func (s *simSPI) Transfer(b byte) (byte, error) { return 0, nil }

var _ drivers.SPI = (*simSPI)(nil)

// -----------------------------------------------------------------------------
// Sensor front ends
// -----------------------------------------------------------------------------

// wave is a slow daily cycle in [-1, 1].
func wave(now time.Time, phase float64) float64 {
	h := float64(now.Hour()) + float64(now.Minute())/60
	return math.Sin((h/24)*2*math.Pi + phase)
}

type simSDI12 struct{}

func (simSDI12) Measure(ctx context.Context, addr string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := wave(time.Now(), 0)
	return []float64{
		20 + 5*w, // air temperature
		60 - 15*w,
		1013 + 3*w,
		2.5 + w,
		180,
		0, 0, 0, 0,
	}, nil
}

type simRegBus struct{}

func (simRegBus) ReadHoldingRegisters(ctx context.Context, addr uint8, start, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = uint16(500 + 100*int(start+uint16(i)))
	}
	return out, nil
}

type simProbe struct{}

func (simProbe) ReadTemperature(bus drivers.SPI) (float64, error) {
	return 18 + 4*wave(time.Now(), math.Pi/4), nil
}

type simADC struct{}

func (simADC) ReadRaw(ch types.SensorID) (uint16, error) {
	switch ch {
	case "c1", "c2":
		return 12000, nil
	}
	return 2600, nil
}

// -----------------------------------------------------------------------------
// Rain gauge pin
// -----------------------------------------------------------------------------

// SimPin is an input pin whose level is driven from software.
type SimPin struct {
	mu      sync.Mutex
	level   bool
	edge    pulse.Edge
	handler func()
}

func (p *SimPin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *SimPin) SetIRQ(edge pulse.Edge, handler func()) error {
	p.mu.Lock()
	p.edge, p.handler = edge, handler
	p.mu.Unlock()
	return nil
}

func (p *SimPin) ClearIRQ() error {
	p.mu.Lock()
	p.edge, p.handler = pulse.EdgeNone, nil
	p.mu.Unlock()
	return nil
}

// Set drives the level and fires the handler on a change.
func (p *SimPin) Set(level bool) {
	p.mu.Lock()
	changed := p.level != level
	p.level = level
	h := p.handler
	p.mu.Unlock()
	if changed && h != nil {
		h()
	}
}

// Tip simulates one bucket tip: a high pulse.
func (p *SimPin) Tip() {
	p.Set(true)
	p.Set(false)
}

// -----------------------------------------------------------------------------
// System
// -----------------------------------------------------------------------------

// SimWatchdog counts feeds.
type SimWatchdog struct {
	feeds atomic.Uint64
}

func (w *SimWatchdog) Feed() { w.feeds.Add(1) }

// Feeds reports how often the watchdog was fed.
func (w *SimWatchdog) Feeds() uint64 { return w.feeds.Load() }
