// Package max31865 provides a driver for the MAX31865 RTD-to-digital
// converter with a PT100 element.
//
//	d := max31865.New(spi, cs)
//	d.Configure(max31865.Config{Wires: 4, RefResistor: 470})
//	t, err := d.ReadTemperature()
//
// The SPI bus must already be clocked for mode 1 or 3. Chip select is driven
// by the supplied function when the bus controller does not manage it.
package max31865

import (
	"errors"
	"math"
	"time"

	"tinygo.org/x/drivers"
)

// Registers.
const (
	regConfig    = 0x00
	regRTDMSB    = 0x01
	regFault     = 0x07
	writeBit     = 0x80
	cfgBias      = 0x80
	cfgOneShot   = 0x20
	cfg3Wire     = 0x10
	cfgFaultClr  = 0x02
	cfgFilter50  = 0x01
	rtdFaultFlag = 0x01
)

// Callendar-Van Dusen coefficients for platinum.
const (
	cvdA = 3.9083e-3
	cvdB = -5.775e-7
)

var (
	ErrFault = errors.New("max31865: rtd fault")
	ErrOpen  = errors.New("max31865: rtd open")
)

// Config controls the sensor wiring.
type Config struct {
	// Wires is 2, 3 or 4. Default 4.
	Wires int
	// RefResistor in ohms. Default 430.
	RefResistor float64
	// Nominal is the RTD resistance at 0 °C. Default 100.
	Nominal float64
	// Filter50Hz selects the 50 Hz notch instead of 60 Hz.
	Filter50Hz bool
}

// Device is one converter on a shared SPI bus.
type Device struct {
	bus drivers.SPI
	cs  func(bool)
	cfg Config
	buf [3]byte
}

// New returns a device. cs may be nil when the controller drives chip select.
func New(bus drivers.SPI, cs func(bool)) *Device {
	d := &Device{bus: bus, cs: cs}
	d.Configure(Config{})
	return d
}

// Configure applies cfg, filling defaults. It does not touch the device.
func (d *Device) Configure(cfg Config) {
	if cfg.Wires == 0 {
		cfg.Wires = 4
	}
	if cfg.RefResistor <= 0 {
		cfg.RefResistor = 430
	}
	if cfg.Nominal <= 0 {
		cfg.Nominal = 100
	}
	d.cfg = cfg
}

// SetBus swaps the SPI handle. The arbiter hands out a fresh one per lease.
func (d *Device) SetBus(bus drivers.SPI) { d.bus = bus }

func (d *Device) chip(on bool) {
	if d.cs != nil {
		d.cs(!on) // active low
	}
}

func (d *Device) write(reg, v byte) error {
	d.chip(true)
	defer d.chip(false)
	return d.bus.Tx([]byte{reg | writeBit, v}, nil)
}

func (d *Device) read(reg byte, n int) ([]byte, error) {
	w := d.buf[:n+1]
	r := make([]byte, n+1)
	for i := range w {
		w[i] = 0
	}
	w[0] = reg &^ writeBit
	d.chip(true)
	defer d.chip(false)
	if err := d.bus.Tx(w, r); err != nil {
		return nil, err
	}
	return r[1:], nil
}

func (d *Device) baseConfig() byte {
	var c byte
	if d.cfg.Wires == 3 {
		c |= cfg3Wire
	}
	if d.cfg.Filter50Hz {
		c |= cfgFilter50
	}
	return c
}

// Fault returns the fault status register.
func (d *Device) Fault() (byte, error) {
	b, err := d.read(regFault, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ClearFault resets the fault status.
func (d *Device) ClearFault() error {
	return d.write(regConfig, d.baseConfig()|cfgFaultClr)
}

// ReadRaw performs a one-shot conversion and returns the 15-bit ratio code.
func (d *Device) ReadRaw() (uint16, error) {
	if err := d.ClearFault(); err != nil {
		return 0, err
	}
	base := d.baseConfig()
	if err := d.write(regConfig, base|cfgBias); err != nil {
		return 0, err
	}
	time.Sleep(10 * time.Millisecond)
	if err := d.write(regConfig, base|cfgBias|cfgOneShot); err != nil {
		return 0, err
	}
	time.Sleep(65 * time.Millisecond)
	b, err := d.read(regRTDMSB, 2)
	// Bias off regardless of the read result.
	_ = d.write(regConfig, base)
	if err != nil {
		return 0, err
	}
	v := uint16(b[0])<<8 | uint16(b[1])
	if v&rtdFaultFlag != 0 {
		return 0, ErrFault
	}
	return v >> 1, nil
}

// Resistance converts a ratio code to ohms.
func (d *Device) Resistance(raw uint16) float64 {
	return float64(raw) / 32768 * d.cfg.RefResistor
}

// ReadTemperature returns the element temperature in °C.
func (d *Device) ReadTemperature() (float64, error) {
	raw, err := d.ReadRaw()
	if err != nil {
		return 0, err
	}
	if raw == 0 || raw == 0x7FFF {
		return 0, ErrOpen
	}
	return Temperature(d.Resistance(raw), d.cfg.Nominal), nil
}

// Temperature solves Callendar-Van Dusen for rt ohms on an element with
// nominal ohms at 0 °C. Below zero a fitted polynomial is used.
func Temperature(rt, nominal float64) float64 {
	z1 := -cvdA
	z2 := cvdA*cvdA - 4*cvdB
	z3 := 4 * cvdB / nominal
	z4 := 2 * cvdB

	t := (math.Sqrt(z2+z3*rt) + z1) / z4
	if t >= 0 {
		return t
	}

	r := rt / nominal * 100 // normalise to PT100
	rpoly := r
	t = -242.02
	t += 2.2228 * rpoly
	rpoly *= r
	t += 2.5859e-3 * rpoly
	rpoly *= r
	t -= 4.8260e-6 * rpoly
	rpoly *= r
	t -= 2.8183e-8 * rpoly
	rpoly *= r
	t += 1.5243e-10 * rpoly
	return t
}
