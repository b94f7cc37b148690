// Package platform opens the board: the shared buses, the sensor front ends,
// the modem and the system controls. Each build target supplies Open.
package platform

import (
	"context"
	"log/slog"
	"time"

	"rtucode-go/drivers/max31865"
	"rtucode-go/errcode"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/datalog"
	"rtucode-go/services/modem"
	"rtucode-go/services/precip"
	"rtucode-go/services/pulse"
	"rtucode-go/services/scheduler"
	"rtucode-go/services/sensors"
	"rtucode-go/types"

	"tinygo.org/x/drivers"
)

// Board is everything the application needs from the hardware.
type Board struct {
	Name string

	Serial arbiter.SerialPort
	SPI    arbiter.SPIBus

	SDI12  sensors.SDI12
	RegBus sensors.RegisterBus
	Probe  sensors.Probe
	ADC    sensors.ADC
	Rain   pulse.IRQPin

	Modem modem.Driver
	Card  datalog.FS
	// OpenPrecip opens the durable precipitation index. path is used by
	// boards with a filesystem.
	OpenPrecip func(path string, log *slog.Logger) (precip.Index, error)

	Watchdog scheduler.Watchdog
	// SetClock sets the wall clock.
	SetClock func(time.Time) error
	// Restart reboots. Nil when the process should exit and let its
	// supervisor restart it.
	Restart func()
	// ResetCause describes why the board last came out of reset.
	ResetCause string
}

// Reset causes.
const (
	ResetPowerOn  = "power_on"
	ResetWatchdog = "watchdog"
	ResetSoftware = "software"
	ResetUnknown  = "unknown"
)

// rtdProbe reads the PT100 through a MAX31865 on whichever SPI handle the
// current lease provides.
type rtdProbe struct {
	dev *max31865.Device
}

// NewRTDProbe returns the probe front end. cs drives the converter's chip
// select and may be nil.
func NewRTDProbe(cs func(bool)) sensors.Probe {
	d := max31865.New(nil, cs)
	d.Configure(max31865.Config{Wires: 4, RefResistor: 470})
	return &rtdProbe{dev: d}
}

func (p *rtdProbe) ReadTemperature(bus drivers.SPI) (float64, error) {
	if bus == nil {
		return 0, errcode.NotOwner
	}
	p.dev.SetBus(bus)
	t, err := p.dev.ReadTemperature()
	if err != nil {
		return 0, errcode.Wrap(errcode.NotConnected, "rtd", err)
	}
	return t, nil
}

// absent stands in for front ends the board does not carry.
type absent struct{ what string }

func (a absent) err() error { return &errcode.E{C: errcode.Unsupported, Op: a.what} }

func (a absent) Measure(context.Context, string) ([]float64, error) { return nil, a.err() }

func (a absent) ReadHoldingRegisters(context.Context, uint8, uint16, uint16) ([]uint16, error) {
	return nil, a.err()
}

func (a absent) ReadRaw(types.SensorID) (uint16, error) { return 0, a.err() }

var (
	_ sensors.SDI12       = absent{}
	_ sensors.RegisterBus = absent{}
	_ sensors.ADC         = absent{}
)
