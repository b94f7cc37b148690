// services/arbiter/arbiter.go
package arbiter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/logging"
	"rtucode-go/types"

	"tinygo.org/x/drivers"
)

// Resource identifies one shared bus.
type Resource uint8

const (
	Serial Resource = iota
	SPI
	numResources
)

func (r Resource) String() string {
	if r == SPI {
		return "spi"
	}
	return "serial"
}

// Owner names the driver holding a token.
type Owner string

const (
	OwnerModem       Owner = "modem"
	OwnerRegisterBus Owner = "register_bus"
	OwnerStorage     Owner = "storage"
	OwnerProbe       Owner = "probe"
)

// SerialPort is the shared UART as seen by the arbiter.
type SerialPort interface {
	// Drain discards bytes already received.
	Drain(ctx context.Context) error
	// Configure reprograms baud, framing and pin mapping.
	Configure(cfg types.SerialConfig) error
}

// SPIBus is the shared SPI controller.
type SPIBus interface {
	drivers.SPI
	Configure(mode types.SPIMode) error
}

// SPI clockings used by the two SPI devices.
var (
	SPIStorage = types.SPIMode{Name: "storage", Frequency: 1_000_000, Mode: 0}
	SPIProbe   = types.SPIMode{Name: "probe", Frequency: 500_000, Mode: 1}
)

// Pin mapping of the shared UART for each serial mode.
const (
	ModemBaud = 115200
	ModemTX   = 18
	ModemRX   = 17
	RegBusTX  = 36
	RegBusRX  = 35
)

const (
	defaultPoll  = 100 * time.Millisecond
	drainTimeout = 50 * time.Millisecond
)

type token struct {
	mu    sync.Mutex
	held  bool
	owner Owner
	gen   uint64
}

// Options configures an Arbiter.
type Options struct {
	Serial       SerialPort
	SPI          SPIBus
	RegisterBaud uint32
	Poll         time.Duration
	Logger       *slog.Logger
}

// Arbiter hands out exclusive leases on the shared buses and tracks how each
// bus is currently configured.
type Arbiter struct {
	tokens [numResources]token

	serial       SerialPort
	spi          SPIBus
	registerBaud uint32
	poll         time.Duration
	log          *slog.Logger

	// Bus configuration state. Changed only by the lease holder; mu makes it
	// readable from status pages.
	mu         sync.Mutex
	serialMode types.SerialMode
	serialBaud uint32
	spiMode    string
}

func New(opts Options) *Arbiter {
	poll := opts.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	baud := opts.RegisterBaud
	if baud == 0 {
		baud = 9600
	}
	return &Arbiter{
		serial:       opts.Serial,
		spi:          opts.SPI,
		registerBaud: baud,
		poll:         poll,
		log:          logging.Or(opts.Logger).With("svc", "arbiter"),
	}
}

// Lease is proof of ownership of one resource.
type Lease struct {
	a        *Arbiter
	res      Resource
	owner    Owner
	gen      uint64
	released atomic.Bool
}

func (l *Lease) Resource() Resource { return l.res }
func (l *Lease) Owner() Owner       { return l.owner }

// Release returns the token. Calling it more than once is harmless.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	t := &l.a.tokens[l.res]
	t.mu.Lock()
	if t.held && t.gen == l.gen {
		t.held = false
		t.owner = ""
	}
	t.mu.Unlock()
}

func (a *Arbiter) tryAcquire(res Resource, owner Owner) *Lease {
	t := &a.tokens[res]
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held {
		return nil
	}
	t.held = true
	t.owner = owner
	t.gen++
	return &Lease{a: a, res: res, owner: owner, gen: t.gen}
}

// Acquire polls the token until it is free. attempts bounds the number of
// polls; 0 polls until ctx is done. Exhausting the budget returns
// errcode.Busy.
func (a *Arbiter) Acquire(ctx context.Context, res Resource, owner Owner, attempts int) (*Lease, error) {
	if res >= numResources {
		return nil, errcode.UnknownResource
	}
	for i := 0; attempts == 0 || i < attempts; i++ {
		if l := a.tryAcquire(res, owner); l != nil {
			return l, nil
		}
		if attempts != 0 && i == attempts-1 {
			break
		}
		t := time.NewTimer(a.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	a.log.Debug("acquire_busy", "resource", res.String(), "owner", owner, "holder", a.Holder(res))
	return nil, errcode.Busy
}

// Holder reports the current owner of res ("" when free).
func (a *Arbiter) Holder(res Resource) Owner {
	t := &a.tokens[res]
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (a *Arbiter) check(l *Lease, res Resource) error {
	if l == nil || l.a != a || l.res != res || l.released.Load() {
		return errcode.NotOwner
	}
	t := &a.tokens[res]
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.held || t.gen != l.gen {
		return errcode.NotOwner
	}
	return nil
}

// SerialConfigFor returns the UART wiring for a mode.
func (a *Arbiter) SerialConfigFor(mode types.SerialMode) (types.SerialConfig, error) {
	switch mode {
	case types.SerialModem:
		return types.SerialConfig{Mode: mode, Baud: ModemBaud, TX: ModemTX, RX: ModemRX, DataBits: 8, StopBits: 1}, nil
	case types.SerialRegisterBus:
		return types.SerialConfig{Mode: mode, Baud: a.registerBaud, TX: RegBusTX, RX: RegBusRX, DataBits: 8, StopBits: 1}, nil
	}
	return types.SerialConfig{}, errcode.UnknownMode
}

// SwitchSerial puts the shared UART into mode. It drains stale input and
// reprograms the port unless the port is already in that mode.
func (a *Arbiter) SwitchSerial(ctx context.Context, l *Lease, mode types.SerialMode) error {
	if err := a.check(l, Serial); err != nil {
		return err
	}
	cfg, err := a.SerialConfigFor(mode)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serialMode == mode && a.serialBaud == cfg.Baud {
		return nil
	}
	if a.serial == nil {
		return errcode.Unsupported
	}
	dctx, cancel := context.WithTimeout(ctx, drainTimeout)
	_ = a.serial.Drain(dctx)
	cancel()
	if err := a.serial.Configure(cfg); err != nil {
		// Unknown state: force a full reconfigure next time.
		a.serialMode = types.SerialNone
		return errcode.Wrap(errcode.Error, "serial configure", err)
	}
	a.log.Debug("serial_mode", "from", a.serialMode, "to", mode, "baud", cfg.Baud, "owner", l.owner)
	a.serialMode = mode
	a.serialBaud = cfg.Baud
	return nil
}

// SerialMode reports the mode the UART was last configured for.
func (a *Arbiter) SerialMode() types.SerialMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serialMode
}

// ConfigureSPI sets clock polarity, phase and frequency for the lease holder
// and returns the bus handle.
func (a *Arbiter) ConfigureSPI(l *Lease, mode types.SPIMode) (drivers.SPI, error) {
	if err := a.check(l, SPI); err != nil {
		return nil, err
	}
	if a.spi == nil {
		return nil, errcode.Unsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spiMode != mode.Name {
		if err := a.spi.Configure(mode); err != nil {
			a.spiMode = ""
			return nil, errcode.Wrap(errcode.Error, "spi configure", err)
		}
		a.spiMode = mode.Name
	}
	return a.spi, nil
}
