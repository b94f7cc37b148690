// Package app wires the board, the stores, the workers and the scheduler
// into a running device.
package app

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"rtucode-go/bus"
	"rtucode-go/errcode"
	"rtucode-go/platform"
	"rtucode-go/services/arbiter"
	"rtucode-go/services/config"
	"rtucode-go/services/datalog"
	"rtucode-go/services/heartbeat"
	"rtucode-go/services/jobs"
	"rtucode-go/services/logging"
	"rtucode-go/services/mirror"
	"rtucode-go/services/modem"
	"rtucode-go/services/precip"
	"rtucode-go/services/pulse"
	"rtucode-go/services/scheduler"
	"rtucode-go/services/sensors"
	"rtucode-go/services/telemetry"
	"rtucode-go/services/web"
	"rtucode-go/types"
)

// Version is the firmware version, overridden at link time.
var Version = "1.0"

// ErrRestart is returned by Run when a restart was requested on a board
// that cannot reset itself. The caller should run again.
var ErrRestart = errors.New("restart requested")

// Subsystem intervals.
const (
	SensorInterval = 30 * time.Second
	PrecipInterval = 300 * time.Second

	CheckSMSInterval    = 300 * time.Second
	LocRequestInterval  = 12 * time.Hour
	GetTimeInterval     = 24 * time.Hour
	CheckUpdateInterval = time.Hour

	rainDebounce = 50 * time.Millisecond
	busQueueLen  = 32
)

var endpoints = modem.DefaultEndpoints

// PrecipPath is where the precipitation index lives for env.
func PrecipPath(env config.Env) string {
	if filepath.IsAbs(env.PrecipDB) {
		return env.PrecipDB
	}
	return filepath.Join(env.DataDir, env.PrecipDB)
}

// UpdateDir receives staged firmware.
func UpdateDir(env config.Env) string { return filepath.Join(env.DataDir, "update") }

// Run boots the device and blocks until ctx is done or a restart is
// requested.
func Run(ctx context.Context, env config.Env) error {
	cfg, cfgErr := config.LoadDevice(env.ConfigPath, env.Board)
	deviceID := 0
	if cfg != nil {
		deviceID = cfg.DeviceID
	}
	log := logging.New(env, Version, deviceID)
	slog.SetDefault(log)

	board, err := platform.Open(env, log)
	if err != nil {
		log.Error("board_open_failed", "err", err)
		return err
	}
	log.Info("boot", "board", board.Name, "reset_cause", board.ResetCause, "version", Version)

	if cfgErr != nil {
		log.Error("config_invalid", "path", env.ConfigPath, "err", cfgErr)
		return Halt(ctx, board.Watchdog, log)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restartRequested atomic.Bool
	restart := func() {
		log.Warn("restart_requested")
		if board.Restart != nil {
			board.Restart()
			return
		}
		restartRequested.Store(true)
		cancel()
	}

	d := build(env, cfg, board, restart, log)
	defer func() {
		cancel()
		d.close()
	}()

	if staged, err := readStagedUpdate(UpdateDir(env)); err != nil {
		log.Warn("update_read_failed", "err", err)
	} else if staged != nil {
		log.Warn("update_staged", "old", staged.OldVersion, "new", staged.NewVersion)
		d.sched.Reset()
	}

	if err := d.start(ctx); err != nil {
		return err
	}
	err = d.sched.Run(ctx)
	switch {
	case restartRequested.Load():
		return ErrRestart
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	}
	return err
}

// Serve runs the device, booting it again after every soft restart.
func Serve(ctx context.Context, env config.Env) error {
	for {
		err := Run(ctx, env)
		if !errors.Is(err, ErrRestart) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// device holds the wired components of one boot.
type device struct {
	env   config.Env
	cfg   *config.Device
	board *platform.Board
	log   *slog.Logger

	bus    *bus.Bus
	tel    *telemetry.Store
	arb    *arbiter.Arbiter
	queue  *jobs.Queue
	sched  *scheduler.Scheduler
	store  *precip.Store
	pulses *pulse.Counter
	rain   *sensors.PrecipWorker
	dlog   *datalog.Logger
	mqtt   *mirror.Client

	restart func()
	webDone chan struct{} // closed once the page has released its address
}

func build(env config.Env, cfg *config.Device, board *platform.Board, restart func(), log *slog.Logger) *device {
	d := &device{env: env, cfg: cfg, board: board, log: log, restart: restart}

	d.bus = bus.NewBus(busQueueLen)
	d.tel = telemetry.New(cfg.DeviceID, Version, d.bus.NewConnection("telemetry"))
	d.tel.Init(cfg.EnabledSensors()...)

	d.arb = arbiter.New(arbiter.Options{
		Serial:       board.Serial,
		SPI:          board.SPI,
		RegisterBaud: uint32(cfg.RS485.Baud),
		Logger:       log,
	})

	d.queue = jobs.NewQueue(d.arb, board.Modem, jobs.Options{
		OnDone: func(j jobs.Job, err error) { d.sched.JobDone(j, err) },
		Logger: log,
	})
	d.sched = scheduler.New(scheduler.Options{
		Tick:      env.Tick,
		HangAfter: env.HangAfter,
		Watchdog:  board.Watchdog,
		Queue:     d.queue,
		Logger:    log,
	})

	d.store = d.openPrecip()
	d.pulses = pulse.New(board.Rain, pulse.EdgeFalling, rainDebounce, false)

	deps := &sensors.Deps{Cfg: cfg, Tel: d.tel, Log: log}
	if board.Modem != nil {
		deps.Jobs = d.queue
	}
	d.rain = &sensors.PrecipWorker{Deps: deps, Store: d.store, Pulses: d.pulses}
	d.dlog = &datalog.Logger{Cfg: cfg, Tel: d.tel, Arb: d.arb, FS: board.Card, Log: log}

	d.register(deps)
	if board.Modem != nil {
		d.registerModem()
	} else {
		log.Warn("modem_absent", "board", board.Name)
	}
	return d
}

func (d *device) openPrecip() *precip.Store {
	path := PrecipPath(d.env)
	var idx precip.Index
	var err error
	if d.board.OpenPrecip == nil {
		err = errcode.Unsupported
	} else {
		idx, err = d.board.OpenPrecip(path, d.log)
	}
	if err != nil {
		d.log.Error("precip_open_failed", "path", path, "err", err)
		d.tel.SetStorageWarning(true)
		idx = precip.NewMemIndex()
	}
	s := precip.New(idx, precip.WithLogger(d.log))
	if err := s.Reload(); err != nil {
		d.log.Error("precip_reload_failed", "err", err)
	}
	return s
}

func (d *device) add(w sensors.Worker, every time.Duration, enabled func() bool) {
	log := d.log
	err := d.sched.Register(scheduler.Subsystem{
		Name:     w.Name(),
		Interval: every,
		Enabled:  enabled,
		Run:      func(ctx context.Context) error { return sensors.Run(ctx, w, log) },
	})
	if err != nil {
		d.log.Error("subsystem_register_failed", "name", w.Name(), "err", err)
	}
}

func (d *device) register(deps *sensors.Deps) {
	cfg := d.cfg
	anyEnabled := func(ids ...types.SensorID) func() bool {
		return func() bool {
			for _, id := range ids {
				if cfg.Enabled(id) {
					return true
				}
			}
			return false
		}
	}

	d.add(&sensors.SDI12Worker{Deps: deps, Bus: d.board.SDI12}, SensorInterval,
		func() bool { return bool(cfg.SDI12.Enabled) })
	d.add(&sensors.ProbeWorker{Deps: deps, Arb: d.arb, Probe: d.board.Probe}, SensorInterval,
		anyEnabled("pt"))
	d.add(&sensors.AnalogWorker{Deps: deps, ADC: d.board.ADC}, SensorInterval,
		anyEnabled("a1", "a2", "a3", "c1", "c2"))
	d.add(&sensors.RegisterBusWorker{Deps: deps, Arb: d.arb, Bus: d.board.RegBus}, SensorInterval,
		func() bool { return bool(cfg.RS485.Enabled) })
	d.add(d.rain, PrecipInterval, nil)
	if iv := cfg.LogInterval(); iv > 0 {
		d.add(d.dlog, iv, d.dlog.Available)
	}
}

func (d *device) registerModem() {
	cfg := d.cfg
	fw, _ := strconv.ParseFloat(Version, 64)
	h := &modem.Handlers{
		Modem:           d.board.Modem,
		Cfg:             cfg,
		Tel:             d.tel,
		Jobs:            d.queue,
		SetClock:        d.board.SetClock,
		ZeroPrecip:      d.rain.Zero,
		Restart:         d.restart,
		OnClockFromSMS:  func() { d.sched.DisablePolicy(jobs.KindGetTime) },
		Endpoints:       endpoints,
		FirmwareVersion: fw,
		UpdateDir:       UpdateDir(d.env),
		Log:             d.log,
	}
	h.Register(d.queue)

	d.sched.AddPolicy(scheduler.Policy{Job: jobs.CheckSMS{}, Interval: CheckSMSInterval})
	d.sched.AddPolicy(scheduler.Policy{
		Job:      jobs.PostData{},
		Interval: cfg.GPRSInterval(),
		Enabled:  func() bool { return cfg.GPRS.URL != "" && cfg.GPRS.Interval > 0 },
	})
	d.sched.AddPolicy(scheduler.Policy{
		Job:      jobs.SendDataSMS{},
		Interval: cfg.SMSInterval(),
		Enabled:  func() bool { return cfg.HasPhone() && cfg.SMS.Interval > 0 },
	})
	d.sched.AddPolicy(scheduler.Policy{Job: jobs.SendLocRequest{}, Interval: LocRequestInterval})
	d.sched.AddPolicy(scheduler.Policy{Job: jobs.GetTime{}, Interval: GetTimeInterval})
	d.sched.AddPolicy(scheduler.Policy{Job: jobs.CheckUpdate{}, Interval: CheckUpdateInterval})
}

// start launches everything that runs beside the scheduler loop.
func (d *device) start(ctx context.Context) error {
	if err := d.pulses.Start(ctx); err != nil {
		d.log.Error("rain_gauge_failed", "err", err)
	}
	if err := d.rain.Publish(); err != nil {
		d.log.Warn("precip_publish_failed", "err", err)
	}
	if err := d.dlog.InitStorage(ctx); err != nil {
		d.log.Warn("storage_unavailable", "err", err)
	}
	if d.board.Modem != nil {
		d.queue.Enqueue(jobs.GetTime{})
	}

	hb := &heartbeat.Service{Probe: d.probe, Log: d.log}
	if err := hb.Start(ctx, d.bus.NewConnection("heartbeat")); err != nil {
		return err
	}

	router := web.NewRouter(web.Deps{
		Cfg:        d.cfg,
		ConfigPath: d.env.ConfigPath,
		Tel:        d.tel,
		Queue:      d.queue,
		Workers:    d.sched.Statuses,
		Arb:        d.arb,
		Precip:     d.store,
		ZeroPrecip: d.rain.Zero,
		Restart:    d.restart,
		Log:        d.log,
	})
	d.webDone = make(chan struct{})
	go func() {
		defer close(d.webDone)
		if err := web.Serve(ctx, d.env.HTTPAddr, router, d.log); err != nil {
			d.log.Error("web_failed", "addr", d.env.HTTPAddr, "err", err)
		}
	}()

	if d.env.MQTTBroker != "" {
		d.startMirror(ctx)
	}
	return nil
}

func (d *device) startMirror(ctx context.Context) {
	d.mqtt = mirror.NewClient(mirror.Options{
		Broker:   d.env.MQTTBroker,
		Port:     d.env.MQTTPort,
		ClientID: d.env.MQTTClientID + "-" + strconv.Itoa(d.cfg.DeviceID),
		Logger:   d.log,
	})
	m := &mirror.Mirror{
		Conn:   d.bus.NewConnection("mirror"),
		Pub:    d.mqtt,
		Prefix: mirror.TopicPrefix(d.cfg.DeviceID),
		Log:    d.log,
	}
	go func() {
		if err := d.mqtt.Connect(ctx); err != nil {
			d.log.Warn("mqtt_connect_failed", "broker", d.env.MQTTBroker, "err", err)
			return
		}
		if err := m.Run(ctx); err != nil {
			d.log.Warn("mirror_stopped", "err", err)
		}
	}()
}

func (d *device) probe(b *heartbeat.Beat) {
	b.QueueDepth = d.queue.Len()
	for _, s := range d.sched.Statuses() {
		if s.Running {
			b.Running = append(b.Running, s.Name)
		}
		if s.Hung {
			b.Hung = append(b.Hung, s.Name)
		}
	}
}

// close must run after the boot context is cancelled.
func (d *device) close() {
	if d.webDone != nil {
		<-d.webDone
	}
	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn("precip_close_failed", "err", err)
	}
}
