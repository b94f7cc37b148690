// services/modem/handlers.go
package modem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/services/config"
	"rtucode-go/services/jobs"
	"rtucode-go/services/logging"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
	"rtucode-go/x/timex"
)

// Endpoints are the fixed remote services the device talks to.
type Endpoints struct {
	Time     string // clock tuple source
	Version  string // latest firmware version
	Firmware string // image URL; %s is the version
	Locator  string // SMS number of the cell locating service
}

var DefaultEndpoints = Endpoints{
	Time:     "http://gw.abfascada.ir/ahv_rtu/settings2.php",
	Version:  "http://fw.abfascada.ir/ahv_rtu2/version.php",
	Firmware: "http://fw.abfascada.ir/ahv_rtu2/main_%s.bin",
	Locator:  "30004505003188",
}

// Balance USSD codes: the first selects the menu, the second returns the text.
const (
	ussdBalanceMenu  = "*555*4*3*2#"
	ussdBalanceQuery = "*555*1*2#"
)

const (
	FormContentType = "application/x-www-form-urlencoded"
	UpdateFile      = "update.json"
	inboxSlots      = 15
)

// Enqueuer accepts follow-up jobs.
type Enqueuer interface {
	Enqueue(j jobs.Job) bool
}

// Registrar binds handlers to job kinds.
type Registrar interface {
	Handle(k jobs.Kind, h jobs.Handler)
}

// Handlers carries out modem jobs. Every handler runs with the serial port
// already switched to the modem.
type Handlers struct {
	Modem Driver
	Cfg   *config.Device
	Tel   *telemetry.Store
	Jobs  Enqueuer

	Cipher Cipher    // default AESCBC
	Rand   io.Reader // IV source, default crypto/rand
	Clock  timex.Clock

	// SetClock sets the device clock.
	SetClock func(time.Time) error
	// ZeroPrecip clears the precipitation store.
	ZeroPrecip func() error
	// Restart reboots the device. It is expected not to return on hardware.
	Restart func()
	// OnClockFromSMS is called when a location reply also carried the time.
	OnClockFromSMS func()

	Endpoints       Endpoints
	FirmwareVersion float64
	// UpdateDir receives the firmware image and update.json.
	UpdateDir string

	Attempts int           // per network exchange, default 3
	SMSGap   time.Duration // between recipients, default 1s
	Log      *slog.Logger
}

// Register binds every job kind to its handler.
func (h *Handlers) Register(r Registrar) {
	r.Handle(jobs.KindGetTime, func(ctx context.Context, _ jobs.Job) error { return h.GetTime(ctx) })
	r.Handle(jobs.KindCheckUpdate, func(ctx context.Context, _ jobs.Job) error { return h.CheckUpdate(ctx) })
	r.Handle(jobs.KindCheckSMS, func(ctx context.Context, _ jobs.Job) error { return h.CheckSMS(ctx) })
	r.Handle(jobs.KindPostData, func(ctx context.Context, _ jobs.Job) error { return h.PostData(ctx) })
	r.Handle(jobs.KindSendDataSMS, func(ctx context.Context, j jobs.Job) error {
		return h.SendDataSMS(ctx, j.(jobs.SendDataSMS).To)
	})
	r.Handle(jobs.KindSendLocRequest, func(ctx context.Context, _ jobs.Job) error { return h.SendLocRequest(ctx) })
	r.Handle(jobs.KindSendAlarmSMS, func(ctx context.Context, j jobs.Job) error {
		a := j.(jobs.SendAlarmSMS)
		return h.SendAlarmSMS(ctx, a.Sensor, a.High)
	})
	r.Handle(jobs.KindSendGPSSMS, func(ctx context.Context, j jobs.Job) error {
		return h.SendGPSSMS(ctx, j.(jobs.SendGPSSMS).To)
	})
}

func (h *Handlers) log() *slog.Logger { return logging.Or(h.Log).With("svc", "modem") }

func (h *Handlers) now() time.Time {
	if h.Clock == nil {
		return timex.System.Now()
	}
	return h.Clock.Now()
}

func (h *Handlers) attempts() int {
	if h.Attempts <= 0 {
		return 3
	}
	return h.Attempts
}

func (h *Handlers) endpoints() Endpoints {
	if h.Endpoints == (Endpoints{}) {
		return DefaultEndpoints
	}
	return h.Endpoints
}

// exchange runs one connect/request/disconnect cycle.
func (h *Handlers) exchange(ctx context.Context, req Request) (Response, error) {
	if err := h.Modem.Connect(ctx, h.Cfg.GPRS.APN); err != nil {
		return Response{}, err
	}
	resp, err := h.Modem.HTTP(ctx, req)
	if derr := h.Modem.Disconnect(ctx); err == nil && derr != nil {
		h.log().Debug("disconnect_failed", "err", derr)
	}
	return resp, err
}

// fetch retries exchange until a 200 arrives.
func (h *Handlers) fetch(ctx context.Context, op string, req Request) (Response, error) {
	var last error
	for i := 0; i < h.attempts(); i++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := h.exchange(ctx, req)
		switch {
		case err != nil:
			last = err
		case resp.Status != 200:
			last = &errcode.E{C: errcode.HTTPStatus, Op: op, Msg: strconv.Itoa(resp.Status)}
		default:
			return resp, nil
		}
		h.log().Debug("exchange_failed", "op", op, "attempt", i+1, "err", last)
	}
	return Response{}, errcode.Wrap(errcode.Of(last), op, last)
}

// sendAll sends text to each number, pausing SMSGap between them.
func (h *Handlers) sendAll(ctx context.Context, numbers []string, text string) error {
	if len(numbers) == 0 {
		return &errcode.E{C: errcode.InvalidConfig, Op: "sms", Msg: "no recipient"}
	}
	gap := h.SMSGap
	if gap == 0 {
		gap = time.Second
	}
	var firstErr error
	for i, n := range numbers {
		if i > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := h.Modem.SendSMS(ctx, n, text); err != nil {
			h.log().Warn("sms_failed", "to", n, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h.log().Info("sms_sent", "to", n, "len", len(text))
	}
	return firstErr
}

func (h *Handlers) recipients(to string) []string {
	if to != "" {
		return []string{to}
	}
	return h.Cfg.Phones()
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// GetTime sets the device clock from the time endpoint.
func (h *Handlers) GetTime(ctx context.Context) error {
	resp, err := h.fetch(ctx, "get_time", Request{URL: h.endpoints().Time})
	if err != nil {
		return err
	}
	t, err := ParseClock(string(resp.Content), time.Local)
	if err != nil {
		return err
	}
	if h.SetClock != nil {
		if err := h.SetClock(t); err != nil {
			return err
		}
	}
	h.log().Info("clock_set", "time", t.Format(time.DateTime), "source", "network")
	return nil
}

// CheckUpdate downloads a newer firmware image, stages update.json and
// restarts.
func (h *Handlers) CheckUpdate(ctx context.Context) error {
	ep := h.endpoints()
	var last error
	for i := 0; i < h.attempts(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := h.latestVersion(ctx, ep.Version)
		if err != nil {
			last = err
			continue
		}
		if v <= h.FirmwareVersion {
			h.log().Info("firmware_current", "version", h.FirmwareVersion, "latest", v)
			return nil
		}
		vs := strconv.FormatFloat(v, 'f', -1, 64)
		h.log().Info("firmware_found", "version", vs)
		if err := h.download(ctx, fmt.Sprintf(ep.Firmware, vs), "main_"+vs+".bin"); err != nil {
			last = err
			continue
		}
		if err := h.stageUpdate(v); err != nil {
			return err
		}
		h.log().Warn("restart_for_update", "old", h.FirmwareVersion, "new", vs)
		if h.Restart != nil {
			h.Restart()
		}
		return nil
	}
	return errcode.Wrap(errcode.Of(last), "check_update", last)
}

func (h *Handlers) latestVersion(ctx context.Context, url string) (float64, error) {
	resp, err := h.exchange(ctx, Request{URL: url})
	if err != nil {
		return 0, err
	}
	if resp.Status != 200 {
		return 0, &errcode.E{C: errcode.HTTPStatus, Op: "version", Msg: strconv.Itoa(resp.Status)}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(resp.Content)), 64)
	if err != nil {
		// An unparsable answer means nothing newer.
		return 0, nil
	}
	return v, nil
}

func (h *Handlers) download(ctx context.Context, url, name string) error {
	if err := h.Modem.Connect(ctx, h.Cfg.GPRS.APN); err != nil {
		return err
	}
	resp, err := h.Modem.Download(ctx, url, filepath.Join(h.UpdateDir, name))
	_ = h.Modem.Disconnect(ctx)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return &errcode.E{C: errcode.HTTPStatus, Op: "download", Msg: strconv.Itoa(resp.Status)}
	}
	return nil
}

// UpdateInfo is the staging record read by the boot loader.
type UpdateInfo struct {
	OldVersion float64 `json:"old_version"`
	NewVersion float64 `json:"new_version"`
}

func (h *Handlers) stageUpdate(v float64) error {
	b, err := json.Marshal(UpdateInfo{OldVersion: h.FirmwareVersion, NewVersion: v})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(h.UpdateDir, UpdateFile), b, 0o644)
}

// PostData uploads the encrypted snapshot.
func (h *Handlers) PostData(ctx context.Context) error {
	if h.Cfg.GPRS.URL == "" {
		return errcode.NoURL
	}
	key, err := h.Cfg.EncKey()
	if err != nil {
		return errcode.Wrap(errcode.InvalidConfig, "post_data", err)
	}
	var snap types.Snapshot
	h.Tel.Update(func(s *types.Snapshot) {
		s.Timestamp = h.now().Unix()
		snap = s.Clone()
	})
	plain, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c := h.Cipher
	if c == nil {
		c = AESCBC{}
	}
	sealed, err := Seal(c, key, plain, h.Rand)
	if err != nil {
		return err
	}
	_, err = h.fetch(ctx, "post_data", Request{
		Method:      "POST",
		URL:         h.Cfg.GPRS.URL,
		ContentType: FormContentType,
		Body:        []byte("data=" + sealed),
	})
	if err == nil {
		h.log().Info("data_posted", "bytes", len(plain))
	}
	return err
}

// SendDataSMS sends the data report to to, or to every configured phone.
func (h *Handlers) SendDataSMS(ctx context.Context, to string) error {
	return h.sendAll(ctx, h.recipients(to), DataSMS(h.Cfg, h.Tel.Snapshot(), h.now()))
}

// SendGPSSMS sends the data report with the last known position.
func (h *Handlers) SendGPSSMS(ctx context.Context, to string) error {
	text, err := GPSSMS(h.Cfg, h.Tel.Snapshot(), h.now())
	if err != nil {
		return err
	}
	return h.sendAll(ctx, h.recipients(to), text)
}

// SendAlarmSMS reports a threshold breach to every configured phone.
func (h *Handlers) SendAlarmSMS(ctx context.Context, id types.SensorID, high bool) error {
	r, _ := h.Tel.Reading(id)
	return h.sendAll(ctx, h.Cfg.Phones(), AlarmText(h.Cfg, id, high, r, h.now()))
}

// SendLocRequest asks the locating service for the position of the serving
// cell. The reply arrives later as an inbound SMS.
func (h *Handlers) SendLocRequest(ctx context.Context) error {
	info, err := h.Modem.CellInfo(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return h.Modem.SendSMS(ctx, h.endpoints().Locator, string(b))
}

// CheckSMS reads and deletes stored messages, acting on each. An empty slot
// ends the scan.
func (h *Handlers) CheckSMS(ctx context.Context) error {
	for slot := 1; slot <= inboxSlots; slot++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		number, text, err := h.Modem.ReadSMS(ctx, slot)
		if err != nil {
			return nil
		}
		if err := h.Modem.DeleteSMS(ctx, slot); err != nil {
			h.log().Warn("sms_delete_failed", "slot", slot, "err", err)
		}
		cmd, args := ParseCommand(text)
		if cmd == CmdNone {
			h.log().Debug("sms_ignored", "slot", slot, "from", number)
			continue
		}
		h.log().Info("sms_command", "cmd", string(cmd), "from", number, "args", args)
		if err := h.dispatch(ctx, cmd, number, text); err != nil {
			h.log().Warn("sms_command_failed", "cmd", string(cmd), "err", err)
		}
	}
	return nil
}

func (h *Handlers) dispatch(ctx context.Context, cmd Command, from, text string) error {
	switch cmd {
	case CmdStat:
		return h.Modem.SendSMS(ctx, from, DataSMS(h.Cfg, h.Tel.Snapshot(), h.now()))
	case CmdPost:
		return h.PostData(ctx)
	case CmdQuality:
		q, err := h.Modem.SignalQuality(ctx)
		if err != nil {
			return err
		}
		return h.Modem.SendSMS(ctx, from, strconv.Itoa(q))
	case CmdReset:
		if h.Restart != nil {
			h.Restart()
		}
		return nil
	case CmdUpdate:
		return h.CheckUpdate(ctx)
	case CmdZero:
		if h.ZeroPrecip == nil {
			return errcode.Unsupported
		}
		return h.ZeroPrecip()
	case CmdBalance:
		if _, err := h.Modem.USSD(ctx, ussdBalanceMenu); err != nil {
			return err
		}
		res, err := h.Modem.USSD(ctx, ussdBalanceQuery)
		if err != nil {
			return err
		}
		return h.Modem.SendSMS(ctx, from, res)
	case CmdLocation:
		return h.applyLocation(text)
	}
	return errcode.Unsupported
}

func (h *Handlers) applyLocation(text string) error {
	fix, err := DecodeLocation(text)
	if err != nil {
		return err
	}
	if fix.TS != "" {
		t, err := ParseClock(fix.TS, time.Local)
		if err != nil {
			return err
		}
		if h.SetClock != nil {
			if err := h.SetClock(t); err != nil {
				return err
			}
		}
		h.log().Info("clock_set", "time", t.Format(time.DateTime), "source", "sms")
		if h.OnClockFromSMS != nil {
			h.OnClockFromSMS()
		}
	}
	h.Tel.SetLocation(types.Location{Lat: fix.Lat, Lon: fix.Lon})
	h.log().Info("location_set", "lat", fix.Lat, "lon", fix.Lon)
	if h.Jobs != nil {
		h.Jobs.Enqueue(jobs.SendGPSSMS{})
	}
	return nil
}
