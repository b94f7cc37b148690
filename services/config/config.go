package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"rtucode-go/errcode"
	"rtucode-go/types"
)

// Flag accepts the 0/1 integers written by the configuration page as well as
// JSON booleans.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true", "1", `"1"`:
		*f = true
	case "false", "0", `"0"`, "null", `""`:
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", b)
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Sensor is the per-channel configuration.
type Sensor struct {
	Enabled  Flag     `json:"en"`
	DispName string   `json:"disp_name"`
	Unit     string   `json:"unit"`
	A        *float64 `json:"a,omitempty"`
	B        *float64 `json:"b,omitempty"`
	HighTh   *float64 `json:"high_th"`
	LowTh    *float64 `json:"low_th"`
	SMSFun   Flag     `json:"sms_fun"`
	SMSRaw   Flag     `json:"sms_raw"`
	SMSOrd   int      `json:"sms_ord"`
}

// Calibration returns the linear coefficients, defaulting to identity.
func (s Sensor) Calibration() (a, b float64) {
	a, b = 1, 0
	if s.A != nil {
		a = *s.A
	}
	if s.B != nil {
		b = *s.B
	}
	return a, b
}

type SDI12 struct {
	Enabled Flag   `json:"en"`
	Addr    string `json:"addr"`
}

type RS485 struct {
	Enabled Flag `json:"en"`
	Addr    int  `json:"addr"`
	Baud    int  `json:"baud"`
}

type GPRS struct {
	URL      string `json:"url"`
	APN      string `json:"apn"`
	Interval int    `json:"interval"` // seconds
}

type SMS struct {
	Phone1   string `json:"phone_1"`
	Phone2   string `json:"phone_2"`
	Interval int    `json:"interval"` // seconds
}

type Log struct {
	Interval int `json:"interval"` // seconds
}

type Enc struct {
	Key string `json:"key"` // hex
}

// Device is the validated, read-only device configuration loaded at boot.
type Device struct {
	DeviceID   int                       `json:"device_id"`
	SensorList []types.SensorID          `json:"sensor_list"`
	Sensors    map[types.SensorID]Sensor `json:"sensors"`
	SDI12      SDI12                     `json:"sdi12"`
	RS485      RS485                     `json:"rs485"`
	GPRS       GPRS                      `json:"gprs"`
	SMS        SMS                       `json:"sms"`
	Log        Log                       `json:"log"`
	Enc        Enc                       `json:"enc"`
}

// SDI12Sensors are the fixed channel ids served by the sensor bus, in
// measurement value order.
var SDI12Sensors = []types.SensorID{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"}

// Enabled reports whether a sensor is configured and switched on.
func (d *Device) Enabled(id types.SensorID) bool {
	s, ok := d.Sensors[id]
	return ok && bool(s.Enabled)
}

// EnabledSensors returns the switched-on ids of sensor_list in list order.
func (d *Device) EnabledSensors() []types.SensorID {
	out := make([]types.SensorID, 0, len(d.SensorList))
	for _, id := range d.SensorList {
		if d.Enabled(id) {
			out = append(out, id)
		}
	}
	return out
}

// Sensor returns the sensor configuration (zero value when absent).
func (d *Device) Sensor(id types.SensorID) Sensor { return d.Sensors[id] }

// EncKey decodes the upload key.
func (d *Device) EncKey() ([]byte, error) {
	k, err := hex.DecodeString(d.Enc.Key)
	if err != nil {
		return nil, fmt.Errorf("enc.key: %w", err)
	}
	switch len(k) {
	case 16, 24, 32:
		return k, nil
	}
	return nil, fmt.Errorf("enc.key: %d bytes, want 16, 24 or 32", len(k))
}

func (d *Device) GPRSInterval() time.Duration { return time.Duration(d.GPRS.Interval) * time.Second }
func (d *Device) SMSInterval() time.Duration  { return time.Duration(d.SMS.Interval) * time.Second }
func (d *Device) LogInterval() time.Duration  { return time.Duration(d.Log.Interval) * time.Second }

// HasPhone reports whether any SMS recipient is configured.
func (d *Device) HasPhone() bool { return d.SMS.Phone1 != "" || d.SMS.Phone2 != "" }

// Phones returns the configured recipients in order.
func (d *Device) Phones() []string {
	var out []string
	for _, p := range []string{d.SMS.Phone1, d.SMS.Phone2} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the invariants the runtime relies on. Every problem is
// reported, joined into one error.
func (d *Device) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if d.DeviceID <= 0 {
		bad("device_id must be positive")
	}
	if d.Log.Interval <= 0 {
		bad("log.interval must be positive")
	}
	if d.GPRS.URL != "" {
		if d.GPRS.Interval <= 0 {
			bad("gprs.interval must be positive when gprs.url is set")
		}
		if _, err := d.EncKey(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.HasPhone() && d.SMS.Interval <= 0 {
		bad("sms.interval must be positive when a phone is set")
	}
	if d.SDI12.Enabled && len(d.SDI12.Addr) != 1 {
		bad("sdi12.addr must be a single character, got %q", d.SDI12.Addr)
	}
	if d.RS485.Enabled {
		if d.RS485.Baud <= 0 {
			bad("rs485.baud must be positive")
		}
		if d.RS485.Addr < 1 || d.RS485.Addr > 247 {
			bad("rs485.addr %d out of range 1..247", d.RS485.Addr)
		}
	}
	for _, id := range d.SensorList {
		if _, ok := d.Sensors[id]; !ok {
			bad("sensor_list names unknown sensor %q", id)
		}
	}
	for id, s := range d.Sensors {
		if s.HighTh != nil && s.LowTh != nil && *s.LowTh > *s.HighTh {
			bad("sensor %s: low_th %v above high_th %v", id, *s.LowTh, *s.HighTh)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &errcode.E{C: errcode.InvalidConfig, Op: "config", Err: errors.Join(errs...)}
}

// Parse decodes and validates a device configuration document.
func Parse(raw []byte) (*Device, error) {
	var d Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "config", Err: err}
	}
	if d.Sensors == nil {
		d.Sensors = map[types.SensorID]Sensor{}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDevice reads the configuration file at path. A missing file falls back
// to the embedded default for the board.
func LoadDevice(path, board string) (*Device, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		b, ok := EmbeddedConfigLookup(board)
		if !ok {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: "no config file and no embedded default for " + strconv.Quote(board)}
		}
		raw = b
	} else if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Save writes the configuration back to path.
func Save(path string, d *Device) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
