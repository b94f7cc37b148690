package types

import (
	"encoding/json"
	"sort"
)

// SensorID names one configured channel ("s1", "pt", "a1", "rs_1", "ra_12", ...).
type SensorID string

// Warning is the per-reading status. The numeric values are part of the
// upload format and must not be reordered.
type Warning uint8

const (
	WarnOK Warning = iota
	WarnNotConnected
	WarnHigh
	WarnLow
)

func (w Warning) String() string {
	switch w {
	case WarnNotConnected:
		return "not_connected"
	case WarnHigh:
		return "high"
	case WarnLow:
		return "low"
	default:
		return "ok"
	}
}

// Reading is the last known value of one sensor. Raw and Scaled are nil when
// the sensor was never measured or is not connected; Warning tells the two apart.
type Reading struct {
	Raw     *float64 `json:"raw"`
	Scaled  *float64 `json:"scaled"`
	Warning Warning  `json:"warning"`
}

// Measured builds an OK reading.
func Measured(raw, scaled float64) Reading {
	return Reading{Raw: &raw, Scaled: &scaled, Warning: WarnOK}
}

// Disconnected builds a NOT_CONNECTED reading with cleared values.
func Disconnected() Reading { return Reading{Warning: WarnNotConnected} }

func (r Reading) clone() Reading {
	out := Reading{Warning: r.Warning}
	if r.Raw != nil {
		v := *r.Raw
		out.Raw = &v
	}
	if r.Scaled != nil {
		v := *r.Scaled
		out.Scaled = &v
	}
	return out
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Snapshot is the telemetry record. It serialises flat: sensor ids sit beside
// the scalar fields, which is the shape the collection server expects.
type Snapshot struct {
	DeviceID        int
	FirmwareVersion string
	Timestamp       int64
	BatteryVoltage  *float64
	Location        *Location
	StorageWarning  bool
	Readings        map[SensorID]Reading
}

// Clone returns a deep copy safe to use after the store lock is released.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	if s.BatteryVoltage != nil {
		v := *s.BatteryVoltage
		out.BatteryVoltage = &v
	}
	if s.Location != nil {
		l := *s.Location
		out.Location = &l
	}
	out.Readings = make(map[SensorID]Reading, len(s.Readings))
	for id, r := range s.Readings {
		out.Readings[id] = r.clone()
	}
	return out
}

// IDs returns the sensor ids in lexical order.
func (s *Snapshot) IDs() []SensorID {
	ids := make([]SensorID, 0, len(s.Readings))
	for id := range s.Readings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Readings)+6)
	for id, r := range s.Readings {
		m[string(id)] = r
	}
	m["device_id"] = s.DeviceID
	m["firmware_version"] = s.FirmwareVersion
	m["timestamp"] = s.Timestamp
	if s.BatteryVoltage != nil {
		m["battery_voltage"] = *s.BatteryVoltage
	}
	if s.Location != nil {
		m["location"] = s.Location
	}
	m["sd_warning"] = boolToInt(s.StorageWarning)
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
