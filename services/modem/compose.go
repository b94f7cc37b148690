// services/modem/compose.go
package modem

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"rtucode-go/errcode"
	"rtucode-go/services/config"
	"rtucode-go/types"
)

// DataSMS builds the periodic report: "<id>,<Y>,<MM>,<DD>,<HH>" followed by
// one field per SMS slot. Slot n holds the enabled sensor with sms_fun set
// and sms_ord == n; the list stops at the first empty slot. Sensors with
// sms_raw also carry their raw value in parentheses.
func DataSMS(cfg *config.Device, snap types.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%d,%02d,%02d,%02d", cfg.DeviceID, now.Year(), int(now.Month()), now.Day(), now.Hour())
	ids := make([]types.SensorID, 0, len(cfg.Sensors))
	for id := range cfg.Sensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for ord := 1; ; ord++ {
		id, ok := smsSlot(cfg, ids, ord)
		if !ok {
			break
		}
		r := snap.Readings[id]
		b.WriteByte(',')
		if r.Scaled != nil {
			b.WriteString(strconv.FormatFloat(*r.Scaled, 'f', 2, 64))
		}
		if cfg.Sensors[id].SMSRaw {
			b.WriteByte('(')
			if r.Raw != nil {
				b.WriteString(strconv.FormatFloat(*r.Raw, 'f', 2, 64))
			}
			b.WriteByte(')')
		}
	}
	return b.String()
}

func smsSlot(cfg *config.Device, ids []types.SensorID, ord int) (types.SensorID, bool) {
	for _, id := range ids {
		s := cfg.Sensors[id]
		if s.Enabled && s.SMSFun && s.SMSOrd == ord {
			return id, true
		}
	}
	return "", false
}

// GPSSMS is the data SMS with the last known position appended.
func GPSSMS(cfg *config.Device, snap types.Snapshot, now time.Time) (string, error) {
	if snap.Location == nil {
		return "", &errcode.E{C: errcode.NoData, Op: "gps sms", Msg: "no location"}
	}
	return DataSMS(cfg, snap, now) + "," + num(snap.Location.Lat) + "," + num(snap.Location.Lon), nil
}

// AlarmText describes a threshold breach of id.
func AlarmText(cfg *config.Device, id types.SensorID, high bool, r types.Reading, now time.Time) string {
	s := cfg.Sensor(id)
	name := s.DispName
	if name == "" {
		name = string(id)
	}
	dir, th := "lower", s.LowTh
	if high {
		dir, th = "higher", s.HighTh
	}
	kind := "low"
	if high {
		kind = "high"
	}
	return fmt.Sprintf("%02d:%02d:%02d: %d -> Alarm! %s's value is %s and is %s than it's %s threshold: %s",
		now.Hour(), now.Minute(), now.Second(), cfg.DeviceID, name, optNum(r.Scaled), dir, kind, optNum(th))
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func optNum(v *float64) string {
	if v == nil {
		return "-"
	}
	return num(*v)
}

// LocationMarker is `{"lat"` as UCS-2 hex, the way location replies arrive.
const LocationMarker = "007B0022006C006100740022"

// LocationFix is the decoded location reply.
type LocationFix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	// TS, when present, is a device clock tuple "Y,M,D,weekday,h,m,s[,sub]".
	TS string `json:"ts,omitempty"`
}

// IsLocation reports whether an inbound message is a location reply.
func IsLocation(text string) bool { return strings.Contains(text, LocationMarker) }

// DecodeLocation parses a UCS-2 hex location reply.
func DecodeLocation(text string) (LocationFix, error) {
	var fix LocationFix
	i := strings.Index(text, LocationMarker)
	if i < 0 {
		return fix, &errcode.E{C: errcode.InvalidParams, Op: "location", Msg: "no location payload"}
	}
	h := text[i:]
	// Keep whole UCS-2 code units of hex digits.
	end := 0
	for end < len(h) && isHex(h[end]) {
		end++
	}
	h = h[:end-end%4]
	raw, err := hex.DecodeString(h)
	if err != nil {
		return fix, errcode.Wrap(errcode.InvalidParams, "location", err)
	}
	units := make([]uint16, len(raw)/2)
	for k := range units {
		units[k] = uint16(raw[2*k])<<8 | uint16(raw[2*k+1])
	}
	js := string(utf16.Decode(units))
	if err := json.Unmarshal([]byte(js), &fix); err != nil {
		return fix, errcode.Wrap(errcode.InvalidParams, "location", err)
	}
	return fix, nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// ParseClock parses a device clock tuple "Y,M,D,weekday,h,m,s[,subseconds]"
// as served by the time endpoint. The weekday field is ignored.
func ParseClock(s string, loc *time.Location) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 7 {
		return time.Time{}, &errcode.E{C: errcode.InvalidParams, Op: "clock", Msg: fmt.Sprintf("%d fields", len(parts))}
	}
	v := make([]int, 7)
	for i := range v {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return time.Time{}, errcode.Wrap(errcode.InvalidParams, "clock", err)
		}
		v[i] = n
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Date(v[0], time.Month(v[1]), v[2], v[4], v[5], v[6], 0, loc), nil
}
