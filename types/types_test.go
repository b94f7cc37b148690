package types

import (
	"encoding/json"
	"testing"
)

func TestSnapshotMarshalIsFlat(t *testing.T) {
	v := 12.5
	s := Snapshot{
		DeviceID:        10132,
		FirmwareVersion: "0.1",
		Timestamp:       1700000000,
		BatteryVoltage:  &v,
		Readings: map[SensorID]Reading{
			"pt": Measured(21.5, 22.0),
			"s1": Disconnected(),
		},
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["device_id"].(float64) != 10132 {
		t.Fatalf("device_id: %v", m["device_id"])
	}
	pt, ok := m["pt"].(map[string]any)
	if !ok || pt["scaled"].(float64) != 22.0 || pt["warning"].(float64) != 0 {
		t.Fatalf("pt: %#v", m["pt"])
	}
	s1 := m["s1"].(map[string]any)
	if s1["raw"] != nil || s1["scaled"] != nil || s1["warning"].(float64) != float64(WarnNotConnected) {
		t.Fatalf("s1: %#v", s1)
	}
	if _, ok := m["location"]; ok {
		t.Fatal("nil location must be omitted")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := Snapshot{Readings: map[SensorID]Reading{"a1": Measured(1, 2)}}
	c := s.Clone()
	*c.Readings["a1"].Raw = 99
	if *s.Readings["a1"].Raw != 1 {
		t.Fatal("clone shares reading storage")
	}
}
