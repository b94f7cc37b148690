// services/telemetry/store.go
package telemetry

import (
	"sync"

	"rtucode-go/bus"
	"rtucode-go/types"
)

// Topic prefix for retained per-sensor readings.
const TopicPrefix = "telemetry"

var topicDevice = bus.T(TopicPrefix, "device")

// Store owns the single telemetry snapshot. Every access goes through its
// mutex; callers never hold a reference to the live record.
type Store struct {
	mu   sync.Mutex
	snap types.Snapshot

	conn *bus.Connection // optional
}

// New creates the store. conn may be nil when nothing listens.
func New(deviceID int, firmwareVersion string, conn *bus.Connection) *Store {
	return &Store{
		snap: types.Snapshot{
			DeviceID:        deviceID,
			FirmwareVersion: firmwareVersion,
			Readings:        map[types.SensorID]types.Reading{},
		},
		conn: conn,
	}
}

// Init creates an empty reading for each id. Existing readings are kept.
func (s *Store) Init(ids ...types.SensorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.snap.Readings[id]; !ok {
			s.snap.Readings[id] = types.Reading{}
		}
	}
}

// SetReading overwrites one sensor's reading and publishes it.
func (s *Store) SetReading(id types.SensorID, r types.Reading) {
	s.mu.Lock()
	s.snap.Readings[id] = r
	s.mu.Unlock()
	s.publish(bus.T(TopicPrefix, string(id)), r)
}

// Reading returns the last reading for id.
func (s *Store) Reading(id types.SensorID) (types.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.snap.Readings[id]
	return r, ok
}

// Update runs fn with exclusive access to the live snapshot. fn must not
// retain the pointer or call back into the store.
func (s *Store) Update(fn func(*types.Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	dev := deviceView(&s.snap)
	s.mu.Unlock()
	s.publish(topicDevice, dev)
}

// Snapshot returns a deep copy of the current record.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// SetStorageWarning records whether the storage card is usable.
func (s *Store) SetStorageWarning(on bool) {
	s.Update(func(sn *types.Snapshot) { sn.StorageWarning = on })
}

// SetLocation records the last reported position.
func (s *Store) SetLocation(loc types.Location) {
	s.Update(func(sn *types.Snapshot) { sn.Location = &loc })
}

// SetBatteryVoltage records the supply voltage.
func (s *Store) SetBatteryVoltage(v float64) {
	s.Update(func(sn *types.Snapshot) { sn.BatteryVoltage = &v })
}

// DeviceInfo is the scalar part of the snapshot published on the bus.
type DeviceInfo struct {
	DeviceID        int             `json:"device_id"`
	FirmwareVersion string          `json:"firmware_version"`
	BatteryVoltage  *float64        `json:"battery_voltage,omitempty"`
	Location        *types.Location `json:"location,omitempty"`
	StorageWarning  bool            `json:"sd_warning"`
}

// caller holds lock
func deviceView(sn *types.Snapshot) DeviceInfo {
	c := sn.Clone()
	return DeviceInfo{
		DeviceID:        c.DeviceID,
		FirmwareVersion: c.FirmwareVersion,
		BatteryVoltage:  c.BatteryVoltage,
		Location:        c.Location,
		StorageWarning:  c.StorageWarning,
	}
}

func (s *Store) publish(t bus.Topic, payload any) {
	if s.conn == nil {
		return
	}
	s.conn.Publish(s.conn.NewMessage(t, payload, true))
}
