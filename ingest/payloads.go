package ingest

import (
	"time"
)

// EcosystemPayload is the common shape of initialization category events:
// one entry per ecosystem, with category-specific data.
type EcosystemPayload[T any] struct {
	UID  string `json:"uid"`
	Data T      `json:"data"`
}

// BaseInfo carries the ecosystem identity.
type BaseInfo struct {
	Name      string `json:"name"`
	Status    bool   `json:"status"`
	EngineUID string `json:"engine_uid,omitempty"`
}

// managementFlags fixes the bit positions of the capability bitmask.
var managementFlags = []string{
	"sensors",
	"light",
	"climate",
	"watering",
	"health",
	"alarms",
	"webcam",
	"database",
}

// ManagementBitmask folds the per-capability flags into the stored mask.
func ManagementBitmask(flags map[string]bool) int64 {
	var mask int64
	for i, name := range managementFlags {
		if flags[name] {
			mask |= 1 << i
		}
	}
	return mask
}

// EnvironmentParameterData is one regulated climate parameter.
type EnvironmentParameterData struct {
	Parameter  string  `json:"parameter"`
	Day        float64 `json:"day"`
	Night      float64 `json:"night"`
	Hysteresis float64 `json:"hysteresis"`
}

// HardwareData is one inventory entry.
type HardwareData struct {
	UID      string   `json:"uid"`
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Level    string   `json:"level"`
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Measures []string `json:"measures"`
}

// ChaosData is the configured perturbation window.
type ChaosData struct {
	Frequency int        `json:"frequency"`
	Duration  int        `json:"duration"`
	Intensity float64    `json:"intensity"`
	Beginning *time.Time `json:"beginning,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// NycthemeralData is the day/night window and lighting method.
type NycthemeralData struct {
	Span     string `json:"span"`
	Lighting string `json:"lighting"`
	Day      string `json:"day"`
	Night    string `json:"night"`
}

// ActuatorStateData is one actuator's current state.
type ActuatorStateData struct {
	Type   string  `json:"type"`
	Active bool    `json:"active"`
	Mode   string  `json:"mode"`
	Status bool    `json:"status"`
	Level  float64 `json:"level"`
}

// Measurement is one (source, measure, value) triple inside a telemetry
// group.
type Measurement struct {
	SensorUID string  `json:"sensor_uid"`
	Measure   string  `json:"measure"`
	Value     float64 `json:"value"`
}

// AlarmData is a threshold breach reported alongside sensor data.
type AlarmData struct {
	SensorUID string  `json:"sensor_uid"`
	Measure   string  `json:"measure"`
	Position  string  `json:"position"`
	Delta     float64 `json:"delta"`
	Level     string  `json:"level"`
}

// TelemetryGroup is one ecosystem's batch of measurements taken at the
// same instant. Alarms only appear on sensors_data.
type TelemetryGroup struct {
	EcosystemUID string        `json:"ecosystem_uid"`
	Timestamp    time.Time     `json:"timestamp"`
	Records      []Measurement `json:"records"`
	Alarms       []AlarmData   `json:"alarms,omitempty"`
}

// BufferedRecord is one record a device withheld while disconnected.
type BufferedRecord struct {
	EcosystemUID string    `json:"ecosystem_uid"`
	SourceUID    string    `json:"source_uid"`
	Measure      string    `json:"measure"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

// BufferedBatch is the buffered_*_data payload.
type BufferedBatch struct {
	UUID string           `json:"uuid"`
	Data []BufferedRecord `json:"data"`
}

// BatchAck acknowledges one buffered batch back to its sender.
type BatchAck struct {
	UUID    string `json:"uuid"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	AckSuccess = "success"
	AckFailure = "failure"
)

// CachedSensors is the "current value" entry kept per ecosystem in the
// sensors cache.
type CachedSensors struct {
	Timestamp time.Time     `json:"timestamp"`
	Records   []Measurement `json:"records"`
}
