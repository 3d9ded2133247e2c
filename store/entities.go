package store

import (
	"time"
)

// Engine is one physical controller. Created on first registration and
// never hard-deleted; ConnectionID is only meaningful while connected.
type Engine struct {
	UID          string
	ConnectionID string
	Address      string
	LastSeen     time.Time
	RegisteredAt time.Time
}

// Ecosystem is a logical unit managed by exactly one Engine.
type Ecosystem struct {
	UID        string
	EngineUID  string
	Name       string
	Status     bool
	Management int64 // capability bitmask
	InConfig   bool
	LastSeen   time.Time
}

// Hardware is a sensor or actuator attached to an ecosystem. InConfig is
// flipped to false when the device stops reporting it; rows are never
// deleted. LastLog tracks the most recent durable record written for it.
type Hardware struct {
	UID          string
	EcosystemUID string
	Name         string
	Level        string
	Address      string
	Type         string
	Model        string
	Measures     []string
	InConfig     bool
	LastLog      time.Time
}

// EnvironmentParameter is one regulated climate parameter with its day and
// night targets.
type EnvironmentParameter struct {
	EcosystemUID string
	Parameter    string
	Day          float64
	Night        float64
	Hysteresis   float64
	InConfig     bool
}

// NycthemeralCycle holds an ecosystem's day/night window and lighting
// method.
type NycthemeralCycle struct {
	EcosystemUID string
	Span         string
	Lighting     string
	Day          string // "HH:MM"
	Night        string
}

// ChaosParameters describe the configured perturbation window.
type ChaosParameters struct {
	EcosystemUID string
	Frequency    int
	Duration     int
	Intensity    float64
	Beginning    time.Time
	End          time.Time
}

// RecordKind selects one of the three telemetry record families.
type RecordKind string

const (
	KindSensor   RecordKind = "sensor"
	KindActuator RecordKind = "actuator"
	KindHealth   RecordKind = "health"
)

func (k RecordKind) Valid() bool {
	switch k {
	case KindSensor, KindActuator, KindHealth:
		return true
	}
	return false
}

// table returns the live table for the kind. Archive twins add the
// "archive_" prefix.
func (k RecordKind) table() string {
	return string(k) + "_records"
}

// Record is one immutable telemetry fact. Uniqueness is enforced on the
// full (ecosystem, source, measure, timestamp, value) tuple so duplicate
// re-delivery is harmless.
type Record struct {
	EcosystemUID string
	SourceUID    string
	Measure      string
	Value        float64
	Timestamp    time.Time
}

// AlarmStatus tracks whether an alarm window is still accumulating.
type AlarmStatus string

const (
	AlarmOpen   AlarmStatus = "open"
	AlarmClosed AlarmStatus = "closed"
)

// Alarm is a threshold breach derived from sensor data. An open alarm of
// the same kind absorbs repeats instead of duplicating rows.
type Alarm struct {
	ID           int64
	EcosystemUID string
	SensorUID    string
	Measure      string
	Position     string // "above" or "below"
	Delta        float64
	Level        string
	Since        time.Time
	Until        time.Time
	Status       AlarmStatus
}
