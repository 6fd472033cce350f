// Package model defines the domain types shared across the ingestion
// pipeline: sensors, readings, alerts, and push subscriptions. Types here
// are plain structs with JSON tags for wire and storage use; no behavior
// lives on them beyond simple predicates.
package model

import "time"

// SensorStatus is the liveness state of a registered sensor.
type SensorStatus string

const (
	SensorActive      SensorStatus = "ACTIVE"
	SensorInactive    SensorStatus = "INACTIVE"
	SensorOffline     SensorStatus = "OFFLINE"
	SensorMaintenance SensorStatus = "MAINTENANCE"
)

// AlertType identifies which threshold condition produced an alert.
type AlertType string

const (
	AlertCO2High         AlertType = "CO2_HIGH"
	AlertPM25High        AlertType = "PM25_HIGH"
	AlertPM10High        AlertType = "PM10_HIGH"
	AlertVOCHigh         AlertType = "VOC_HIGH"
	AlertTempHigh        AlertType = "TEMP_HIGH"
	AlertTempLow         AlertType = "TEMP_LOW"
	AlertHumidityHigh    AlertType = "HUMIDITY_HIGH"
	AlertHumidityLow     AlertType = "HUMIDITY_LOW"
)

// Severity is the urgency band of an alert, ordered INFO < WARNING <
// CRITICAL < DANGER.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityDanger   Severity = "DANGER"
)

// severityRank gives the total order over Severity used to decide upgrades.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
	SeverityDanger:   3,
}

// Higher reports whether a is strictly more urgent than b.
func (a Severity) Higher(b Severity) bool {
	return severityRank[a] > severityRank[b]
}

// Location is the optional physical placement of a sensor.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	City      string   `json:"city,omitempty"`
	Country   string   `json:"country,omitempty"`
}

// Sensor is a registered telemetry source.
//
// ID is the internal stable identifier assigned on first registration and
// preserved across reconnects; DeviceID is the externally-supplied,
// unique hardware identifier carried in every bus message.
type Sensor struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"deviceId"`
	Model       string       `json:"model,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      SensorStatus `json:"status"`
	LastUpdate  time.Time    `json:"lastUpdate"`
	Location    *Location    `json:"location,omitempty"`
	TenantRef   string       `json:"tenantRef,omitempty"`
}

// Reading is one immutable vector of environmental measurements from one
// sensor at one instant. Channel pointers are nil when the bus message did
// not carry that field; Suspect lists channel names whose value fell
// outside its validity range (§6) but was stored anyway.
type Reading struct {
	ID        string    `json:"id"`
	SensorID  string    `json:"sensorId"`
	Timestamp time.Time `json:"timestamp"`

	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	CO2         *float64 `json:"co2,omitempty"`
	VOC         *float64 `json:"voc,omitempty"`
	PM25        *float64 `json:"pm25,omitempty"`
	PM10        *float64 `json:"pm10,omitempty"`

	Suspect []string `json:"suspect,omitempty"`
}

// Alert is an append-mostly record produced by the threshold evaluator and
// consumed by the notifier. At most one alert per (SensorID, Type) may have
// Resolved == false at any time.
type Alert struct {
	ID              string    `json:"id"`
	Type            AlertType `json:"type"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	SensorID        string    `json:"sensorId"`
	TriggeredAt     time.Time `json:"triggeredAt"`
	LastSeen        time.Time `json:"lastSeen"`
	OccurrenceCount int       `json:"occurrenceCount"`
	ReadingSnapshot Reading   `json:"readingSnapshot"`
	Resolved        bool      `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	// PeakSeverity is the highest severity this alert ever reached; a new
	// alert starts at its own first severity and does not inherit a resolved
	// predecessor's peak. Used to evaluate the post-resolution cooldown
	// suppression rule.
	PeakSeverity Severity `json:"peakSeverity"`
}

// PushSubscription is a registered Web Push endpoint.
type PushSubscription struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	P256dh        string    `json:"p256dh"`
	Auth          string    `json:"auth"`
	UserID        string    `json:"userId,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	Active        bool      `json:"active"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
}

// MaxConsecutiveFailures is the threshold at which RecordPushAttempt
// deactivates a subscription (§3 invariant).
const MaxConsecutiveFailures = 5

// Candidate is an evaluator output proposing an alert; it may be
// deduplicated against an existing active or recently-resolved alert before
// becoming (or updating) a persisted Alert.
type Candidate struct {
	Type            AlertType
	Severity        Severity
	Message         string
	SensorID        string
	ReadingSnapshot Reading
	TriggeredAt     time.Time
}

// SensorFilter narrows ListSensors results. A zero-value field means "no
// filter on this dimension".
type SensorFilter struct {
	Status SensorStatus
}

// AlertFilter narrows ListAlerts results. A nil ResolvedFilter means "either
// value".
type AlertFilter struct {
	Severity       Severity
	SensorID       string
	ResolvedFilter *bool
}
