// Package codec parses the wire payload published on the sensor telemetry
// bus into model.Reading values. It performs no network I/O: Parse is a
// pure function from bytes to (Reading, error).
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// channelRange is the [min, max] validity range for one numeric channel
// (§6). Values outside the range are not rejected; the reading is stored
// with the channel name appended to Reading.Suspect.
type channelRange struct {
	min, max float64
}

var validRanges = map[string]channelRange{
	"temperature": {-50, 70},
	"humidity":    {0, 100},
	"co2":         {0, 10000},
	"voc":         {0, 10},
	"pm25":        {0, 1000},
	"pm10":        {0, 1000},
}

// epochSecondsCeiling is the upper bound (exclusive) below which a bare
// numeric timestamp is interpreted as seconds rather than milliseconds
// (§4.A): 10^10 seconds is year 2286, so present-day second values stay
// below it, while any millisecond value later than April 1970 lies above it.
const epochSecondsCeiling = 1e10

// wireReading is the loosely-typed JSON shape accepted on the bus. Numeric
// channels use json.Number so both integer and floating literals parse
// without a prior schema decision; timestamp is left as RawMessage because
// it may be a string or a bare number.
type wireReading struct {
	SensorID    *string         `json:"sensorId"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Temperature *json.Number    `json:"temperature"`
	Humidity    *json.Number    `json:"humidity"`
	CO2         *json.Number    `json:"co2"`
	VOC         *json.Number    `json:"voc"`
	PM25        *json.Number    `json:"pm25"`
	PM10        *json.Number    `json:"pm10"`
}

// Parse decodes payload into a model.Reading. now is used as the ingest
// timestamp when the payload carries no timestamp field.
//
// Parse returns an *errs.Error of kind BadPayload when payload is not valid
// JSON, when sensorId is absent, or when sensorId is not a non-empty
// string. Unknown fields are ignored. Out-of-range channel values are kept
// but flagged in Reading.Suspect rather than rejected.
func Parse(payload []byte, now time.Time) (model.Reading, error) {
	var wr wireReading
	if err := json.Unmarshal(payload, &wr); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "invalid JSON payload", err)
	}

	if wr.SensorID == nil || *wr.SensorID == "" {
		return model.Reading{}, errs.New(errs.BadPayload, "sensorId is required and must be a non-empty string")
	}

	ts, err := parseTimestamp(wr.Timestamp, now)
	if err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "invalid timestamp", err)
	}

	r := model.Reading{
		SensorID:  *wr.SensorID,
		Timestamp: ts,
	}

	assign := func(name string, n *json.Number, dst **float64) error {
		if n == nil {
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("channel %q: not a finite number", name)
		}
		*dst = &f
		if rng, ok := validRanges[name]; ok && (f < rng.min || f > rng.max) {
			r.Suspect = append(r.Suspect, name)
		}
		return nil
	}

	if err := assign("temperature", wr.Temperature, &r.Temperature); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}
	if err := assign("humidity", wr.Humidity, &r.Humidity); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}
	if err := assign("co2", wr.CO2, &r.CO2); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}
	if err := assign("voc", wr.VOC, &r.VOC); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}
	if err := assign("pm25", wr.PM25, &r.PM25); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}
	if err := assign("pm10", wr.PM10, &r.PM10); err != nil {
		return model.Reading{}, errs.Wrap(errs.BadPayload, "malformed numeric channel", err)
	}

	return r, nil
}

// parseTimestamp accepts, in order: ISO-8601 with offset, ISO-8601 without
// timezone (interpreted as UTC), numeric epoch seconds (< 10^10), or
// milliseconds. A missing or null field yields now.
func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp string %q", s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("timestamp is neither a string nor a number: %w", err)
	}
	f, err := n.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed numeric timestamp: %w", err)
	}
	if f < epochSecondsCeiling {
		return time.Unix(int64(f), 0).UTC(), nil
	}
	ms := int64(f)
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC(), nil
}
