// Package evaluator implements the stateless threshold rule engine that
// turns a Reading into zero or more candidate alerts (§4.D). Evaluate never
// touches the repository or the clock beyond reading.Timestamp; dedup and
// persistence are the pipeline's responsibility.
package evaluator

import (
	"fmt"

	"github.com/airaware/ingest/internal/config"
	"github.com/airaware/ingest/internal/model"
)

// band is one severity threshold: a channel value strictly beyond bound
// triggers sev.
type band struct {
	sev   model.Severity
	bound float64
}

// rule describes one channel's alert condition. high is true when crossing
// means "above bound"; false means "below bound" (used by TEMP_LOW and
// HUMIDITY_LOW).
type rule struct {
	typ    model.AlertType
	high   bool
	bands  []band // declaration order == tie-break order (§4.D)
	value  func(r model.Reading) *float64
}

// defaultRules is the threshold table from §4.D, in declaration order.
var defaultRules = []rule{
	{
		typ: model.AlertCO2High, high: true,
		bands: []band{{model.SeverityWarning, 1000}, {model.SeverityCritical, 2000}, {model.SeverityDanger, 5000}},
		value: func(r model.Reading) *float64 { return r.CO2 },
	},
	{
		typ: model.AlertPM25High, high: true,
		bands: []band{{model.SeverityWarning, 35.4}, {model.SeverityCritical, 55.4}, {model.SeverityDanger, 150.4}},
		value: func(r model.Reading) *float64 { return r.PM25 },
	},
	{
		typ: model.AlertPM10High, high: true,
		bands: []band{{model.SeverityWarning, 150}, {model.SeverityCritical, 250}},
		value: func(r model.Reading) *float64 { return r.PM10 },
	},
	{
		typ: model.AlertVOCHigh, high: true,
		bands: []band{{model.SeverityWarning, 0.5}, {model.SeverityCritical, 1.0}},
		value: func(r model.Reading) *float64 { return r.VOC },
	},
	{
		typ: model.AlertTempHigh, high: true,
		bands: []band{{model.SeverityWarning, 30}, {model.SeverityCritical, 35}},
		value: func(r model.Reading) *float64 { return r.Temperature },
	},
	{
		typ: model.AlertTempLow, high: false,
		bands: []band{{model.SeverityWarning, 10}, {model.SeverityCritical, 5}},
		value: func(r model.Reading) *float64 { return r.Temperature },
	},
	{
		typ: model.AlertHumidityHigh, high: true,
		bands: []band{{model.SeverityWarning, 70}, {model.SeverityCritical, 85}},
		value: func(r model.Reading) *float64 { return r.Humidity },
	},
	{
		typ: model.AlertHumidityLow, high: false,
		bands: []band{{model.SeverityWarning, 30}, {model.SeverityCritical, 20}},
		value: func(r model.Reading) *float64 { return r.Humidity },
	},
}

// Evaluator evaluates readings against the default threshold table,
// optionally overridden per (sensorId, type) by a loaded config.RuleSet.
type Evaluator struct {
	overrides map[string]map[model.AlertType]config.ThresholdOverride
}

// New builds an Evaluator from an optional rule set. A nil rs is equivalent
// to an empty one (use the built-in defaults for every sensor).
func New(rs *config.RuleSet) *Evaluator {
	e := &Evaluator{overrides: map[string]map[model.AlertType]config.ThresholdOverride{}}
	if rs == nil {
		return e
	}
	for _, o := range rs.Overrides {
		m, ok := e.overrides[o.SensorID]
		if !ok {
			m = map[model.AlertType]config.ThresholdOverride{}
			e.overrides[o.SensorID] = m
		}
		m[model.AlertType(o.Type)] = o
	}
	return e
}

// Evaluate returns the candidate alerts produced by reading r. The highest
// satisfied band for each rule wins; rules are evaluated in the declared
// table order, so ties in severity across types are broken by that order
// (§4.D).
func (e *Evaluator) Evaluate(r model.Reading) []model.Candidate {
	var out []model.Candidate
	for _, rl := range defaultRules {
		v := rl.value(r)
		if v == nil {
			continue
		}
		bands := e.resolvedBands(r.SensorID, rl)
		sev, ok := highestSatisfied(*v, rl.high, bands)
		if !ok {
			continue
		}
		out = append(out, model.Candidate{
			Type:            rl.typ,
			Severity:        sev,
			Message:         message(rl.typ, sev, *v),
			SensorID:        r.SensorID,
			ReadingSnapshot: r,
			TriggeredAt:     r.Timestamp,
		})
	}
	return out
}

// resolvedBands applies a per-sensor override (if any) on top of rl's
// built-in bands. An override field of zero leaves the corresponding
// built-in bound untouched.
func (e *Evaluator) resolvedBands(sensorID string, rl rule) []band {
	sensorOverrides, ok := e.overrides[sensorID]
	if !ok {
		return rl.bands
	}
	o, ok := sensorOverrides[rl.typ]
	if !ok {
		return rl.bands
	}

	resolved := make([]band, len(rl.bands))
	copy(resolved, rl.bands)
	for i := range resolved {
		switch resolved[i].sev {
		case model.SeverityWarning:
			if o.Warning != 0 {
				resolved[i].bound = o.Warning
			}
		case model.SeverityCritical:
			if o.Critical != 0 {
				resolved[i].bound = o.Critical
			}
		case model.SeverityDanger:
			if o.Danger != 0 {
				resolved[i].bound = o.Danger
			}
		}
	}
	return resolved
}

// highestSatisfied returns the most severe band whose condition holds for
// value, scanning from the most severe band to the least so boundary values
// land in exactly one band.
func highestSatisfied(value float64, high bool, bands []band) (model.Severity, bool) {
	for i := len(bands) - 1; i >= 0; i-- {
		b := bands[i]
		satisfied := (high && value > b.bound) || (!high && value < b.bound)
		if satisfied {
			return b.sev, true
		}
	}
	return "", false
}

func message(t model.AlertType, sev model.Severity, value float64) string {
	return fmt.Sprintf("%s: %s threshold crossed (value=%.2f)", t, sev, value)
}
