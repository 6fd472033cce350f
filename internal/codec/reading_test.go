package codec

import (
	"testing"
	"time"

	"github.com/airaware/ingest/internal/errs"
)

func floatPtr(f float64) *float64 { return &f }

func TestParse_RequiresSensorID(t *testing.T) {
	_, err := Parse([]byte(`{"pm25":10}`), time.Now())
	if !errs.Is(err, errs.BadPayload) {
		t.Fatalf("expected BadPayload, got %v", err)
	}
}

func TestParse_RejectsNonJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`), time.Now())
	if !errs.Is(err, errs.BadPayload) {
		t.Fatalf("expected BadPayload, got %v", err)
	}
}

func TestParse_RejectsEmptySensorID(t *testing.T) {
	_, err := Parse([]byte(`{"sensorId":""}`), time.Now())
	if !errs.Is(err, errs.BadPayload) {
		t.Fatalf("expected BadPayload, got %v", err)
	}
}

func TestParse_MissingTimestamp_UsesIngestTime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := Parse([]byte(`{"sensorId":"S1","pm25":10}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Timestamp.Equal(now) {
		t.Errorf("expected ingest time %v, got %v", now, r.Timestamp)
	}
}

func TestParse_TimestampVariants(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		ts   string
		want time.Time
	}{
		{"iso8601 with offset", `"2025-12-28T13:26:18.585Z"`, time.Date(2025, 12, 28, 13, 26, 18, 585000000, time.UTC)},
		{"iso8601 no timezone", `"2025-12-28T13:26:18"`, time.Date(2025, 12, 28, 13, 26, 18, 0, time.UTC)},
		{"epoch seconds", `1735000000`, time.Unix(1735000000, 0).UTC()},
		{"epoch milliseconds", `1735000000000`, time.Unix(1735000000, 0).UTC()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte(`{"sensorId":"S1","timestamp":` + tc.ts + `}`)
			r, err := Parse(payload, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !r.Timestamp.Equal(tc.want) {
				t.Errorf("expected %v, got %v", tc.want, r.Timestamp)
			}
		})
	}
}

func TestParse_LenientNumericCoercion(t *testing.T) {
	r, err := Parse([]byte(`{"sensorId":"S1","co2":420,"pm25":12.5}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.CO2 == nil || *r.CO2 != 420 {
		t.Errorf("expected co2=420, got %v", r.CO2)
	}
	if r.PM25 == nil || *r.PM25 != 12.5 {
		t.Errorf("expected pm25=12.5, got %v", r.PM25)
	}
}

func TestParse_OutOfRangeChannelMarkedSuspectButStored(t *testing.T) {
	r, err := Parse([]byte(`{"sensorId":"S1","co2":20000}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.CO2 == nil || *r.CO2 != 20000 {
		t.Errorf("expected co2 stored as-is, got %v", r.CO2)
	}
	found := false
	for _, s := range r.Suspect {
		if s == "co2" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected co2 flagged suspect, got %v", r.Suspect)
	}
}

func TestParse_UnknownFieldsIgnored(t *testing.T) {
	_, err := Parse([]byte(`{"sensorId":"S1","bogusField":"x"}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse_MissingChannelsLeftNil(t *testing.T) {
	r, err := Parse(floatPtrPayload(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Humidity != nil {
		t.Errorf("expected humidity nil, got %v", r.Humidity)
	}
}

func floatPtrPayload() []byte {
	return []byte(`{"sensorId":"S1","temperature":22.1}`)
}
