package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// fakeRepo is a minimal in-memory repository stand-in, mirroring the style
// used in internal/dedup/dedup_test.go rather than a mocking framework.
type fakeRepo struct {
	mu       sync.Mutex
	readings []model.Reading
	sensors  map[string]model.Sensor
	alerts   map[string]model.Alert
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sensors: map[string]model.Sensor{}, alerts: map[string]model.Alert{}}
}

func (f *fakeRepo) SaveReading(_ context.Context, r model.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeRepo) UpsertSensor(_ context.Context, s model.Sensor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensors[s.DeviceID] = s
	return s.ID, nil
}

func (f *fakeRepo) FindSensorByDeviceID(_ context.Context, deviceID string) (*model.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sensors[deviceID]
	if !ok {
		return nil, errs.New(errs.NotFound, "sensor not found")
	}
	return &s, nil
}

func (f *fakeRepo) FindActiveAlert(_ context.Context, sensorID string, typ model.AlertType) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.SensorID == sensorID && a.Type == typ && !a.Resolved {
			cp := a
			return &cp, nil
		}
	}
	return nil, errs.New(errs.NotFound, "no active alert")
}

func (f *fakeRepo) FindRecentlyResolvedAlert(_ context.Context, _ string, _ model.AlertType, _ time.Time) (*model.Alert, error) {
	return nil, errs.New(errs.NotFound, "no recently resolved alert")
}

func (f *fakeRepo) SaveAlert(_ context.Context, a model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[a.ID] = a
	return nil
}

func (f *fakeRepo) readingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

func (f *fakeRepo) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeEvaluator struct {
	fn func(model.Reading) []model.Candidate
}

func (e fakeEvaluator) Evaluate(r model.Reading) []model.Candidate { return e.fn(r) }

type fakeNotifier struct {
	mu       sync.Mutex
	enqueued []model.Alert
}

func (n *fakeNotifier) Enqueue(_ context.Context, a model.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueued = append(n.enqueued, a)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.enqueued)
}

// fakeBus hands a fixed set of raw messages to the handler registered via
// Start, synchronously, and records which were acked.
type fakeBus struct {
	messages []struct {
		topic   string
		payload []byte
	}
	acked int
	mu    sync.Mutex
	done  chan struct{}
}

func (b *fakeBus) Start(ctx context.Context, handler func(topic string, payload []byte, ack func())) {
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		for _, m := range b.messages {
			handler(m.topic, m.payload, func() {
				b.mu.Lock()
				b.acked++
				b.mu.Unlock()
			})
		}
	}()
}

func (b *fakeBus) Stop() {}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipeline_CleanIngestion_NoAlerts(t *testing.T) {
	repo := newFakeRepo()
	eval := fakeEvaluator{fn: func(model.Reading) []model.Candidate { return nil }}
	notif := &fakeNotifier{}
	bus := &fakeBus{messages: []struct {
		topic   string
		payload []byte
	}{
		{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1","pm25":10,"co2":400,"timestamp":"2025-01-01T00:00:00Z"}`)},
	}}

	p := New(repo, eval, notif, bus, silentLogger(), WithWorkers(1))
	p.Start(context.Background())
	<-bus.done
	p.Stop()

	if got := repo.readingCount(); got != 1 {
		t.Errorf("expected 1 reading persisted, got %d", got)
	}
	if got := repo.alertCount(); got != 0 {
		t.Errorf("expected 0 alerts, got %d", got)
	}
	if got := notif.count(); got != 0 {
		t.Errorf("expected 0 notifier enqueues, got %d", got)
	}
	bus.mu.Lock()
	acked := bus.acked
	bus.mu.Unlock()
	if acked != 1 {
		t.Errorf("expected message acked, got acked=%d", acked)
	}
}

func TestPipeline_BadPayload_DroppedAndAcked(t *testing.T) {
	repo := newFakeRepo()
	eval := fakeEvaluator{fn: func(model.Reading) []model.Candidate { return nil }}
	notif := &fakeNotifier{}
	bus := &fakeBus{messages: []struct {
		topic   string
		payload []byte
	}{
		{topic: "airaware/sensors", payload: []byte(`not json`)},
	}}

	p := New(repo, eval, notif, bus, silentLogger(), WithWorkers(1))
	p.Start(context.Background())
	<-bus.done
	p.Stop()

	if got := repo.readingCount(); got != 0 {
		t.Errorf("expected malformed payload not persisted, got %d readings", got)
	}
	bus.mu.Lock()
	acked := bus.acked
	bus.mu.Unlock()
	if acked != 1 {
		t.Errorf("expected bad payload to still be acked (dropped, not redelivered), got acked=%d", acked)
	}
}

func TestPipeline_CandidateDedupedAcrossMessages(t *testing.T) {
	repo := newFakeRepo()
	eval := fakeEvaluator{fn: func(r model.Reading) []model.Candidate {
		if r.PM25 == nil || *r.PM25 <= 35.4 {
			return nil
		}
		sev := model.SeverityWarning
		if *r.PM25 > 55.4 {
			sev = model.SeverityCritical
		}
		return []model.Candidate{{
			Type: model.AlertPM25High, Severity: sev, SensorID: r.SensorID,
			TriggeredAt: r.Timestamp, ReadingSnapshot: r,
		}}
	}}
	notif := &fakeNotifier{}
	bus := &fakeBus{messages: []struct {
		topic   string
		payload []byte
	}{
		{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1","pm25":40}`)},
		{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1","pm25":42}`)},
		{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1","pm25":60}`)},
	}}

	p := New(repo, eval, notif, bus, silentLogger(), WithWorkers(1))
	p.Start(context.Background())
	<-bus.done
	p.Stop()

	if got := repo.alertCount(); got != 1 {
		t.Fatalf("expected exactly one active alert per (sensor,type) despite 3 candidates, got %d", got)
	}
	for _, a := range repo.alerts {
		if a.OccurrenceCount != 3 {
			t.Errorf("expected occurrence count 3, got %d", a.OccurrenceCount)
		}
		if a.Severity != model.SeverityCritical {
			t.Errorf("expected severity upgraded to CRITICAL on pm25=60, got %s", a.Severity)
		}
	}
	// notifier should see the new alert plus the severity upgrade, not the
	// same-severity second reading.
	if got := notif.count(); got != 2 {
		t.Errorf("expected 2 notifier enqueues (create + upgrade), got %d", got)
	}
}

func TestPipeline_Stats_ReflectsProcessedAndDropped(t *testing.T) {
	repo := newFakeRepo()
	eval := fakeEvaluator{fn: func(model.Reading) []model.Candidate { return nil }}
	notif := &fakeNotifier{}
	bus := &fakeBus{messages: []struct {
		topic   string
		payload []byte
	}{
		{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1","pm25":10}`)},
		{topic: "airaware/sensors", payload: []byte(`garbage`)},
	}}

	p := New(repo, eval, notif, bus, silentLogger(), WithWorkers(1))
	p.Start(context.Background())
	<-bus.done
	p.Stop()

	stats := p.Stats()
	if stats.Processed != 1 {
		t.Errorf("expected Processed=1, got %d", stats.Processed)
	}
	if stats.Dropped != 1 {
		t.Errorf("expected Dropped=1, got %d", stats.Dropped)
	}
}
