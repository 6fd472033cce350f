package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// fakeRepo is a minimal in-memory stand-in for the storage repository,
// keyed by alert id, mirroring the mock-struct style the teacher uses in
// internal/server/rest/handlers_test.go rather than a mocking framework.
type fakeRepo struct {
	byID map[string]model.Alert
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]model.Alert{}}
}

func (f *fakeRepo) FindActiveAlert(_ context.Context, sensorID string, typ model.AlertType) (*model.Alert, error) {
	for _, a := range f.byID {
		if a.SensorID == sensorID && a.Type == typ && !a.Resolved {
			cp := a
			return &cp, nil
		}
	}
	return nil, errs.New(errs.NotFound, "no active alert")
}

func (f *fakeRepo) FindRecentlyResolvedAlert(_ context.Context, sensorID string, typ model.AlertType, since time.Time) (*model.Alert, error) {
	var best *model.Alert
	for _, a := range f.byID {
		if a.SensorID != sensorID || a.Type != typ || !a.Resolved || a.ResolvedAt == nil {
			continue
		}
		if a.ResolvedAt.Before(since) {
			continue
		}
		if best == nil || a.ResolvedAt.After(*best.ResolvedAt) {
			cp := a
			best = &cp
		}
	}
	if best == nil {
		return nil, errs.New(errs.NotFound, "no recently resolved alert")
	}
	return best, nil
}

func (f *fakeRepo) SaveAlert(_ context.Context, a model.Alert) error {
	f.byID[a.ID] = a
	return nil
}

func (f *fakeRepo) resolve(id string, at time.Time) {
	a := f.byID[id]
	a.Resolved = true
	a.ResolvedAt = &at
	f.byID[id] = a
}

func idSeq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestApply_NoActiveAlert_CreatesNew(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo, WithIDGenerator(idSeq("a")))

	c := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: time.Now()}
	a, notify, err := r.Apply(context.Background(), c)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !notify {
		t.Error("expected notify=true for a brand new alert")
	}
	if a.OccurrenceCount != 1 || a.Resolved {
		t.Errorf("unexpected alert state: %+v", a)
	}
}

func TestApply_ActiveAlert_ExtendsWithoutNewAlert(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo, WithIDGenerator(idSeq("a")))
	ctx := context.Background()

	c1 := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: time.Now()}
	first, _, err := r.Apply(ctx, c1)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	c2 := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: time.Now()}
	second, notify, err := r.Apply(ctx, c2)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if notify {
		t.Error("expected notify=false: same severity does not upgrade")
	}
	if second.ID != first.ID {
		t.Errorf("expected same alert id, got %q vs %q", second.ID, first.ID)
	}
	if second.OccurrenceCount != 2 {
		t.Errorf("occurrence count: want 2, got %d", second.OccurrenceCount)
	}
}

func TestApply_SeverityUpgrade_NotifiesAndUpgradesInPlace(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo, WithIDGenerator(idSeq("a")))
	ctx := context.Background()

	_, _, _ = r.Apply(ctx, model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: time.Now()})
	upgraded, notify, err := r.Apply(ctx, model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityCritical, SensorID: "S1", TriggeredAt: time.Now()})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !notify {
		t.Error("expected notify=true on severity upgrade")
	}
	if upgraded.Severity != model.SeverityCritical || upgraded.PeakSeverity != model.SeverityCritical {
		t.Errorf("expected severity/peak upgraded to CRITICAL, got %+v", upgraded)
	}
	if upgraded.OccurrenceCount != 2 {
		t.Errorf("occurrence count: want 2, got %d", upgraded.OccurrenceCount)
	}
}

func TestApply_WithinCooldown_SameSeverity_Suppressed(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	r := New(repo, WithIDGenerator(idSeq("a")), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, _, _ := r.Apply(ctx, model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityCritical, SensorID: "S1", TriggeredAt: now})
	repo.resolve(first.ID, now.Add(time.Minute))

	cand := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: now.Add(2 * time.Minute)}
	alert, notify, err := r.Apply(ctx, cand)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if notify || alert != nil {
		t.Errorf("expected suppression within cooldown at equal-or-lower severity, got alert=%+v notify=%v", alert, notify)
	}
}

func TestApply_WithinCooldown_HigherSeverity_CreatesNew(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	r := New(repo, WithIDGenerator(idSeq("a")), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, _, _ := r.Apply(ctx, model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: now})
	repo.resolve(first.ID, now.Add(time.Minute))

	cand := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityCritical, SensorID: "S1", TriggeredAt: now.Add(2 * time.Minute)}
	alert, notify, err := r.Apply(ctx, cand)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !notify || alert == nil {
		t.Fatal("expected a new alert when severity strictly exceeds the resolved alert's peak")
	}
	if alert.ID == first.ID {
		t.Error("expected a distinct alert id for the post-cooldown-exceeding candidate")
	}
}

func TestApply_AfterCooldownExpires_CreatesNewRegardlessOfSeverity(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	r := New(repo, WithIDGenerator(idSeq("a")), WithClock(func() time.Time { return now.Add(Cooldown + 2*time.Minute) }))
	ctx := context.Background()

	first, _, _ := r.Apply(context.Background(), model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityCritical, SensorID: "S1", TriggeredAt: now})
	repo.resolve(first.ID, now.Add(time.Minute))

	cand := model.Candidate{Type: model.AlertPM25High, Severity: model.SeverityWarning, SensorID: "S1", TriggeredAt: now.Add(Cooldown + time.Minute)}
	alert, notify, err := r.Apply(ctx, cand)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !notify || alert == nil {
		t.Fatal("expected a new alert once the cooldown window has elapsed")
	}
}
