package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// fakeStore is a minimal in-memory Store, mirroring the style used
// elsewhere in this corpus (internal/dedup/dedup_test.go) rather than a
// mocking framework.
type fakeStore struct {
	alerts        []model.Alert
	resolvedID    string
	resolveErr    error
	subscriptions []model.PushSubscription
	removedEndpt  string
}

func (f *fakeStore) ListAlerts(_ context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	var out []model.Alert
	for _, a := range f.alerts {
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.SensorID != "" && a.SensorID != filter.SensorID {
			continue
		}
		if filter.ResolvedFilter != nil && a.Resolved != *filter.ResolvedFilter {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, id string, _ time.Time) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolvedID = id
	return nil
}

func (f *fakeStore) SavePushSubscription(_ context.Context, sub model.PushSubscription) error {
	f.subscriptions = append(f.subscriptions, sub)
	return nil
}

func (f *fakeStore) RemovePushSubscription(_ context.Context, endpoint string) error {
	f.removedEndpt = endpoint
	return nil
}

type fakeStats struct{ s Stats }

func (f fakeStats) Stats() Stats { return f.s }

func TestHandleListAlerts_FiltersBySeverity(t *testing.T) {
	store := &fakeStore{alerts: []model.Alert{
		{ID: "a1", Severity: model.SeverityWarning, SensorID: "S1"},
		{ID: "a2", Severity: model.SeverityCritical, SensorID: "S1"},
	}}
	srv := NewServer(store, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/alerts?severity=CRITICAL", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []model.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a2" {
		t.Errorf("expected only a2 (CRITICAL), got %+v", got)
	}
}

func TestHandleListAlerts_InvalidSeverity_400(t *testing.T) {
	srv := NewServer(&fakeStore{}, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/alerts?severity=NOPE", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid severity, got %d", rec.Code)
	}
}

func TestHandleResolveAlert_Success(t *testing.T) {
	store := &fakeStore{}
	srv := NewServer(store, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/alerts/a1/resolve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.resolvedID != "a1" {
		t.Errorf("expected ResolveAlert called with id=a1, got %q", store.resolvedID)
	}
}

func TestHandleResolveAlert_NotFound_404(t *testing.T) {
	store := &fakeStore{resolveErr: errs.New(errs.NotFound, "no active alert")}
	srv := NewServer(store, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/alerts/missing/resolve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert id, got %d", rec.Code)
	}
}

func TestHandleSubscribePush_RequiresKeys(t *testing.T) {
	srv := NewServer(&fakeStore{}, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/push/subscribe", strings.NewReader(`{"endpoint":"https://push.example/ep1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when keys are missing, got %d", rec.Code)
	}
}

func TestHandleSubscribePush_Success(t *testing.T) {
	store := &fakeStore{}
	srv := NewServer(store, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	body := `{"endpoint":"https://push.example/ep1","keys":{"p256dh":"p","auth":"a"},"platform":"web"}`
	req := httptest.NewRequest(http.MethodPost, "/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.subscriptions) != 1 || store.subscriptions[0].Endpoint != "https://push.example/ep1" {
		t.Errorf("expected subscription saved, got %+v", store.subscriptions)
	}
}

func TestHandleUnsubscribePush_Success(t *testing.T) {
	store := &fakeStore{}
	srv := NewServer(store, fakeStats{}, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/push/unsubscribe", strings.NewReader(`{"endpoint":"https://push.example/ep1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.removedEndpt != "https://push.example/ep1" {
		t.Errorf("expected RemovePushSubscription called with endpoint, got %q", store.removedEndpt)
	}
}

func TestHandleStats_ReturnsSnapshot(t *testing.T) {
	stats := fakeStats{s: Stats{Pipeline: PipelineStats{Processed: 42}, BusUp: true}}
	srv := NewServer(&fakeStore{}, stats, nil)
	router := NewRouter(srv, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Pipeline.Processed != 42 || !got.BusUp {
		t.Errorf("unexpected stats payload: %+v", got)
	}
}
