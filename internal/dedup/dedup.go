// Package dedup applies the deduplication policy (§4.D) that turns evaluator
// candidates into persisted alerts: at most one active alert exists per
// (sensorId, type) at any time, and a cooldown window after resolution
// suppresses equivalent candidates unless they strictly exceed the resolved
// alert's peak severity.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/metrics"
	"github.com/airaware/ingest/internal/model"
)

// Cooldown is how long after resolution an equivalent candidate is
// suppressed unless its severity strictly exceeds the resolved alert's peak.
const Cooldown = 10 * time.Minute

// Repository is the subset of the storage repository the resolver needs.
type Repository interface {
	FindActiveAlert(ctx context.Context, sensorID string, typ model.AlertType) (*model.Alert, error)
	FindRecentlyResolvedAlert(ctx context.Context, sensorID string, typ model.AlertType, since time.Time) (*model.Alert, error)
	SaveAlert(ctx context.Context, a model.Alert) error
}

// Feed is the narrow interface an operator live-feed broadcaster satisfies,
// notified whenever a candidate results in a new or severity-upgraded
// alert. Implemented by *wsfeed.Broadcaster.
type Feed interface {
	PublishCreated(a model.Alert)
}

// Resolver serializes dedup decisions per sensor so that the "at most one
// active alert per (sensorId, type)" invariant holds under concurrent
// pipeline workers.
type Resolver struct {
	repo Repository

	locks sync.Map // sensorID (string) -> *sync.Mutex

	newID func() string
	now   func() time.Time
	met   *metrics.Metrics
	feed  Feed
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithIDGenerator overrides the function used to generate new alert IDs.
// Defaults to uuid.NewString. Exposed for deterministic tests.
func WithIDGenerator(f func() string) Option {
	return func(r *Resolver) { r.newID = f }
}

// WithClock overrides the function used to read the current time, used to
// evaluate the cooldown window. Defaults to time.Now. Exposed for tests.
func WithClock(f func() time.Time) Option {
	return func(r *Resolver) { r.now = f }
}

// WithMetrics attaches a metrics bundle the resolver increments on create,
// upgrade, and suppression outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.met = m }
}

// WithFeed attaches an operator live-feed broadcaster notified of new and
// severity-upgraded alerts.
func WithFeed(f Feed) Option {
	return func(r *Resolver) { r.feed = f }
}

// New creates a Resolver backed by repo.
func New(repo Repository, opts ...Option) *Resolver {
	r := &Resolver{
		repo:  repo,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockFor returns the mutex guarding sensorID's dedup critical section,
// creating one on first use.
func (r *Resolver) lockFor(sensorID string) *sync.Mutex {
	actual, _ := r.locks.LoadOrStore(sensorID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Apply resolves candidate c against the repository under c.SensorID's lock
// and persists the outcome. It returns the resulting alert and whether it is
// new or was just severity-upgraded (notify == true); a suppressed
// candidate (within cooldown, not exceeding peak severity) returns
// (nil, false, nil).
func (r *Resolver) Apply(ctx context.Context, c model.Candidate) (alert *model.Alert, notify bool, err error) {
	mu := r.lockFor(c.SensorID)
	mu.Lock()
	defer mu.Unlock()

	active, err := r.repo.FindActiveAlert(ctx, c.SensorID, c.Type)
	if err == nil {
		return r.extendActive(ctx, *active, c)
	}
	if !errs.Is(err, errs.NotFound) {
		return nil, false, fmt.Errorf("dedup: find active alert: %w", err)
	}

	return r.createOrSuppress(ctx, c)
}

// extendActive bumps an already-active alert's occurrence count and, if the
// candidate's severity is strictly higher, upgrades its severity and peak
// severity. It never creates a new alert.
func (r *Resolver) extendActive(ctx context.Context, active model.Alert, c model.Candidate) (*model.Alert, bool, error) {
	upgraded := c.Severity.Higher(active.Severity)

	active.OccurrenceCount++
	active.LastSeen = c.TriggeredAt
	active.ReadingSnapshot = c.ReadingSnapshot
	if upgraded {
		active.Severity = c.Severity
		active.PeakSeverity = c.Severity
	}

	if err := r.repo.SaveAlert(ctx, active); err != nil {
		return nil, false, fmt.Errorf("dedup: extend active alert: %w", err)
	}
	if upgraded {
		if r.met != nil {
			r.met.AlertsUpgraded.WithLabelValues(string(active.Type), string(active.Severity)).Inc()
		}
		if r.feed != nil {
			r.feed.PublishCreated(active)
		}
	}
	return &active, upgraded, nil
}

// createOrSuppress handles the case where no active alert exists: it checks
// the cooldown window against the most recently resolved alert of the same
// (sensorId, type) and either suppresses the candidate or opens a new alert.
func (r *Resolver) createOrSuppress(ctx context.Context, c model.Candidate) (*model.Alert, bool, error) {
	since := r.now().Add(-Cooldown)
	resolved, err := r.repo.FindRecentlyResolvedAlert(ctx, c.SensorID, c.Type, since)
	switch {
	case err == nil:
		if !c.Severity.Higher(resolved.PeakSeverity) {
			if r.met != nil {
				r.met.AlertsSuppressed.WithLabelValues(string(c.Type)).Inc()
			}
			return nil, false, nil // suppressed: within cooldown, not a new peak
		}
	case errs.Is(err, errs.NotFound):
		// no cooldown in effect; fall through to create
	default:
		return nil, false, fmt.Errorf("dedup: find recently resolved alert: %w", err)
	}

	a := model.Alert{
		ID:              r.newID(),
		Type:            c.Type,
		Severity:        c.Severity,
		Message:         c.Message,
		SensorID:        c.SensorID,
		TriggeredAt:     c.TriggeredAt,
		LastSeen:        c.TriggeredAt,
		OccurrenceCount: 1,
		ReadingSnapshot: c.ReadingSnapshot,
		PeakSeverity:    c.Severity,
	}
	if err := r.repo.SaveAlert(ctx, a); err != nil {
		return nil, false, fmt.Errorf("dedup: create alert: %w", err)
	}
	if r.met != nil {
		r.met.AlertsCreated.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
	if r.feed != nil {
		r.feed.PublishCreated(a)
	}
	return &a, true, nil
}
