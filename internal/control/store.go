package control

import (
	"context"
	"time"

	"github.com/airaware/ingest/internal/model"
)

// Store is the subset of the storage repository the control surface needs.
type Store interface {
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error)
	ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error
	SavePushSubscription(ctx context.Context, sub model.PushSubscription) error
	RemovePushSubscription(ctx context.Context, endpoint string) error
}

// Stats is the counters surfaced by GET /stats, gathered from the pipeline,
// notifier, and bus.
type Stats struct {
	Pipeline PipelineStats `json:"pipeline"`
	Notifier NotifierStats `json:"notifier"`
	BusUp    bool          `json:"busConnected"`
}

// PipelineStats mirrors pipeline.Stats without importing internal/pipeline
// directly, keeping the control package's dependency surface narrow.
type PipelineStats struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Processed     int64   `json:"processed"`
	Dropped       int64   `json:"dropped"`
}

// NotifierStats mirrors notifier.Stats.
type NotifierStats struct {
	QueueDepth int   `json:"queueDepth"`
	Success    int64 `json:"success"`
	Failure    int64 `json:"failure"`
}

// StatsProvider supplies the live counters for GET /stats.
type StatsProvider interface {
	Stats() Stats
}
