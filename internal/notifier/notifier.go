// Package notifier fans persisted alerts out to the configured notification
// channels (§4.E). Alerts arrive on a bounded in-process queue (producer
// backpressure, §5); each is expanded into one job per (channel, recipient)
// pair selected by severity routing, persisted to a durable queue for
// crash-recovery, and delivered with its own retry/backoff, rate-shaping,
// and idempotency rules independent of the ingestion pipeline.
package notifier

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/metrics"
	"github.com/airaware/ingest/internal/model"
	"github.com/airaware/ingest/internal/notifier/channels"
	"github.com/airaware/ingest/internal/notifier/queue"
)

// DefaultWorkers is the size of the notifier's delivery worker pool (§5).
const DefaultWorkers = 16

// DefaultQueueCapacity is the bound on the in-process alert queue (§5).
const DefaultQueueCapacity = 1024

// MaxAttempts is the maximum number of delivery attempts per job (§4.E).
const MaxAttempts = 3

// AttemptDeadline bounds a single channel-send attempt (§5).
const AttemptDeadline = 10 * time.Second

// IdempotencyWindow is how long a successful delivery suppresses a repeat
// send to the same (alertId, channel, recipient) (§4.E, §8 invariant 6).
const IdempotencyWindow = 24 * time.Hour

// RecipientCooldown is the minimum spacing between notifications for the
// same (alertId, channel, recipient), bypassed once for DANGER (§4.E).
const RecipientCooldown = 5 * time.Minute

// Queue is the durable per-job queue the notifier uses for crash recovery.
// Implemented by *queue.SQLiteQueue.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Dequeue(ctx context.Context, n int) ([]queue.PendingJob, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// PushRepository is the subset of the storage repository needed to target
// and account Web Push deliveries.
type PushRepository interface {
	ListActivePushSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
	// RecordPushAttempt accounts one delivery attempt against endpoint.
	// permanent marks a failure the channel classified as errs.Permanent
	// (410/404 Gone), which deactivates the subscription immediately
	// rather than waiting for model.MaxConsecutiveFailures (§3, §4.B).
	RecordPushAttempt(ctx context.Context, endpoint string, success, permanent bool, at time.Time) error
}

// Routing is the set of enabled channels and their static recipients,
// derived from config (§6).
type Routing struct {
	EmailEnabled   bool
	EmailRecipients []string

	SMSEnabled    bool
	SMSRecipients []string

	SlackWebhookURL   string
	DiscordWebhookURL string
}

// sentRecord tracks rate-shaping state for one (alertId, channel, recipient)
// key.
type sentRecord struct {
	lastAttempt  time.Time
	lastSuccess  time.Time
	dangerBypass bool
}

// Notifier is the multi-channel alert fan-out described in §4.E.
type Notifier struct {
	routing  Routing
	channels map[string]channels.Channel
	pushRepo PushRepository
	durable  Queue
	logger   *slog.Logger

	alertCh  chan model.Alert
	workers  int

	mu      sync.Mutex
	sent    map[string]*sentRecord
	success int64
	failure int64

	now func() time.Time
	met *metrics.Metrics
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithWorkers overrides the delivery worker pool size. Defaults to
// DefaultWorkers.
func WithWorkers(n int) Option {
	return func(no *Notifier) {
		if n > 0 {
			no.workers = n
		}
	}
}

// WithQueueCapacity overrides the bounded in-process alert queue capacity.
// Defaults to DefaultQueueCapacity.
func WithQueueCapacity(n int) Option {
	return func(no *Notifier) {
		if n > 0 {
			no.alertCh = make(chan model.Alert, n)
		}
	}
}

// WithClock overrides the function used to read the current time. Exposed
// for deterministic tests.
func WithClock(f func() time.Time) Option {
	return func(no *Notifier) { no.now = f }
}

// WithMetrics attaches a metrics bundle the notifier increments on each
// delivery outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(no *Notifier) { no.met = m }
}

// New builds a Notifier. chs maps channel name ("email", "sms", "slack",
// "discord", "push") to its sender; a channel absent from the map, or whose
// Routing flag is disabled, is simply never dispatched to.
func New(routing Routing, chs map[string]channels.Channel, pushRepo PushRepository, durable Queue, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		routing:  routing,
		channels: chs,
		pushRepo: pushRepo,
		durable:  durable,
		logger:   logger,
		alertCh:  make(chan model.Alert, DefaultQueueCapacity),
		workers:  DefaultWorkers,
		sent:     make(map[string]*sentRecord),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enqueue submits alert for notification. It blocks if the in-process queue
// is full, applying backpressure to the caller rather than dropping the
// alert (§5), until ctx is cancelled.
func (n *Notifier) Enqueue(ctx context.Context, alert model.Alert) error {
	select {
	case n.alertCh <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start replays any jobs left over from a prior crash (rows persisted but
// never acknowledged) and launches the delivery worker pool. It returns
// once replay completes; workers continue running until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.replayPending(ctx)

	var wg sync.WaitGroup
	for i := 0; i < n.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.worker(ctx)
		}()
	}
	go func() {
		<-ctx.Done()
		wg.Wait()
	}()
}

func (n *Notifier) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-n.alertCh:
			n.handleAlert(ctx, alert)
		}
	}
}

// replayPending redelivers any durable-queue rows left unacknowledged by a
// prior process (crash between persist and delivery). It is always run on
// Start, independent of the NotifierReplayUnresolved config flag, which
// instead governs whether currently-unresolved alerts are re-submitted from
// scratch (see cmd/airaware-ingestor).
func (n *Notifier) replayPending(ctx context.Context) {
	pending, err := n.durable.Dequeue(ctx, DefaultQueueCapacity)
	if err != nil {
		n.logger.Error("notifier: failed to read pending jobs for replay", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}
	n.logger.Info("notifier: replaying jobs from previous run", slog.Int("count", len(pending)))
	for _, pj := range pending {
		n.deliver(ctx, pj.Job)
		if err := n.durable.Ack(ctx, []int64{pj.ID}); err != nil {
			n.logger.Error("notifier: failed to ack replayed job", slog.Any("error", err))
		}
	}
}

// handleAlert expands alert into per-channel jobs by severity routing,
// persists each to the durable queue, and delivers it.
func (n *Notifier) handleAlert(ctx context.Context, alert model.Alert) {
	jobs := n.route(alert)
	for _, job := range jobs {
		if err := n.durable.Enqueue(ctx, job); err != nil {
			n.logger.Error("notifier: failed to persist job", slog.Any("error", err))
		}
		n.deliver(ctx, job)
	}
}

// route expands alert into jobs per the severity ladder of §4.E:
//
//	INFO     -> none (log only)
//	WARNING  -> chat + email
//	CRITICAL -> + SMS + push to every active subscription
//	DANGER   -> same channels as CRITICAL
func (n *Notifier) route(alert model.Alert) []queue.Job {
	var jobs []queue.Job

	if alert.Severity == model.SeverityInfo {
		n.logger.Info("notifier: INFO alert, log only",
			slog.String("alert_id", alert.ID), slog.String("type", string(alert.Type)))
		return nil
	}

	if n.routing.SlackWebhookURL != "" {
		jobs = append(jobs, queue.Job{AlertID: alert.ID, Channel: "slack", Recipient: "", Alert: alert})
	}
	if n.routing.DiscordWebhookURL != "" {
		jobs = append(jobs, queue.Job{AlertID: alert.ID, Channel: "discord", Recipient: "", Alert: alert})
	}
	if n.routing.EmailEnabled && len(n.routing.EmailRecipients) > 0 {
		jobs = append(jobs, queue.Job{
			AlertID: alert.ID, Channel: "email",
			Recipient: strings.Join(n.routing.EmailRecipients, ","), Alert: alert,
		})
	}

	if alert.Severity == model.SeverityWarning {
		return jobs
	}

	if n.routing.SMSEnabled {
		for _, to := range n.routing.SMSRecipients {
			jobs = append(jobs, queue.Job{AlertID: alert.ID, Channel: "sms", Recipient: to, Alert: alert})
		}
	}
	jobs = append(jobs, n.pushJobs(alert)...)

	return jobs
}

// pushJobs builds one push job per active Web Push subscription. UserID is
// not consulted, so CRITICAL and DANGER alerts reach the same set of
// subscriptions, including those with no UserID (§4.E).
func (n *Notifier) pushJobs(alert model.Alert) []queue.Job {
	if n.pushRepo == nil {
		return nil
	}
	subs, err := n.pushRepo.ListActivePushSubscriptions(context.Background())
	if err != nil {
		n.logger.Error("notifier: failed to list push subscriptions", slog.Any("error", err))
		return nil
	}

	var jobs []queue.Job
	for _, sub := range subs {
		recipient, err := channels.EncodeRecipient(sub)
		if err != nil {
			n.logger.Error("notifier: failed to encode push recipient", slog.Any("error", err))
			continue
		}
		jobs = append(jobs, queue.Job{AlertID: alert.ID, Channel: "push", Recipient: recipient, Alert: alert})
	}
	return jobs
}

// deliver attempts job up to MaxAttempts times, applying idempotency and
// cooldown gating before the first attempt, and records the final outcome.
func (n *Notifier) deliver(ctx context.Context, job queue.Job) {
	key := job.AlertID + "|" + job.Channel + "|" + job.Recipient

	if !n.shouldSend(key, job.Alert.Severity) {
		return
	}

	ch, ok := n.channels[job.Channel]
	if !ok {
		n.logger.Warn("notifier: no sender registered for channel", slog.String("channel", job.Channel))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, AttemptDeadline)
		err := ch.Send(attemptCtx, job.Alert, job.Recipient)
		cancel()

		if err == nil {
			n.recordOutcome(key, job, true, false)
			return
		}
		lastErr = err
		if !errs.Is(err, errs.Transient) {
			break // permanent failure: do not retry
		}
		if attempt < MaxAttempts {
			time.Sleep(backoff(attempt))
		}
	}

	n.logger.Warn("notifier: delivery failed",
		slog.String("alert_id", job.AlertID), slog.String("channel", job.Channel), slog.Any("error", lastErr))
	n.recordOutcome(key, job, false, errs.Is(lastErr, errs.Permanent))
}

// shouldSend applies the idempotency (24h) and cooldown (5m, DANGER bypass
// once) rate-shaping rules before a send is attempted.
func (n *Notifier) shouldSend(key string, sev model.Severity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec, ok := n.sent[key]
	if !ok {
		n.sent[key] = &sentRecord{lastAttempt: n.now()}
		return true
	}

	now := n.now()
	if !rec.lastSuccess.IsZero() && now.Sub(rec.lastSuccess) < IdempotencyWindow {
		return false
	}

	if now.Sub(rec.lastAttempt) < RecipientCooldown {
		if sev == model.SeverityDanger && !rec.dangerBypass {
			rec.dangerBypass = true
			rec.lastAttempt = now
			return true
		}
		return false
	}

	rec.lastAttempt = now
	rec.dangerBypass = false
	return true
}

// recordOutcome updates rate-shaping state and, for the push channel,
// accounts the delivery attempt against the subscription (§3, §8 invariant
// 3). permanent marks a failure the channel classified as errs.Permanent
// (e.g. a 410/404 from the push endpoint), which deactivates the
// subscription immediately regardless of its consecutive-failure count
// (§3, §4.B, §7).
func (n *Notifier) recordOutcome(key string, job queue.Job, success, permanent bool) {
	n.mu.Lock()
	if rec, ok := n.sent[key]; ok && success {
		rec.lastSuccess = n.now()
	}
	if success {
		n.success++
	} else {
		n.failure++
	}
	n.mu.Unlock()

	if n.met != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		n.met.NotificationsSent.WithLabelValues(job.Channel, outcome).Inc()
	}

	if job.Channel != "push" || n.pushRepo == nil {
		return
	}
	endpoint, err := channels.DecodeRecipientEndpoint(job.Recipient)
	if err != nil {
		return
	}
	if err := n.pushRepo.RecordPushAttempt(context.Background(), endpoint, success, permanent, n.now()); err != nil {
		n.logger.Error("notifier: failed to record push attempt", slog.Any("error", err))
	}
}

// Stats is a snapshot of notifier delivery counters, surfaced through the
// control surface's stats() operation (§4.G).
type Stats struct {
	QueueDepth int
	Success    int64
	Failure    int64
}

// Stats returns a snapshot of the notifier's delivery counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	depth := len(n.alertCh)
	if n.met != nil {
		n.met.NotifierQueueDepth.Set(float64(depth))
	}
	return Stats{
		QueueDepth: depth,
		Success:    int64(n.success),
		Failure:    int64(n.failure),
	}
}

// backoff returns the delay before retry attempt+1, 2^attempt seconds
// jittered +/-20% (§4.E).
func backoff(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt)) * float64(time.Second)
	j := (jitter()*0.4 - 0.2) // in [-0.2, 0.2]
	return time.Duration(base * (1 + j))
}

// jitter returns a uniform random float64 in [0, 1) drawn from
// crypto/rand, avoiding a shared math/rand source across notifier workers.
func jitter() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
