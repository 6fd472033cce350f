// Package pipeline is the central ingestion orchestrator (§4.F): it wires the
// bus subscriber to the codec, repository, evaluator, dedup resolver, and
// notifier, generalizing the teacher's agent.Agent functional-option
// orchestrator (watchers → queue → transport) to this domain's roles (bus →
// {persist ‖ evaluate} → dedup → notify).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airaware/ingest/internal/codec"
	"github.com/airaware/ingest/internal/dedup"
	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/metrics"
	"github.com/airaware/ingest/internal/model"
)

// DefaultWorkers is the number of concurrent pipeline workers processing
// decoded messages (§5).
const DefaultWorkers = 8

// Repository is the subset of the storage repository the pipeline needs
// directly; dedup's narrower Repository interface covers alert persistence.
type Repository interface {
	dedup.Repository
	UpsertSensor(ctx context.Context, s model.Sensor) (string, error)
	FindSensorByDeviceID(ctx context.Context, deviceID string) (*model.Sensor, error)
	SaveReading(ctx context.Context, r model.Reading) error
}

// Bus is the subset of *bus.Subscriber the pipeline drives.
type Bus interface {
	Start(ctx context.Context, handler func(topic string, payload []byte, ack func()))
	Stop()
}

// Evaluator turns a reading into candidate alerts.
type Evaluator interface {
	Evaluate(r model.Reading) []model.Candidate
}

// Notifier is the subset of *notifier.Notifier the pipeline enqueues to.
type Notifier interface {
	Enqueue(ctx context.Context, a model.Alert) error
}

// rawMessage is one undecoded bus message (topic, payload, ack) handed from
// the bus to a pipeline worker, which decodes it in handle.
type rawMessage struct {
	topic   string
	payload []byte
	ack     func()
}

// Pipeline is the ingestion orchestrator described in §4.F. Construct with
// New and supply dependencies via the With* options, then call Start.
type Pipeline struct {
	repo     Repository
	eval     Evaluator
	resolver *dedup.Resolver
	notifier Notifier
	bus      Bus
	logger   *slog.Logger

	workers int

	newID func() string
	now   func() time.Time
	met   *metrics.Metrics
	feed  dedup.Feed

	cancel context.CancelFunc
	work   chan rawMessage
	wg     sync.WaitGroup

	mu        sync.RWMutex
	startedAt time.Time
	processed int64
	dropped   int64

	// sensorLocks serializes, per sensorID, the whole {reading save, evaluate,
	// dedup, alert save} critical section (§5), so two pipeline workers
	// handling the same sensor's readings concurrently cannot race SaveReading
	// calls out of bus-delivered order. This is a separate, wider-scoped lock
	// from dedup.Resolver's own internal per-sensor lock, which only guards
	// Resolver.Apply's find/save step.
	sensorLocks sync.Map // sensorID (string) -> *sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers overrides the number of concurrent pipeline workers. Defaults
// to DefaultWorkers.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithClock overrides the function used to read the current time. Exposed
// for deterministic tests.
func WithClock(f func() time.Time) Option {
	return func(p *Pipeline) { p.now = f }
}

// WithIDGenerator overrides the function used to generate new reading IDs.
// Exposed for deterministic tests.
func WithIDGenerator(f func() string) Option {
	return func(p *Pipeline) { p.newID = f }
}

// WithMetrics attaches a metrics bundle the pipeline and its dedup resolver
// increment on reading and alert outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.met = m }
}

// WithFeed attaches an operator live-feed broadcaster notified whenever the
// dedup resolver creates or upgrades an alert.
func WithFeed(f dedup.Feed) Option {
	return func(p *Pipeline) { p.feed = f }
}

// New builds a Pipeline from its dependencies: repo for persistence, eval
// for threshold evaluation, n for notifier fan-out, and b as the bus
// subscriber driving work into the pipeline.
func New(repo Repository, eval Evaluator, n Notifier, b Bus, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:     repo,
		eval:     eval,
		notifier: n,
		bus:      b,
		logger:   logger,
		workers:  DefaultWorkers,
		newID:    defaultNewID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	var dedupOpts []dedup.Option
	if p.met != nil {
		dedupOpts = append(dedupOpts, dedup.WithMetrics(p.met))
	}
	if p.feed != nil {
		dedupOpts = append(dedupOpts, dedup.WithFeed(p.feed))
	}
	p.resolver = dedup.New(repo, dedupOpts...)
	return p
}

// Start launches the worker pool and the bus subscriber. Raw bus messages
// flow into an unbuffered channel fed directly by the bus callback, so a
// full worker pool applies backpressure on the subscriber's own goroutine
// (§5: "block the consumer; do NOT drop").
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.mu.Lock()
	p.startedAt = p.now()
	p.mu.Unlock()

	p.work = make(chan rawMessage)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.bus.Start(ctx, func(topic string, payload []byte, ack func()) {
		select {
		case p.work <- rawMessage{topic: topic, payload: payload, ack: ack}:
		case <-ctx.Done():
		}
	})
}

// Stop stops the bus subscriber and waits for in-flight messages to drain
// before returning (§5: pipeline workers drain the in-flight set on
// shutdown).
func (p *Pipeline) Stop() {
	p.bus.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.work:
			p.handle(ctx, msg)
		}
	}
}

// handle implements the per-message steps of §4.F: decode, persist ‖
// evaluate, dedup, enqueue, ack.
func (p *Pipeline) handle(ctx context.Context, msg rawMessage) {
	reading, err := codec.Parse(msg.payload, p.now())
	if err != nil {
		if errs.Is(err, errs.BadPayload) {
			p.logger.Warn("pipeline: dropping malformed payload",
				slog.String("topic", msg.topic), slog.Any("error", err))
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			if p.met != nil {
				p.met.ReadingsDropped.Inc()
			}
			msg.ack()
			return
		}
		p.logger.Error("pipeline: unexpected decode error; leaving message un-acked",
			slog.Any("error", err))
		return
	}
	if reading.ID == "" {
		reading.ID = p.newID()
	}

	if err := p.touchSensor(ctx, reading.SensorID); err != nil {
		p.logger.Error("pipeline: failed to update sensor state; leaving message un-acked",
			slog.String("sensor_id", reading.SensorID), slog.Any("error", err))
		return
	}

	// The critical section below — reading save, evaluate, dedup, alert
	// save — is serialized per sensor (§5) so that two workers handling the
	// same sensor's readings concurrently cannot commit them out of
	// bus-delivered order.
	sensorLock := p.lockForSensor(reading.SensorID)
	sensorLock.Lock()
	defer sensorLock.Unlock()

	var saveErr error
	var candidates []model.Candidate
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		saveErr = p.repo.SaveReading(ctx, reading)
	}()
	go func() {
		defer wg.Done()
		candidates = p.eval.Evaluate(reading)
	}()
	wg.Wait()

	if saveErr != nil {
		p.logger.Error("pipeline: failed to persist reading; leaving message un-acked",
			slog.String("sensor_id", reading.SensorID), slog.Any("error", saveErr))
		return
	}

	for _, c := range candidates {
		alert, notify, err := p.resolver.Apply(ctx, c)
		if err != nil {
			p.logger.Error("pipeline: dedup failed; leaving message un-acked",
				slog.String("sensor_id", c.SensorID), slog.String("type", string(c.Type)), slog.Any("error", err))
			return
		}
		if notify && alert != nil {
			if err := p.notifier.Enqueue(ctx, *alert); err != nil {
				p.logger.Error("pipeline: failed to enqueue alert to notifier",
					slog.String("alert_id", alert.ID), slog.Any("error", err))
			}
		}
	}

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	if p.met != nil {
		p.met.ReadingsTotal.Inc()
	}
	msg.ack()
}

// touchSensor upserts the sensor referenced by a reading, setting
// lastUpdate = now and status = ACTIVE (§4.F).
func (p *Pipeline) touchSensor(ctx context.Context, deviceID string) error {
	_, err := p.repo.UpsertSensor(ctx, model.Sensor{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Status:     model.SensorActive,
		LastUpdate: p.now(),
	})
	if err != nil {
		return fmt.Errorf("touch sensor %s: %w", deviceID, err)
	}
	return nil
}

// Stats is a snapshot of pipeline throughput counters, surfaced through the
// control surface's stats() operation (§4.G).
type Stats struct {
	UptimeSeconds float64
	Processed     int64
	Dropped       int64
}

// Stats returns a snapshot of the pipeline's throughput counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		UptimeSeconds: p.now().Sub(p.startedAt).Seconds(),
		Processed:     p.processed,
		Dropped:       p.dropped,
	}
}

// lockForSensor returns the mutex guarding sensorID's ingestion critical
// section, creating one on first use.
func (p *Pipeline) lockForSensor(sensorID string) *sync.Mutex {
	actual, _ := p.sensorLocks.LoadOrStore(sensorID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func defaultNewID() string {
	return fmt.Sprintf("rd-%d", time.Now().UnixNano())
}
