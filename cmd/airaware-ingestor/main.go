// Command airaware-ingestor is the AirAware telemetry ingestion and alerting
// service. It subscribes to the sensor bus, persists readings, evaluates
// threshold rules, deduplicates and persists alerts, fans notifications out
// to the configured channels, sweeps offline sensors, and exposes an
// operator control surface over HTTP. It shuts down gracefully on SIGTERM
// or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/airaware/ingest/internal/bus"
	"github.com/airaware/ingest/internal/config"
	"github.com/airaware/ingest/internal/control"
	"github.com/airaware/ingest/internal/control/wsfeed"
	"github.com/airaware/ingest/internal/evaluator"
	"github.com/airaware/ingest/internal/metrics"
	"github.com/airaware/ingest/internal/model"
	"github.com/airaware/ingest/internal/notifier"
	"github.com/airaware/ingest/internal/notifier/channels"
	"github.com/airaware/ingest/internal/notifier/queue"
	"github.com/airaware/ingest/internal/pipeline"
	"github.com/airaware/ingest/internal/storage"
)

// Exit codes (§6).
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitDatastoreDown = 3
	exitBusDown       = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "airaware-ingestor: config error:", err)
		os.Exit(exitConfigInvalid)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("airaware-ingestor starting",
		slog.String("bus_url", cfg.BusURL), slog.String("topic", cfg.Topic), slog.String("control_addr", cfg.ControlAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	repo, err := storage.New(startCtx, cfg.DBURL)
	startCancel()
	if err != nil {
		logger.Error("datastore unreachable at startup", slog.Any("error", err))
		os.Exit(exitDatastoreDown)
	}
	defer repo.Close()

	rules, err := config.LoadRuleSet(cfg.RulesPath)
	if err != nil {
		logger.Error("failed to load rule set", slog.Any("error", err))
		os.Exit(exitConfigInvalid)
	}
	eval := evaluator.New(rules)

	met := metrics.New()

	durableQueue, err := queue.New(cfg.NotifierQueuePath)
	if err != nil {
		logger.Error("failed to open notifier durable queue", slog.Any("error", err))
		os.Exit(exitDatastoreDown)
	}
	defer durableQueue.Close()

	chs := buildChannels(cfg)
	routing := notifier.Routing{
		EmailEnabled:      cfg.EmailEnabled,
		EmailRecipients:   cfg.AlertEmailRecipients,
		SMSEnabled:        cfg.SMSEnabled,
		SMSRecipients:     cfg.SMSRecipients,
		SlackWebhookURL:   cfg.SlackWebhookURL,
		DiscordWebhookURL: cfg.DiscordWebhookURL,
	}
	notifierOpts := []notifier.Option{notifier.WithMetrics(met)}
	if cfg.NotifierWorkers > 0 {
		notifierOpts = append(notifierOpts, notifier.WithWorkers(cfg.NotifierWorkers))
	}
	notif := notifier.New(routing, chs, repo, durableQueue, logger, notifierOpts...)

	feed := wsfeed.NewBroadcaster(logger, 0)

	busSubscriber := bus.New(bus.Config{
		BrokerURL: cfg.BusURL,
		Topic:     cfg.Topic,
		QoS:       cfg.QoS,
		ClientID:  cfg.ClientID,
	}, logger)

	pipelineOpts := []pipeline.Option{pipeline.WithMetrics(met), pipeline.WithFeed(feed)}
	if cfg.PipelineWorkers > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithWorkers(cfg.PipelineWorkers))
	}
	pl := pipeline.New(repo, eval, notif, busSubscriber, logger, pipelineOpts...)

	sweeper := pipeline.NewSweeper(repo, logger, cfg.SweepInterval)

	if cfg.NotifierReplayUnresolved {
		replayUnresolvedAlerts(ctx, repo, notif, logger)
	}

	notif.Start(ctx)
	pl.Start(ctx)
	go sweeper.Run(ctx)
	go metricsUpdater(ctx, met, repo, busSubscriber, 15*time.Second)

	pubKey, err := loadJWTPublicKey(cfg.JWTPublicKeyPEM)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(exitConfigInvalid)
	}
	if pubKey == nil {
		logger.Warn("JWT_PUBLIC_KEY not configured; control surface authentication disabled (dev mode)")
	}

	statsProvider := &statsAdapter{pipeline: pl, notifier: notif, bus: busSubscriber}
	controlSrv := control.NewServer(repo, statsProvider, feed)
	feedHandler := wsfeed.NewHandler(feed, logger, 0)
	router := control.NewRouter(controlSrv, met, pubKey, feedHandler)

	httpServer := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("control surface listening", slog.String("addr", cfg.ControlAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("control surface: %w", err)
		}
		close(httpErrCh)
	}()

	busUpCtx, busUpCancel := context.WithTimeout(ctx, 30*time.Second)
	busUp := waitForBusConnection(busUpCtx, busSubscriber, 500*time.Millisecond)
	busUpCancel()
	if !busUp {
		logger.Error("bus unreachable after initial backoff window")
		os.Exit(exitBusDown)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("control surface error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control surface shutdown error", slog.Any("error", err))
	}
	feed.Close()
	pl.Stop()
	cancel()

	logger.Info("airaware-ingestor exited cleanly")
	os.Exit(exitOK)
}

// buildChannels constructs the notification senders enabled by cfg. A
// channel absent from the returned map is simply never dispatched to by the
// notifier's routing table.
func buildChannels(cfg *config.Config) map[string]channels.Channel {
	chs := make(map[string]channels.Channel)

	if cfg.EmailEnabled {
		chs["email"] = channels.NewEmail(channels.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			StartTLS: cfg.SMTPStartTLS,
			FromAddr: cfg.SMTPFrom,
		})
	}
	if cfg.SMSEnabled {
		chs["sms"] = channels.NewSMS(cfg.SMSProviderSID, cfg.SMSProviderTok, cfg.SMSProviderFrom)
	}
	if cfg.SlackWebhookURL != "" {
		chs["slack"] = channels.NewSlack(cfg.SlackWebhookURL)
	}
	if cfg.DiscordWebhookURL != "" {
		chs["discord"] = channels.NewDiscord(cfg.DiscordWebhookURL)
	}
	if cfg.PushEnabled() {
		chs["push"] = channels.NewPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
	}
	return chs
}

// replayUnresolvedAlerts re-enqueues every currently unresolved alert to the
// notifier on startup, per the NOTIFIER_REPLAY_UNRESOLVED opt-in (DESIGN.md
// Open Question resolution). Distinct from the notifier's own durable-queue
// replay, which redelivers jobs left over from a prior crash rather than
// re-deriving jobs from the alert table.
func replayUnresolvedAlerts(ctx context.Context, repo *storage.Repository, notif *notifier.Notifier, logger *slog.Logger) {
	unresolved := false
	alerts, err := repo.ListAlerts(ctx, model.AlertFilter{ResolvedFilter: &unresolved})
	if err != nil {
		logger.Error("failed to list unresolved alerts for replay", slog.Any("error", err))
		return
	}
	if len(alerts) == 0 {
		return
	}
	logger.Info("replaying unresolved alerts to notifier", slog.Int("count", len(alerts)))
	for _, a := range alerts {
		if err := notif.Enqueue(ctx, a); err != nil {
			logger.Error("failed to enqueue unresolved alert for replay", slog.String("alert_id", a.ID), slog.Any("error", err))
		}
	}
}

// waitForBusConnection polls sub.Connected() until it reports true or ctx
// is cancelled, implementing the exit-code-4 startup check (§6).
func waitForBusConnection(ctx context.Context, sub *bus.Subscriber, pollInterval time.Duration) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if sub.Connected() {
			return true
		}
		select {
		case <-ctx.Done():
			return sub.Connected()
		case <-ticker.C:
		}
	}
}

// metricsUpdater periodically refreshes the gauges that have no single
// natural call site (offline sensor count, bus connectivity).
func metricsUpdater(ctx context.Context, met *metrics.Metrics, repo *storage.Repository, sub *bus.Subscriber, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sub.Connected() {
				met.BusConnected.Set(1)
			} else {
				met.BusConnected.Set(0)
			}
			offline, err := repo.ListSensors(ctx, model.SensorFilter{Status: model.SensorOffline})
			if err == nil {
				met.SensorsOffline.Set(float64(len(offline)))
			}
		}
	}
}

// statsAdapter implements control.StatsProvider over the pipeline and
// notifier's own Stats snapshots, keeping internal/control's dependency
// surface free of internal/pipeline and internal/notifier.
type statsAdapter struct {
	pipeline *pipeline.Pipeline
	notifier *notifier.Notifier
	bus      *bus.Subscriber
}

func (a *statsAdapter) Stats() control.Stats {
	ps := a.pipeline.Stats()
	ns := a.notifier.Stats()
	return control.Stats{
		Pipeline: control.PipelineStats{UptimeSeconds: ps.UptimeSeconds, Processed: ps.Processed, Dropped: ps.Dropped},
		Notifier: control.NotifierStats{QueueDepth: ns.QueueDepth, Success: ns.Success, Failure: ns.Failure},
		BusUp:    a.bus.Connected(),
	}
}

// loadJWTPublicKey parses pem as a PEM-encoded RSA public key. An empty pem
// returns (nil, nil), signalling that control-surface authentication is
// disabled.
func loadJWTPublicKey(pem string) (*rsa.PublicKey, error) {
	if pem == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse JWT_PUBLIC_KEY: %w", err)
	}
	return key, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
