// Package bus subscribes to the MQTT sensor bus and hands received payloads
// to a caller-supplied handler.
//
// # Reconnection
//
// If the broker connection drops for any reason, the subscriber reconnects
// automatically using exponential backoff: each successive failure doubles
// the wait interval up to MaxBackoff, after which every retry waits
// MaxBackoff. A successful (re)connection resets the backoff interval so a
// single transient fault is not penalised on the next one. This mirrors the
// reconnect loop the teacher uses for its gRPC transport, adapted from a
// bidirectional stream to a pub/sub subscription.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/airaware/ingest/internal/errs"
)

const (
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff      = 60 * time.Second
	defaultConnectTimeout  = 30 * time.Second
)

// MaxAttemptsPerOutage is the number of reconnect attempts, from the
// exponential-backoff schedule, allowed within one outage window before a
// persistent errs.BrokerUnavailable condition is surfaced. Retries continue
// past the cap at the capped interval rather than stopping (§4.C).
const MaxAttemptsPerOutage = 10

// Handler processes one message received on the subscribed topic. ack must
// be called once the message has been durably handled (persisted, or
// rejected as BadPayload) — the subscriber never auto-acknowledges, so the
// broker redelivers anything the handler leaves un-acked on disconnect
// (§4.C/§4.F: a message is only acknowledged after persistence and
// evaluation complete).
type Handler func(topic string, payload []byte, ack func())

// Config holds the subscriber's connection parameters.
type Config struct {
	// BrokerURL is the MQTT broker address, e.g. "tcp://localhost:1883".
	BrokerURL string

	// Topic is the subscription topic filter, e.g. "airaware/sensors/+/readings".
	Topic string

	// QoS is the MQTT quality-of-service level (0, 1, or 2).
	QoS byte

	// ClientID identifies this subscriber to the broker.
	ClientID string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 5 seconds when zero (§4.C).
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 60
	// seconds when zero (§4.C).
	MaxBackoff time.Duration

	// ConnectTimeout limits how long one connection attempt waits for the
	// broker handshake to complete. Defaults to 30 seconds when zero.
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Subscriber is a reconnecting MQTT subscription over the sensor bus.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Subscriber with the given configuration and logger. Call
// [Subscriber.Start] to begin connecting.
func New(cfg Config, logger *slog.Logger) *Subscriber {
	cfg.applyDefaults()
	return &Subscriber{cfg: cfg, logger: logger}
}

// Start launches a background goroutine that connects to the broker,
// subscribes to cfg.Topic, and invokes handler for every received message.
// It keeps the subscription alive with exponential-backoff reconnection
// until ctx is cancelled or [Subscriber.Stop] is called.
func (s *Subscriber) Start(ctx context.Context, handler Handler) {
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.connectLoop(connectCtx, handler)
}

// Stop cancels the connection loop and waits for it to exit. Safe to call
// more than once.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Connected reports whether the subscriber currently holds a live
// connection to the broker.
func (s *Subscriber) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// connectLoop reconnects with exponential backoff doubling from
// InitialBackoff up to MaxBackoff. Attempts are counted per outage window: a
// window begins at the first failed connect after a successful subscription
// (or at process start) and ends once a connection is re-established. Once
// the window's attempt count exceeds MaxAttemptsPerOutage, a persistent
// errs.BrokerUnavailable condition is logged and retries continue at the
// capped interval rather than stopping (§4.C).
func (s *Subscriber) connectLoop(ctx context.Context, handler Handler) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // uncapped by elapsed time; capped by attempts instead
	b.Reset()

	attempts := 0
	surfacedUnavailable := false

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("bus: connecting", slog.String("broker", s.cfg.BrokerURL), slog.String("topic", s.cfg.Topic))

		wasConnected, err := s.connect(ctx, handler)
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
			attempts = 0
			surfacedUnavailable = false
		}
		if err != nil {
			s.logger.Warn("bus: connection ended", slog.Any("error", err))
		}

		attempts++
		if attempts > MaxAttemptsPerOutage && !surfacedUnavailable {
			surfacedUnavailable = true
			unavailable := errs.New(errs.BrokerUnavailable,
				fmt.Sprintf("bus: broker unreachable after %d attempts; continuing at capped interval", MaxAttemptsPerOutage))
			s.logger.Error("bus: persistent outage", slog.Any("error", unavailable))
		}

		wait := nextReconnectWait(b, attempts, s.cfg.MaxBackoff)
		s.logger.Info("bus: will reconnect", slog.Duration("after", wait), slog.Int("attempt", attempts))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// nextReconnectWait returns how long connectLoop should wait before the next
// attempt: b's normal exponential-backoff schedule, except once attempts has
// exceeded MaxAttemptsPerOutage (or b reports it would stop retrying), in
// which case it clamps to maxBackoff and keeps retrying at that interval
// rather than giving up (§4.C).
func nextReconnectWait(b *backoff.ExponentialBackOff, attempts int, maxBackoff time.Duration) time.Duration {
	wait := b.NextBackOff()
	if attempts > MaxAttemptsPerOutage || wait == backoff.Stop {
		return maxBackoff
	}
	return wait
}

// connect performs one connection lifecycle: dial, subscribe, block until
// the connection is lost or ctx is cancelled. It returns (true, err) once
// the subscription was successfully established before failing, or
// (false, err) when the initial connect itself failed.
func (s *Subscriber) connect(ctx context.Context, handler Handler) (wasConnected bool, err error) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(false).
		SetAutoAckDisabled(true).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return false, fmt.Errorf("bus: connect timed out after %s", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return false, fmt.Errorf("bus: connect: %w", err)
	}
	defer client.Disconnect(250)

	subToken := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload(), msg.Ack)
	})
	if !subToken.WaitTimeout(s.cfg.ConnectTimeout) {
		return false, fmt.Errorf("bus: subscribe timed out after %s", s.cfg.ConnectTimeout)
	}
	if err := subToken.Error(); err != nil {
		return false, fmt.Errorf("bus: subscribe %s: %w", s.cfg.Topic, err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("bus: subscribed", slog.String("topic", s.cfg.Topic))

	select {
	case <-ctx.Done():
		return true, nil
	case err := <-lost:
		return true, err
	}
}
