// Package wsfeed provides an in-process WebSocket broadcaster for the
// control surface's optional operator live feed (§4.G): newly created or
// resolved alerts are fanned out to connected operator dashboards without
// blocking the ingestion pipeline's dedup goroutine. Adapted from the
// teacher's websocket.Broadcaster, generalized from host-intrusion alerts to
// sensor alerts.
package wsfeed

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airaware/ingest/internal/model"
)

// AlertData is the structured alert payload sent to connected dashboards.
type AlertData struct {
	AlertID  string `json:"alertId"`
	SensorID string `json:"sensorId"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	At       string `json:"at"`
}

// AlertMessage is the top-level JSON envelope pushed to feed clients. Type is
// "created" for a new alert, "resolved" for one just resolved.
type AlertMessage struct {
	Type string    `json:"type"`
	Data AlertData `json:"data"`
}

// Client represents a single connected feed client, valid until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of JSON-encoded alert frames, closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans alert events out to every connected feed client. Safe for
// concurrent use; PublishCreated and PublishResolved are non-blocking so a
// slow dashboard never back-pressures the pipeline.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster with the given per-client channel
// buffer depth. bufSize <= 0 uses 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates and stores a new Client under id.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently connected feed clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// PublishCreated broadcasts a newly created (or severity-upgraded) alert.
func (b *Broadcaster) PublishCreated(a model.Alert) { b.publish("created", a) }

// PublishResolved broadcasts an alert that was just resolved.
func (b *Broadcaster) PublishResolved(a model.Alert) { b.publish("resolved", a) }

func (b *Broadcaster) publish(kind string, a model.Alert) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(AlertMessage{
		Type: kind,
		Data: AlertData{
			AlertID:  a.ID,
			SensorID: a.SensorID,
			Type:     string(a.Type),
			Severity: string(a.Severity),
			Message:  a.Message,
			At:       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		b.logger.Error("wsfeed: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("wsfeed: client buffer full, dropping alert", slog.String("client_id", c.id))
		}
		return true
	})
}

// Close unregisters and closes every connected client. After Close,
// PublishCreated and PublishResolved calls are no-ops.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
