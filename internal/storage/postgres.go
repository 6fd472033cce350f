// Package storage is the PostgreSQL-backed repository for sensors, readings,
// alerts, and push subscriptions.
//
// Unlike the alert-batching store this package is adapted from, every write
// here executes synchronously: the pipeline's durability invariant (a bus
// message is only acknowledged once its reading is observable via
// ListReadings) does not hold under a buffer-and-flush design, so the
// background-ticker batching pattern was dropped for these tables. The
// notifier's durable queue (internal/notifier/queue) also writes each job
// synchronously.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// Repository is the PostgreSQL-backed persistence layer for the ingestion
// pipeline and control surface.
type Repository struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// --- Sensor operations ---

// UpsertSensor inserts a new sensor or, on deviceId conflict, updates its
// mutable fields. It returns the effective internal id: on a clean insert
// this equals s.ID; on a conflict the existing row's id is returned
// unchanged, so the identifier stays stable across reconnects even when the
// caller only knows the device's external deviceId.
func (r *Repository) UpsertSensor(ctx context.Context, s model.Sensor) (string, error) {
	var lat, lon, alt *float64
	var city, country *string
	if s.Location != nil {
		lat, lon = &s.Location.Latitude, &s.Location.Longitude
		alt = s.Location.Altitude
		city, country = nullableStr(s.Location.City), nullableStr(s.Location.Country)
	}

	var effectiveID string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sensors
			(id, device_id, model, description, status, last_update,
			 location_lat, location_lon, location_altitude, location_city, location_country, tenant_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_id) DO UPDATE SET
			model             = EXCLUDED.model,
			description       = EXCLUDED.description,
			status            = EXCLUDED.status,
			last_update       = EXCLUDED.last_update,
			location_lat      = EXCLUDED.location_lat,
			location_lon      = EXCLUDED.location_lon,
			location_altitude = EXCLUDED.location_altitude,
			location_city     = EXCLUDED.location_city,
			location_country  = EXCLUDED.location_country,
			tenant_ref        = EXCLUDED.tenant_ref
		RETURNING id`,
		s.ID, s.DeviceID, s.Model, s.Description, string(s.Status), s.LastUpdate,
		lat, lon, alt, city, country, s.TenantRef,
	).Scan(&effectiveID)
	if err != nil {
		return "", fmt.Errorf("upsert sensor: %w", err)
	}
	return effectiveID, nil
}

// FindSensorByDeviceID returns the sensor registered under deviceID, or an
// errs.NotFound error when none exists.
func (r *Repository) FindSensorByDeviceID(ctx context.Context, deviceID string) (*model.Sensor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, device_id, model, description, status, last_update,
		       location_lat, location_lon, location_altitude, location_city, location_country, tenant_ref
		FROM   sensors
		WHERE  device_id = $1`, deviceID)
	s, err := scanSensor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Wrap(errs.NotFound, "sensor not registered: "+deviceID, err)
		}
		return nil, fmt.Errorf("find sensor by device id %s: %w", deviceID, err)
	}
	return s, nil
}

// ListSensors returns sensors matching f, ordered by device_id.
func (r *Repository) ListSensors(ctx context.Context, f model.SensorFilter) ([]model.Sensor, error) {
	query := `
		SELECT id, device_id, model, description, status, last_update,
		       location_lat, location_lon, location_altitude, location_city, location_country, tenant_ref
		FROM   sensors`
	var args []any
	if f.Status != "" {
		query += " WHERE status = $1"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY device_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()

	var sensors []model.Sensor
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensors = append(sensors, *s)
	}
	return sensors, rows.Err()
}

// FindStaleSensors returns ACTIVE sensors whose last_update is older than
// cutoff, used by the offline sweep (§12).
func (r *Repository) FindStaleSensors(ctx context.Context, cutoff time.Time) ([]model.Sensor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, model, description, status, last_update,
		       location_lat, location_lon, location_altitude, location_city, location_country, tenant_ref
		FROM   sensors
		WHERE  status = $1 AND last_update < $2`,
		string(model.SensorActive), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale sensors: %w", err)
	}
	defer rows.Close()

	var sensors []model.Sensor
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensors = append(sensors, *s)
	}
	return sensors, rows.Err()
}

// UpdateSensorStatus sets status on the sensor identified by id.
func (r *Repository) UpdateSensorStatus(ctx context.Context, id string, status model.SensorStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE sensors SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update sensor status %s: %w", id, err)
	}
	return nil
}

// --- Reading operations ---

// SaveReading persists r. A conflict on (sensor_id, timestamp, fingerprint)
// is treated as a duplicate delivery and silently ignored, making the call
// safe to retry after an ack was lost (§8 at-least-once delivery property).
func (r *Repository) SaveReading(ctx context.Context, reading model.Reading) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO readings
			(id, sensor_id, "timestamp", temperature, humidity, co2, voc, pm25, pm10, suspect, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sensor_id, "timestamp", fingerprint) DO NOTHING`,
		reading.ID, reading.SensorID, reading.Timestamp,
		reading.Temperature, reading.Humidity, reading.CO2, reading.VOC, reading.PM25, reading.PM10,
		reading.Suspect, fingerprint(reading),
	)
	if err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	return nil
}

// ListReadings returns readings for sensorID with timestamp in [from, to),
// newest first, capped at limit (a limit <= 0 defaults to 100).
func (r *Repository) ListReadings(ctx context.Context, sensorID string, from, to time.Time, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, sensor_id, "timestamp", temperature, humidity, co2, voc, pm25, pm10, suspect
		FROM   readings
		WHERE  sensor_id = $1 AND "timestamp" >= $2 AND "timestamp" < $3
		ORDER  BY "timestamp" DESC
		LIMIT  $4`,
		sensorID, from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var readings []model.Reading
	for rows.Next() {
		var rd model.Reading
		if err := rows.Scan(
			&rd.ID, &rd.SensorID, &rd.Timestamp,
			&rd.Temperature, &rd.Humidity, &rd.CO2, &rd.VOC, &rd.PM25, &rd.PM10,
			&rd.Suspect,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}

// --- Alert operations ---

// SaveAlert upserts a by id: a fresh candidate inserts a new row, and a
// re-triggered active alert (same id, bumped OccurrenceCount/LastSeen/
// PeakSeverity) updates it in place. Dedup decisions are the caller's
// responsibility (internal/dedup); SaveAlert just persists the outcome.
func (r *Repository) SaveAlert(ctx context.Context, a model.Alert) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alerts
			(id, type, severity, message, sensor_id, triggered_at, last_seen,
			 occurrence_count, reading_snapshot, resolved, resolved_at, peak_severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			severity         = EXCLUDED.severity,
			message          = EXCLUDED.message,
			last_seen        = EXCLUDED.last_seen,
			occurrence_count = EXCLUDED.occurrence_count,
			reading_snapshot = EXCLUDED.reading_snapshot,
			resolved         = EXCLUDED.resolved,
			resolved_at      = EXCLUDED.resolved_at,
			peak_severity    = EXCLUDED.peak_severity`,
		a.ID, string(a.Type), string(a.Severity), a.Message, a.SensorID,
		a.TriggeredAt, a.LastSeen, a.OccurrenceCount, snapshotJSON(a.ReadingSnapshot),
		a.Resolved, a.ResolvedAt, string(a.PeakSeverity),
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// FindActiveAlert returns the unresolved alert for (sensorID, typ), or an
// errs.NotFound error when none is active.
func (r *Repository) FindActiveAlert(ctx context.Context, sensorID string, typ model.AlertType) (*model.Alert, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, severity, message, sensor_id, triggered_at, last_seen,
		       occurrence_count, reading_snapshot, resolved, resolved_at, peak_severity
		FROM   alerts
		WHERE  sensor_id = $1 AND type = $2 AND resolved = FALSE
		LIMIT  1`, sensorID, string(typ))
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Wrap(errs.NotFound, "no active alert", err)
		}
		return nil, fmt.Errorf("find active alert: %w", err)
	}
	return a, nil
}

// FindRecentlyResolvedAlert returns the most recently resolved alert for
// (sensorID, typ) with resolved_at >= since, or an errs.NotFound error when
// none qualifies. Used by the dedup cooldown rule (§4.D).
func (r *Repository) FindRecentlyResolvedAlert(ctx context.Context, sensorID string, typ model.AlertType, since time.Time) (*model.Alert, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, severity, message, sensor_id, triggered_at, last_seen,
		       occurrence_count, reading_snapshot, resolved, resolved_at, peak_severity
		FROM   alerts
		WHERE  sensor_id = $1 AND type = $2 AND resolved = TRUE AND resolved_at >= $3
		ORDER  BY resolved_at DESC
		LIMIT  1`, sensorID, string(typ), since)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Wrap(errs.NotFound, "no recently resolved alert", err)
		}
		return nil, fmt.Errorf("find recently resolved alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts matching f, newest-triggered first.
func (r *Repository) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	query := `
		SELECT id, type, severity, message, sensor_id, triggered_at, last_seen,
		       occurrence_count, reading_snapshot, resolved, resolved_at, peak_severity
		FROM   alerts`
	where := ""
	var args []any
	argIdx := 1
	add := func(clause string, val any) {
		if where == "" {
			where = "WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, argIdx)
		args = append(args, val)
		argIdx++
	}
	if f.SensorID != "" {
		add("sensor_id = $%d", f.SensorID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.ResolvedFilter != nil {
		add("resolved = $%d", *f.ResolvedFilter)
	}

	rows, err := r.pool.Query(ctx, query+" "+where+" ORDER BY triggered_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks the alert identified by id as resolved at resolvedAt.
func (r *Repository) ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alerts SET resolved = TRUE, resolved_at = $2
		WHERE id = $1 AND resolved = FALSE`, id, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "no active alert with id "+id)
	}
	return nil
}

// --- Push subscription operations ---

// SavePushSubscription inserts a subscription or, on endpoint conflict,
// reactivates and refreshes it (a browser re-subscribing after the user
// cleared site data reuses the same endpoint).
func (r *Repository) SavePushSubscription(ctx context.Context, sub model.PushSubscription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO push_subscriptions
			(id, endpoint, p256dh, auth, user_id, user_agent, platform, active,
			 success_count, failure_count, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, 0, $8, $8)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh     = EXCLUDED.p256dh,
			auth       = EXCLUDED.auth,
			user_id    = EXCLUDED.user_id,
			user_agent = EXCLUDED.user_agent,
			platform   = EXCLUDED.platform,
			active     = TRUE,
			failure_count = 0`,
		sub.ID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserID, sub.UserAgent, sub.Platform, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

// RemovePushSubscription deletes the subscription at endpoint.
func (r *Repository) RemovePushSubscription(ctx context.Context, endpoint string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("remove push subscription: %w", err)
	}
	return nil
}

// ListActivePushSubscriptions returns all subscriptions with active = TRUE.
func (r *Repository) ListActivePushSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, endpoint, p256dh, auth, user_id, user_agent, platform, active,
		       success_count, failure_count, created_at, last_used_at
		FROM   push_subscriptions
		WHERE  active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list active push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(
			&s.ID, &s.Endpoint, &s.P256dh, &s.Auth, &s.UserID, &s.UserAgent, &s.Platform, &s.Active,
			&s.SuccessCount, &s.FailureCount, &s.CreatedAt, &s.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// RecordPushAttempt updates delivery counters for endpoint. A successful
// attempt resets the consecutive-failure counter and refreshes last_used_at.
// A failed attempt increments the counter and deactivates the subscription
// once it reaches model.MaxConsecutiveFailures; a permanent failure (410/404
// Gone from the push endpoint) deactivates it immediately instead, on this
// very attempt, independent of the counter (§3 invariant, §4.B, §8 scenario
// 6).
func (r *Repository) RecordPushAttempt(ctx context.Context, endpoint string, success, permanent bool, at time.Time) error {
	var err error
	switch {
	case success:
		_, err = r.pool.Exec(ctx, `
			UPDATE push_subscriptions
			SET success_count = success_count + 1, failure_count = 0, last_used_at = $2
			WHERE endpoint = $1`, endpoint, at)
	case permanent:
		_, err = r.pool.Exec(ctx, `
			UPDATE push_subscriptions
			SET failure_count = failure_count + 1,
			    active = FALSE,
			    last_used_at = $2
			WHERE endpoint = $1`, endpoint, at)
	default:
		_, err = r.pool.Exec(ctx, `
			UPDATE push_subscriptions
			SET failure_count = failure_count + 1,
			    active = (failure_count + 1) < $2,
			    last_used_at = $3
			WHERE endpoint = $1`, endpoint, model.MaxConsecutiveFailures, at)
	}
	if err != nil {
		return fmt.Errorf("record push attempt: %w", err)
	}
	return nil
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanSensor(s scanner) (*model.Sensor, error) {
	var sn model.Sensor
	var status string
	var lat, lon, alt *float64
	var city, country *string
	err := s.Scan(
		&sn.ID, &sn.DeviceID, &sn.Model, &sn.Description, &status, &sn.LastUpdate,
		&lat, &lon, &alt, &city, &country, &sn.TenantRef,
	)
	if err != nil {
		return nil, err
	}
	sn.Status = model.SensorStatus(status)
	if lat != nil && lon != nil {
		sn.Location = &model.Location{Latitude: *lat, Longitude: *lon, Altitude: alt}
		if city != nil {
			sn.Location.City = *city
		}
		if country != nil {
			sn.Location.Country = *country
		}
	}
	return &sn, nil
}

func scanAlert(s scanner) (*model.Alert, error) {
	var a model.Alert
	var typ, severity, peak string
	var snapshot []byte
	err := s.Scan(
		&a.ID, &typ, &severity, &a.Message, &a.SensorID, &a.TriggeredAt, &a.LastSeen,
		&a.OccurrenceCount, &snapshot, &a.Resolved, &a.ResolvedAt, &peak,
	)
	if err != nil {
		return nil, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(severity)
	a.PeakSeverity = model.Severity(peak)
	if err := unmarshalSnapshot(snapshot, &a.ReadingSnapshot); err != nil {
		return nil, fmt.Errorf("decode reading snapshot: %w", err)
	}
	return &a, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// snapshotJSON marshals a reading snapshot for storage in a jsonb column.
// Marshaling a well-formed model.Reading never fails, so the error is
// swallowed in favor of an empty object rather than propagated through every
// alert-writing call site.
func snapshotJSON(r model.Reading) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalSnapshot(b []byte, r *model.Reading) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, r)
}

// fingerprint derives a stable per-payload hash from a reading's channel
// values, used to detect duplicate bus deliveries that share the same
// sensor and timestamp.
func fingerprint(r model.Reading) string {
	h := fnv.New64a()
	for _, v := range []*float64{r.Temperature, r.Humidity, r.CO2, r.VOC, r.PM25, r.PM10} {
		if v == nil {
			h.Write([]byte{0})
			continue
		}
		fmt.Fprintf(h, "%x", *v)
	}
	return fmt.Sprintf("%x", h.Sum64())
}
