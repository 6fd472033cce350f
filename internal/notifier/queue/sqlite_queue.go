// Package queue provides a WAL-mode SQLite-backed durable queue of pending
// notification jobs. It adds Dequeue and Ack operations on top of Enqueue to
// support at-least-once delivery: a job is persisted on Enqueue and is not
// removed until the caller calls Ack for it.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL and synchronous =
// NORMAL. All calls (Enqueue from the notifier's delivery workers,
// Dequeue/Ack from its startup replay) share a single database connection,
// so they are serialized rather than run concurrently.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the job is returned again by the next
// Dequeue call after restart, ensuring every alert notification is attempted
// even across a notifier restart.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/airaware/ingest/internal/model"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed durable queue of notification
// jobs. It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("notifier queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a
	// single connection avoids "database is locked" errors when multiple
	// channel workers call Enqueue/Ack concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifier queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifier queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifier queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM notification_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifier queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS notification_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id    TEXT    NOT NULL,
    channel     TEXT    NOT NULL,
    recipient   TEXT    NOT NULL,
    alert_json  TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_notification_queue_pending
    ON notification_queue (delivered, id);
`

// Job is one pending notification: deliver alert to recipient over channel.
// The triple (AlertID, Channel, Recipient) is the idempotency key (§4.E).
type Job struct {
	AlertID   string
	Channel   string
	Recipient string
	Alert     model.Alert
}

// PendingJob is an unacknowledged Job returned by Dequeue. ID is the
// database primary key used to acknowledge the job via Ack.
type PendingJob struct {
	ID  int64
	Job Job
}

// Enqueue persists job. It is stored with delivered = 0 and is included in
// subsequent Dequeue results until Ack is called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) error {
	alertJSON, err := json.Marshal(job.Alert)
	if err != nil {
		return fmt.Errorf("notifier queue: marshal alert: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO notification_queue (alert_id, channel, recipient, alert_json) VALUES (?, ?, ?, ?)`,
		job.AlertID, job.Channel, job.Recipient, string(alertJSON),
	)
	if err != nil {
		return fmt.Errorf("notifier queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n unacknowledged jobs in insertion order (oldest
// first). It does not mark jobs as delivered; call Ack with the returned
// IDs to do that. If n <= 0, Dequeue returns nil without querying the
// database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingJob, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, alert_id, channel, recipient, alert_json
		 FROM   notification_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("notifier queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var jobs []PendingJob
	for rows.Next() {
		var pj PendingJob
		var alertJSON string
		if err := rows.Scan(&pj.ID, &pj.Job.AlertID, &pj.Job.Channel, &pj.Job.Recipient, &alertJSON); err != nil {
			return nil, fmt.Errorf("notifier queue: dequeue scan: %w", err)
		}
		if err := json.Unmarshal([]byte(alertJSON), &pj.Job.Alert); err != nil {
			return nil, fmt.Errorf("notifier queue: dequeue decode alert: %w", err)
		}
		jobs = append(jobs, pj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifier queue: dequeue rows: %w", err)
	}
	return jobs, nil
}

// Ack marks the jobs identified by ids as delivered. Acknowledged jobs are
// excluded from subsequent Dequeue results. Ack is idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE notification_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("notifier queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) jobs.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
