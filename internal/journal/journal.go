// Package journal records dispatcher and job lifecycle events in SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/log"
)

// timeFormat has fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Status is the last recorded state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusAbandoned  Status = "abandoned"
)

var jobStatus = map[dispatch.EventKind]Status{
	dispatch.EventJobSent:       StatusSent,
	dispatch.EventJobResolved:   StatusResolved,
	dispatch.EventJobSuppressed: StatusSuppressed,
	dispatch.EventJobFailed:     StatusFailed,
	dispatch.EventJobCancelled:  StatusCancelled,
	dispatch.EventJobAbandoned:  StatusAbandoned,
}

// Record is one job_log row.
type Record struct {
	DispatcherID string          `json:"dispatcher_id"`
	JobID        int64           `json:"job_id"`
	Task         string          `json:"task"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Journal is a dispatch.Observer persisting every event it sees.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ dispatch.Observer = (*Journal)(nil)

// New returns a journal writing to db (see storage.OpenSQLite).
func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: log.WithComponent("journal")}
}

// Observe implements dispatch.Observer. Write failures are logged, never
// returned to the dispatcher.
func (j *Journal) Observe(e dispatch.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		j.logger.Warn("failed to journal event", "kind", e.Kind, "dispatcher_id", e.DispatcherID, "job_id", e.JobID, "error", err)
	}
}

// Record applies one event.
func (j *Journal) Record(ctx context.Context, e dispatch.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(timeFormat)

	switch e.Kind {
	case dispatch.EventStarted:
		_, err := j.db.ExecContext(ctx, `
INSERT INTO dispatcher_log(id, task, status, started_at)
VALUES(?, ?, 'running', ?)
ON CONFLICT(id) DO NOTHING;
`, e.DispatcherID, e.Task, ts)
		if err != nil {
			return fmt.Errorf("insert dispatcher_log: %w", err)
		}
		return nil

	case dispatch.EventReady:
		return j.updateDispatcher(ctx, e.DispatcherID, "ready", "", "")

	case dispatch.EventTerminated:
		return j.updateDispatcher(ctx, e.DispatcherID, "terminated", "", ts)

	case dispatch.EventFailed:
		return j.updateDispatcher(ctx, e.DispatcherID, "failed", e.Error, ts)

	case dispatch.EventJobQueued:
		return j.insertJob(ctx, e, ts)
	}

	status, ok := jobStatus[e.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	_, err := j.db.ExecContext(ctx, `
UPDATE job_log
SET status = ?, output = COALESCE(?, output), last_error = COALESCE(?, last_error), updated_at = ?
WHERE dispatcher_id = ? AND job_id = ?;
`, status, nullJSON(e.Output), nullString(e.Error), ts, e.DispatcherID, e.JobID)
	if err != nil {
		return fmt.Errorf("update job_log: %w", err)
	}
	return nil
}

func (j *Journal) updateDispatcher(ctx context.Context, id, status, lastError, endedAt string) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE dispatcher_log
SET status = ?, last_error = COALESCE(?, last_error), ended_at = COALESCE(?, ended_at)
WHERE id = ?;
`, status, nullString(lastError), nullString(endedAt), id)
	if err != nil {
		return fmt.Errorf("update dispatcher_log: %w", err)
	}
	return nil
}

func (j *Journal) insertJob(ctx context.Context, e dispatch.Event, ts string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A journal attached late still gets a parent row.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO dispatcher_log(id, task, status, started_at)
VALUES(?, ?, 'running', ?)
ON CONFLICT(id) DO NOTHING;
`, e.DispatcherID, e.Task, ts); err != nil {
		return fmt.Errorf("ensure dispatcher_log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_log(dispatcher_id, job_id, task, status, input, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, e.DispatcherID, e.JobID, e.Task, StatusQueued, nullJSON(e.Input), ts, ts); err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Recent returns the most recently updated jobs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT dispatcher_id, job_id, task, status, input, output, last_error, created_at, updated_at
FROM job_log
ORDER BY updated_at DESC, job_id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r                  Record
			input, output, msg sql.NullString
			created, updated   string
		)
		if err := rows.Scan(&r.DispatcherID, &r.JobID, &r.Task, &r.Status, &input, &output, &msg, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		if input.Valid {
			r.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			r.Output = json.RawMessage(output.String)
		}
		r.LastError = msg.String
		if r.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if r.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// Counts returns the number of jobs per status.
func (j *Journal) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count job_log: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
