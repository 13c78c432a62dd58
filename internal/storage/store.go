package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store archives jobs that failed for good so they can be inspected after the
// queue's retention removed them from Redis.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

type FailedJob struct {
	QueueID      string          `json:"queueId"`
	JobID        string          `json:"jobId"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	FailedReason string          `json:"failedReason"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedAt     time.Time       `json:"failedAt"`
	ArchivedAt   time.Time       `json:"archivedAt"`
}

// InsertFailedJob stores j. Archiving the same job twice keeps the first copy.
func (s *Store) InsertFailedJob(ctx context.Context, j FailedJob) error {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.Exec(ctx, `insert into failed_jobs(
queue_id, job_id, name, payload, failed_reason, attempts_made, failed_at
) values ($1,$2,$3,$4,$5,$6,$7)
on conflict (queue_id, job_id) do nothing`,
		j.QueueID, j.JobID, j.Name, []byte(payload), j.FailedReason, j.AttemptsMade, j.FailedAt,
	)
	return errors.Wrapf(err, "archive job %s of %s", j.JobID, j.QueueID)
}

// ListFailedJobs returns the newest archived failures of a queue.
func (s *Store) ListFailedJobs(ctx context.Context, queueID string, limit int) ([]FailedJob, error) {
	rows, err := s.db.Query(ctx, `select queue_id, job_id, name, payload, failed_reason, attempts_made, failed_at, archived_at
from failed_jobs where queue_id = $1 order by failed_at desc limit $2`, queueID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list failed jobs of %s", queueID)
	}
	defer rows.Close()

	var out []FailedJob
	for rows.Next() {
		var (
			j       FailedJob
			payload []byte
		)
		if err := rows.Scan(&j.QueueID, &j.JobID, &j.Name, &payload, &j.FailedReason, &j.AttemptsMade, &j.FailedAt, &j.ArchivedAt); err != nil {
			return nil, errors.Wrap(err, "scan failed job")
		}
		j.Payload = payload
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate failed jobs")
}
