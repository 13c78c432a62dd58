package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/jobq/internal/domain"
)

type Job struct {
	ID              string
	Name            string
	Data            json.RawMessage
	Opts            domain.JobOptions
	AttemptsMade    int
	AttemptsStarted int
	StalledCounter  int
	Progress        int
	ReturnValue     json.RawMessage
	FailedReason    string
	DeduplicationID string
	Timestamp       time.Time
	ProcessedOn     time.Time
	FinishedOn      time.Time
	DelayUntil      time.Time

	queue  *Queue
	locals sync.Map
}

// Queue returns the queue the job was loaded from.
func (j *Job) Queue() *Queue { return j.queue }

// SetLocal stores a value on this in-memory job instance. Locals are never
// written to Redis.
func (j *Job) SetLocal(key, value any) { j.locals.Store(key, value) }

func (j *Job) Local(key any) (any, bool) { return j.locals.Load(key) }

// Attempts is the configured maximum number of attempts, at least 1.
func (j *Job) Attempts() int {
	if j.Opts.Attempts < 1 {
		return 1
	}
	return j.Opts.Attempts
}

func (j *Job) Decode(v any) error {
	return errors.Wrap(json.Unmarshal(j.Data, v), "decode job data")
}

func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if err := j.queue.updateField(ctx, j.ID, "progress", strconv.Itoa(progress)); err != nil {
		return err
	}
	j.Progress = progress
	return nil
}

// UpdateData replaces the job payload. It fails with ErrJobNotFound when the
// job has already been removed.
func (j *Job) UpdateData(ctx context.Context, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	if err := j.queue.updateField(ctx, j.ID, "data", string(raw)); err != nil {
		return err
	}
	j.Data = raw
	return nil
}

// Log appends a line to the job's log history. Once the job is removed
// nothing is written and ErrJobNotFound is returned.
func (j *Job) Log(ctx context.Context, line string) error {
	n, err := appendLogScript.Run(ctx, j.queue.rdb,
		[]string{j.queue.keys.job(j.ID), j.queue.keys.logs(j.ID)}, line, j.Opts.KeepLogs).Int()
	if err != nil {
		return errors.Wrapf(err, "append log to job %s", j.ID)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ClearLogs keeps only the newest keep lines (none when keep is 0).
func (j *Job) ClearLogs(ctx context.Context, keep int64) error {
	key := j.queue.keys.logs(j.ID)
	var err error
	if keep > 0 {
		err = j.queue.rdb.LTrim(ctx, key, -keep, -1).Err()
	} else {
		err = j.queue.rdb.Del(ctx, key).Err()
	}
	return errors.Wrapf(err, "clear logs of job %s", j.ID)
}

func (j *Job) State(ctx context.Context) (domain.State, error) {
	return j.queue.GetJobState(ctx, j.ID)
}

func (j *Job) Remove(ctx context.Context) error {
	return j.queue.Remove(ctx, j.ID)
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	raw, err := json.Marshal(data)
	return raw, errors.Wrap(err, "encode job data")
}

func (q *Queue) jobFromHash(id string, h map[string]string) (*Job, error) {
	j := &Job{
		ID:              id,
		Name:            h["name"],
		Data:            json.RawMessage(h["data"]),
		FailedReason:    h["failedReason"],
		DeduplicationID: h["deid"],
		queue:           q,
	}
	if opts := h["opts"]; opts != "" {
		if err := json.Unmarshal([]byte(opts), &j.Opts); err != nil {
			return nil, errors.Wrapf(err, "decode options of job %s", id)
		}
	}
	if rv := h["returnvalue"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}
	j.AttemptsMade = atoi(h["atm"])
	j.AttemptsStarted = atoi(h["ats"])
	j.StalledCounter = atoi(h["stc"])
	j.Progress = atoi(h["progress"])
	j.Timestamp = msToTime(h["timestamp"])
	j.ProcessedOn = msToTime(h["processedOn"])
	j.FinishedOn = msToTime(h["finishedOn"])
	j.DelayUntil = msToTime(h["delay"])
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeToMs(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
