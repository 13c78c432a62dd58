package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/jobq/internal/domain"
)

type Options struct {
	Prefix            string
	DefaultJobOptions domain.JobOptions
}

// Queue is a handle over one named queue stored in Redis. It does not own the
// client; closing the queue only stops further use of the handle.
type Queue struct {
	name   string
	rdb    r.UniversalClient
	keys   keys
	opts   Options
	closed atomic.Bool
	now    func() time.Time
}

func New(rdb r.UniversalClient, name string, opts Options) *Queue {
	return &Queue{
		name: name,
		rdb:  rdb,
		keys: newKeys(opts.Prefix, name),
		opts: opts,
		now:  time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Client() r.UniversalClient { return q.rdb }

// WaitUntilReady blocks until Redis answers a PING.
func (q *Queue) WaitUntilReady(ctx context.Context) error {
	return errors.Wrapf(q.rdb.Ping(ctx).Err(), "queue %s not ready", q.name)
}

type BulkJob struct {
	Name string
	Data any
	Opts domain.JobOptions
}

func (q *Queue) Add(ctx context.Context, name string, data any, opts domain.JobOptions) (*Job, error) {
	jobs, err := q.AddBulk(ctx, []BulkJob{{Name: name, Data: data, Opts: opts}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddBulk adds all jobs in a single script call: either every job is stored
// or none is. Jobs whose deduplication id is already taken resolve to the
// existing job id.
func (q *Queue) AddBulk(ctx context.Context, bulk []BulkJob) ([]*Job, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if len(bulk) == 0 {
		return nil, nil
	}

	now := q.now()
	args := []any{q.keys.jobPrefix(), q.keys.dedup(""), len(bulk)}
	jobs := make([]*Job, len(bulk))
	for i, b := range bulk {
		opts := b.Opts.Merge(q.opts.DefaultJobOptions)
		data, err := marshalData(b.Data)
		if err != nil {
			return nil, err
		}
		rawOpts, err := json.Marshal(opts)
		if err != nil {
			return nil, errors.Wrap(err, "encode job options")
		}
		id := opts.JobID
		if id == "" {
			id = uuid.NewString()
		}
		var delayUntil time.Time
		if opts.Delay > 0 {
			delayUntil = now.Add(opts.Delay)
		}
		dedupID, dedupTTL := "", int64(0)
		if opts.Deduplication != nil {
			dedupID, dedupTTL = opts.Deduplication.ID, opts.Deduplication.TTL.Milliseconds()
		}
		failAge, failCount := retentionArgs(opts.RemoveOnFail)
		args = append(args, id, b.Name, string(data), string(rawOpts), timeToMs(now),
			timeToMs(delayUntil), opts.Priority, dedupID, dedupTTL, failAge, failCount)

		jobs[i] = &Job{
			ID:              id,
			Name:            b.Name,
			Data:            data,
			Opts:            opts,
			DeduplicationID: dedupID,
			Timestamp:       time.UnixMilli(now.UnixMilli()),
			DelayUntil:      delayUntil,
			queue:           q,
		}
	}

	ids, err := addJobsScript.Run(ctx, q.rdb, q.keys.script(), args...).StringSlice()
	if err != nil {
		return nil, errors.Wrapf(err, "add %d jobs to %s", len(bulk), q.name)
	}
	for i, id := range ids {
		jobs[i].ID = id
	}
	return jobs, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	return q.jobFromHash(id, h)
}

func (q *Queue) GetJobState(ctx context.Context, id string) (domain.State, error) {
	s, err := jobStateScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), id).Text()
	if err != nil {
		return "", errors.Wrapf(err, "get state of job %s", id)
	}
	if s == "" {
		return "", ErrJobNotFound
	}
	return domain.State(s), nil
}

func (q *Queue) GetJobLogs(ctx context.Context, id string) ([]string, error) {
	logs, err := q.rdb.LRange(ctx, q.keys.logs(id), 0, -1).Result()
	return logs, errors.Wrapf(err, "get logs of job %s", id)
}

// GetJobs returns jobs in the given states, concatenated in state order and
// sliced to the inclusive [start, end] window. Lists are ordered oldest first
// when asc is set, sorted sets by score.
func (q *Queue) GetJobs(ctx context.Context, states []domain.State, start, end int64, asc bool) ([]*Job, error) {
	if start < 0 || end < start {
		return nil, ErrInvalidRange
	}
	if len(states) == 0 {
		return nil, ErrInvalidStates
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*r.StringSliceCmd, 0, len(states))
	for _, s := range states {
		if !s.Valid() {
			return nil, errors.Wrapf(ErrInvalidStates, "unknown state %q", s)
		}
		key := q.keys.state(s)
		switch {
		case isList(s) && asc:
			cmds = append(cmds, pipe.LRange(ctx, key, -(end+1), -1))
		case isList(s):
			cmds = append(cmds, pipe.LRange(ctx, key, 0, end))
		case asc:
			cmds = append(cmds, pipe.ZRange(ctx, key, 0, end))
		default:
			cmds = append(cmds, pipe.ZRevRange(ctx, key, 0, end))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "list jobs of %s", q.name)
	}

	var ids []string
	for i, cmd := range cmds {
		part := cmd.Val()
		if isList(states[i]) && asc {
			for a, b := 0, len(part)-1; a < b; a, b = a+1, b-1 {
				part[a], part[b] = part[b], part[a]
			}
		}
		ids = append(ids, part...)
	}
	if int64(len(ids)) <= start {
		return []*Job{}, nil
	}
	if int64(len(ids)) > end+1 {
		ids = ids[:end+1]
	}
	return q.loadJobs(ctx, ids[start:])
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*Job, error) {
	pipe := q.rdb.Pipeline()
	cmds := make([]*r.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "load jobs of %s", q.name)
	}
	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		j, err := q.jobFromHash(ids[i], h)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *Queue) GetJobCountByTypes(ctx context.Context, states ...domain.State) (int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make([]*r.IntCmd, 0, len(states))
	for _, s := range states {
		if !s.Valid() {
			return 0, errors.Wrapf(ErrInvalidStates, "unknown state %q", s)
		}
		if isList(s) {
			cmds = append(cmds, pipe.LLen(ctx, q.keys.state(s)))
		} else {
			cmds = append(cmds, pipe.ZCard(ctx, q.keys.state(s)))
		}
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "count jobs of %s", q.name)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Remove deletes the job and its logs from every state. Removing a missing
// job returns ErrJobNotFound.
func (q *Queue) Remove(ctx context.Context, id string) error {
	n, err := removeJobScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), id, q.keys.dedup("")).Int()
	if err != nil {
		return errors.Wrapf(err, "remove job %s", id)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *Queue) Pause(ctx context.Context) error {
	err := pauseScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), "1").Err()
	return errors.Wrapf(err, "pause %s", q.name)
}

func (q *Queue) Resume(ctx context.Context) error {
	err := pauseScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), "0").Err()
	return errors.Wrapf(err, "resume %s", q.name)
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	ok, err := q.rdb.HExists(ctx, q.keys.meta(), "paused").Result()
	return ok, errors.Wrapf(err, "check pause of %s", q.name)
}

func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

func (q *Queue) updateField(ctx context.Context, id, field, value string) error {
	n, err := updateJobFieldScript.Run(ctx, q.rdb, []string{q.keys.job(id)}, field, value).Int()
	if err != nil {
		return errors.Wrapf(err, "update %s of job %s", field, id)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// claim moves the next runnable job to active, promoting due delayed jobs
// first. When nothing is runnable it returns the time of the next delayed job,
// if any.
func (q *Queue) claim(ctx context.Context, lockDuration time.Duration) (*Job, time.Time, error) {
	now := q.now()
	res, err := claimJobScript.Run(ctx, q.rdb, q.keys.script(),
		q.keys.jobPrefix(), timeToMs(now), timeToMs(now.Add(lockDuration))).StringSlice()
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "claim job from %s", q.name)
	}
	if len(res) == 0 || res[0] == "" {
		var next time.Time
		if len(res) > 1 {
			if score, err := strconv.ParseFloat(res[1], 64); err == nil {
				next = time.UnixMilli(int64(score))
			}
		}
		return nil, next, nil
	}
	h := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		h[res[i]] = res[i+1]
	}
	j, err := q.jobFromHash(res[0], h)
	return j, time.Time{}, err
}

func (q *Queue) extendLock(ctx context.Context, id string, lockDuration time.Duration) error {
	err := q.rdb.ZAddXX(ctx, q.keys.active(), r.Z{
		Score:  float64(q.now().Add(lockDuration).UnixMilli()),
		Member: id,
	}).Err()
	return errors.Wrapf(err, "extend lock of job %s", id)
}

// retentionArgs maps a retention policy onto the scripts' keep age (ms, 0 =
// forever) and keep count (-1 = all, 0 = remove at once).
func retentionArgs(keep *domain.Retention) (age, count int64) {
	if keep == nil {
		return 0, -1
	}
	age, count = keep.Age.Milliseconds(), keep.Count
	if age == 0 && count == 0 {
		return 0, 0
	}
	if count == 0 {
		count = -1
	}
	return age, count
}

func (q *Queue) finish(ctx context.Context, j *Job, target domain.State, field, value string, keep *domain.Retention) (int, error) {
	keepAge, keepCount := retentionArgs(keep)
	dedupKey := ""
	if j.DeduplicationID != "" {
		dedupKey = q.keys.dedup(j.DeduplicationID)
	}
	now := q.now()
	atm, err := finishJobScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), j.ID,
		timeToMs(now), string(target), field, value, keepAge, keepCount, dedupKey).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "move job %s to %s", j.ID, target)
	}
	if atm < 0 {
		return 0, ErrJobNotActive
	}
	j.AttemptsMade = atm
	j.FinishedOn = time.UnixMilli(now.UnixMilli())
	return atm, nil
}

func (q *Queue) requeue(ctx context.Context, j *Job, until time.Time, countAttempt bool, reason string) (int, error) {
	count := "0"
	if countAttempt {
		count = "1"
	}
	atm, err := requeueJobScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(), j.ID,
		timeToMs(until), count, reason).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "requeue job %s", j.ID)
	}
	if atm < 0 {
		return 0, ErrJobNotActive
	}
	j.AttemptsMade = atm
	j.DelayUntil = until
	return atm, nil
}

// moveStalledToFailed fails jobs whose lock lapsed more than maxStalled
// times and requeues the rest. The failed jobs are returned as they were
// when failed, even if retention removed them right after.
func (q *Queue) moveStalledToFailed(ctx context.Context, maxStalled int) ([]*Job, error) {
	res, err := stalledJobsScript.Run(ctx, q.rdb, q.keys.script(), q.keys.jobPrefix(),
		timeToMs(q.now()), maxStalled, ErrJobStalled.Error(), q.keys.dedup("")).Slice()
	if err != nil {
		return nil, errors.Wrapf(err, "check stalled jobs of %s", q.name)
	}
	jobs := make([]*Job, 0, len(res))
	for _, entry := range res {
		fields, ok := entry.([]any)
		if !ok || len(fields) == 0 {
			continue
		}
		id, _ := fields[0].(string)
		h := make(map[string]string, (len(fields)-1)/2)
		for i := 1; i+1 < len(fields); i += 2 {
			k, _ := fields[i].(string)
			v, _ := fields[i+1].(string)
			h[k] = v
		}
		j, err := q.jobFromHash(id, h)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
