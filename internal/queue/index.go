package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const (
	IndexKey              = "background-jobs-common:background-job:queues"
	DefaultIndexRetention = 30 * 24 * time.Hour
)

// Index is the shared sorted set of queue ids scored by when they were last
// active. Dashboards read it to discover queues; entries older than the
// retention window are pruned on read.
type Index struct {
	rdb       r.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewIndex(rdb r.UniversalClient, retention time.Duration) *Index {
	if retention <= 0 {
		retention = DefaultIndexRetention
	}
	return &Index{rdb: rdb, retention: retention, now: time.Now}
}

func (i *Index) Upsert(ctx context.Context, queueIDs ...string) error {
	if len(queueIDs) == 0 {
		return nil
	}
	score := float64(i.now().UnixMilli())
	members := make([]r.Z, len(queueIDs))
	for n, id := range queueIDs {
		members[n] = r.Z{Score: score, Member: id}
	}
	return errors.Wrap(i.rdb.ZAdd(ctx, IndexKey, members...).Err(), "upsert queue index")
}

func (i *Index) List(ctx context.Context) ([]string, error) {
	cutoff := i.now().Add(-i.retention).UnixMilli()
	pipe := i.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, IndexKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	ids := pipe.ZRange(ctx, IndexKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "list queue index")
	}
	return ids.Val(), nil
}
