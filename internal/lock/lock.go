// Package lock implements the Redis mutex used by single-consumer periodic
// jobs.
//
// A Mutex moves Unlocked -> Held on Acquire, Held -> CoolingDown on CoolDown
// and back to Unlocked on Release or once the cool-down TTL runs out. While
// Held the TTL is refreshed in the background; cooling down stops the
// refresh so the key expires shortly after a successful run.
package lock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type State int

const (
	Unlocked State = iota
	Held
	CoolingDown
)

func (s State) String() string {
	switch s {
	case Held:
		return "held"
	case CoolingDown:
		return "cooling-down"
	}
	return "unlocked"
}

var ErrNotHeld = errors.New("lock is not held by this owner")

var (
	acquireScript = r.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
	expireScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// Key builds the lock key of a job.
func Key(prefix, jobID, suffix string) string {
	return prefix + ":" + jobID + ":" + suffix
}

type Options struct {
	TTL time.Duration
	// RefreshInterval defaults to a third of TTL.
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

type Mutex struct {
	rdb     r.UniversalClient
	key     string
	owner   string
	ttl     time.Duration
	refresh time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	coolUntil   time.Time
	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

func New(rdb r.UniversalClient, key, owner string, opts Options) *Mutex {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = opts.TTL / 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Mutex{
		rdb:     rdb,
		key:     key,
		owner:   owner,
		ttl:     opts.TTL,
		refresh: opts.RefreshInterval,
		logger:  opts.Logger.With(zap.String("lock", key)),
	}
}

func (m *Mutex) Key() string { return m.key }

func (m *Mutex) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == CoolingDown && !time.Now().Before(m.coolUntil) {
		m.state = Unlocked
	}
	return m.state
}

// Acquire takes the lock, or extends it when this owner already holds it.
// It returns false without error when another owner holds the lock.
func (m *Mutex) Acquire(ctx context.Context) (bool, error) {
	ok, err := acquireScript.Run(ctx, m.rdb, []string{m.key}, m.owner, m.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", m.key)
	}
	if ok == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Held
	m.startRefreshLocked()
	return true, nil
}

// CoolDown stops refreshing and shortens the TTL so the lock expires after
// ttl. Other owners can acquire it from then on.
func (m *Mutex) CoolDown(ctx context.Context, ttl time.Duration) error {
	m.mu.Lock()
	m.stopRefreshLocked()
	m.mu.Unlock()

	if ttl <= 0 {
		return m.Release(ctx)
	}
	ok, err := expireScript.Run(ctx, m.rdb, []string{m.key}, m.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "shorten lock %s", m.key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok == 0 {
		m.state = Unlocked
		return ErrNotHeld
	}
	m.state = CoolingDown
	m.coolUntil = time.Now().Add(ttl)
	return nil
}

// Release deletes the lock if this owner holds it.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	m.stopRefreshLocked()
	m.state = Unlocked
	m.mu.Unlock()

	err := releaseScript.Run(ctx, m.rdb, []string{m.key}, m.owner).Err()
	return errors.Wrapf(err, "release lock %s", m.key)
}

func (m *Mutex) startRefreshLocked() {
	if m.stopRefresh != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopRefresh, m.refreshDone = cancel, done
	go m.refreshLoop(ctx, done)
}

// stopRefreshLocked must be called with mu held. It does not wait for the
// loop to exit, as the loop takes mu itself when the lock is lost.
func (m *Mutex) stopRefreshLocked() {
	if m.stopRefresh == nil {
		return
	}
	m.stopRefresh()
	m.stopRefresh, m.refreshDone = nil, nil
}

func (m *Mutex) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.refresh)
	defer t.Stop()
	ttl := strconv.FormatInt(m.ttl.Milliseconds(), 10)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := expireScript.Run(ctx, m.rdb, []string{m.key}, m.owner, ttl).Int()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("failed to refresh lock", zap.Error(err))
			}
			continue
		}
		if ok == 0 {
			m.logger.Warn("lock lost before refresh")
			m.mu.Lock()
			if m.refreshDone == done {
				m.state = Unlocked
				m.stopRefreshLocked()
			}
			m.mu.Unlock()
			return
		}
	}
}
