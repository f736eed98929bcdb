package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning means another live task holds the lock. The gateway maps
// it to 409.
var ErrAlreadyRunning = errors.New("task already running")

// Lock TTLs per lock family.
const (
	GradingLockTTL    = 5 * time.Minute
	AssessmentLockTTL = 5 * time.Minute
	CrawlLockTTL      = 2 * time.Hour
)

func GradingLockKey(visitorID string) string    { return "lock:grading:" + visitorID }
func AssessmentLockKey(visitorID string) string { return "lock:assessment:" + visitorID }
func CrawlLockKey(botID string) string          { return "lock:crawl:" + botID }

// compare-and-delete: release only if we still hold the lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// LockStore implements the advisory SET NX EX locks that serialize crawls,
// grading and assessments per target.
type LockStore struct {
	kv    KV
	state *TaskStateStore
}

func NewLockStore(kv KV) *LockStore {
	return &LockStore{kv: kv, state: NewTaskStateStore(kv)}
}

// Acquire takes the lock for taskID. If the lock is already held it inspects
// the holder's TaskState: a stale holder (terminal or unknown) is overwritten,
// a live one yields ErrAlreadyRunning unless force is set. force always
// overwrites, deliberately: the new task id replaces the old one so the
// release law still holds for the newest task.
func (l *LockStore) Acquire(ctx context.Context, key, taskID string, ttl time.Duration, force bool) error {
	if force {
		return l.kv.Set(ctx, key, taskID, ttl)
	}

	ok, err := l.kv.SetNX(ctx, key, taskID, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if ok {
		return nil
	}

	holder, err := l.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Holder expired between SETNX and GET; retry once.
			ok, err = l.kv.SetNX(ctx, key, taskID, ttl)
			if err == nil && ok {
				return nil
			}
			return ErrAlreadyRunning
		}
		return fmt.Errorf("inspect lock %s: %w", key, err)
	}

	status, err := l.state.Status(ctx, holder)
	if err != nil {
		return fmt.Errorf("inspect lock holder %s: %w", holder, err)
	}
	if status != "" && !TerminalStatus(status) {
		return ErrAlreadyRunning
	}

	// Holder is finished or its state evaporated: take over.
	return l.kv.Set(ctx, key, taskID, ttl)
}

// Release deletes the lock only if taskID still holds it.
func (l *LockStore) Release(ctx context.Context, key, taskID string) error {
	_, err := l.kv.Eval(ctx, releaseScript, []string{key}, taskID)
	return err
}

// Holder returns the task id currently holding the lock, or "" if free.
func (l *LockStore) Holder(ctx context.Context, key string) (string, error) {
	v, err := l.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
