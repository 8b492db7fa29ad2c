// Package worker implements the per-agent execution loop (AgentWorker) and
// the process-wide supervisor that claims agents and keeps them running
// (WorkerManager), together with the Redis-backed coordination primitives
// that let more than one process instance share a fleet of agents safely.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ownershipKeyPrefix and execLockKeyPrefix namespace the two coordination
// keys a running instance touches per agent (§4.8).
const (
	ownershipKeyPrefix = "worker_owner:"
	execLockKeyPrefix  = "exec_lock:agent:"
)

// refreshScript extends the ownership TTL only if the caller's instance id
// still holds the key. Returns 1 on refresh, -1 if the key is gone (the
// caller should attempt a fresh claim), 0 if another instance owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	return 1
elseif redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
else
	return 0
end
`)

// releaseScript deletes the key only if the caller's instance id still owns
// it, so a stale release never clobbers a newer owner's claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrOwnedByOther is returned by Refresh when the key has been claimed by a
// different instance since the caller last held it.
var ErrOwnedByOther = errors.New("worker: ownership key held by another instance")

// InstanceID returns this process's coordination identity, hostname:pid,
// grounded in worker_heartbeat.py's get_worker_instance_id (§4.9).
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// OwnershipManager claims and refreshes worker_owner:<agent_id> keys so that
// at most one process instance runs a given agent at a time (§4.8).
type OwnershipManager struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOwnershipManager builds a manager using the given TTL for every claim
// and refresh (config's ownership_key_ttl_seconds, default 120s).
func NewOwnershipManager(rdb *redis.Client, ttl time.Duration) *OwnershipManager {
	return &OwnershipManager{rdb: rdb, ttl: ttl}
}

func (m *OwnershipManager) key(agentID uuid.UUID) string {
	return ownershipKeyPrefix + agentID.String()
}

// Claim attempts SET NX EX for the agent's ownership key. A false result
// with a nil error means some other instance already owns the agent.
func (m *OwnershipManager) Claim(ctx context.Context, agentID uuid.UUID, instanceID string) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, m.key(agentID), instanceID, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("worker: claim ownership for %s: %w", agentID, err)
	}
	return ok, nil
}

// Refresh extends the TTL on an owned key. It returns ErrOwnedByOther when
// the instance no longer holds the agent (another instance claimed it after
// the key expired), in which case the caller must stop the AgentWorker.
func (m *OwnershipManager) Refresh(ctx context.Context, agentID uuid.UUID, instanceID string) error {
	res, err := refreshScript.Run(ctx, m.rdb, []string{m.key(agentID)}, instanceID, int(m.ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("worker: refresh ownership for %s: %w", agentID, err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		// Key expired outright; reclaim rather than treat this as a hostile
		// takeover, since nobody else may have raced us for it.
		ok, claimErr := m.Claim(ctx, agentID, instanceID)
		if claimErr != nil {
			return claimErr
		}
		if !ok {
			return ErrOwnedByOther
		}
		return nil
	default:
		return ErrOwnedByOther
	}
}

// Release deletes the ownership key, but only if this instance still owns
// it, so a delayed release from a worker that already lost the key can't
// delete a newer owner's claim.
func (m *OwnershipManager) Release(ctx context.Context, agentID uuid.UUID, instanceID string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{m.key(agentID)}, instanceID).Err(); err != nil {
		return fmt.Errorf("worker: release ownership for %s: %w", agentID, err)
	}
	return nil
}

// ExecutionLock is the per-cycle mutex that keeps two instances from ever
// running the same agent's cycle at once, even inside the ownership TTL
// window (§4.8 "Execution lock"). Unlike OwnershipManager it is fail-closed:
// any Redis error is treated as "lock not acquired" so a cycle is skipped
// rather than risking a double run.
type ExecutionLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewExecutionLock builds a lock using config's execution_lock_ttl_seconds
// (default 300s, matching the worst-case cycle timeout).
func NewExecutionLock(rdb *redis.Client, ttl time.Duration) *ExecutionLock {
	return &ExecutionLock{rdb: rdb, ttl: ttl}
}

func (l *ExecutionLock) key(agentID uuid.UUID) string {
	return execLockKeyPrefix + agentID.String()
}

// Acquire returns false both when the lock is already held and when Redis
// itself is unreachable, since either case means the caller must skip this
// cycle.
func (l *ExecutionLock) Acquire(ctx context.Context, agentID uuid.UUID) bool {
	ok, err := l.rdb.SetNX(ctx, l.key(agentID), "1", l.ttl).Result()
	if err != nil {
		return false
	}
	return ok
}

// Release drops the lock early so the next scheduled tick doesn't have to
// wait out the full TTL.
func (l *ExecutionLock) Release(ctx context.Context, agentID uuid.UUID) {
	_ = l.rdb.Del(ctx, l.key(agentID)).Err()
}
