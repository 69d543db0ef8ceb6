package audit

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// tenantLocks enforces the per-tenant single-writer discipline inside
// one process. Stripes bound memory for high-cardinality tenant sets;
// two tenants sharing a stripe serialize against each other, which is
// harmless.
type tenantLocks struct {
	stripes []sync.Mutex
}

const lockStripes = 64

func newTenantLocks() *tenantLocks {
	return &tenantLocks{stripes: make([]sync.Mutex, lockStripes)}
}

// lock acquires the stripe for the tenant and returns it for deferred
// unlock.
func (l *tenantLocks) lock(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m
}

// TenantLocker extends the single-writer discipline across processes.
// The in-process stripes already serialize one node; deployments with
// several appenders over a shared journal wire a distributed locker.
type TenantLocker interface {
	// Lock blocks until the tenant's writer lock is held or ctx ends.
	// The returned release function must be called exactly once.
	Lock(ctx context.Context, tenantID string) (release func(), err error)
}

// redisUnlockScript releases the lock only when the holder token still
// matches, so an expired-and-reacquired lock is never deleted by the
// old holder.
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTenantLocker implements TenantLocker on a shared Redis. The lock
// is a SET NX with a TTL, released by a compare-and-delete script.
type RedisTenantLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisTenantLocker wraps the client. A non-positive ttl defaults
// to 5s; it bounds how long a crashed holder can stall a tenant.
func NewRedisTenantLocker(client *redis.Client, ttl time.Duration) *RedisTenantLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisTenantLocker{
		client: client,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		logger: slog.Default().With("component", "audit.tenantlock"),
	}
}

// Lock polls SET NX until the lock is acquired or ctx ends.
func (l *RedisTenantLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	key := "dispatch:audit:writer:" + tenantID
	token := uuid.Must(uuid.NewV7()).String()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("audit: acquire tenant lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := redisUnlockScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("tenant lock release failed", "tenant_id", tenantID, "error", err)
		}
	}
	return release, nil
}
