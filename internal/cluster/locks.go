// Package cluster shares relay state between relay instances through redis.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/relay"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "collabroom:lock:"

var errMissingClient = errors.New("cluster: redis client required")

// releaseScript deletes the lock only when the caller's session holds it.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local decoded = cjson.decode(current)
if decoded["session_id"] == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// RedisLockStore keeps editing locks in redis so every relay instance sees
// the same holder. Expiry is delegated to key TTLs.
type RedisLockStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// NewRedisLockStore wraps client as a relay.LockStore.
func NewRedisLockStore(client redis.UniversalClient, clock func() time.Time) (*RedisLockStore, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisLockStore{client: client, clock: clock}, nil
}

func lockKey(pageID string) string {
	return lockKeyPrefix + pageID
}

func (s *RedisLockStore) Acquire(ctx context.Context, lock relay.EditingLock) error {
	if lock.PageID == "" || lock.UserID == "" || lock.SessionID == "" {
		return relay.ErrInvalidLock
	}
	encoded, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("cluster: encode lock: %w", err)
	}
	var ttl time.Duration
	if !lock.ExpiresAt.IsZero() {
		ttl = lock.ExpiresAt.Sub(s.clock())
		if ttl <= 0 {
			return s.client.Del(ctx, lockKey(lock.PageID)).Err()
		}
	}
	return s.client.Set(ctx, lockKey(lock.PageID), encoded, ttl).Err()
}

func (s *RedisLockStore) Release(ctx context.Context, pageID, sessionID string) (bool, error) {
	released, err := releaseScript.Run(ctx, s.client, []string{lockKey(pageID)}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("cluster: release lock: %w", err)
	}
	return released == 1, nil
}

func (s *RedisLockStore) Get(ctx context.Context, pageID string) (relay.EditingLock, bool, error) {
	encoded, err := s.client.Get(ctx, lockKey(pageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return relay.EditingLock{}, false, nil
	}
	if err != nil {
		return relay.EditingLock{}, false, fmt.Errorf("cluster: read lock: %w", err)
	}
	var lock relay.EditingLock
	if err := json.Unmarshal(encoded, &lock); err != nil {
		return relay.EditingLock{}, false, fmt.Errorf("cluster: decode lock: %w", err)
	}
	return lock, true, nil
}
