// Package redis keeps queue entries in Redis sorted sets. Ready entries are
// scored by their availability time and leased entries by their lease
// deadline; Lua scripts keep add and claim atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/serpqueue/internal/search"
)

// DefaultPrefix namespaces every key the backend writes. The prefix is used
// as a cluster hash tag so every key lands in one slot; claimScript builds
// entry keys from ARGV and relies on that.
const DefaultPrefix = "serpqueue"

// Config holds client connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient dials Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var addScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], 'attempts', ARGV[2], 'available_at', ARGV[3], 'enqueued_at', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claimScript reads entry hashes it cannot list in KEYS; ARGV[3] carries the
// hash-tagged entry prefix so those keys share the slot of KEYS[1].
var claimScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local avail = redis.call('HGET', ARGV[3] .. id, 'available_at')
	if avail then
		redis.call('ZADD', KEYS[1], avail, id)
	end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local h = redis.call('HMGET', ARGV[3] .. id, 'attempts', 'available_at', 'enqueued_at')
return {id, h[1], h[2], h[3]}
`)

var rescheduleScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'attempts', ARGV[2], 'available_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// Backend implements queue.Backend on Redis.
type Backend struct {
	client goredis.UniversalClient
	prefix string
}

// NewBackend wraps client. An empty prefix uses DefaultPrefix. A prefix
// without a hash tag is wrapped in braces.
func NewBackend(client goredis.UniversalClient, prefix string) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: hashTag(prefix)}, nil
}

func hashTag(prefix string) string {
	open := strings.Index(prefix, "{")
	if open >= 0 {
		if closing := strings.Index(prefix[open+1:], "}"); closing > 0 {
			return prefix
		}
	}
	return "{" + prefix + "}"
}

func (b *Backend) readyKey() string { return b.prefix + ":ready" }

func (b *Backend) leasedKey() string { return b.prefix + ":leased" }

func (b *Backend) entryPrefix() string { return b.prefix + ":entry:" }

func (b *Backend) entryKey(id string) string { return b.entryPrefix() + id }

// Add stores entry unless the job is already queued.
func (b *Backend) Add(ctx context.Context, entry search.QueueEntry) (bool, error) {
	added, err := addScript.Run(ctx, b.client,
		[]string{b.readyKey(), b.entryKey(entry.JobID)},
		entry.JobID, entry.Attempts, entry.AvailableAt.UnixMilli(), entry.EnqueuedAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis add: %w", err)
	}
	return added == 1, nil
}

// Claim moves the oldest ready entry into the leased set. Expired leases are
// returned to the ready set first.
func (b *Backend) Claim(ctx context.Context, now time.Time, lease time.Duration) (search.QueueEntry, bool, error) {
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.readyKey(), b.leasedKey()},
		now.UnixMilli(), now.Add(lease).UnixMilli(), b.entryPrefix(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return search.QueueEntry{}, false, nil
	}
	if err != nil {
		return search.QueueEntry{}, false, fmt.Errorf("redis claim: %w", err)
	}
	if len(res) != 4 {
		return search.QueueEntry{}, false, fmt.Errorf("redis claim: unexpected reply %v", res)
	}
	return decodeEntry(res)
}

// Reschedule stores the new attempt count and deadline and releases the lease.
func (b *Backend) Reschedule(ctx context.Context, entry search.QueueEntry) error {
	ok, err := rescheduleScript.Run(ctx, b.client,
		[]string{b.readyKey(), b.leasedKey(), b.entryKey(entry.JobID)},
		entry.JobID, entry.Attempts, entry.AvailableAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis reschedule: %w", err)
	}
	if ok == 0 {
		return search.ErrNotFound
	}
	return nil
}

// Remove deletes every trace of jobID.
func (b *Backend) Remove(ctx context.Context, jobID string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.readyKey(), jobID)
		pipe.ZRem(ctx, b.leasedKey(), jobID)
		pipe.Del(ctx, b.entryKey(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

func decodeEntry(res []string) (search.QueueEntry, bool, error) {
	attempts, err := strconv.Atoi(res[1])
	if err != nil {
		return search.QueueEntry{}, false, fmt.Errorf("decode attempts: %w", err)
	}
	available, err := strconv.ParseInt(res[2], 10, 64)
	if err != nil {
		return search.QueueEntry{}, false, fmt.Errorf("decode available_at: %w", err)
	}
	enqueued, err := strconv.ParseInt(res[3], 10, 64)
	if err != nil {
		return search.QueueEntry{}, false, fmt.Errorf("decode enqueued_at: %w", err)
	}
	return search.QueueEntry{
		JobID:       res[0],
		Attempts:    attempts,
		AvailableAt: time.UnixMilli(available).UTC(),
		EnqueuedAt:  time.UnixMilli(enqueued).UTC(),
	}, true, nil
}
