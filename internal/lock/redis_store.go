package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// fieldSep separates owner and type in hash field names. A control character
// keeps it out of any plausible owner identifier.
const fieldSep = "\x1f"

// redisEntry is the JSON value stored per hash field. Timestamps are unix
// milliseconds so the Lua scripts can compare them numerically.
type redisEntry struct {
	ID        string `json:"id"`
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// RedisStore implements Store on Redis. Each (resource, scope) pair is one
// hash keyed by owner and type; the conflict check and the write happen in a
// single Lua script, so the conditional write is atomic. Key-level TTLs only
// garbage-collect; the authoritative expiry is the expiresAt inside each
// entry, evaluated at read and acquire time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets a prefix for all lock keys in Redis.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed lock store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "govlock:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(resourceID string, scope Scope) string {
	return s.prefix + resourceID + ":" + string(scope)
}

// acquireScript performs the conflict check and the create-or-refresh in one
// atomic step. Returns {1, id, createdAtMs, expiresAtMs} on success and
// {0, holder, type, expiresAtMs} on conflict.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local typ = ARGV[2]
local now = tonumber(ARGV[3])
local expires = tonumber(ARGV[4])
local newid = ARGV[5]
local scope = ARGV[6]
local sep = string.char(31)

local entries = redis.call('HGETALL', key)
local holder = nil
local holderType = nil
local holderExpires = 0
for i = 1, #entries, 2 do
	local field = entries[i]
	local val = cjson.decode(entries[i+1])
	local p = string.find(field, sep, 1, true)
	local fowner = string.sub(field, 1, p - 1)
	local ftype = string.sub(field, p + 1)
	if val.expiresAt > now and fowner ~= owner and (typ == 'EXCLUSIVE' or ftype == 'EXCLUSIVE') then
		if val.expiresAt > holderExpires then
			holder = fowner
			holderType = ftype
			holderExpires = val.expiresAt
		end
	end
end
if holder then
	return {0, holder, holderType, string.format('%.0f', holderExpires)}
end

local field = owner .. sep .. typ
local id = newid
local created = now
local existing = redis.call('HGET', key, field)
if existing then
	local e = cjson.decode(existing)
	if e.expiresAt > now then
		id = e.id
		created = e.createdAt
	end
end
redis.call('HSET', key, field, cjson.encode({id = id, scope = scope, createdAt = created, expiresAt = expires}))
local ttl = redis.call('PTTL', key)
if ttl < expires - now then
	redis.call('PEXPIRE', key, expires - now)
end
return {1, id, string.format('%.0f', created), string.format('%.0f', expires)}
`)

// renewScript extends every live entry the owner holds on the pair. Returns
// {1, id, type, createdAtMs} when something was extended, {-2} when another
// party holds the pair, {-1} when the owner's lease has lapsed or is absent.
var renewScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local expires = tonumber(ARGV[3])
local sep = string.char(31)

local entries = redis.call('HGETALL', key)
local renewedId = nil
local renewedType = nil
local renewedCreated = 0
local otherHolds = false
for i = 1, #entries, 2 do
	local field = entries[i]
	local val = cjson.decode(entries[i+1])
	local p = string.find(field, sep, 1, true)
	local fowner = string.sub(field, 1, p - 1)
	local ftype = string.sub(field, p + 1)
	if val.expiresAt > now then
		if fowner == owner then
			val.expiresAt = expires
			redis.call('HSET', key, field, cjson.encode(val))
			if renewedType == nil or ftype == 'EXCLUSIVE' then
				renewedId = val.id
				renewedType = ftype
				renewedCreated = val.createdAt
			end
		else
			otherHolds = true
		end
	end
end
if renewedType then
	local ttl = redis.call('PTTL', key)
	if ttl < expires - now then
		redis.call('PEXPIRE', key, expires - now)
	end
	return {1, renewedId, renewedType, string.format('%.0f', renewedCreated)}
end
if otherHolds then
	return {-2}
end
return {-1}
`)

// forceReleaseScript counts live entries and drops the whole pair.
var forceReleaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local entries = redis.call('HGETALL', KEYS[1])
local n = 0
for i = 1, #entries, 2 do
	if cjson.decode(entries[i+1]).expiresAt > now then
		n = n + 1
	end
end
redis.call('DEL', KEYS[1])
return n
`)

// Acquire implements Store.Acquire.
func (s *RedisStore) Acquire(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type, lease time.Duration) (*Lock, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(resourceID, scope)},
		ownerID, string(typ), now.UnixMilli(), now.Add(lease).UnixMilli(), uuid.New().String(), string(scope)).Slice()
	if err != nil {
		return nil, fmt.Errorf("run acquire script: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected acquire script reply: %v", res)
	}
	if res[0].(int64) == 0 {
		expiresMs, err := parseMillis(res[3])
		if err != nil {
			return nil, fmt.Errorf("parse conflict expiry: %w", err)
		}
		return nil, &ConflictError{
			HolderID:  res[1].(string),
			Type:      Type(res[2].(string)),
			ExpiresAt: time.UnixMilli(expiresMs),
		}
	}
	createdMs, err := parseMillis(res[2])
	if err != nil {
		return nil, fmt.Errorf("parse created timestamp: %w", err)
	}
	expiresMs, err := parseMillis(res[3])
	if err != nil {
		return nil, fmt.Errorf("parse expiry timestamp: %w", err)
	}
	return &Lock{
		ID:         res[1].(string),
		ResourceID: resourceID,
		Scope:      scope,
		OwnerID:    ownerID,
		Type:       typ,
		IsActive:   true,
		CreatedAt:  time.UnixMilli(createdMs),
		ExpiresAt:  time.UnixMilli(expiresMs),
	}, nil
}

// Renew implements Store.Renew.
func (s *RedisStore) Renew(ctx context.Context, resourceID string, scope Scope, ownerID string, lease time.Duration) (*Lock, error) {
	now := time.Now()
	expiresAt := now.Add(lease)
	res, err := renewScript.Run(ctx, s.client, []string{s.key(resourceID, scope)},
		ownerID, now.UnixMilli(), expiresAt.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("run renew script: %w", err)
	}
	switch res[0].(int64) {
	case 1:
		createdMs, err := parseMillis(res[3])
		if err != nil {
			return nil, fmt.Errorf("parse created timestamp: %w", err)
		}
		return &Lock{
			ID:         res[1].(string),
			ResourceID: resourceID,
			Scope:      scope,
			OwnerID:    ownerID,
			Type:       Type(res[2].(string)),
			IsActive:   true,
			CreatedAt:  time.UnixMilli(createdMs),
			ExpiresAt:  expiresAt,
		}, nil
	case -2:
		return nil, ErrNotOwner
	default:
		return nil, ErrExpired
	}
}

// Release implements Store.Release. Deleting absent fields is a no-op, which
// gives the required idempotence without a script.
func (s *RedisStore) Release(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type) error {
	var fields []string
	if typ == "" {
		fields = []string{ownerID + fieldSep + string(TypeExclusive), ownerID + fieldSep + string(TypeShared)}
	} else {
		fields = []string{ownerID + fieldSep + string(typ)}
	}
	if err := s.client.HDel(ctx, s.key(resourceID, scope), fields...).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ForceRelease implements Store.ForceRelease.
func (s *RedisStore) ForceRelease(ctx context.Context, resourceID string, scope Scope) (int, error) {
	n, err := forceReleaseScript.Run(ctx, s.client, []string{s.key(resourceID, scope)}, time.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("run force release script: %w", err)
	}
	return n, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, resourceID string, scope Scope) ([]*Lock, error) {
	entries, err := s.client.HGetAll(ctx, s.key(resourceID, scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("read locks: %w", err)
	}
	now := time.Now()
	var locks []*Lock
	for field, raw := range entries {
		l, err := decodeEntry(resourceID, field, raw)
		if err != nil {
			return nil, err
		}
		if l.Held(now) {
			locks = append(locks, l)
		}
	}
	return locks, nil
}

// CountActive implements Store.CountActive.
func (s *RedisStore) CountActive(ctx context.Context) (map[Scope]int, error) {
	now := time.Now()
	counts := make(map[Scope]int)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		entries, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("read locks for count: %w", err)
		}
		for _, raw := range entries {
			var e redisEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("decode lock entry: %w", err)
			}
			if time.UnixMilli(e.ExpiresAt).After(now) {
				counts[Scope(e.Scope)]++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan lock keys: %w", err)
	}
	return counts, nil
}

// PurgeExpired implements Store.PurgeExpired. Redis TTLs already reclaim
// whole pairs; this additionally drops individual lapsed entries.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	var purged int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entries, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("read locks for purge: %w", err)
		}
		for field, raw := range entries {
			var e redisEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return purged, fmt.Errorf("decode lock entry: %w", err)
			}
			if !time.UnixMilli(e.ExpiresAt).After(now) {
				if err := s.client.HDel(ctx, key, field).Err(); err != nil {
					return purged, fmt.Errorf("purge lock entry: %w", err)
				}
				purged++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("scan lock keys: %w", err)
	}
	return purged, nil
}

// Ping checks that the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeEntry(resourceID, field, raw string) (*Lock, error) {
	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode lock entry: %w", err)
	}
	owner, typ, ok := splitField(field)
	if !ok {
		return nil, fmt.Errorf("malformed lock field %q", field)
	}
	return &Lock{
		ID:         e.ID,
		ResourceID: resourceID,
		Scope:      Scope(e.Scope),
		OwnerID:    owner,
		Type:       typ,
		IsActive:   true,
		CreatedAt:  time.UnixMilli(e.CreatedAt),
		ExpiresAt:  time.UnixMilli(e.ExpiresAt),
	}, nil
}

func splitField(field string) (owner string, typ Type, ok bool) {
	for i := 0; i < len(field); i++ {
		if field[i] == fieldSep[0] {
			return field[:i], Type(field[i+1:]), true
		}
	}
	return "", "", false
}

func parseMillis(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		var ms int64
		_, err := fmt.Sscanf(x, "%d", &ms)
		return ms, err
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

var _ Store = (*RedisStore)(nil)
