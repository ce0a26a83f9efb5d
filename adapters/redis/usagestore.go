// Package redis provides a Redis implementation of the usage repository.
// Counters live in per-period hashes; reservations live in a sorted set scored
// by expiry. Reserve and commit run as Lua scripts so each is one atomic step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "tenantmeter:"

// reserveScript sweeps expired claims, then adds a claim if used + pending < ceiling.
// KEYS: reservations zset, period hash, lifetime hash.
// ARGV: now ms, expires ms, member, period, field, window, ceiling.
var reserveScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local used
if ARGV[6] == 'lifetime' then
  used = tonumber(redis.call('HGET', KEYS[3], ARGV[5]) or '0')
else
  used = tonumber(redis.call('HGET', KEYS[2], ARGV[5]) or '0')
end
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local pending = 0
if ARGV[6] == 'lifetime' then
  pending = #members
else
  local prefix = ARGV[4] .. '|'
  for _, m in ipairs(members) do
    if string.sub(m, 1, #prefix) == prefix then
      pending = pending + 1
    end
  end
end
if used + pending < tonumber(ARGV[7]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
  return {1, used, pending}
end
return {0, used, pending}
`)

// incrementScript drops a claim and bumps the period and lifetime counters.
// An empty member consumes the claim that expires first, after sweeping expired ones.
// KEYS: reservations zset, period hash, lifetime hash, periods zset.
// ARGV: member (may be empty), field, period, period score, updated_at ns, now ms.
var incrementScript = goredis.NewScript(`
if ARGV[1] ~= '' then
  redis.call('ZREM', KEYS[1], ARGV[1])
else
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[6])
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #oldest > 0 then
    redis.call('ZREM', KEYS[1], oldest[1])
  end
end
redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
redis.call('HSET', KEYS[2], 'updated_at', ARGV[5])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[3])
return redis.call('HGETALL', KEYS[2])
`)

// UsageStore implements ports.UsageRepository using Redis.
type UsageStore struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a store over an existing client.
func New(client goredis.UniversalClient, prefix string) *UsageStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &UsageStore{client: client, prefix: prefix}
}

// Dial connects to a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url, prefix string) (*UsageStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *UsageStore) Close() error {
	return s.client.Close()
}

// Ping verifies Redis is reachable.
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Keys share a {tenant} hash tag so scripts stay on one cluster slot.
func (s *UsageStore) tenantKey(tenantID string) string {
	return s.prefix + "{" + tenantID + "}"
}

func (s *UsageStore) periodKey(tenantID string, p usage.Period) string {
	return s.tenantKey(tenantID) + ":usage:" + p.Key()
}

func (s *UsageStore) lifetimeKey(tenantID string) string {
	return s.tenantKey(tenantID) + ":lifetime"
}

func (s *UsageStore) periodsKey(tenantID string) string {
	return s.tenantKey(tenantID) + ":periods"
}

func (s *UsageStore) reservationsKey(tenantID string, f usage.Feature) string {
	return s.tenantKey(tenantID) + ":resv:" + string(f)
}

func member(res usage.Reservation) string {
	return res.Period.Key() + "|" + res.ID
}

func periodScore(p usage.Period) float64 {
	return float64(p.Year*100 + int(p.Month))
}

// Get returns the record for a period, creating a zeroed one if absent.
func (s *UsageStore) Get(ctx context.Context, tenantID string, period usage.Period, now time.Time) (usage.Record, error) {
	key := s.periodKey(tenantID, period)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "updated_at", strconv.FormatInt(now.UnixNano(), 10))
		pipe.ZAddNX(ctx, s.periodsKey(tenantID), goredis.Z{Score: periodScore(period), Member: period.Key()})
		return nil
	})
	if err != nil {
		return usage.Record{}, classify("create usage record", err)
	}
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return usage.Record{}, classify("get usage record", err)
	}
	return recordFromHash(tenantID, period, fields)
}

// Increment consumes the oldest active claim for the feature and adds one to the
// counter in one script.
func (s *UsageStore) Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	if !feature.Valid() {
		return usage.Record{}, fmt.Errorf("increment: unknown feature %q", feature)
	}
	return s.increment(ctx, tenantID, period, feature, "", now)
}

func (s *UsageStore) increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, claim string, now time.Time) (usage.Record, error) {
	keys := []string{
		s.reservationsKey(tenantID, feature),
		s.periodKey(tenantID, period),
		s.lifetimeKey(tenantID),
		s.periodsKey(tenantID),
	}
	raw, err := incrementScript.Run(ctx, s.client, keys,
		claim, feature.Column(), period.Key(), periodScore(period), now.UnixNano(), now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return usage.Record{}, classify("increment usage", err)
	}
	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		fields[raw[i]] = raw[i+1]
	}
	return recordFromHash(tenantID, period, fields)
}

// Lifetime returns the feature total across all periods.
func (s *UsageStore) Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error) {
	if !feature.Valid() {
		return 0, fmt.Errorf("lifetime: unknown feature %q", feature)
	}
	n, err := s.client.HGet(ctx, s.lifetimeKey(tenantID), feature.Column()).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("lifetime usage", err)
	}
	return n, nil
}

// History returns up to limit records, most recent period first.
func (s *UsageStore) History(ctx context.Context, tenantID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 12
	}
	keys, err := s.client.ZRevRange(ctx, s.periodsKey(tenantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classify("usage history", err)
	}

	out := make([]usage.Record, 0, len(keys))
	for _, k := range keys {
		p, err := usage.ParsePeriod(k)
		if err != nil {
			return nil, fmt.Errorf("usage history: %w", err)
		}
		fields, err := s.client.HGetAll(ctx, s.periodKey(tenantID, p)).Result()
		if err != nil {
			return nil, classify("usage history", err)
		}
		rec, err := recordFromHash(tenantID, p, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Reserve runs the admission script.
func (s *UsageStore) Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error) {
	if !req.Feature.Valid() || !req.Window.Valid() {
		return usage.ReserveResult{}, fmt.Errorf("reserve: invalid feature %q or window %q", req.Feature, req.Window)
	}
	res := req.Reservation()
	keys := []string{
		s.reservationsKey(req.TenantID, req.Feature),
		s.periodKey(req.TenantID, req.Period),
		s.lifetimeKey(req.TenantID),
	}
	vals, err := reserveScript.Run(ctx, s.client, keys,
		req.Now.UnixMilli(), res.ExpiresAt.UnixMilli(), member(res),
		req.Period.Key(), req.Feature.Column(), string(req.Window), req.Ceiling,
	).Int64Slice()
	if err != nil {
		return usage.ReserveResult{}, classify("reserve", err)
	}
	if len(vals) != 3 {
		return usage.ReserveResult{}, fmt.Errorf("reserve: unexpected script reply %v", vals)
	}

	out := usage.ReserveResult{Reserved: vals[0] == 1, Used: vals[1], Pending: vals[2]}
	if out.Reserved {
		out.Reservation = res
	}
	return out, nil
}

// Commit drops the claim and increments the counter in one script.
func (s *UsageStore) Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error) {
	if !res.Feature.Valid() {
		return usage.Record{}, fmt.Errorf("commit: unknown feature %q", res.Feature)
	}
	return s.increment(ctx, res.TenantID, res.Period, res.Feature, member(res), now)
}

// Release discards a claim.
func (s *UsageStore) Release(ctx context.Context, res usage.Reservation) error {
	err := s.client.ZRem(ctx, s.reservationsKey(res.TenantID, res.Feature), member(res)).Err()
	return classify("release reservation", err)
}

func recordFromHash(tenantID string, p usage.Period, fields map[string]string) (usage.Record, error) {
	rec := usage.NewRecord(tenantID, p)
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return usage.Record{}, fmt.Errorf("parse %s field %s: %w", p, k, err)
		}
		switch k {
		case usage.FeatureAnalysis.Column():
			rec.Analysis = n
		case usage.FeatureContent.Column():
			rec.Content = n
		case usage.FeatureAPICall.Column():
			rec.APICall = n
		case "updated_at":
			rec.UpdatedAt = time.Unix(0, n).UTC()
		}
	}
	return rec, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s: %w", op, ports.ErrNotFound)
	}
	return ports.Unavailable(op, err)
}

// Ensure interface compliance.
var _ ports.UsageRepository = (*UsageStore)(nil)
