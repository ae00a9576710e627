package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

const (
	keyCurrentPrefix  = "snap:"
	keySeqPrefix      = "seq:"
	keyObservedPrefix = "obs:"
	keyCooldownPrefix = "cooldown:"
	keySymbols        = "symbols"
	keyLastUpdated    = "last_updated"
	keyAlerts         = "alerts"

	snapshotChannelPrefix = "snapshots."
	alertChannel          = "alerts"

	// alertWindow bounds the rolling alert history; older entries are
	// trimmed away on every push.
	alertWindow = 30
)

var ErrNotFound = errors.New("symbol not found in cache")

// Compile-time check to ensure RedisStore implements SnapshotStore
var _ SnapshotStore = (*RedisStore)(nil)

// putScript enforces the per-source monotonic sequence rule and advances the
// combined per-symbol view only when observed_at moves forward. Runs
// atomically in Redis, so concurrent writers for the same symbol never
// interleave and writers for different symbols never contend in-process.
//
// KEYS: 1=seq(source,symbol) 2=snap(source,symbol) 3=obs(symbol)
//
//	4=snap(symbol) 5=last_updated 6=symbols
//
// ARGV: 1=seq 2=payload 3=ttlMs 4=observedAt 5=nowMicro 6=channel 7=symbol
// Returns 0=stale write ignored, 1=accepted, 2=accepted and view advanced.
var putScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local seq = tonumber(ARGV[1])
if seq <= cur then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[6], ARGV[7])
redis.call('PEXPIRE', KEYS[6], ARGV[3])
redis.call('SET', KEYS[5], ARGV[5], 'PX', ARGV[3])
local obs = tonumber(redis.call('GET', KEYS[3]) or '-1')
if tonumber(ARGV[4]) >= obs then
  redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[3])
  redis.call('SET', KEYS[4], ARGV[2], 'PX', ARGV[3])
  redis.call('PUBLISH', ARGV[6], ARGV[2])
  return 2
end
return 1
`)

// getAllScript reads the whole symbol set and every current snapshot in one
// atomic step, so callers never see interleaved partial updates.
// KEYS: 1=symbols  ARGV: 1=current-key prefix
var getAllScript = redis.NewScript(`
local syms = redis.call('SMEMBERS', KEYS[1])
local out = {}
for _, s in ipairs(syms) do
  local v = redis.call('GET', ARGV[1] .. s)
  if v then
    out[#out+1] = v
  end
end
return out
`)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps a Redis client. ttl is applied to every key the store
// writes; expiry is the "stale data" state the health surface reports.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Put(ctx context.Context, snap models.Snapshot) (PutResult, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return PutResult{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	keys := []string{
		keySeqPrefix + string(snap.Source) + ":" + snap.Symbol,
		keyCurrentPrefix + string(snap.Source) + ":" + snap.Symbol,
		keyObservedPrefix + snap.Symbol,
		keyCurrentPrefix + snap.Symbol,
		keyLastUpdated,
		keySymbols,
	}
	args := []interface{}{
		snap.SeqID,
		string(payload),
		r.ttl.Milliseconds(),
		snap.ObservedAt,
		time.Now().UnixMicro(),
		snapshotChannelPrefix + snap.Symbol,
		snap.Symbol,
	}

	res, err := putScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return PutResult{}, fmt.Errorf("put %s: %w", snap.Symbol, err)
	}
	return PutResult{Accepted: res > 0, ViewAdvanced: res == 2}, nil
}

func (r *RedisStore) Get(ctx context.Context, symbol string) (models.Snapshot, time.Duration, error) {
	val, err := r.client.Get(ctx, keyCurrentPrefix+symbol).Result()
	if errors.Is(err, redis.Nil) {
		return models.Snapshot{}, 0, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, 0, err
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return models.Snapshot{}, 0, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, time.Since(snap.ObservedTime()), nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]models.Snapshot, error) {
	vals, err := getAllScript.Run(ctx, r.client, []string{keySymbols}, keyCurrentPrefix).StringSlice()
	if err != nil {
		return nil, err
	}

	snaps := make([]models.Snapshot, 0, len(vals))
	for _, v := range vals {
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (r *RedisStore) LastUpdated(ctx context.Context) (time.Time, error) {
	val, err := r.client.Get(ctx, keyLastUpdated).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(val), nil
}

func (r *RedisStore) AcquireCooldown(ctx context.Context, symbol string, d time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyCooldownPrefix+symbol, 1, d).Result()
}

// PushAlert appends to the rolling alert list and publishes to live
// subscribers in a single pipeline.
func (r *RedisStore) PushAlert(ctx context.Context, alert models.SpikeAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, keyAlerts, payload)
	pipe.LTrim(ctx, keyAlerts, 0, alertWindow-1)
	pipe.PExpire(ctx, keyAlerts, r.ttl*4)
	pipe.Publish(ctx, alertChannel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RecentAlerts(ctx context.Context, n int) ([]models.SpikeAlert, error) {
	if n <= 0 || n > alertWindow {
		n = alertWindow
	}
	vals, err := r.client.LRange(ctx, keyAlerts, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]models.SpikeAlert, 0, len(vals))
	for _, v := range vals {
		var a models.SpikeAlert
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
