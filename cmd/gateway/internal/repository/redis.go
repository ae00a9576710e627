package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Key and channel names mirror what the ingestion service writes. The
// combined per-symbol view lives under snap:<symbol>; view advances are
// published on snapshots.<symbol> and spike alerts on a single shared
// channel every client receives.
const (
	keyPrefix     = "snap:"
	keySymbols    = "symbols"
	keyAlerts     = "alerts"
	channelPrefix = "snapshots."
	alertChannel  = "alerts"
)

// Compile-time check to ensure RedisStore implements MarketStore
var _ MarketStore = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
	pubsub *redis.PubSub
	mu     sync.Mutex // Protects pubsub subscription changes
}

// NewRedisStore opens the pub/sub connection and joins the alert channel
// immediately: alerts go to every connected client, so there is no
// per-client ref counting for them.
func NewRedisStore(client *redis.Client) *RedisStore {
	ps := client.Subscribe(context.Background(), alertChannel)
	return &RedisStore{
		client: client,
		pubsub: ps,
	}
}

// GetSnapshots fetches the latest combined view for a list of symbols (MGET).
// Missing symbols are silently skipped.
func (r *RedisStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

// KnownSymbols lists every symbol the ingestion side has ever cached. Used
// to validate subscribe requests against the actual tracked universe.
func (r *RedisStore) KnownSymbols(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keySymbols).Result()
}

// RecentAlerts returns up to limit alerts from the rolling window, newest
// first. A non-positive limit returns the whole window.
func (r *RedisStore) RecentAlerts(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	return r.client.LRange(ctx, keyAlerts, 0, stop).Result()
}

// SubscribeToFeed joins the per-symbol snapshot channel.
func (r *RedisStore) SubscribeToFeed(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pubsub.Subscribe(ctx, channelPrefix+symbol)
}

// UnsubscribeFromFeed leaves the per-symbol snapshot channel.
func (r *RedisStore) UnsubscribeFromFeed(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pubsub.Unsubscribe(ctx, channelPrefix+symbol)
}

// RunPubSub is a blocking loop that reads messages from Redis and routes
// them: snapshot channels carry the symbol in the channel name, the alert
// channel fans out as-is.
func (r *RedisStore) RunPubSub(ctx context.Context, onSnapshot func(symbol, payload string), onAlert func(payload string)) {
	ch := r.pubsub.Channel()

	for msg := range ch {
		if msg.Channel == alertChannel {
			onAlert(msg.Payload)
			continue
		}
		symbol := strings.TrimPrefix(msg.Channel, channelPrefix)
		if symbol == msg.Channel || symbol == "" {
			continue
		}
		onSnapshot(symbol, msg.Payload)
	}
}

func (r *RedisStore) Close() error {
	if err := r.pubsub.Close(); err != nil {
		return err
	}
	return r.client.Close()
}
