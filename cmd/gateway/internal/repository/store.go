package repository

import (
	"context"
)

// MarketStore is the gateway's read-side view of the shared snapshot cache
// plus the pub/sub feeds the ingestion service publishes on.
type MarketStore interface {
	GetSnapshots(ctx context.Context, symbols []string) ([]string, error)
	KnownSymbols(ctx context.Context) ([]string, error)
	RecentAlerts(ctx context.Context, limit int) ([]string, error)
	SubscribeToFeed(ctx context.Context, symbol string) error
	UnsubscribeFromFeed(ctx context.Context, symbol string) error
	RunPubSub(ctx context.Context, onSnapshot func(symbol, payload string), onAlert func(payload string))
	Close() error
}
