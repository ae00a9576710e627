package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/repository"
)

// SymbolCache keeps a periodically refreshed view of the tracked symbol
// universe so subscribe requests can be validated without a Redis
// round-trip per command. The universe is dynamic: the ingestion side adds
// symbols as the exchange lists them.
type SymbolCache struct {
	store    repository.MarketStore
	logger   *zap.Logger
	interval time.Duration

	mu  sync.RWMutex
	set map[string]bool
}

func NewSymbolCache(store repository.MarketStore, logger *zap.Logger, interval time.Duration) *SymbolCache {
	return &SymbolCache{
		store:    store,
		logger:   logger,
		interval: interval,
		set:      make(map[string]bool),
	}
}

func (s *SymbolCache) Refresh(ctx context.Context) error {
	symbols, err := s.store.KnownSymbols(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		next[sym] = true
	}

	s.mu.Lock()
	s.set = next
	s.mu.Unlock()
	return nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (s *SymbolCache) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("Initial symbol refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("Symbol refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *SymbolCache) Valid(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set[symbol]
}
