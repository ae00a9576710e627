package gateway

import (
	"sync"
	"time"
)

// throttle paces snapshot delivery for one connection. The newest payload
// per symbol wins: anything arriving inside the interval replaces the
// pending payload instead of queueing behind it.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string][]byte
	lastSent map[string]time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		interval: interval,
		pending:  make(map[string][]byte),
		lastSent: make(map[string]time.Time),
	}
}

func (t *throttle) setInterval(d time.Duration) {
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
}

// offer reports whether the payload may go out right away. When the symbol
// is still inside its interval the payload is held for a later drain.
func (t *throttle) offer(symbol string, payload []byte, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSent[symbol]) >= t.interval {
		t.lastSent[symbol] = now
		delete(t.pending, symbol)
		return true
	}
	t.pending[symbol] = payload
	return false
}

// drain returns pending payloads whose interval has elapsed and marks them
// sent.
func (t *throttle) drain(now time.Time) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due [][]byte
	for sym, payload := range t.pending {
		if now.Sub(t.lastSent[sym]) >= t.interval {
			due = append(due, payload)
			t.lastSent[sym] = now
			delete(t.pending, sym)
		}
	}
	return due
}
