package testutils

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/store"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// MockClock is a settable wall clock
type MockClock struct {
	Mu          sync.Mutex
	CurrentTime time.Time
}

func (c *MockClock) Now() time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) Advance(d time.Duration) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)
}

// MockFetcher returns canned snapshots or an error, optionally blocking
// until released to simulate a slow upstream.
type MockFetcher struct {
	Mu        sync.Mutex
	Snapshots []models.Snapshot
	Err       error
	Block     chan struct{} // when set, FetchAll waits for close or ctx
	Calls     int
}

func (f *MockFetcher) FetchAll(ctx context.Context) ([]models.Snapshot, error) {
	f.Mu.Lock()
	f.Calls++
	block := f.Block
	snaps, err := f.Snapshots, f.Err
	f.Mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

// Compile-time check to ensure MockSnapshotStore implements SnapshotStore
var _ store.SnapshotStore = (*MockSnapshotStore)(nil)

// MockSnapshotStore is an in-memory stand-in for the Redis store. It applies
// the same per-source monotonic sequence and most-recent-observed rules.
type MockSnapshotStore struct {
	Mu          sync.Mutex
	Current     map[string]models.Snapshot
	Seqs        map[string]int64 // source:symbol -> seq
	Observed    map[string]int64
	Cooldowns   map[string]time.Time
	Alerts      []models.SpikeAlert
	LastUpdate  time.Time
	PutErr      error
	CooldownNow func() time.Time
}

func NewMockSnapshotStore() *MockSnapshotStore {
	return &MockSnapshotStore{
		Current:   make(map[string]models.Snapshot),
		Seqs:      make(map[string]int64),
		Observed:  make(map[string]int64),
		Cooldowns: make(map[string]time.Time),
	}
}

func (m *MockSnapshotStore) now() time.Time {
	if m.CooldownNow != nil {
		return m.CooldownNow()
	}
	return time.Now()
}

func (m *MockSnapshotStore) Put(ctx context.Context, snap models.Snapshot) (store.PutResult, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.PutErr != nil {
		return store.PutResult{}, m.PutErr
	}

	seqKey := string(snap.Source) + ":" + snap.Symbol
	if cur, ok := m.Seqs[seqKey]; ok && snap.SeqID <= cur {
		return store.PutResult{}, nil
	}
	m.Seqs[seqKey] = snap.SeqID
	m.LastUpdate = m.now()

	res := store.PutResult{Accepted: true}
	if obs, ok := m.Observed[snap.Symbol]; !ok || snap.ObservedAt >= obs {
		m.Observed[snap.Symbol] = snap.ObservedAt
		m.Current[snap.Symbol] = snap
		res.ViewAdvanced = true
	}
	return res, nil
}

func (m *MockSnapshotStore) Get(ctx context.Context, symbol string) (models.Snapshot, time.Duration, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	snap, ok := m.Current[symbol]
	if !ok {
		return models.Snapshot{}, 0, store.ErrNotFound
	}
	return snap, time.Since(snap.ObservedTime()), nil
}

func (m *MockSnapshotStore) GetAll(ctx context.Context) ([]models.Snapshot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]models.Snapshot, 0, len(m.Current))
	for _, s := range m.Current {
		out = append(out, s)
	}
	return out, nil
}

func (m *MockSnapshotStore) LastUpdated(ctx context.Context) (time.Time, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.LastUpdate, nil
}

func (m *MockSnapshotStore) AcquireCooldown(ctx context.Context, symbol string, d time.Duration) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	now := m.now()
	if until, ok := m.Cooldowns[symbol]; ok && now.Before(until) {
		return false, nil
	}
	m.Cooldowns[symbol] = now.Add(d)
	return true, nil
}

func (m *MockSnapshotStore) PushAlert(ctx context.Context, alert models.SpikeAlert) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Alerts = append(m.Alerts, alert)
	return nil
}

func (m *MockSnapshotStore) RecentAlerts(ctx context.Context, n int) ([]models.SpikeAlert, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]models.SpikeAlert, 0, n)
	for i := len(m.Alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.Alerts[i])
	}
	return out, nil
}

func (m *MockSnapshotStore) AlertCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Alerts)
}

func (m *MockSnapshotStore) Close() error { return nil }

// MockKafkaReader replays canned messages, then reports DeadlineExceeded to
// stop the consumer loop cleanly in tests.
type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	Closed   bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Closed {
		return kafka.Message{}, io.EOF
	}
	if m.Index >= len(m.Messages) {
		return kafka.Message{}, context.DeadlineExceeded
	}

	msg := m.Messages[m.Index]
	m.Index++
	return msg, nil
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}
