package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/protocol"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal     string
	TierVal   models.Tier
	Messages  []protocol.WSResponse // Stores decoded JSON messages
	RawBytes  []string              // Stores raw snapshot payloads
	Snapshots []string              // Payloads offered via SendSnapshot
	Closed    bool
	Mu        sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Tier() models.Tier {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.TierVal
}

func (m *MockClient) SetTier(t models.Tier) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.TierVal = t
}

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) SendSnapshot(symbol string, payload []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Snapshots = append(m.Snapshots, string(payload))
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

func (m *MockClient) LastMsg() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

// MockMarketStore simulates the Redis read side
type MockMarketStore struct {
	SubscribedChannels map[string]int // symbol -> count
	Symbols            []string
	Alerts             []string // newest first, like the Redis window
	Mu                 sync.Mutex
}

func NewMockStore() *MockMarketStore {
	return &MockMarketStore{SubscribedChannels: make(map[string]int)}
}

func (m *MockMarketStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	return []string{`{"symbol":"BTCUSDT","price":65000,"volume":12000000}`}, nil
}

func (m *MockMarketStore) KnownSymbols(ctx context.Context) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.Symbols...), nil
}

func (m *MockMarketStore) RecentAlerts(ctx context.Context, limit int) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if limit <= 0 || limit > len(m.Alerts) {
		limit = len(m.Alerts)
	}
	return append([]string(nil), m.Alerts[:limit]...), nil
}

func (m *MockMarketStore) SubscribeToFeed(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[symbol]++
	return nil
}

func (m *MockMarketStore) UnsubscribeFromFeed(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[symbol]--
	if m.SubscribedChannels[symbol] <= 0 {
		delete(m.SubscribedChannels, symbol)
	}
	return nil
}

func (m *MockMarketStore) RunPubSub(ctx context.Context, onSnapshot func(symbol, payload string), onAlert func(payload string)) {
	// No-op for unit tests
}

func (m *MockMarketStore) Close() error { return nil }

// MockPublisher records direct feed submissions
type MockPublisher struct {
	Published []models.Snapshot
	Err       error
	Mu        sync.Mutex
}

func (m *MockPublisher) Publish(ctx context.Context, snap models.Snapshot) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, snap)
	return nil
}

// MockKafkaWriter captures messages written to the direct feed topic
type MockKafkaWriter struct {
	Messages []kafka.Message
	Err      error
	Mu       sync.Mutex
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error { return nil }

// MockClock advances only when told to (Sleep counts as telling it to)
type MockClock struct {
	T  time.Time
	Mu sync.Mutex
}

func (c *MockClock) Now() time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.T
}

func (c *MockClock) Sleep(d time.Duration) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.T = c.T.Add(d)
}
