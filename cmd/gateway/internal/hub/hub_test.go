package hub_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/hub"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/protocol"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/testutils"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

func setup() (*hub.Hub, *testutils.MockMarketStore, *testutils.MockPublisher) {
	store := testutils.NewMockStore()
	publisher := &testutils.MockPublisher{}
	auth := hub.NewStaticAuthorizer(map[string]string{
		"tok-pro":   "pro",
		"tok-elite": "elite",
	})
	logger := zap.NewNop()
	return hub.NewHub(store, publisher, auth, logger), store, publisher
}

func valid(s string) bool {
	switch s {
	case "BTCUSDT", "ETHUSDT", "SOLUSDT":
		return true
	}
	return false
}

func TestHub_Subscribe_Success(t *testing.T) {
	h, store, _ := setup()
	client := testutils.NewMockClient("c1")

	req := protocol.WSRequest{
		Action:  "subscribe",
		Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
		ID:      "req-1",
	}

	h.HandleCommand(client, req, valid)

	if client.LastMsgType() != "ack" {
		t.Errorf("Expected ack, got %s", client.LastMsgType())
	}

	if store.SubscribedChannels["BTCUSDT"] != 1 {
		t.Errorf("Expected Redis subscription to BTCUSDT")
	}
}

func TestHub_Subscribe_MixedValidity(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")

	req := protocol.WSRequest{
		Action:  "subscribe",
		Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT", "NOTALISTING"}},
		ID:      "req-2",
	}

	h.HandleCommand(client, req, valid)

	lastMsg := client.LastMsg()
	if lastMsg.Status != "success" {
		t.Errorf("Expected success for partial valid subscription")
	}
	if !strings.Contains(lastMsg.Message, "BTCUSDT") {
		t.Errorf("Response should contain accepted symbol BTCUSDT")
	}
	if strings.Contains(lastMsg.Message, "NOTALISTING") {
		t.Errorf("Response should NOT contain invalid symbol")
	}
}

func TestHub_Subscribe_Idempotency(t *testing.T) {
	h, store, _ := setup()
	client := testutils.NewMockClient("c1")
	req := protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
	}

	h.HandleCommand(client, req, valid)

	h.HandleCommand(client, req, valid)

	// Redis should still have count 1, not 2
	if store.SubscribedChannels["BTCUSDT"] != 1 {
		t.Errorf("Redis should only subscribe once per unique symbol")
	}
}

func TestHub_Subscribe_DuplicateSymbolsInOneRequest(t *testing.T) {
	h, store, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT", "BTCUSDT"}},
	}, valid)

	if store.SubscribedChannels["BTCUSDT"] != 1 {
		t.Errorf("Duplicate symbols must not double-count, got %d", store.SubscribedChannels["BTCUSDT"])
	}

	// A single unsubscribe must fully release the upstream channel.
	h.HandleCommand(client, protocol.WSRequest{
		Action: "unsubscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
	}, valid)

	if len(store.SubscribedChannels) != 0 {
		t.Errorf("Upstream subscription left dangling: %v", store.SubscribedChannels)
	}
}

func TestHub_Unsubscribe_Logic(t *testing.T) {
	h, store, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT", "ETHUSDT"}},
	}, valid)

	h.HandleCommand(client, protocol.WSRequest{
		Action: "unsubscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
	}, valid)

	if store.SubscribedChannels["BTCUSDT"] != 0 {
		t.Errorf("Redis should be unsubscribed from BTCUSDT")
	}
	if store.SubscribedChannels["ETHUSDT"] != 1 {
		t.Errorf("Redis should still be subscribed to ETHUSDT")
	}
}

func TestHub_Unsubscribe_NotSubscribed(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, protocol.WSRequest{
		Action: "unsubscribe", Payload: protocol.RequestPayload{Symbols: []string{"SOLUSDT"}},
		ID: "err-check",
	}, valid)

	if client.LastMsgType() != "error" {
		t.Errorf("Expected error response for unsubscribing non-watched symbol")
	}
}

func TestHub_UnsubscribeAll(t *testing.T) {
	h, store, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT", "ETHUSDT"}},
	}, valid)

	h.HandleCommand(client, protocol.WSRequest{Action: "unsubscribe_all"}, valid)

	if len(store.SubscribedChannels) != 0 {
		t.Errorf("Store should be empty after unsubscribe_all")
	}
}

func TestHub_Identify_KnownToken(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")
	h.Register(client)

	h.HandleCommand(client, protocol.WSRequest{
		Action: "identify", Payload: protocol.RequestPayload{Token: "tok-elite"}, ID: "id-1",
	}, valid)

	if client.Tier() != models.TierElite {
		t.Errorf("Expected elite tier, got %s", client.Tier())
	}
	lastMsg := client.LastMsg()
	if lastMsg.Type != "ack" || !strings.Contains(lastMsg.Message, "elite") {
		t.Errorf("Expected elite ack, got %+v", lastMsg)
	}
}

func TestHub_Identify_UnknownTokenFallsBackToFree(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")
	client.SetTier(models.TierPro)
	h.Register(client)

	h.HandleCommand(client, protocol.WSRequest{
		Action: "identify", Payload: protocol.RequestPayload{Token: "bogus"},
	}, valid)

	if client.Tier() != models.TierFree {
		t.Errorf("Unknown token should land on free tier, got %s", client.Tier())
	}
}

func TestHub_Publish_RequiresEliteTier(t *testing.T) {
	h, _, publisher := setup()
	client := testutils.NewMockClient("c1")

	snap := &models.Snapshot{Symbol: "BTCUSDT", Price: 65000, Volume: 9000000}
	h.HandleCommand(client, protocol.WSRequest{
		Action: "publish", Payload: protocol.RequestPayload{Snapshot: snap}, ID: "pub-1",
	}, valid)

	if client.LastMsgType() != "error" {
		t.Errorf("Free tier publish should be rejected")
	}
	if len(publisher.Published) != 0 {
		t.Errorf("Nothing should reach the publisher, got %d", len(publisher.Published))
	}
}

func TestHub_Publish_ForwardsSnapshot(t *testing.T) {
	h, _, publisher := setup()
	client := testutils.NewMockClient("c1")
	client.SetTier(models.TierElite)

	snap := &models.Snapshot{Symbol: "BTCUSDT", Price: 65000, Volume: 9000000}
	h.HandleCommand(client, protocol.WSRequest{
		Action: "publish", Payload: protocol.RequestPayload{Snapshot: snap}, ID: "pub-2",
	}, valid)

	if client.LastMsgType() != "ack" {
		t.Errorf("Elite publish should be acked, got %s", client.LastMsgType())
	}
	if len(publisher.Published) != 1 || publisher.Published[0].Symbol != "BTCUSDT" {
		t.Errorf("Publisher should receive the snapshot, got %+v", publisher.Published)
	}
}

func TestHub_Publish_MissingSnapshot(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")
	client.SetTier(models.TierElite)

	h.HandleCommand(client, protocol.WSRequest{Action: "publish", ID: "pub-3"}, valid)

	if client.LastMsgType() != "error" {
		t.Errorf("Publish without a snapshot should be rejected")
	}
}

func TestHub_BroadcastSnapshot_SubscribersOnly(t *testing.T) {
	h, _, _ := setup()
	sub := testutils.NewMockClient("sub")
	other := testutils.NewMockClient("other")
	h.Register(sub)
	h.Register(other)

	h.HandleCommand(sub, protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
	}, valid)

	h.BroadcastSnapshot("BTCUSDT", `{"symbol":"BTCUSDT","price":65000}`)

	sub.Mu.Lock()
	got := len(sub.Snapshots)
	sub.Mu.Unlock()
	if got != 1 {
		t.Errorf("Subscriber should receive 1 snapshot, got %d", got)
	}

	other.Mu.Lock()
	otherGot := len(other.Snapshots)
	other.Mu.Unlock()
	if otherGot != 0 {
		t.Errorf("Non-subscriber should receive nothing, got %d", otherGot)
	}
}

func TestHub_BroadcastAlert_ReachesEveryClient(t *testing.T) {
	h, _, _ := setup()
	sub := testutils.NewMockClient("sub")
	idle := testutils.NewMockClient("idle")
	h.Register(sub)
	h.Register(idle)

	h.HandleCommand(sub, protocol.WSRequest{
		Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}},
	}, valid)

	alert := `{"symbol":"ETHUSDT","deviation_ratio":4.2}`
	h.BroadcastAlert(alert)

	for _, c := range []*testutils.MockClient{sub, idle} {
		msg := c.LastMsg()
		if msg.Type != "alert" {
			t.Fatalf("Client %s expected alert, got %q", c.ID(), msg.Type)
		}
		raw, ok := msg.Data.(json.RawMessage)
		if !ok || string(raw) != alert {
			t.Errorf("Client %s got wrong alert payload: %v", c.ID(), msg.Data)
		}
	}
}

func TestHub_AlertHistory_TierLimited(t *testing.T) {
	h, store, _ := setup()
	for i := 0; i < 15; i++ {
		store.Alerts = append(store.Alerts, fmt.Sprintf(`{"symbol":"S%d"}`, i))
	}

	free := testutils.NewMockClient("free")
	h.HandleCommand(free, protocol.WSRequest{Action: "alert_history", ID: "h1"}, valid)

	msg := free.LastMsg()
	if msg.Type != "alert_history" {
		t.Fatalf("Expected alert_history response, got %q", msg.Type)
	}
	if got := len(msg.Data.([]json.RawMessage)); got != 10 {
		t.Errorf("Free tier should get 10 alerts, got %d", got)
	}

	elite := testutils.NewMockClient("elite")
	elite.SetTier(models.TierElite)
	h.HandleCommand(elite, protocol.WSRequest{Action: "alert_history", ID: "h2"}, valid)

	if got := len(elite.LastMsg().Data.([]json.RawMessage)); got != 15 {
		t.Errorf("Elite tier should get the whole window, got %d", got)
	}
}

func TestAlertHistoryLimit_Table(t *testing.T) {
	cases := []struct {
		tier models.Tier
		want int
	}{
		{models.TierFree, 10},
		{models.TierPro, 30},
		{models.TierElite, 0},
	}
	for _, tc := range cases {
		if got := hub.AlertHistoryLimit(tc.tier); got != tc.want {
			t.Errorf("Alert limit for %s: expected %d, got %d", tc.tier, tc.want, got)
		}
	}
}

func TestDeliveryInterval_Table(t *testing.T) {
	cases := []struct {
		tier models.Tier
		want time.Duration
	}{
		{models.TierFree, 15 * time.Second},
		{models.TierPro, 5 * time.Second},
		{models.TierElite, time.Second},
	}
	for _, tc := range cases {
		if got := hub.DeliveryInterval(tc.tier); got != tc.want {
			t.Errorf("Interval for %s: expected %v, got %v", tc.tier, tc.want, got)
		}
	}
}

func TestHub_RaceCondition(t *testing.T) {
	// Run with `go test -race ./...`
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")
	h.Register(client)

	go func() {
		h.HandleCommand(client, protocol.WSRequest{Action: "subscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}}}, valid)
	}()
	go func() {
		h.HandleCommand(client, protocol.WSRequest{Action: "unsubscribe", Payload: protocol.RequestPayload{Symbols: []string{"BTCUSDT"}}}, valid)
	}()
	go func() {
		h.Unregister(client)
	}()
}
