package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/hub"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/repository"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/testutils"
)

func startServer(t *testing.T) (*httptest.Server, *miniredis.Miniredis, *testutils.MockKafkaWriter) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := repository.NewRedisStore(rdb)

	writer := &testutils.MockKafkaWriter{}
	publisher := gateway.NewPublisher(writer, gateway.RealClock{}, zap.NewNop(), 30*time.Second)
	auth := hub.NewStaticAuthorizer(map[string]string{"tok-elite": "elite"})
	wsHub := hub.NewHub(repo, publisher, auth, zap.NewNop())

	valid := func(s string) bool { return s == "BTCUSDT" || s == "ETHUSDT" }

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		client := gateway.NewClient(conn, wsHub, zap.NewNop(), valid)
		client.Start()
	}))

	return server, mr, writer
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	return wsConn
}

func TestEndToEnd_FullFlow(t *testing.T) {
	server, mr, _ := startServer(t)
	defer server.Close()
	defer mr.Close()

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	subMsg := `{"action": "subscribe", "payload": {"symbols": ["BTCUSDT"]}, "id": "t1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(subMsg))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "success") {
		t.Errorf("Expected subscription success, got: %s", msg)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Publish("snapshots.BTCUSDT", `{"symbol":"BTCUSDT","price":65123.5,"volume":12000000}`)
	}()

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to receive broadcast: %v", err)
	}
	if !strings.Contains(string(msg), "65123.5") {
		t.Errorf("Expected price 65123.5, got: %s", msg)
	}

	unsubMsg := `{"action": "unsubscribe", "payload": {"symbols": ["BTCUSDT"]}, "id": "t2"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(unsubMsg))

	_, msg, _ = wsConn.ReadMessage()
	if !strings.Contains(string(msg), "Unsubscribed") {
		t.Errorf("Expected unsubscribe ack, got: %s", msg)
	}
}

func TestEndToEnd_AlertReachesUnsubscribedClient(t *testing.T) {
	server, mr, _ := startServer(t)
	defer server.Close()
	defer mr.Close()

	// No subscriptions at all: alerts still arrive.
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Publish("alerts", `{"symbol":"ETHUSDT","deviation_ratio":4.2}`)
	}()

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to receive alert: %v", err)
	}
	if !strings.Contains(string(msg), `"alert"`) || !strings.Contains(string(msg), "4.2") {
		t.Errorf("Expected alert payload, got: %s", msg)
	}
}

func TestEndToEnd_ElitePublish(t *testing.T) {
	server, mr, writer := startServer(t)
	defer server.Close()
	defer mr.Close()

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "identify", "payload": {"token": "tok-elite"}, "id": "i1"}`))
	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "elite") {
		t.Fatalf("Expected elite authorization, got: %s", msg)
	}

	pubMsg := `{"action": "publish", "payload": {"snapshot": {"symbol": "BTCUSDT", "price": 65000, "volume": 9000000}}, "id": "p1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(pubMsg))

	_, msg, _ = wsConn.ReadMessage()
	if !strings.Contains(string(msg), "accepted") {
		t.Fatalf("Expected publish ack, got: %s", msg)
	}

	writer.Mu.Lock()
	count := len(writer.Messages)
	writer.Mu.Unlock()
	if count != 1 {
		t.Errorf("Expected 1 direct feed message, got %d", count)
	}
}

func TestEndToEnd_PublishDeniedWithoutIdentify(t *testing.T) {
	server, mr, writer := startServer(t)
	defer server.Close()
	defer mr.Close()

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	pubMsg := `{"action": "publish", "payload": {"snapshot": {"symbol": "BTCUSDT", "price": 65000, "volume": 9000000}}, "id": "p1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(pubMsg))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "error") {
		t.Errorf("Expected publish rejection for free tier, got: %s", msg)
	}

	writer.Mu.Lock()
	count := len(writer.Messages)
	writer.Mu.Unlock()
	if count != 0 {
		t.Errorf("Nothing should reach the direct feed, got %d messages", count)
	}
}

func TestEndToEnd_AlertHistoryCappedForFreeTier(t *testing.T) {
	server, mr, _ := startServer(t)
	defer server.Close()
	defer mr.Close()

	for i := 0; i < 15; i++ {
		mr.Lpush("alerts", fmt.Sprintf(`{"symbol":"S%d"}`, i))
	}

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "alert_history", "id": "h1"}`))

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to receive alert history: %v", err)
	}

	var resp struct {
		Type string            `json:"type"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if resp.Type != "alert_history" {
		t.Fatalf("Expected alert_history, got %q", resp.Type)
	}
	if len(resp.Data) != 10 {
		t.Errorf("Free tier backlog should be capped at 10, got %d", len(resp.Data))
	}
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	server, _, _ := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{ "action": "subsc`))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "Invalid JSON") && !strings.Contains(string(msg), "error") {
		t.Errorf("Expected error message for bad JSON, got: %s", msg)
	}
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	server, _, _ := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	hugePayload := strings.Repeat("a", 513*1024)
	hugeMsg := fmt.Sprintf(`{"action":"subscribe", "payload": {"symbols": ["%s"]}}`, hugePayload)

	err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg))
	// Depending on timing, write might succeed, but Read should fail (Disconnect)
	if err == nil {
		// Try to read response, expect connection closed error
		wsConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			t.Error("Server should have closed connection for huge message, but it stayed open")
		}
	}
}
