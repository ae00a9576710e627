package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/protocol"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/repository"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

type ClientInterface interface {
	ID() string
	Tier() models.Tier
	SetTier(t models.Tier)
	SendJSON(v interface{})
	SendBytes(b []byte)
	SendSnapshot(symbol string, payload []byte)
	Close()
}

// FeedPublisher forwards an elite client's observation to the ingestion
// service. Implemented by the Kafka publisher.
type FeedPublisher interface {
	Publish(ctx context.Context, snap models.Snapshot) error
}

type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool
	allClients  map[ClientInterface]bool

	store     repository.MarketStore
	publisher FeedPublisher
	auth      TierAuthorizer
	logger    *zap.Logger
	mu        sync.RWMutex
	refCount  map[string]int
}

func NewHub(store repository.MarketStore, publisher FeedPublisher, auth TierAuthorizer, logger *zap.Logger) *Hub {
	h := &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		allClients:  make(map[ClientInterface]bool),
		store:       store,
		publisher:   publisher,
		auth:        auth,
		logger:      logger,
		refCount:    make(map[string]int),
	}

	go h.store.RunPubSub(context.Background(), h.BroadcastSnapshot, h.BroadcastAlert)

	return h
}

// Register adds a newly connected client. Every connected client receives
// spike alerts, subscribed or not.
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allClients[client] = true
	metrics.ConnectedSubscribers.WithLabelValues(client.Tier().String()).Inc()
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest, valid func(string) bool) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req, valid)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	case protocol.ActionIdentify:
		h.handleIdentify(client, req)
	case protocol.ActionPublish:
		h.handlePublish(client, req)
	case protocol.ActionAlertHistory:
		h.handleAlertHistory(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest, valid func(string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var accepted []string
	seen := make(map[string]bool)
	for _, s := range req.Payload.Symbols {
		if !valid(s) || seen[s] {
			continue
		}
		seen[s] = true
		// Idempotency: Ignore if already subscribed
		if h.clientSubs[client] != nil && h.clientSubs[client][s] {
			continue
		}
		accepted = append(accepted, s)
	}

	if len(accepted) == 0 {
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return
	}

	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}

	for _, sym := range accepted {
		h.clientSubs[client][sym] = true
		if h.subscribers[sym] == nil {
			h.subscribers[sym] = make(map[ClientInterface]bool)
		}
		h.subscribers[sym][client] = true

		// Manage upstream subscription (Ref counting)
		h.refCount[sym]++
		if h.refCount[sym] == 1 {
			if err := h.store.SubscribeToFeed(context.Background(), sym); err != nil {
				h.logger.Error("Failed to subscribe upstream", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Subscribed to %v", accepted))

	// Send cached snapshots (Async to avoid blocking lock). These bypass the
	// tier throttle: the subscriber has no state for these symbols yet.
	go func(targets []string) {
		snapshots, err := h.store.GetSnapshots(context.Background(), targets)
		if err == nil {
			for _, snap := range snapshots {
				client.SendBytes([]byte(snap))
			}
		}
	}(accepted)
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, sym := range req.Payload.Symbols {
			if subs[sym] {
				delete(subs, sym)
				delete(h.subscribers[sym], client)
				removed = append(removed, sym)
				h.decreaseRefCount(sym)
			}
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, "success", fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Symbols))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for sym := range subs {
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		// Clear the map but keep the client registered
		h.clientSubs[client] = make(map[string]bool)
	}
	h.sendAck(client, req.ID, "success", "Unsubscribed from all symbols")
}

// handleIdentify resolves the token to a tier and rebinds the client's
// delivery interval. Unknown tokens land on the free tier.
func (h *Hub) handleIdentify(client ClientInterface, req protocol.WSRequest) {
	tier := h.auth.TierFor(req.Payload.Token)

	h.mu.Lock()
	if h.allClients[client] {
		metrics.ConnectedSubscribers.WithLabelValues(client.Tier().String()).Dec()
		metrics.ConnectedSubscribers.WithLabelValues(tier.String()).Inc()
	}
	client.SetTier(tier)
	h.mu.Unlock()

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Authorized as %s tier", tier))
}

// handlePublish accepts a direct snapshot submission from an elite client
// and hands it to the feed publisher. Shape validation and source stamping
// happen in the publisher.
func (h *Hub) handlePublish(client ClientInterface, req protocol.WSRequest) {
	if client.Tier() != models.TierElite {
		h.sendError(client, req.ID, "Publishing requires elite tier")
		return
	}
	if req.Payload.Snapshot == nil {
		h.sendError(client, req.ID, "Missing snapshot payload")
		return
	}

	if err := h.publisher.Publish(context.Background(), *req.Payload.Snapshot); err != nil {
		h.sendError(client, req.ID, "Rejected: "+err.Error())
		return
	}
	h.sendAck(client, req.ID, "success", "Snapshot accepted")
}

// handleAlertHistory serves the rolling alert backlog, capped by the
// client's tier.
func (h *Hub) handleAlertHistory(client ClientInterface, req protocol.WSRequest) {
	limit := AlertHistoryLimit(client.Tier())

	payloads, err := h.store.RecentAlerts(context.Background(), limit)
	if err != nil {
		h.logger.Error("Alert history read failed", zap.Error(err))
		h.sendError(client, req.ID, "Alert history unavailable")
		return
	}

	alerts := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		alerts = append(alerts, json.RawMessage(p))
	}
	client.SendJSON(protocol.WSResponse{
		Type: "alert_history", ID: req.ID, Status: "success", Data: alerts,
	})
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for sym := range subs {
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		delete(h.clientSubs, client)
	}
	if h.allClients[client] {
		delete(h.allClients, client)
		metrics.ConnectedSubscribers.WithLabelValues(client.Tier().String()).Dec()
	}
	client.Close()
}

// BroadcastSnapshot fans a view advance out to the symbol's subscribers.
// Delivery pacing is the client's concern: each connection coalesces to its
// tier interval.
func (h *Hub) BroadcastSnapshot(symbol string, payload string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if clients, ok := h.subscribers[symbol]; ok {
		msgBytes := []byte(payload)
		for client := range clients {
			client.SendSnapshot(symbol, msgBytes)
		}
	}
}

// BroadcastAlert delivers a spike alert to every connected client
// immediately, bypassing the snapshot throttle.
func (h *Hub) BroadcastAlert(payload string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := protocol.WSResponse{Type: "alert", Data: json.RawMessage(payload)}
	for client := range h.allClients {
		client.SendJSON(resp)
	}
}

func (h *Hub) decreaseRefCount(symbol string) {
	h.refCount[symbol]--
	if h.refCount[symbol] <= 0 {
		if err := h.store.UnsubscribeFromFeed(context.Background(), symbol); err != nil {
			h.logger.Error("Failed to unsubscribe upstream", zap.String("symbol", symbol), zap.Error(err))
		}
		delete(h.refCount, symbol)
		delete(h.subscribers, symbol)
	}
}

func (h *Hub) sendAck(c ClientInterface, id, status, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "ack", ID: id, Status: status, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "error", ID: id, Message: msg})
}
