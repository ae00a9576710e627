package gateway

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/hub"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/protocol"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

const (
	maxMessageSize = 512 * 1024

	// flushResolution bounds how late a coalesced snapshot can go out past
	// its tier interval.
	flushResolution = 200 * time.Millisecond
)

type ClientAdapter struct {
	conn   net.Conn
	hub    *hub.Hub
	send   chan []byte
	logger *zap.Logger
	valid  func(string) bool

	tierMu sync.RWMutex
	tier   models.Tier
	pace   *throttle

	done      chan struct{}
	closeOnce sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewClient wraps an upgraded connection. Every connection starts on the
// free tier until an identify command upgrades it.
func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger, valid func(string) bool) *ClientAdapter {
	return &ClientAdapter{
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, 256),
		logger:     logger,
		valid:      valid,
		tier:       models.TierFree,
		pace:       newThrottle(hub.DeliveryInterval(models.TierFree)),
		done:       make(chan struct{}),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
	go c.flushLoop()
}

func (c *ClientAdapter) ID() string { return c.conn.RemoteAddr().String() }

// Close signals shutdown; writePump sends the close frame and closes the
// conn. The send channel is never closed so late broadcasts cannot panic.
func (c *ClientAdapter) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ClientAdapter) Tier() models.Tier {
	c.tierMu.RLock()
	defer c.tierMu.RUnlock()
	return c.tier
}

func (c *ClientAdapter) SetTier(t models.Tier) {
	c.tierMu.Lock()
	c.tier = t
	c.tierMu.Unlock()
	c.pace.setInterval(hub.DeliveryInterval(t))
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err == nil {
		c.SendBytes(b)
	}
}

func (c *ClientAdapter) SendBytes(b []byte) {
	select {
	case c.send <- b:
	default:
		// Drop message if buffer full (Backpressure)
		metrics.DroppedDeliveriesTotal.Inc()
	}
}

// SendSnapshot delivers immediately when the tier interval allows it;
// otherwise the payload is coalesced and the flush loop sends the latest
// one once the interval elapses.
func (c *ClientAdapter) SendSnapshot(symbol string, payload []byte) {
	if c.pace.offer(symbol, payload, time.Now()) {
		c.SendBytes(payload)
	}
}

func (c *ClientAdapter) flushLoop() {
	ticker := time.NewTicker(flushResolution)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			for _, payload := range c.pace.drain(now) {
				c.SendBytes(payload)
			}
		}
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			break
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		if header.OpCode == ws.OpClose {
			break
		}
		if header.OpCode == ws.OpPong {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			continue
		}

		if header.OpCode == ws.OpText {
			var req protocol.WSRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				c.SendJSON(protocol.WSResponse{Type: "error", Message: "Invalid JSON"})
				continue
			}

			for i, s := range req.Payload.Symbols {
				req.Payload.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
			}

			c.hub.HandleCommand(c, req, c.valid)
		}
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.Write(ws.CompiledClose)
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
