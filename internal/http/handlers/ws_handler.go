package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/devsoko/escrow-engine/internal/auth"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	// Contract ids this connection asked to follow. Empty means all
	// events the user is allowed to see.
	contracts map[uuid.UUID]bool
}

func (w *wsConn) wants(contractID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.contracts) == 0 {
		return true
	}
	id, err := uuid.Parse(contractID)
	if err != nil {
		return false
	}
	return w.contracts[id]
}

type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]*wsConn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*wsConn),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.StreamContract, func(event events.Event) {
		h.broadcast(event)
	})
}

func (h *WSHub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	contractID, _ := event.Payload["contract_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.connections {
		for _, wc := range conns {
			if contractID != "" && !wc.wants(contractID) {
				continue
			}
			_ = wc.conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func (h *WSHub) SendToUser(userID uuid.UUID, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, wc := range h.connections[userID] {
		_ = wc.conn.WriteMessage(websocket.TextMessage, data)
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// wsClientMessage is what a connected client may send: a request to
// narrow the event stream to specific contracts.
type wsClientMessage struct {
	Subscribe   *string `json:"subscribe,omitempty"`
	Unsubscribe *string `json:"unsubscribe,omitempty"`
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	userID := claims.UserID
	wc := &wsConn{conn: conn, contracts: make(map[uuid.UUID]bool)}

	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], wc)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[userID]
		for i, c := range conns {
			if c == wc {
				h.connections[userID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[userID]) == 0 {
			delete(h.connections, userID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cm wsClientMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			continue
		}
		wc.mu.Lock()
		if cm.Subscribe != nil {
			if id, err := uuid.Parse(*cm.Subscribe); err == nil {
				wc.contracts[id] = true
			}
		}
		if cm.Unsubscribe != nil {
			if id, err := uuid.Parse(*cm.Unsubscribe); err == nil {
				delete(wc.contracts, id)
			}
		}
		wc.mu.Unlock()
	}
}
