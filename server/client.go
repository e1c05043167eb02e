package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Buffered events per client; slow clients drop beyond this
	clientSendBuffer = 64
)

// Client represents a WebSocket client connection
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan interface{}
	id        string
	closeOnce sync.Once
}

// clientMessage is the envelope for incoming WebSocket messages
type clientMessage struct {
	Type          string  `json:"type"`
	DailyBudget   float64 `json:"daily_budget"`
	WeeklyBudget  float64 `json:"weekly_budget"`
	MonthlyBudget float64 `json:"monthly_budget"`
}

// HandleWebSocket upgrades a connection and starts the client pumps
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, clientSendBuffer),
		id:     fmt.Sprintf("c_%d", time.Now().UnixNano()),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "client_id", c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id,
			)
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"error", err.Error(),
			"client_id", c.id,
		)
	}
}

// routeMessage dispatches incoming WebSocket messages
func (c *Client) routeMessage(msg *clientMessage) {
	switch msg.Type {
	case "budget_update":
		c.handleBudgetUpdate(msg)
	case "ping":
		// Deadline already refreshed by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

// handleBudgetUpdate adjusts spend limits at runtime
func (c *Client) handleBudgetUpdate(msg *clientMessage) {
	if msg.DailyBudget < 0 || msg.WeeklyBudget < 0 || msg.MonthlyBudget < 0 {
		c.server.logger.Warnw("Invalid budget update, ignoring",
			"daily_budget", msg.DailyBudget,
			"weekly_budget", msg.WeeklyBudget,
			"monthly_budget", msg.MonthlyBudget,
			"client_id", c.id,
		)
		return
	}

	if msg.DailyBudget > 0 {
		if err := c.server.budgetTracker.UpdateDailyBudget(msg.DailyBudget); err != nil {
			c.server.logger.Errorw("Failed to update daily budget",
				"daily_budget", msg.DailyBudget,
				"error", err,
				"client_id", c.id,
			)
			return
		}
	}
	if msg.WeeklyBudget > 0 {
		if err := c.server.budgetTracker.UpdateWeeklyBudget(msg.WeeklyBudget); err != nil {
			c.server.logger.Errorw("Failed to update weekly budget",
				"weekly_budget", msg.WeeklyBudget,
				"error", err,
				"client_id", c.id,
			)
			return
		}
	}
	if msg.MonthlyBudget > 0 {
		if err := c.server.budgetTracker.UpdateMonthlyBudget(msg.MonthlyBudget); err != nil {
			c.server.logger.Errorw("Failed to update monthly budget",
				"monthly_budget", msg.MonthlyBudget,
				"error", err,
				"client_id", c.id,
			)
			return
		}
	}

	c.server.logger.Infow("Budgets updated",
		"daily_budget", msg.DailyBudget,
		"weekly_budget", msg.WeeklyBudget,
		"monthly_budget", msg.MonthlyBudget,
		"client_id", c.id,
	)

	select {
	case c.send <- map[string]interface{}{
		"type":   "budget_updated",
		"limits": c.server.budgetTracker.GetBudgetLimits(),
	}:
	default:
	}
}

// writePump writes events to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			c.server.logger.Debugw("Write pump stopping due to server shutdown", "client_id", c.id)
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears down the connection. The send channel is never closed:
// a broadcast that snapshotted this client before it unregistered can
// still send without panicking, and the pumps exit once the connection
// drops.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
