package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Client is one connected staff subscriber.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan Event
	email string
	role  string
}

// inboundMessage is what subscribers may send upstream.
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readPump consumes messages from the subscriber until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message", zap.String("client_id", c.id))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg inboundMessage) {
	switch msg.Event {
	case "request_updates":
		// Acknowledged but not required for correctness; the client is
		// already in the staff audience.
		select {
		case c.send <- Event{Event: EventUpdatesEnabled, Data: map[string]any{"message": "You will receive real-time updates"}}:
		default:
		}
	case "staff_action":
		var action struct {
			FeedbackID int64  `json:"feedback_id"`
			Action     string `json:"action"`
		}
		if err := json.Unmarshal(msg.Data, &action); err != nil {
			return
		}
		c.hub.emit(Event{
			Event: EventStaffActionUpdate,
			Data: map[string]any{
				"feedback_id": action.FeedbackID,
				"action":      action.Action,
				"staff_id":    c.id,
			},
		})
	default:
		c.hub.logger.Debug("Unknown client event", zap.String("event", msg.Event))
	}
}

// writePump pushes queued events and keepalive pings to the subscriber.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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
