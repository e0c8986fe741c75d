package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"backend/internal/models"
	"backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans events out to all connected staff clients. Delivery is
// best-effort: a hub with no subscribers is not an error, and slow clients
// are disconnected rather than allowed to stall the rest.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.logger.Info("Notification hub stopped.")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("Staff client connected",
				zap.String("client_id", client.id),
				zap.String("email", client.email),
				zap.String("role", client.role))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Staff client disconnected", zap.String("client_id", client.id))
			}
		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					// Slow consumer, drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// emit queues an event for broadcast without blocking the caller.
func (h *Hub) emit(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", zap.String("event", event.Event))
	}
}

// NewFeedback announces a freshly submitted record (bounded preview only).
func (h *Hub) NewFeedback(f *models.Feedback) {
	h.emit(newFeedbackEvent(f))
}

// AnalysisComplete announces a finished analysis. The payload carries the
// classification fields only, never the feedback body.
func (h *Hub) AnalysisComplete(feedbackID int64, a *models.Analysis) {
	h.emit(analysisCompleteEvent(feedbackID, a))
}

// UrgentAlert announces a critical-urgency analysis with a truncated body
// preview.
func (h *Hub) UrgentAlert(f *models.Feedback, a *models.Analysis) {
	h.emit(urgentAlertEvent(f, a))
}

// ServeWS handles the websocket handshake. The client must present a valid
// staff or admin JWT; anything else is refused before the upgrade.
func (h *Hub) ServeWS(c *gin.Context) {
	claims, err := h.authorize(c)
	if err != nil {
		h.logger.Warn("Rejected websocket connection", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing credentials"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan Event, 64),
		email: claims.Email,
		role:  claims.Role,
	}
	h.register <- client

	// Welcome ack before any broadcast reaches the new subscriber.
	client.send <- Event{
		Event: EventConnected,
		Data:  map[string]any{"message": "Connected to staff updates"},
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) authorize(c *gin.Context) (*models.Claims, error) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, errors.New("missing bearer token")
	}

	claims := &models.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return service.GetJWTSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != models.RoleAdmin && claims.Role != models.RoleStaff {
		return nil, errors.New("insufficient role for staff updates")
	}
	return claims, nil
}
