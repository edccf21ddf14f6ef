// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// WebSocketHandler streams device events to clients and accepts a small set
// of commands over the socket. It implements service.EventSink so the
// services can publish directly into its event bus.
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
	eventBus      *EventBus
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(deviceService *service.DeviceService, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Origin filtering is handled by the CORS middleware.
			return true
		},
	}

	handler := &WebSocketHandler{
		upgrader:      upgrader,
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
		eventBus:      NewEventBus(logger),
	}

	go handler.eventBus.Start()
	go handler.drainEvents()

	return handler
}

// PublishEvent satisfies service.EventSink.
func (h *WebSocketHandler) PublishEvent(event model.DeviceEvent) {
	h.eventBus.PublishEvent(event)
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Per-device event stream
	router.GET("/devices/:serial", h.HandleDeviceConnection)

	// All device events
	router.GET("/events", h.HandleEventConnection)
}

// HandleDeviceConnection handles device-specific WebSocket connections
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	serial := c.Param("serial")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "device",
		Serial:      &serial,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Device WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("serial", serial),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.sendInitialDeviceState(client, serial)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// HandleEventConnection handles the all-devices event stream
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "events",
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// drainEvents forwards bus events to connected clients.
func (h *WebSocketHandler) drainEvents() {
	for event := range h.eventBus.Subscribe() {
		h.broadcastEvent(event)
	}
}

// broadcastEvent sends one event to the all-events clients and to clients
// watching the event's device.
func (h *WebSocketHandler) broadcastEvent(event model.DeviceEvent) {
	message := &WebSocketMessage{
		Type:      "device_event",
		Data:      event,
		Timestamp: event.Timestamp,
	}

	var clients []*Client
	for _, client := range h.connections.GetEventClients() {
		if client.wantsEvent(event.EventType) {
			clients = append(clients, client)
		}
	}
	if event.DeviceSerial != "" {
		clients = append(clients, h.connections.GetDeviceClients(event.DeviceSerial)...)
	}

	h.broadcastToClients(clients, message)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Error("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe":
		h.handleSubscription(client, message)
	case "unsubscribe":
		h.handleUnsubscription(client, message)
	case "query_status":
		h.handleStatusQuery(client)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

// handleSubscription handles client subscription requests
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage) {
	if client.Subscriptions == nil {
		client.Subscriptions = make(map[model.EventType]bool)
	}

	if data, ok := message.Data.(map[string]interface{}); ok {
		if eventType, ok := data["event_type"].(string); ok {
			client.Subscriptions[model.EventType(eventType)] = true
			h.logger.Info("Client subscribed to event type",
				zap.String("client_id", client.ID),
				zap.String("event_type", eventType),
			)

			h.sendMessage(client, &WebSocketMessage{
				Type: "subscription_confirmed",
				Data: map[string]interface{}{
					"event_type": eventType,
				},
				Timestamp: time.Now(),
			})
		}
	}
}

// handleUnsubscription handles client unsubscription requests
func (h *WebSocketHandler) handleUnsubscription(client *Client, message *WebSocketMessage) {
	if client.Subscriptions == nil {
		return
	}

	if data, ok := message.Data.(map[string]interface{}); ok {
		if eventType, ok := data["event_type"].(string); ok {
			delete(client.Subscriptions, model.EventType(eventType))
			h.logger.Info("Client unsubscribed from event type",
				zap.String("client_id", client.ID),
				zap.String("event_type", eventType),
			)
		}
	}
}

// handleStatusQuery reads fresh hardware state for a device connection.
func (h *WebSocketHandler) handleStatusQuery(client *Client) {
	if client.Serial == nil {
		h.sendError(client, "query_status only available on device connections")
		return
	}

	go func(serial string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snapshot, err := h.deviceService.QueryStatus(ctx, serial)
		response := &WebSocketMessage{
			Type: "status",
			Data: map[string]interface{}{
				"serial":  serial,
				"success": err == nil,
			},
			Timestamp: time.Now(),
		}
		if err != nil {
			response.Data.(map[string]interface{})["error"] = err.Error()
		} else {
			response.Data.(map[string]interface{})["snapshot"] = snapshot
		}

		h.sendMessage(client, response)
	}(*client.Serial)
}

// sendInitialDeviceState sends the stored device record to a new client.
func (h *WebSocketHandler) sendInitialDeviceState(client *Client, serial string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device, err := h.deviceService.GetDevice(ctx, serial)
	if err != nil {
		h.sendError(client, fmt.Sprintf("failed to get device: %v", err))
		return
	}

	h.sendMessage(client, &WebSocketMessage{
		Type: "initial_state",
		Data: map[string]interface{}{
			"device": device,
		},
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type: "error",
		Data: map[string]interface{}{
			"error": errorMsg,
		},
		Timestamp: time.Now(),
	})
}

// broadcastToClients broadcasts message to specified clients
func (h *WebSocketHandler) broadcastToClients(clients []*Client, message *WebSocketMessage) {
	if len(clients) == 0 {
		return
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.Send <- messageBytes:
		default:
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
