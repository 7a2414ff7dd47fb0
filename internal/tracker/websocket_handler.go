package tracker

import (
	"github.com/yegors/co-ogn/internal/websocket"
	"github.com/yegors/co-ogn/pkg/logger"
)

// WebSocketHandler handles incoming WebSocket messages from viewers
type WebSocketHandler struct {
	service *Service
	logger  *logger.Logger
}

// NewWebSocketHandler creates a new WebSocket message handler
func NewWebSocketHandler(service *Service, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
		logger:  log.Named("tracker-ws-handler"),
	}
}

// HandleMessage handles incoming WebSocket messages
func (h *WebSocketHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case websocket.MessageTypeAircraftBulkRequest:
		return h.sendBulk(client)
	case websocket.MessageTypeFilterUpdate:
		return h.handleFilterUpdate(client, data)
	default:
		h.logger.Debug("Unhandled message type", logger.String("type", messageType))
		return nil
	}
}

// handleFilterUpdate stores the client's filters and answers with the
// aircraft that pass them
func (h *WebSocketHandler) handleFilterUpdate(client *websocket.Client, data map[string]any) error {
	var filters websocket.ClientFilters

	if showAir, ok := data["show_air"].(bool); ok {
		filters.ShowAir = showAir
	}
	if showGround, ok := data["show_ground"].(bool); ok {
		filters.ShowGround = showGround
	}
	if selected, ok := data["selected_device"].(string); ok {
		filters.SelectedDevice = selected
	}

	client.UpdateFilters(&filters)

	h.logger.Debug("Updated client filters",
		logger.Bool("show_air", filters.ShowAir),
		logger.Bool("show_ground", filters.ShowGround),
		logger.String("selected_device", filters.SelectedDevice))

	return h.sendBulk(client)
}

// sendBulk sends the current picture, filtered for the client, to that
// client only
func (h *WebSocketHandler) sendBulk(client *websocket.Client) error {
	filters := client.GetFilters()

	aircraft := make([]*Aircraft, 0)
	for _, a := range h.service.GetAllAircraft() {
		if filters.Matches(map[string]any{"device_id": a.DeviceID, "on_ground": a.OnGround}) {
			aircraft = append(aircraft, a)
		}
	}

	message := &websocket.Message{
		Type: websocket.MessageTypeAircraftBulkResponse,
		Data: map[string]any{
			"aircraft": aircraft,
			"count":    len(aircraft),
		},
	}

	if !client.SendMessage(message) {
		h.logger.Warn("Client send channel full, dropping message")
	}
	return nil
}
