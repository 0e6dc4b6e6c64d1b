package signaling

import (
	"encoding/json"
	"net/http"

	myMiddleware "navi/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Handler struct {
	hub      *Hub
	settings Settings
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(hub *Hub, settings Settings, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.With().Str("module", "signaling.handler").Logger(),
	}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(string)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, userID, username, h.settings)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.hub.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
