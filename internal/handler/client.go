package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"predictionhub/internal/logger"
	hub "predictionhub/internal/service/websocket"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveHistoryHandler registers a viewer with the hub so it receives created,
// annotated and deleted history events. Messages from the viewer are ignored.
func LiveHistoryHandler(h *hub.HubService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		h.Register(connection)
		defer h.Unregister(connection)

		logger.Info("History viewer connected")

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("History viewer disconnected")
				} else {
					logger.Warning("History viewer disconnected with error: %v", err)
				}
				return
			}
		}
	}
}
