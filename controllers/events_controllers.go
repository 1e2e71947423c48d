package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yeremiapane/plant-market/hub"
	"github.com/yeremiapane/plant-market/utils"
)

var upgrader = websocket.Upgrader{
	// the route sits behind the admin token check
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PaymentEventsHandler -> websocket stream of payment events for operators
func PaymentEventsHandler(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			utils.ErrorLogger.WithError(err).Warn("websocket upgrade failed")
			return
		}

		h.RegisterClient(ws, role)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		h.UnregisterClient(ws)
	}
}
