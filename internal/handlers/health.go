package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/services"
)

type HealthInfo struct {
	Store     string
	Payments  bool
	Storage   string
	Realtime  string
	StartedAt time.Time
}

func Health(info HealthInfo, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"store":            info.Store,
			"payments":         info.Payments,
			"storage":          info.Storage,
			"realtime":         info.Realtime,
			"connectedClients": hub.ConnectedClients(),
			"uptime":           time.Since(info.StartedAt).Round(time.Second).String(),
		})
	}
}
