package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/services"
)

// BookingBoard upgrades a staff connection to the live booking board.
func BookingBoard(hub *services.Hub, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := staffPrincipal(c)
		if err := hub.Serve(c.Writer, c.Request, principal.UID); err != nil {
			// The upgrader has already written the HTTP error.
			logger.WithError(err).WithField("staff_uid", principal.UID).Warn("WebSocket upgrade failed")
		}
	}
}
