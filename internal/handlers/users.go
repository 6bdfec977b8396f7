package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
)

// GetStaffProfile returns the staff record behind the current token.
func GetStaffProfile(staff repository.StaffRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := staffPrincipal(c)

		user, err := staff.FindByUID(c.Request.Context(), principal.UID)
		if errors.Is(err, models.ErrStaffNotFound) && principal.Email != "" {
			user, err = staff.FindByEmail(c.Request.Context(), principal.Email)
		}
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"uid":         user.UID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"role":        user.Role,
			"lastLoginAt": user.LastLoginAt,
		})
	}
}
