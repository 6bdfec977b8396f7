package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/internal/services"
)

const principalKey = "staffPrincipal"

// StaffAuth verifies the bearer token with the identity provider and then
// requires an active staff record for the verified uid.
func StaffAuth(verifier services.TokenVerifier, staff repository.StaffRepository, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = strings.TrimSpace(parts[1])
			}
		}

		// Browsers cannot set headers on websocket upgrades.
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "Authorization header or token query parameter required")
			return
		}
		if verifier == nil {
			abort(c, http.StatusUnauthorized, "Staff authentication is not configured")
			return
		}

		identity, err := verifier.VerifyIDToken(c.Request.Context(), tokenString)
		if err != nil {
			logger.WithError(err).Debug("Rejected staff token")
			abort(c, http.StatusUnauthorized, "Invalid token")
			return
		}

		user, err := staff.FindByUID(c.Request.Context(), identity.UID)
		if errors.Is(err, models.ErrStaffNotFound) && identity.Email != "" {
			user, err = staff.FindByEmail(c.Request.Context(), identity.Email)
		}
		switch {
		case errors.Is(err, models.ErrStaffNotFound):
			logger.WithField("uid", identity.UID).Warn("Verified user has no staff record")
			abort(c, http.StatusForbidden, "User is not allowed to manage bookings")
			return
		case err != nil:
			logger.WithError(err).Error("Staff lookup failed")
			abort(c, http.StatusInternalServerError, "Failed to verify staff permissions")
			return
		case !user.Active:
			abort(c, http.StatusForbidden, "Staff account is disabled")
			return
		}

		c.Set(principalKey, models.Principal{UID: identity.UID, Email: user.Email, Role: user.Role})
		c.Next()
	}
}

// Principal returns the staff identity set by StaffAuth.
func Principal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

// SetPrincipal is used by tests and internal callers that authenticate
// differently.
func SetPrincipal(c *gin.Context, p models.Principal) {
	c.Set(principalKey, p)
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}
