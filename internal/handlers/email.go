package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/services"
)

// recipients accepts either a single address or a list.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings")
	}
	*r = many
	return nil
}

func SendEmail(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			To      recipients `json:"to"`
			Cc      recipients `json:"cc"`
			Subject string     `json:"subject"`
			Title   string     `json:"title"`
			HTML    string     `json:"html"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.SendEmail(c.Request.Context(), input.To, input.Cc, input.Subject, input.Title, input.HTML)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "email": res})
	}
}
