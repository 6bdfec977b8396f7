package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/middleware"
	"github.com/tourdesk/booking-backend/internal/models"
)

// respondError maps domain errors to HTTP statuses. Internal details are only
// attached outside production.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"
	body := gin.H{"success": false}

	var stateErr *models.StateError
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		status, message = http.StatusBadRequest, validationErr.Error()
		if len(validationErr.IDs) > 0 {
			body["invalidIds"] = validationErr.IDs
		}
	case errors.As(err, &stateErr):
		status, message = http.StatusBadRequest, stateErr.Error()
		body["currentStatus"] = stateErr.Actual
		body["expectedStatus"] = stateErr.Expected
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrNoConfirmedTours),
		errors.Is(err, models.ErrNothingDue),
		errors.Is(err, models.ErrAlreadyProcessed),
		errors.Is(err, models.ErrInvalidSignature):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, models.ErrForbidden):
		status, message = http.StatusForbidden, "Forbidden"
	case errors.Is(err, models.ErrBookingNotFound):
		status, message = http.StatusNotFound, "Booking not found"
	case errors.Is(err, models.ErrStaffNotFound):
		status, message = http.StatusNotFound, "Staff user not found"
	case errors.Is(err, models.ErrConcurrentUpdate):
		status, message = http.StatusConflict, "Booking was modified by another request, please reload and retry"
	case errors.Is(err, models.ErrLinkInvalid):
		status, message = http.StatusGone, "This link is invalid or has expired"
	case errors.Is(err, models.ErrRateLimited):
		status, message = http.StatusTooManyRequests, "Too many requests, please try again later"
	case errors.Is(err, models.ErrNotificationFailed):
		message = "We could not send your confirmation email, please try again later"
	}

	body["error"] = message
	if middleware.ExposeErrorDetails(c) {
		body["details"] = err.Error()
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	respondError(c, models.NewValidationError("body", err.Error()))
}

func staffPrincipal(c *gin.Context) models.Principal {
	p, _ := middleware.Principal(c)
	return p
}

// bookingSummary is the compact view returned by transition endpoints.
func bookingSummary(b *models.Booking) gin.H {
	if b == nil {
		return nil
	}
	return gin.H{
		"id":                    b.ID,
		"requestId":             b.RequestID,
		"status":                b.Status,
		"currentStep":           b.CurrentStep,
		"total":                 b.Total,
		"paidAmount":            b.PaidAmount,
		"paymentStatus":         b.PaymentStatus,
		"paymentLink":           b.PaymentLink,
		"paymentLinkActive":     b.PaymentLinkActive,
		"availabilityConfirmed": b.AvailabilityConfirmed(),
		"pendingClientFeedback": b.PendingClientFeedback(),
		"pendingPayment":        b.PendingPayment(),
		"emailErrors":           b.EmailErrors,
		"revision":              b.Revision,
	}
}
