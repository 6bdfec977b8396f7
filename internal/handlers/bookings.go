package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/internal/services"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

// SubmitBooking handles a new booking request from the website.
func SubmitBooking(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingData struct {
				Tours       []services.TourRequest `json:"tours" binding:"required,min=1,dive"`
				Customer    models.Customer        `json:"customer"`
				Total       *float64               `json:"total"`
				SubmittedAt *time.Time             `json:"submittedAt"`
			} `json:"bookingData"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		in := services.SubmitInput{
			Customer: input.BookingData.Customer,
			Tours:    input.BookingData.Tours,
			Total:    input.BookingData.Total,
		}
		if input.BookingData.SubmittedAt != nil {
			in.SubmittedAt = *input.BookingData.SubmittedAt
		}
		res, err := svc.Submit(c.Request.Context(), in)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"success":   true,
			"bookingId": res.Booking.ID,
			"requestId": res.Booking.RequestID,
			"total":     res.Booking.Total,
			"message":   "Booking request received, we will confirm availability shortly",
		})
	}
}

func ConfirmAvailability(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID           string                       `json:"bookingId" binding:"required"`
			AvailabilityResults []models.AvailabilityVerdict `json:"availabilityResults" binding:"required,min=1"`
			AdminNotes          string                       `json:"adminNotes"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.ConfirmAvailability(c.Request.Context(), services.AvailabilityInput{
			BookingID:  input.BookingID,
			Results:    input.AvailabilityResults,
			AdminNotes: input.AdminNotes,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":             true,
			"booking":             bookingSummary(res.Booking),
			"outcome":             res.Outcome,
			"hasAlternativeDates": res.Classification.HasAlternativeDates,
			"hasLimitedPlaces":    res.Classification.HasLimitedPlaces,
			"hasUnavailableTours": res.Classification.HasUnavailableTours,
			"allToursAvailable":   res.Classification.AllToursAvailable,
			"noToursAvailable":    res.Classification.NoToursAvailable,
			"paymentLink":         res.PaymentLink,
			"feedbackLink":        res.FeedbackLink,
			"paymentLinkError":    res.Booking.PaymentLinkError,
			"email":               res.Email,
		})
	}
}

func ClientFeedback(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Token    string                `json:"token" binding:"required"`
			Feedback []models.TourFeedback `json:"feedback" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.ReceiveFeedback(c.Request.Context(), input.Token, input.Feedback)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"requestId": res.Booking.RequestID,
			"status":    res.Booking.Status,
			"summary":   res.Summary,
			"total":     res.Booking.Total,
			"message":   "Thank you, our team will confirm your booking shortly",
		})
	}
}

// VerifyFeedbackRequest returns the booking behind a feedback link.
func VerifyFeedbackRequest(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.VerifyFeedbackRequest(c.Request.Context(), c.Query("token"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "booking": view})
	}
}

// AcknowledgeFeedbackRequest confirms a feedback link is usable without
// recording anything; decisions go to ClientFeedback.
func AcknowledgeFeedbackRequest(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Token    string                `json:"token" binding:"required"`
			Feedback []models.TourFeedback `json:"feedback"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		view, err := svc.VerifyFeedbackRequest(c.Request.Context(), input.Token)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"acknowledged": true,
			"requestId":    view.RequestID,
			"canSubmit":    view.PendingClientFeedback,
		})
	}
}

func ConfirmBooking(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID         string                     `json:"bookingId" binding:"required"`
			Action            string                     `json:"action" binding:"required,oneof=confirm cancel"`
			AdminNotes        string                     `json:"adminNotes"`
			CancellationNotes string                     `json:"cancellationNotes"`
			TotalPrice        *float64                   `json:"totalPrice"`
			ModifiedTours     []models.FinalTourDecision `json:"modifiedTours"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.ConfirmOrCancel(c.Request.Context(), services.ConfirmBookingInput{
			BookingID:         input.BookingID,
			Action:            input.Action,
			AdminNotes:        input.AdminNotes,
			CancellationNotes: input.CancellationNotes,
			TotalPrice:        input.TotalPrice,
			ModifiedTours:     input.ModifiedTours,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"action":      res.Action,
			"booking":     bookingSummary(res.Booking),
			"outcome":     res.Outcome,
			"paymentLink": res.PaymentLink,
			"warning":     res.Warning,
			"email":       res.Email,
		})
	}
}

func ConfirmPayment(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID             string                        `json:"bookingId" binding:"required"`
			RequestID             string                        `json:"requestId"`
			CustomerEmail         string                        `json:"customerEmail"`
			PaymentDetails        services.ManualPaymentDetails `json:"paymentDetails"`
			SendConfirmationEmail *bool                         `json:"sendConfirmationEmail"`
			MarkAsFullyPaid       bool                          `json:"markAsFullyPaid"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.RecordManualPayment(c.Request.Context(), services.ManualPaymentInput{
			BookingID:             input.BookingID,
			RequestID:             input.RequestID,
			CustomerEmail:         input.CustomerEmail,
			Details:               input.PaymentDetails,
			SendConfirmationEmail: input.SendConfirmationEmail,
			MarkAsFullyPaid:       input.MarkAsFullyPaid,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"booking": bookingSummary(res.Booking),
			"payment": res.Outcome,
			"email":   res.Email,
		})
	}
}

type tourScheduleRequest struct {
	TourID string `json:"tourId" binding:"required"`
	models.TourSchedule
}

func ScheduleTours(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID     string                `json:"bookingId" binding:"required"`
			TourSchedules []tourScheduleRequest `json:"tourSchedules" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		schedules := make([]models.TourScheduleInput, 0, len(input.TourSchedules))
		for _, s := range input.TourSchedules {
			schedules = append(schedules, models.TourScheduleInput{TourID: s.TourID, Schedule: s.TourSchedule})
		}
		res, err := svc.Schedule(c.Request.Context(), services.ScheduleInput{
			BookingID:     input.BookingID,
			TourSchedules: schedules,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"booking":        bookingSummary(res.Booking),
			"fullyScheduled": res.Outcome.FullyScheduled,
			"scheduled":      res.Outcome.ScheduledTours,
			"unscheduled":    res.Outcome.UnscheduledTours,
			"summary":        res.Outcome.Summary,
			"warning":        res.Warning,
			"email":          res.Email,
		})
	}
}

func CompleteBooking(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Booking *struct {
				ID string `json:"id"`
			} `json:"booking"`
			BookingID string `json:"bookingId"`
			Notes     string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		id := input.BookingID
		if id == "" && input.Booking != nil {
			id = input.Booking.ID
		}
		if id == "" {
			respondError(c, models.NewValidationError("booking.id", "booking id is required"))
			return
		}

		res, err := svc.Complete(c.Request.Context(), id, input.Notes, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "booking": bookingSummary(res.Booking), "email": res.Email})
	}
}

func CancelBooking(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID string `json:"bookingId" binding:"required"`
			Reason    string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		res, err := svc.Cancel(c.Request.Context(), services.CancelInput{
			BookingID: input.BookingID,
			Reason:    input.Reason,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"booking":     bookingSummary(res.Booking),
			"totalBefore": res.TotalBefore,
			"email":       res.Email,
		})
	}
}

func GetBooking(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "booking": b})
	}
}

func ListBookings(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := repository.ListFilter{Status: models.Status(c.Query("status"))}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				respondError(c, models.NewValidationError("limit", "limit must be a number"))
				return
			}
			filter.Limit = limit
		}

		bookings, err := svc.List(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		summaries := make([]gin.H, 0, len(bookings))
		for _, b := range bookings {
			s := bookingSummary(b)
			s["customer"] = b.Customer
			s["createdAt"] = b.CreatedAt
			summaries = append(summaries, s)
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "bookings": summaries, "count": len(summaries)})
	}
}

// PaymentSuccess backs the page customers land on after checkout.
func PaymentSuccess(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.VerifyPaymentSuccess(c.Request.Context(), c.Query("token"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "booking": view})
	}
}

// QuotePrice prices a tour for a guest count, for the booking form.
func QuotePrice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Tour   models.TourRef `json:"tour"`
			Guests int            `json:"guests" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "quote": utils.QuoteTour(input.Tour, input.Guests)})
	}
}
