package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/services"
)

// Stripe signs payloads up to this size; larger bodies are rejected unread.
const maxWebhookBody = 65536

func CreatePaymentLink(svc *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			BookingID     string   `json:"bookingId" binding:"required"`
			CustomerEmail string   `json:"customerEmail"`
			Amount        *float64 `json:"amount"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		link, err := svc.IssuePaymentLink(c.Request.Context(), services.PaymentLinkInput{
			BookingID:     input.BookingID,
			CustomerEmail: input.CustomerEmail,
			Amount:        input.Amount,
		}, staffPrincipal(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"paymentLink": link.URL,
			"linkId":      link.ID,
			"amount":      link.Amount,
			"expiresAt":   link.ExpiresAt,
			"reused":      link.Reused,
		})
	}
}

// StripeWebhook verifies and reconciles provider events. Anything other than a
// bad signature or a storage failure is acknowledged so the provider stops
// retrying.
func StripeWebhook(reconciler *services.WebhookReconciler, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			respondError(c, models.NewValidationError("body", "could not read request body"))
			return
		}

		event, err := reconciler.VerifyAndParse(payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			logger.WithError(err).Warn("Rejected webhook with invalid signature")
			respondError(c, err)
			return
		}

		result, err := reconciler.Handle(c.Request.Context(), event)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
			}).Error("Webhook processing failed")
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false, "error": "Webhook processing failed"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// UploadReceipt stores a proof of payment for a manual payment entry.
func UploadReceipt(svc *services.BookingService, storage *services.ReceiptStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingID := c.PostForm("bookingId")
		if bookingID == "" {
			respondError(c, models.NewValidationError("bookingId", "booking id is required"))
			return
		}
		if _, err := svc.Get(c.Request.Context(), bookingID); err != nil {
			respondError(c, err)
			return
		}

		file, err := c.FormFile("receipt")
		if err != nil {
			respondError(c, models.NewValidationError("receipt", "receipt file is required"))
			return
		}

		url, err := storage.Upload(c.Request.Context(), file, "receipts/"+bookingID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "receiptUrl": url})
	}
}
