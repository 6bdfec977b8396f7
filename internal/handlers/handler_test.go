package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/booking-backend/internal/middleware"
	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/internal/services"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

type testEnv struct {
	router *gin.Engine
	repo   *repository.MemoryBookingRepository
	svc    *services.BookingService
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := repository.NewMemoryBookingRepository()
	codec := utils.NewLinkCodec("link-secret", logger)
	templates := utils.NewEmailTemplates(utils.EmailBrand{CompanyName: "Tourdesk", SiteURL: "https://tours.example.com"}, "eur")
	notifier := services.NewNotifier(services.NewLogMailer(logger), nil, templates, "ops@example.com", logger)
	links := services.NewPaymentLinkService(services.DisabledGateway{}, codec, services.PaymentLinkConfig{
		Currency:          "eur",
		LinkTTL:           time.Hour,
		PaymentSuccessTTL: time.Hour,
		SiteURL:           "https://tours.example.com",
	}, logger)
	svc := services.NewBookingService(repo, links, codec, notifier, nil, services.BookingServiceConfig{
		SiteURL:     "https://tours.example.com",
		FeedbackTTL: time.Hour,
	}, logger)
	reconciler := services.NewWebhookReconciler(repo, svc, "whsec_test", logger)
	staff := repository.NewMemoryStaffRepository(models.StaffUser{UID: "u1", Email: "staff@example.com", Role: models.StaffRoleAdmin, Active: true})

	asStaff := func(c *gin.Context) {
		middleware.SetPrincipal(c, models.Principal{UID: "u1", Email: "staff@example.com", Role: models.StaffRoleAdmin})
		c.Next()
	}

	r := gin.New()
	r.Use(middleware.ErrorDetails(false))
	r.GET("/health", Health(HealthInfo{Store: "memory", Storage: "local", Realtime: "local", StartedAt: time.Now()}, services.NewHub(nil, logger)))
	r.POST("/booking/submit", SubmitBooking(svc))
	r.POST("/booking/quote", QuotePrice())
	r.GET("/booking/verify-feedback-request", VerifyFeedbackRequest(svc))
	r.GET("/booking/payment-success", PaymentSuccess(svc))
	r.POST("/booking/confirm-availability", asStaff, ConfirmAvailability(svc))
	r.POST("/booking/cancel", asStaff, CancelBooking(svc))
	r.GET("/booking", asStaff, ListBookings(svc))
	r.GET("/booking/:id", asStaff, GetBooking(svc))
	r.POST("/webhooks/stripe", StripeWebhook(reconciler, logger))
	r.POST("/send-email", asStaff, SendEmail(svc))
	r.GET("/api/staff/me", asStaff, GetStaffProfile(staff))

	return &testEnv{router: r, repo: repo, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func submitBody() gin.H {
	return gin.H{
		"bookingData": gin.H{
			"customer": gin.H{"name": "Ana", "email": "ana@example.com"},
			"tours": []gin.H{
				{
					"tour":   gin.H{"id": "safari", "title": "Safari", "groupPrices": []gin.H{{"guests": "1-2", "price": 100, "perPerson": false}}},
					"date":   "2025-03-01",
					"guests": 2,
				},
				{
					"tour":   gin.H{"id": "reef", "title": "Reef dive", "groupPrices": []gin.H{{"guests": "1-10", "price": 50}}},
					"date":   "2025-03-02",
					"guests": 3,
				},
			},
			"total": 250,
		},
	}
}

func (e *testEnv) submit(t *testing.T) string {
	t.Helper()
	w, body := e.do(t, http.MethodPost, "/booking/submit", submitBody())
	require.Equal(t, http.StatusCreated, w.Code)
	return body["bookingId"].(string)
}

func TestHandler_SubmitBooking_Success(t *testing.T) {
	env := setupRouter(t)

	w, body := env.do(t, http.MethodPost, "/booking/submit", submitBody())

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 250.0, body["total"])
	assert.Regexp(t, `^REQ-\d{8}-[0-9A-F]{6}$`, body["requestId"])

	stored, err := env.repo.Get(context.Background(), body["bookingId"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingAvailability, stored.Status)
}

func TestHandler_SubmitBooking_Invalid(t *testing.T) {
	env := setupRouter(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"no tours", gin.H{"bookingData": gin.H{"customer": gin.H{"name": "Ana", "email": "ana@example.com"}, "tours": []gin.H{}}}},
		{"zero guests", gin.H{"bookingData": gin.H{
			"customer": gin.H{"name": "Ana", "email": "ana@example.com"},
			"tours":    []gin.H{{"tour": gin.H{"id": "safari"}, "date": "2025-03-01", "guests": 0}},
		}}},
		{"bad email", gin.H{"bookingData": gin.H{
			"customer": gin.H{"name": "Ana", "email": "nope"},
			"tours":    []gin.H{{"tour": gin.H{"id": "safari"}, "date": "2025-03-01", "guests": 1}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.do(t, http.MethodPost, "/booking/submit", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, body["success"])
			assert.NotContains(t, body, "details")
		})
	}
}

func TestHandler_ConfirmAvailability_WithoutPaymentProvider(t *testing.T) {
	env := setupRouter(t)
	id := env.submit(t)
	stored, err := env.repo.Get(context.Background(), id)
	require.NoError(t, err)

	w, body := env.do(t, http.MethodPost, "/booking/confirm-availability", gin.H{
		"bookingId": id,
		"availabilityResults": []gin.H{
			{"tourId": stored.Tours[0].ID, "status": "available"},
			{"tourId": stored.Tours[1].ID, "status": "available"},
		},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "all_available", body["outcome"])
	assert.NotEmpty(t, body["paymentLinkError"])
	booking := body["booking"].(map[string]interface{})
	assert.Equal(t, "confirmed", booking["status"])

	w, body = env.do(t, http.MethodPost, "/booking/confirm-availability", gin.H{
		"bookingId":           id,
		"availabilityResults": []gin.H{{"tourId": stored.Tours[0].ID, "status": "available"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "confirmed", body["currentStatus"])
}

func TestHandler_CancelBooking(t *testing.T) {
	env := setupRouter(t)
	id := env.submit(t)

	w, _ := env.do(t, http.MethodPost, "/booking/cancel", gin.H{"bookingId": id})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := env.do(t, http.MethodPost, "/booking/cancel", gin.H{"bookingId": id, "reason": "client request"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	w, _ = env.do(t, http.MethodPost, "/booking/cancel", gin.H{"bookingId": "missing", "reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetAndListBookings(t *testing.T) {
	env := setupRouter(t)
	id := env.submit(t)

	w, body := env.do(t, http.MethodGet, "/booking/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	booking := body["booking"].(map[string]interface{})
	assert.Equal(t, id, booking["id"])
	assert.Equal(t, false, booking["availabilityConfirmed"])
	assert.Equal(t, true, booking["pendingPayment"])

	w, _ = env.do(t, http.MethodGet, "/booking/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = env.do(t, http.MethodGet, "/booking?status=awaiting_availability_confirmation&limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["count"])

	w, _ = env.do(t, http.MethodGet, "/booking?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SignedLinks_Gone(t *testing.T) {
	env := setupRouter(t)

	w, body := env.do(t, http.MethodGet, "/booking/verify-feedback-request?token=forged", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, false, body["success"])

	w, _ = env.do(t, http.MethodGet, "/booking/payment-success?token=forged", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHandler_QuotePrice(t *testing.T) {
	env := setupRouter(t)

	w, body := env.do(t, http.MethodPost, "/booking/quote", gin.H{
		"tour":   gin.H{"id": "reef", "groupPrices": []gin.H{{"guests": "1-10", "price": 50}}},
		"guests": 4,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	quote := body["quote"].(map[string]interface{})
	assert.Equal(t, 200.0, quote["amount"])
	assert.Equal(t, false, quote["fallback"])
}

func TestHandler_StripeWebhook_RejectsBadSignature(t *testing.T) {
	env := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1","type":"checkout.session.completed"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SendEmail(t *testing.T) {
	env := setupRouter(t)

	w, body := env.do(t, http.MethodPost, "/send-email", gin.H{
		"to":      "guest@example.com",
		"subject": "Your trip",
		"html":    "<p>Hello</p>",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	w, _ = env.do(t, http.MethodPost, "/send-email", gin.H{"to": []string{}, "subject": "Your trip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/send-email", gin.H{"to": 42, "subject": "Your trip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_StaffProfileAndHealth(t *testing.T) {
	env := setupRouter(t)

	w, body := env.do(t, http.MethodGet, "/api/staff/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", body["role"])

	w, body = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.0, body["connectedClients"])
}
