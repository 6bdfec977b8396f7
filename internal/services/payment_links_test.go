package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

var linkClock = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func newLinkService(t *testing.T) (*PaymentLinkService, *mockGateway) {
	t.Helper()
	gw := &mockGateway{}
	logger := quietLogger()
	svc := NewPaymentLinkService(gw, utils.NewLinkCodec("link-secret", logger), PaymentLinkConfig{
		Currency:          "eur",
		LinkTTL:           48 * time.Hour,
		PaymentSuccessTTL: time.Hour,
		SiteURL:           "https://tours.example.com",
	}, logger)
	svc.now = func() time.Time { return linkClock }
	return svc, gw
}

func confirmedBooking(t *testing.T) *models.Booking {
	t.Helper()
	b := models.NewBooking("REQ-20250201-ABC123", models.Customer{Name: "Ana", Email: testCustomerEmail}, []models.TourLine{
		{ID: "t1", Tour: models.TourRef{ID: "safari", Title: "Safari"}, Date: "2025-03-01", Guests: 2, CalculatedPrice: 100},
		{ID: "t2", Tour: models.TourRef{ID: "reef", Title: "Reef dive"}, Date: "2025-03-02", Guests: 3, CalculatedPrice: 150},
	}, time.Time{})
	b.ID = "b1"
	_, err := b.ApplyAvailability(models.AvailabilityPatch{Verdicts: []models.AvailabilityVerdict{
		{TourID: "t1", Status: models.AvailabilityAvailable},
		{TourID: "t2", Status: models.AvailabilityAvailable},
	}})
	require.NoError(t, err)
	return b
}

func withLink(b *models.Booking, id string, amount float64, expires time.Time) *models.Booking {
	b.AttachPaymentLink(models.PaymentLinkPatch{
		URL:       "https://pay.example.com/" + id,
		ID:        id,
		Amount:    amount,
		ExpiresAt: expires,
	})
	return b
}

func TestPaymentLinkService_CreatesLinkForAmountDue(t *testing.T) {
	svc, gw := newLinkService(t)
	b := confirmedBooking(t)

	gw.On("CreatePaymentLink", mock.Anything, mock.MatchedBy(func(req PaymentLinkRequest) bool {
		return req.AmountCents == 25000 &&
			req.Currency == "eur" &&
			req.BookingID == "b1" &&
			req.CustomerEmail == testCustomerEmail &&
			strings.HasPrefix(req.RedirectURL, "https://tours.example.com/booking/payment-success?token=") &&
			strings.HasSuffix(req.RedirectURL, "session_id={CHECKOUT_SESSION_ID}") &&
			strings.Contains(req.Description, "Safari")
	})).Return(&GatewayLink{ID: "plink_new", URL: "https://pay.example.com/plink_new", Active: true}, nil).Once()

	issued, err := svc.CreateOrReuse(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, issued.Reused)
	assert.Equal(t, "plink_new", issued.ID)
	assert.Equal(t, 250.0, issued.Amount)
	assert.Equal(t, linkClock.Add(48*time.Hour), issued.ExpiresAt)
	assert.Empty(t, issued.Replaced)

	patch := issued.Patch("staff@example.com")
	require.NotNil(t, patch)
	assert.Equal(t, "plink_new", patch.ID)
	gw.AssertExpectations(t)
}

func TestPaymentLinkService_ReusesActiveLink(t *testing.T) {
	svc, gw := newLinkService(t)
	b := withLink(confirmedBooking(t), "plink_old", 250, linkClock.Add(time.Hour))

	gw.On("RetrievePaymentLink", mock.Anything, "plink_old").
		Return(&GatewayLink{ID: "plink_old", URL: "https://pay.example.com/plink_old", Active: true}, nil).Once()

	issued, err := svc.CreateOrReuse(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, issued.Reused)
	assert.Equal(t, "plink_old", issued.ID)
	assert.Nil(t, issued.Patch("staff@example.com"))
	gw.AssertNotCalled(t, "CreatePaymentLink", mock.Anything, mock.Anything)
}

func TestPaymentLinkService_ReplacesUnusableLink(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		expires  time.Duration
		retrieve func(gw *mockGateway)
	}{
		{
			name:    "amount changed",
			amount:  300,
			expires: time.Hour,
		},
		{
			name:    "expired locally",
			amount:  250,
			expires: -time.Minute,
		},
		{
			name:    "inactive at provider",
			amount:  250,
			expires: time.Hour,
			retrieve: func(gw *mockGateway) {
				gw.On("RetrievePaymentLink", mock.Anything, "plink_old").
					Return(&GatewayLink{ID: "plink_old", Active: false}, nil).Once()
			},
		},
		{
			name:    "provider lookup failed",
			amount:  250,
			expires: time.Hour,
			retrieve: func(gw *mockGateway) {
				gw.On("RetrievePaymentLink", mock.Anything, "plink_old").
					Return(nil, errors.New("timeout")).Once()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, gw := newLinkService(t)
			b := withLink(confirmedBooking(t), "plink_old", tt.amount, linkClock.Add(tt.expires))
			if tt.retrieve != nil {
				tt.retrieve(gw)
			}
			gw.On("CreatePaymentLink", mock.Anything, mock.MatchedBy(func(req PaymentLinkRequest) bool {
				return req.AmountCents == 25000
			})).Return(&GatewayLink{ID: "plink_new", URL: "https://pay.example.com/plink_new", Active: true}, nil).Once()

			issued, err := svc.CreateOrReuse(context.Background(), b)
			require.NoError(t, err)
			assert.False(t, issued.Reused)
			assert.Equal(t, "plink_new", issued.ID)
			assert.Equal(t, "plink_old", issued.Replaced)
			gw.AssertExpectations(t)
		})
	}
}

func TestPaymentLinkService_ChargesOnlyOutstandingBalance(t *testing.T) {
	svc, gw := newLinkService(t)
	b := confirmedBooking(t)
	b.ApplyPayment(models.PaymentPatch{Payment: models.Payment{Amount: 100.5, Method: "cash"}})

	gw.On("CreatePaymentLink", mock.Anything, mock.MatchedBy(func(req PaymentLinkRequest) bool {
		return req.AmountCents == 14950
	})).Return(&GatewayLink{ID: "plink_rest", URL: "https://pay.example.com/plink_rest", Active: true}, nil).Once()

	issued, err := svc.CreateOrReuse(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 149.5, issued.Amount)
	gw.AssertExpectations(t)
}

func TestPaymentLinkService_Errors(t *testing.T) {
	svc, gw := newLinkService(t)

	paid := confirmedBooking(t)
	paid.ApplyPayment(models.PaymentPatch{Payment: models.Payment{Amount: 250, Method: "cash"}})
	_, err := svc.CreateOrReuse(context.Background(), paid)
	assert.ErrorIs(t, err, models.ErrNothingDue)

	pending := models.NewBooking("REQ-1", models.Customer{Email: testCustomerEmail}, []models.TourLine{
		{ID: "t1", Tour: models.TourRef{ID: "safari"}, Date: "2025-03-01", Guests: 1, CalculatedPrice: 10},
	}, time.Time{})
	_, err = svc.CreateOrReuse(context.Background(), pending)
	assert.ErrorIs(t, err, models.ErrNoConfirmedTours)

	gw.On("CreatePaymentLink", mock.Anything, mock.Anything).Return(nil, errors.New("card_declined")).Once()
	_, err = svc.CreateOrReuse(context.Background(), confirmedBooking(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card_declined")

	assert.NoError(t, svc.Deactivate(context.Background(), ""))
	gw.On("DeactivatePaymentLink", mock.Anything, "plink_x").Return(errors.New("gone")).Once()
	assert.Error(t, svc.Deactivate(context.Background(), "plink_x"))
}
