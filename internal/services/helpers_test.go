package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

const (
	testStaffEmail    = "ops@example.com"
	testCustomerEmail = "ana@example.com"
	testWebhookSecret = "whsec_test"
)

var staffPrincipal = models.Principal{UID: "staff-1", Email: "staff@example.com", Role: models.StaffRoleOperator}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*GatewayLink, error) {
	args := m.Called(ctx, req)
	if link, ok := args.Get(0).(*GatewayLink); ok {
		return link, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) RetrievePaymentLink(ctx context.Context, id string) (*GatewayLink, error) {
	args := m.Called(ctx, id)
	if link, ok := args.Get(0).(*GatewayLink); ok {
		return link, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) DeactivatePaymentLink(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// recordingMailer keeps every delivered email and fails for addresses in failFor.
type recordingMailer struct {
	mu      sync.Mutex
	sent    []Email
	failFor map[string]bool
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{failFor: make(map[string]bool)}
}

func (m *recordingMailer) Send(ctx context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, to := range email.To {
		if m.failFor[to] {
			return errors.New("mailbox unavailable")
		}
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *recordingMailer) sentTo(addr string) []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Email
	for _, e := range m.sent {
		for _, to := range e.To {
			if to == addr {
				out = append(out, e)
			}
		}
	}
	return out
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []BookingUpdate
}

func (p *recordingPublisher) PublishBookingUpdate(ctx context.Context, update BookingUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Event)
	}
	return out
}

type harness struct {
	svc        *BookingService
	reconciler *WebhookReconciler
	repo       *repository.MemoryBookingRepository
	gateway    *mockGateway
	mailer     *recordingMailer
	events     *recordingPublisher
	codec      *utils.LinkCodec
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithGateway(t, &mockGateway{})
}

func newHarnessWithGateway(t *testing.T, gateway PaymentGateway) *harness {
	t.Helper()
	logger := quietLogger()
	h := &harness{
		repo:   repository.NewMemoryBookingRepository(),
		mailer: newRecordingMailer(),
		events: &recordingPublisher{},
		codec:  utils.NewLinkCodec("link-secret", logger),
	}
	if gw, ok := gateway.(*mockGateway); ok {
		h.gateway = gw
	}
	templates := utils.NewEmailTemplates(utils.EmailBrand{
		CompanyName:  "Tourdesk",
		SiteURL:      "https://tours.example.com",
		SupportEmail: testStaffEmail,
	}, "usd")
	notifier := NewNotifier(h.mailer, nil, templates, testStaffEmail, logger)
	links := NewPaymentLinkService(gateway, h.codec, PaymentLinkConfig{
		Currency:          "usd",
		LinkTTL:           24 * time.Hour,
		PaymentSuccessTTL: time.Hour,
		SiteURL:           "https://tours.example.com",
	}, logger)
	h.svc = NewBookingService(h.repo, links, h.codec, notifier, h.events, BookingServiceConfig{
		SiteURL:     "https://tours.example.com",
		FeedbackTTL: 72 * time.Hour,
	}, logger)
	h.reconciler = NewWebhookReconciler(h.repo, h.svc, testWebhookSecret, logger)
	return h
}

func boolPtr(b bool) *bool { return &b }

// catalogTours returns a flat-priced safari (100 for up to two guests) and a
// reef dive at 50 per person.
func catalogTours() []TourRequest {
	return []TourRequest{
		{
			Tour: models.TourRef{ID: "safari", Title: "Safari", GroupPrices: []models.GroupPriceTier{
				{Guests: "1-2", Price: 100, PerPerson: boolPtr(false)},
				{Guests: "3-6", Price: 80},
			}},
			Date:   "2025-03-01",
			Guests: 2,
		},
		{
			Tour: models.TourRef{ID: "reef", Title: "Reef dive", GroupPrices: []models.GroupPriceTier{
				{Guests: "1-10", Price: 50},
			}},
			Date:   "2025-03-02",
			Guests: 3,
		},
	}
}

func (h *harness) submit(t *testing.T) *models.Booking {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), SubmitInput{
		Customer: models.Customer{Name: "Ana", Email: testCustomerEmail},
		Tours:    catalogTours(),
	})
	require.NoError(t, err)
	return res.Booking
}

// confirmed submits a booking and marks every tour available. The payment link
// is issued by the mock gateway as plink_1.
func (h *harness) confirmed(t *testing.T) *models.Booking {
	t.Helper()
	b := h.submit(t)
	h.gateway.On("CreatePaymentLink", mock.Anything, mock.MatchedBy(func(req PaymentLinkRequest) bool {
		return req.BookingID == b.ID
	})).Return(&GatewayLink{ID: "plink_1", URL: "https://pay.example.com/plink_1", Active: true}, nil).Once()

	res, err := h.svc.ConfirmAvailability(context.Background(), AvailabilityInput{
		BookingID: b.ID,
		Results:   allVerdicts(b, models.AvailabilityAvailable),
	}, staffPrincipal)
	require.NoError(t, err)
	require.NotNil(t, res.PaymentLink)
	return res.Booking
}

func allVerdicts(b *models.Booking, status models.Availability) []models.AvailabilityVerdict {
	out := make([]models.AvailabilityVerdict, 0, len(b.Tours))
	for _, line := range b.Tours {
		out = append(out, models.AvailabilityVerdict{TourID: line.ID, Status: status})
	}
	return out
}
