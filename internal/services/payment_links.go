package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

// GatewayLink is the provider's view of a checkout link.
type GatewayLink struct {
	ID     string
	URL    string
	Active bool
}

type PaymentLinkRequest struct {
	BookingID     string
	RequestID     string
	CustomerEmail string
	Description   string
	AmountCents   int64
	Currency      string
	RedirectURL   string
}

// PaymentGateway is the payment provider behind payment links.
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*GatewayLink, error)
	RetrievePaymentLink(ctx context.Context, id string) (*GatewayLink, error)
	DeactivatePaymentLink(ctx context.Context, id string) error
}

// LinkState is what retrieval tells us about a stored link.
type LinkState struct {
	Active  bool
	Expired bool
	URL     string
}

// IssuedLink is returned to the caller, who persists it with Patch.
type IssuedLink struct {
	URL       string    `json:"url"`
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reused    bool      `json:"reused"`
	// Replaced is the previous link id that should be deactivated once the new one is stored.
	Replaced string `json:"replaced,omitempty"`
}

// Patch is the audit-carrying update for the aggregate. It is nil for reused links.
func (l *IssuedLink) Patch(issuedBy string) *models.PaymentLinkPatch {
	if l == nil || l.Reused {
		return nil
	}
	return &models.PaymentLinkPatch{
		URL:        l.URL,
		ID:         l.ID,
		Amount:     l.Amount,
		ExpiresAt:  l.ExpiresAt,
		ReplacedID: l.Replaced,
		IssuedBy:   issuedBy,
	}
}

type PaymentLinkConfig struct {
	Currency          string
	LinkTTL           time.Duration
	PaymentSuccessTTL time.Duration
	SiteURL           string
}

// PaymentLinkService issues checkout links. It never writes to the store.
type PaymentLinkService struct {
	gateway PaymentGateway
	codec   *utils.LinkCodec
	cfg     PaymentLinkConfig
	logger  *logrus.Logger
	now     func() time.Time
}

func NewPaymentLinkService(gateway PaymentGateway, codec *utils.LinkCodec, cfg PaymentLinkConfig, logger *logrus.Logger) *PaymentLinkService {
	return &PaymentLinkService{gateway: gateway, codec: codec, cfg: cfg, logger: logger, now: time.Now}
}

// CreateOrReuse returns the booking's current link when it is still active,
// unexpired and for the same amount; otherwise it creates a new one for the
// outstanding balance.
func (s *PaymentLinkService) CreateOrReuse(ctx context.Context, b *models.Booking) (*IssuedLink, error) {
	amountDue := b.AmountDue()

	if b.PaymentLinkID != "" && b.PaymentLinkActive && b.PaymentLinkExpiresAt != nil &&
		s.now().Before(*b.PaymentLinkExpiresAt) && b.PaymentLinkAmount == amountDue {
		state := s.Retrieve(ctx, b.PaymentLinkID)
		if state.Active && !state.Expired {
			linkURL := b.PaymentLink
			if state.URL != "" {
				linkURL = state.URL
			}
			return &IssuedLink{
				URL:       linkURL,
				ID:        b.PaymentLinkID,
				Amount:    b.PaymentLinkAmount,
				ExpiresAt: *b.PaymentLinkExpiresAt,
				Reused:    true,
			}, nil
		}
	}

	if len(b.ConfirmedTours()) == 0 {
		return nil, models.ErrNoConfirmedTours
	}
	if amountDue <= 0 {
		return nil, models.ErrNothingDue
	}

	token, err := s.codec.Sign(b.RequestID, utils.PurposePaymentSuccess, s.cfg.PaymentSuccessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment success link: %w", err)
	}
	redirect := fmt.Sprintf("%s/booking/payment-success?token=%s&session_id={CHECKOUT_SESSION_ID}",
		s.cfg.SiteURL, url.QueryEscape(token))

	link, err := s.gateway.CreatePaymentLink(ctx, PaymentLinkRequest{
		BookingID:     b.ID,
		RequestID:     b.RequestID,
		CustomerEmail: b.Customer.Email,
		Description:   describeTours(b),
		AmountCents:   utils.ToMinorUnits(amountDue),
		Currency:      s.cfg.Currency,
		RedirectURL:   redirect,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment link: %w", err)
	}

	issued := &IssuedLink{
		URL:       link.URL,
		ID:        link.ID,
		Amount:    amountDue,
		ExpiresAt: s.now().Add(s.cfg.LinkTTL).UTC(),
	}
	if b.PaymentLinkID != "" && b.PaymentLinkActive && b.PaymentLinkID != link.ID {
		issued.Replaced = b.PaymentLinkID
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id":      b.ID,
		"payment_link_id": link.ID,
		"amount":          amountDue,
	}).Info("Payment link created")
	return issued, nil
}

// Retrieve asks the provider about a link. Any failure is reported as an
// unusable link so callers fall back to creating a new one.
func (s *PaymentLinkService) Retrieve(ctx context.Context, id string) LinkState {
	link, err := s.gateway.RetrievePaymentLink(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("payment_link_id", id).Warn("Payment link retrieval failed, treating as unusable")
		return LinkState{}
	}
	return LinkState{Active: link.Active, URL: link.URL}
}

func (s *PaymentLinkService) Deactivate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.gateway.DeactivatePaymentLink(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate payment link %s: %w", id, err)
	}
	return nil
}

func describeTours(b *models.Booking) string {
	titles := make([]string, 0, len(b.Tours))
	for _, line := range b.ConfirmedTours() {
		titles = append(titles, fmt.Sprintf("%s (%s, %d guests)", line.Tour.Title, line.Date, line.Guests))
	}
	desc := fmt.Sprintf("Booking %s: %s", b.RequestID, strings.Join(titles, "; "))
	if len(desc) > 500 {
		desc = desc[:497] + "..."
	}
	return desc
}
