package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway implements PaymentGateway with Stripe payment links. Each link
// gets its own one-off price for the exact amount due.
type StripeGateway struct {
	api    *client.API
	logger *logrus.Logger
}

func NewStripeGateway(secretKey string, logger *logrus.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, logger: logger}
}

func (g *StripeGateway) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*GatewayLink, error) {
	metadata := map[string]string{
		"bookingId": req.BookingID,
		"requestId": req.RequestID,
	}

	price, err := g.api.Prices.New(&stripe.PriceParams{
		Params:     stripe.Params{Context: ctx},
		Currency:   stripe.String(req.Currency),
		UnitAmount: stripe.Int64(req.AmountCents),
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(fmt.Sprintf("Tour booking %s", req.RequestID)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe price creation failed: %w", err)
	}

	params := &stripe.PaymentLinkParams{
		Params: stripe.Params{Context: ctx},
		LineItems: []*stripe.PaymentLinkLineItemParams{
			{Price: stripe.String(price.ID), Quantity: stripe.Int64(1)},
		},
		AfterCompletion: &stripe.PaymentLinkAfterCompletionParams{
			Type: stripe.String("redirect"),
			Redirect: &stripe.PaymentLinkAfterCompletionRedirectParams{
				URL: stripe.String(req.RedirectURL),
			},
		},
		PaymentIntentData: &stripe.PaymentLinkPaymentIntentDataParams{
			Description: stripe.String(req.Description),
			Metadata:    metadata,
		},
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}

	link, err := g.api.PaymentLinks.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment link creation failed: %w", err)
	}
	g.logger.WithFields(logrus.Fields{
		"booking_id":      req.BookingID,
		"payment_link_id": link.ID,
		"amount_cents":    req.AmountCents,
	}).Debug("Stripe payment link created")
	return &GatewayLink{ID: link.ID, URL: link.URL, Active: link.Active}, nil
}

func (g *StripeGateway) RetrievePaymentLink(ctx context.Context, id string) (*GatewayLink, error) {
	link, err := g.api.PaymentLinks.Get(id, &stripe.PaymentLinkParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("stripe payment link retrieval failed: %w", err)
	}
	return &GatewayLink{ID: link.ID, URL: link.URL, Active: link.Active}, nil
}

func (g *StripeGateway) DeactivatePaymentLink(ctx context.Context, id string) error {
	_, err := g.api.PaymentLinks.Update(id, &stripe.PaymentLinkParams{
		Params: stripe.Params{Context: ctx},
		Active: stripe.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("stripe payment link deactivation failed: %w", err)
	}
	return nil
}

// DisabledGateway stands in when no Stripe key is configured. Every call fails,
// which the lifecycle records as a payment link error.
type DisabledGateway struct{}

var errPaymentsDisabled = errors.New("payment provider is not configured")

func (DisabledGateway) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*GatewayLink, error) {
	return nil, errPaymentsDisabled
}

func (DisabledGateway) RetrievePaymentLink(ctx context.Context, id string) (*GatewayLink, error) {
	return nil, errPaymentsDisabled
}

func (DisabledGateway) DeactivatePaymentLink(ctx context.Context, id string) error {
	return errPaymentsDisabled
}
