package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

const webhookActor = "stripe_webhook"

// Stripe event types handled by the reconciler.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventPaymentIntentFailed   = "payment_intent.payment_failed"
	EventChargeRefunded        = "charge.refunded"
	EventChargeDisputeCreated  = "charge.dispute.created"
)

const (
	checkoutPaymentStatusPaid  = "paid"
	checkoutPaymentNotRequired = "no_payment_required"
)

// WebhookResult is acknowledged to the provider with HTTP 200. Message explains
// deliveries that were accepted without effect.
type WebhookResult struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// WebhookReconciler applies payment provider events to bookings. Delivery is at
// least once, so every mutation is keyed by the event or checkout session id
// stored on the aggregate in the same write that applies it.
type WebhookReconciler struct {
	repo     repository.BookingRepository
	bookings *BookingService
	secret   string
	logger   *logrus.Logger
}

func NewWebhookReconciler(repo repository.BookingRepository, bookings *BookingService, secret string, logger *logrus.Logger) *WebhookReconciler {
	return &WebhookReconciler{repo: repo, bookings: bookings, secret: secret, logger: logger}
}

// VerifyAndParse checks the signature header against the raw body before
// anything is decoded.
func (w *WebhookReconciler) VerifyAndParse(payload []byte, signature string) (stripe.Event, error) {
	if w.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", models.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	return event, nil
}

// Handle dispatches a verified event. Missing bookings and replays are
// acknowledged with a message; only system failures return an error so the
// provider retries.
func (w *WebhookReconciler) Handle(ctx context.Context, event stripe.Event) (*WebhookResult, error) {
	log := w.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})
	res := &WebhookResult{Received: true, EventID: event.ID}
	if event.Data == nil {
		res.Message = "event has no data"
		return res, nil
	}

	var err error
	switch string(event.Type) {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		err = w.fulfill(ctx, event, &session, res)
	case EventAsyncPaymentFailed, EventCheckoutExpired:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		err = w.sessionFailed(ctx, event, &session, res)
	case EventPaymentIntentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent: %w", err)
		}
		err = w.intentFailed(ctx, event, &intent, res)
	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		err = w.refunded(ctx, event, &charge, res)
	case EventChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("failed to decode dispute: %w", err)
		}
		err = w.disputed(ctx, event, &dispute, res)
	default:
		log.Info("Unhandled webhook event acknowledged")
		res.Message = "event type not handled"
		return res, nil
	}
	if err != nil {
		log.WithError(err).Error("Webhook processing failed")
		return nil, err
	}
	if res.Message != "" {
		log.WithField("booking_id", res.BookingID).Info("Webhook acknowledged without changes: " + res.Message)
	}
	return res, nil
}

type bookingLookup struct {
	BookingID string
	Refs      []string
}

func (w *WebhookReconciler) locate(ctx context.Context, lookup bookingLookup) (*models.Booking, error) {
	if lookup.BookingID != "" {
		b, err := w.repo.Get(ctx, lookup.BookingID)
		if err == nil || !errors.Is(err, models.ErrBookingNotFound) {
			return b, err
		}
	}
	for _, ref := range lookup.Refs {
		if ref == "" {
			continue
		}
		b, err := w.repo.FindByPaymentReference(ctx, ref)
		if err == nil || !errors.Is(err, models.ErrBookingNotFound) {
			return b, err
		}
	}
	return nil, models.ErrBookingNotFound
}

// reconcile loads the booking, skips events it has already seen, applies the
// change and saves it, retrying on revision conflicts. apply returns false to
// skip without writing. The returned booking is nil when nothing was written.
func (w *WebhookReconciler) reconcile(ctx context.Context, eventID string, lookup bookingLookup, res *WebhookResult, apply func(*models.Booking) bool) (*models.Booking, error) {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		b, err := w.locate(ctx, lookup)
		if errors.Is(err, models.ErrBookingNotFound) {
			res.Message = "booking not found"
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res.BookingID = b.ID
		if b.HasProcessedEvent(eventID) || !apply(b) {
			res.Message = models.ErrAlreadyProcessed.Error()
			return nil, nil
		}
		err = w.repo.Save(ctx, b)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, models.ErrConcurrentUpdate) {
			return nil, err
		}
		w.logger.WithFields(logrus.Fields{
			"event_id":   eventID,
			"booking_id": b.ID,
			"attempt":    attempt,
		}).Warn("Booking changed while applying webhook, retrying")
	}
	return nil, fmt.Errorf("event %s: %w", eventID, models.ErrConcurrentUpdate)
}

func sessionLookup(s *stripe.CheckoutSession) bookingLookup {
	lookup := bookingLookup{BookingID: s.Metadata["bookingId"]}
	if s.PaymentLink != nil {
		lookup.Refs = append(lookup.Refs, s.PaymentLink.ID)
	}
	if s.PaymentIntent != nil {
		lookup.Refs = append(lookup.Refs, s.PaymentIntent.ID)
	}
	return lookup
}

func intentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return pi.ID
}

// fulfill applies a paid checkout session. The confirmation email and link
// deactivation only run for the delivery that recorded the session.
func (w *WebhookReconciler) fulfill(ctx context.Context, event stripe.Event, session *stripe.CheckoutSession, res *WebhookResult) error {
	paymentStatus := string(session.PaymentStatus)
	if paymentStatus != checkoutPaymentStatusPaid && paymentStatus != checkoutPaymentNotRequired {
		// Delayed methods settle later through async_payment_succeeded.
		_, err := w.reconcile(ctx, event.ID, sessionLookup(session), res, func(b *models.Booking) bool {
			b.RecordPaymentIntent(intentID(session.PaymentIntent))
			b.MarkEventProcessed(event.ID)
			return true
		})
		res.Message = "checkout completed, payment pending"
		return err
	}

	amount := utils.FromMinorUnits(session.AmountTotal)
	piID := intentID(session.PaymentIntent)
	var out models.PaymentOutcome
	b, err := w.reconcile(ctx, event.ID, sessionLookup(session), res, func(b *models.Booking) bool {
		if b.HasFulfilledSession(session.ID) {
			return false
		}
		b.RecordPaymentIntent(piID)
		out = b.ApplyPayment(models.PaymentPatch{
			Payment: models.Payment{
				Amount:        amount,
				Method:        "stripe",
				TransactionID: piID,
				SessionID:     session.ID,
				ProcessedBy:   webhookActor,
			},
			SessionID: session.ID,
			EventID:   event.ID,
			LogID:     event.ID,
		})
		return true
	})
	if err != nil || b == nil {
		return err
	}

	log := w.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"booking_id": b.ID,
		"amount":     amount,
		"paid":       out.PaidAfter,
		"fully_paid": out.FullyPaid,
	})
	log.Info("Checkout payment applied")
	if out.StatusBefore != models.StatusConfirmed {
		log.WithField("status", out.StatusBefore).Warn("Payment received for a booking that was not awaiting payment")
	}

	svc := w.bookings
	if out.FullyPaid {
		b = svc.deactivateLink(ctx, b, "fully_paid", webhookActor)
	}
	email := svc.notifier.SendCustomer(ctx, b, svc.notifier.Templates().PaymentConfirmation(b, amount))
	b = svc.annotate(ctx, b, recordEmail(emailPaymentConfirmation, email))
	svc.notifier.NotifyStaff(ctx, b, svc.notifier.Templates().Custom(
		fmt.Sprintf("Payment received for %s", b.RequestID),
		"Payment received",
		fmt.Sprintf("<p>%s paid %.2f. Outstanding balance: %.2f.</p>", b.Customer.Name, amount, b.AmountDue()),
	), "Payment received", fmt.Sprintf("%s paid %.2f", b.RequestID, amount))
	svc.publish(ctx, b, "payment_received")
	return nil
}

func (w *WebhookReconciler) sessionFailed(ctx context.Context, event stripe.Event, session *stripe.CheckoutSession, res *WebhookResult) error {
	reason := "checkout session expired before payment"
	if string(event.Type) == EventAsyncPaymentFailed {
		reason = "asynchronous payment failed"
	}
	return w.recordFailure(ctx, event, sessionLookup(session), models.Payment{
		Amount:        utils.FromMinorUnits(session.AmountTotal),
		Method:        "stripe",
		TransactionID: intentID(session.PaymentIntent),
		SessionID:     session.ID,
		FailureReason: reason,
		ProcessedBy:   webhookActor,
	}, res)
}

func (w *WebhookReconciler) intentFailed(ctx context.Context, event stripe.Event, intent *stripe.PaymentIntent, res *WebhookResult) error {
	reason := "payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		reason = intent.LastPaymentError.Msg
	}
	return w.recordFailure(ctx, event, bookingLookup{
		BookingID: intent.Metadata["bookingId"],
		Refs:      []string{intent.ID},
	}, models.Payment{
		Amount:        utils.FromMinorUnits(intent.Amount),
		Method:        "stripe",
		TransactionID: intent.ID,
		FailureReason: reason,
		ProcessedBy:   webhookActor,
	}, res)
}

// recordFailure keeps the failed attempt and tells the customer unless the
// booking is already fully paid. paidAmount is never touched.
func (w *WebhookReconciler) recordFailure(ctx context.Context, event stripe.Event, lookup bookingLookup, pay models.Payment, res *WebhookResult) error {
	b, err := w.reconcile(ctx, event.ID, lookup, res, func(b *models.Booking) bool {
		b.RecordPaymentIntent(pay.TransactionID)
		b.RecordFailedPayment(pay, event.ID, string(event.Type))
		return true
	})
	if err != nil || b == nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"booking_id": b.ID,
		"reason":     pay.FailureReason,
	}).Warn("Payment attempt failed")

	svc := w.bookings
	if b.PaymentStatus == models.PaymentFullyPaid {
		// A declined attempt that arrives after the booking settled needs no retry.
		w.logger.WithField("booking_id", b.ID).Info("Booking already paid, no failure email sent")
	} else {
		email := svc.notifier.SendCustomer(ctx, b, svc.notifier.Templates().PaymentFailed(b, pay.FailureReason))
		b = svc.annotate(ctx, b, recordEmail(emailPaymentFailed, email))
	}
	svc.publish(ctx, b, "payment_failed")
	return nil
}

func (w *WebhookReconciler) refunded(ctx context.Context, event stripe.Event, charge *stripe.Charge, res *WebhookResult) error {
	changes := map[string]interface{}{
		"chargeId":       charge.ID,
		"paymentIntent":  intentID(charge.PaymentIntent),
		"amount":         utils.FromMinorUnits(charge.Amount),
		"amountRefunded": utils.FromMinorUnits(charge.AmountRefunded),
		"fullyRefunded":  charge.Refunded,
	}
	return w.recordAdministrative(ctx, event, bookingLookup{
		BookingID: charge.Metadata["bookingId"],
		Refs:      []string{intentID(charge.PaymentIntent)},
	}, "payment_refunded", changes, res)
}

func (w *WebhookReconciler) disputed(ctx context.Context, event stripe.Event, dispute *stripe.Dispute, res *WebhookResult) error {
	changes := map[string]interface{}{
		"disputeId":     dispute.ID,
		"paymentIntent": intentID(dispute.PaymentIntent),
		"amount":        utils.FromMinorUnits(dispute.Amount),
		"reason":        string(dispute.Reason),
		"status":        string(dispute.Status),
	}
	return w.recordAdministrative(ctx, event, bookingLookup{
		BookingID: dispute.Metadata["bookingId"],
		Refs:      []string{intentID(dispute.PaymentIntent)},
	}, "payment_disputed", changes, res)
}

// recordAdministrative persists refunds and disputes for staff follow-up. They
// do not change the booking state.
func (w *WebhookReconciler) recordAdministrative(ctx context.Context, event stripe.Event, lookup bookingLookup, name string, changes map[string]interface{}, res *WebhookResult) error {
	b, err := w.reconcile(ctx, event.ID, lookup, res, func(b *models.Booking) bool {
		b.RecordAdministrativeEvent(event.ID, name, webhookActor, changes)
		return true
	})
	if err != nil || b == nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"booking_id": b.ID,
		"event":      name,
	}).Warn("Payment requires staff attention")

	svc := w.bookings
	body := fmt.Sprintf("<p>Stripe reported <strong>%s</strong> for booking %s (%s).</p>", name, b.RequestID, b.Customer.Name)
	svc.notifier.NotifyStaff(ctx, b, svc.notifier.Templates().Custom(
		fmt.Sprintf("Stripe %s for %s", name, b.RequestID), "Payment needs attention", body,
	), "Payment needs attention", fmt.Sprintf("%s: %s", b.RequestID, name))
	svc.publish(ctx, b, name)
	return nil
}
