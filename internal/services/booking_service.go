package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

const maxSaveAttempts = 3

// Keys under which notification failures are recorded on the aggregate.
const (
	emailSubmitStaff         = "submissionStaff"
	emailAvailability        = "availability"
	emailFeedbackStaff       = "feedbackStaff"
	emailBookingConfirmation = "bookingConfirmation"
	emailCancellation        = "cancellation"
	emailPaymentConfirmation = "paymentConfirmation"
	emailPaymentFailed       = "paymentFailed"
	emailSchedule            = "schedule"
	emailCompletion          = "completion"
)

// BookingPublisher fans committed transitions out to live listeners.
type BookingPublisher interface {
	PublishBookingUpdate(ctx context.Context, update BookingUpdate) error
}

type BookingServiceConfig struct {
	SiteURL     string
	FeedbackTTL time.Duration
}

// BookingService runs the booking lifecycle. Every transition loads one
// aggregate, applies a typed patch, saves it with a revision check and only then
// fires its side effects.
type BookingService struct {
	repo     repository.BookingRepository
	links    *PaymentLinkService
	codec    *utils.LinkCodec
	notifier *Notifier
	events   BookingPublisher
	validate *validator.Validate
	cfg      BookingServiceConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewBookingService wires the lifecycle. events may be nil.
func NewBookingService(
	repo repository.BookingRepository,
	links *PaymentLinkService,
	codec *utils.LinkCodec,
	notifier *Notifier,
	events BookingPublisher,
	cfg BookingServiceConfig,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		repo:     repo,
		links:    links,
		codec:    codec,
		notifier: notifier,
		events:   events,
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type TourRequest struct {
	Tour   models.TourRef `json:"tour" binding:"required"`
	Date   string         `json:"date" binding:"required"`
	Guests int            `json:"guests" binding:"required,min=1"`
}

type SubmitInput struct {
	Customer    models.Customer
	Tours       []TourRequest
	SubmittedAt time.Time
	// Total is the client's own computation; it is compared, never trusted.
	Total *float64
}

type SubmitResult struct {
	Booking       *models.Booking `json:"booking"`
	CustomerEmail EmailResult     `json:"customerEmail"`
	StaffEmail    EmailResult     `json:"staffEmail"`
}

// Submit creates a booking request. The customer acknowledgement is on the
// critical path: when it cannot be delivered nothing is stored.
func (s *BookingService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if len(in.Tours) == 0 {
		return nil, models.NewValidationError("tours", "at least one tour is required")
	}
	in.Customer.Name = strings.TrimSpace(in.Customer.Name)
	in.Customer.Email = strings.TrimSpace(in.Customer.Email)
	if in.Customer.Name == "" {
		return nil, models.NewValidationError("customer.name", "name is required")
	}
	if err := s.validate.Var(in.Customer.Email, "required,email"); err != nil {
		return nil, models.NewValidationError("customer.email", "a valid email address is required")
	}

	lines := make([]models.TourLine, 0, len(in.Tours))
	for i, t := range in.Tours {
		if t.Tour.ID == "" || strings.TrimSpace(t.Date) == "" || t.Guests < 1 {
			return nil, models.NewValidationError(fmt.Sprintf("tours[%d]", i), "tour, date and at least one guest are required")
		}
		lines = append(lines, models.TourLine{
			ID:              xid.New().String(),
			Tour:            t.Tour,
			Date:            strings.TrimSpace(t.Date),
			Guests:          t.Guests,
			CalculatedPrice: utils.PriceTour(t.Tour, t.Guests),
		})
	}

	booking := models.NewBooking(newRequestID(s.now()), in.Customer, lines, in.SubmittedAt)
	booking.ID = xid.New().String()
	if in.Total != nil && math.Abs(*in.Total-booking.Total) >= 0.01 {
		s.logger.WithFields(logrus.Fields{
			"request_id":   booking.RequestID,
			"client_total": *in.Total,
			"total":        booking.Total,
		}).Warn("Submitted total differs from recalculated total")
	}

	res := &SubmitResult{Booking: booking}
	res.CustomerEmail = s.notifier.SendCustomer(ctx, booking, s.notifier.Templates().AvailabilityCheck(booking))
	if !res.CustomerEmail.Sent {
		return nil, fmt.Errorf("%w: %s", models.ErrNotificationFailed, res.CustomerEmail.Error)
	}

	if err := s.repo.Create(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to store booking: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"request_id": booking.RequestID,
		"tours":      len(booking.Tours),
		"total":      booking.Total,
	}).Info("Booking submitted")

	res.StaffEmail = s.notifier.NotifyStaff(ctx, booking, s.notifier.Templates().StaffNewBooking(booking),
		"New booking request", fmt.Sprintf("%s requested %d tour(s)", booking.Customer.Name, len(booking.Tours)))
	res.Booking = s.annotate(ctx, booking, recordEmail(emailSubmitStaff, res.StaffEmail))
	s.publish(ctx, res.Booking, "booking_submitted")
	return res, nil
}

// newRequestID renders the customer-facing reference, e.g. REQ-20240115-3F9A1C.
func newRequestID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("REQ-%s-%s", now.UTC().Format("20060102"), suffix)
}

type AvailabilityInput struct {
	BookingID  string
	Results    []models.AvailabilityVerdict
	AdminNotes string
}

type AvailabilityResult struct {
	Booking        *models.Booking                   `json:"booking"`
	Classification models.AvailabilityClassification `json:"classification"`
	Outcome        string                            `json:"outcome"`
	PaymentLink    *IssuedLink                       `json:"paymentLink,omitempty"`
	FeedbackLink   string                            `json:"feedbackLink,omitempty"`
	Email          EmailResult                       `json:"email"`
}

func (s *BookingService) ConfirmAvailability(ctx context.Context, in AvailabilityInput, by models.Principal) (*AvailabilityResult, error) {
	if len(in.Results) == 0 {
		return nil, models.NewValidationError("availabilityResults", "at least one availability result is required")
	}
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}

	c, err := b.ApplyAvailability(models.AvailabilityPatch{
		Verdicts:   in.Results,
		AdminNotes: in.AdminNotes,
		CheckedBy:  by.Label(),
		CheckedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	res := &AvailabilityResult{Classification: c, Outcome: c.Outcome()}

	switch {
	case c.AllToursAvailable:
		res.PaymentLink = s.issueLink(ctx, b, by.Label())
	case !c.NoToursAvailable:
		link, err := s.feedbackLink(b.RequestID)
		if err != nil {
			return nil, err
		}
		res.FeedbackLink = link
	}

	if err := s.repo.Save(ctx, b); err != nil {
		s.discardUnsavedLink(ctx, res.PaymentLink)
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"request_id": b.RequestID,
		"outcome":    res.Outcome,
		"status":     b.Status,
	}).Info("Availability confirmed")

	if res.PaymentLink != nil {
		s.retireReplacedLink(ctx, res.PaymentLink.Replaced)
	}

	templates := s.notifier.Templates()
	var content utils.EmailContent
	switch {
	case c.NoToursAvailable:
		content = templates.NoAvailability(b)
	case c.AllToursAvailable:
		content = templates.AllAvailable(b, b.PaymentLink)
	default:
		content = templates.PartialAvailability(b, res.FeedbackLink)
	}
	res.Email = s.notifier.SendCustomer(ctx, b, content)
	res.Booking = s.annotate(ctx, b, recordEmail(emailAvailability, res.Email))
	s.publish(ctx, res.Booking, "availability_checked")
	return res, nil
}

func (s *BookingService) feedbackLink(requestID string) (string, error) {
	token, err := s.codec.Sign(requestID, utils.PurposeFeedback, s.cfg.FeedbackTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign feedback link: %w", err)
	}
	return fmt.Sprintf("%s/booking/feedback?token=%s", s.cfg.SiteURL, url.QueryEscape(token)), nil
}

// issueLink attaches a payment link to b in memory. A provider failure is kept
// on the aggregate so the transition still commits.
func (s *BookingService) issueLink(ctx context.Context, b *models.Booking, by string) *IssuedLink {
	issued, err := s.links.CreateOrReuse(ctx, b)
	if err != nil {
		b.PaymentLinkError = err.Error()
		s.logger.WithError(err).WithField("booking_id", b.ID).Error("Payment link could not be issued")
		return nil
	}
	if patch := issued.Patch(by); patch != nil {
		b.AttachPaymentLink(*patch)
	}
	return issued
}

// discardUnsavedLink switches off a link created for a transition that did
// not commit. Reused links stay, they are still the booking's recorded link.
func (s *BookingService) discardUnsavedLink(ctx context.Context, link *IssuedLink) {
	if link == nil || link.Reused {
		return
	}
	s.retireReplacedLink(ctx, link.ID)
}

func (s *BookingService) retireReplacedLink(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.links.Deactivate(ctx, id); err != nil {
		s.logger.WithError(err).WithField("payment_link_id", id).Warn("Replaced payment link still active at provider")
	}
}

// FeedbackView is the sanitized booking shown behind a feedback link.
type FeedbackView struct {
	RequestID             string             `json:"requestId"`
	CustomerName          string             `json:"customerName"`
	Status                models.Status      `json:"status"`
	PendingClientFeedback bool               `json:"pendingClientFeedback"`
	Total                 float64            `json:"total"`
	Tours                 []FeedbackTourView `json:"tours"`
}

type FeedbackTourView struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	Date               string              `json:"date"`
	Guests             int                 `json:"guests"`
	CalculatedPrice    float64             `json:"calculatedPrice"`
	AvailabilityStatus models.Availability `json:"availabilityStatus"`
	AvailabilityNotes  string              `json:"availabilityNotes,omitempty"`
	AlternativeDate    string              `json:"alternativeDate,omitempty"`
	AvailablePlaces    *int                `json:"availablePlaces,omitempty"`
}

// VerifyFeedbackRequest resolves a feedback link to the view the client answers.
func (s *BookingService) VerifyFeedbackRequest(ctx context.Context, token string) (*FeedbackView, error) {
	b, err := s.resolveLink(ctx, token, utils.PurposeFeedback)
	if err != nil {
		return nil, err
	}
	view := &FeedbackView{
		RequestID:             b.RequestID,
		CustomerName:          b.Customer.Name,
		Status:                b.Status,
		PendingClientFeedback: b.PendingClientFeedback(),
		Total:                 b.Total,
	}
	for _, line := range b.Tours {
		if line.Frozen() {
			continue
		}
		view.Tours = append(view.Tours, FeedbackTourView{
			ID:                 line.ID,
			Title:              line.Tour.Title,
			Date:               line.Date,
			Guests:             line.Guests,
			CalculatedPrice:    line.CalculatedPrice,
			AvailabilityStatus: line.AvailabilityStatus,
			AvailabilityNotes:  line.AvailabilityNotes,
			AlternativeDate:    line.AlternativeDate,
			AvailablePlaces:    line.AvailablePlaces,
		})
	}
	return view, nil
}

// resolveLink maps a signed link to its booking. Every failure surfaces as
// ErrLinkInvalid so callers cannot probe request ids.
func (s *BookingService) resolveLink(ctx context.Context, token string, purpose utils.LinkPurpose) (*models.Booking, error) {
	requestID, ok := s.codec.Verify(token, purpose)
	if !ok {
		return nil, models.ErrLinkInvalid
	}
	b, err := s.findByRequestID(ctx, requestID)
	if errors.Is(err, models.ErrBookingNotFound) {
		return nil, models.ErrLinkInvalid
	}
	return b, err
}

// findByRequestID takes the oldest booking carrying requestID.
func (s *BookingService) findByRequestID(ctx context.Context, requestID string) (*models.Booking, error) {
	found, err := s.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, models.ErrBookingNotFound
	}
	if len(found) > 1 {
		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"matches":    len(found),
		}).Warn("Several bookings share a request id, using the oldest")
	}
	return found[0], nil
}

type FeedbackResult struct {
	Booking    *models.Booking        `json:"booking"`
	Summary    models.FeedbackSummary `json:"summary"`
	StaffEmail EmailResult            `json:"staffEmail"`
}

func (s *BookingService) ReceiveFeedback(ctx context.Context, token string, decisions []models.TourFeedback) (*FeedbackResult, error) {
	b, err := s.resolveLink(ctx, token, utils.PurposeFeedback)
	if err != nil {
		return nil, err
	}
	summary, err := b.ApplyFeedback(models.FeedbackPatch{Decisions: decisions, ReceivedAt: s.now().UTC()}, utils.PriceTour)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"request_id": b.RequestID,
		"kept":       summary.Kept,
		"modified":   summary.Modified,
		"removed":    summary.Removed,
	}).Info("Client feedback received")

	res := &FeedbackResult{Summary: summary}
	res.StaffEmail = s.notifier.NotifyStaff(ctx, b, s.notifier.Templates().StaffFeedbackReceived(b, summary),
		"Client feedback received", fmt.Sprintf("%s answered for %s", b.Customer.Name, b.RequestID))
	res.Booking = s.annotate(ctx, b, recordEmail(emailFeedbackStaff, res.StaffEmail))
	s.publish(ctx, res.Booking, "client_feedback_received")
	return res, nil
}

const (
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"
)

type ConfirmBookingInput struct {
	BookingID         string
	Action            string
	AdminNotes        string
	CancellationNotes string
	TotalPrice        *float64
	ModifiedTours     []models.FinalTourDecision
}

type ConfirmBookingResult struct {
	Booking     *models.Booking        `json:"booking"`
	Action      string                 `json:"action"`
	Outcome     *models.ConfirmOutcome `json:"outcome,omitempty"`
	PaymentLink *IssuedLink            `json:"paymentLink,omitempty"`
	Warning     string                 `json:"warning,omitempty"`
	Email       EmailResult            `json:"email"`
}

// ConfirmOrCancel settles a booking once the client has answered.
func (s *BookingService) ConfirmOrCancel(ctx context.Context, in ConfirmBookingInput, by models.Principal) (*ConfirmBookingResult, error) {
	if in.Action != ActionConfirm && in.Action != ActionCancel {
		return nil, models.NewValidationError("action", "action must be confirm or cancel")
	}
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	res := &ConfirmBookingResult{Action: in.Action}
	templates := s.notifier.Templates()
	var content utils.EmailContent
	emailKey := emailBookingConfirmation

	switch in.Action {
	case ActionConfirm:
		out, err := b.ApplyConfirmation(models.ConfirmPatch{
			Decisions:   in.ModifiedTours,
			AdminNotes:  in.AdminNotes,
			ConfirmedBy: by.Label(),
			At:          s.now().UTC(),
		}, utils.PriceTour)
		if err != nil {
			return nil, err
		}
		res.Outcome = &out
		if in.TotalPrice != nil && math.Abs(*in.TotalPrice-b.Total) >= 0.01 {
			res.Warning = fmt.Sprintf("submitted total %.2f differs from the line total %.2f; the line total was kept", *in.TotalPrice, b.Total)
		}
		res.PaymentLink = s.issueLink(ctx, b, by.Label())
	case ActionCancel:
		if b.Status != models.StatusFeedbackReceived {
			return nil, models.NewStateError("cancel booking after feedback", b.Status, models.StatusFeedbackReceived)
		}
		if _, err := b.ApplyCancellation(models.CancelPatch{
			Notes:       in.CancellationNotes,
			CancelledBy: by.Label(),
			At:          s.now().UTC(),
			Event:       "feedback_processed",
		}); err != nil {
			return nil, err
		}
		emailKey = emailCancellation
	}

	if err := s.repo.Save(ctx, b); err != nil {
		s.discardUnsavedLink(ctx, res.PaymentLink)
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"action":     in.Action,
		"status":     b.Status,
		"total":      b.Total,
	}).Info("Booking feedback processed")

	if in.Action == ActionConfirm {
		if res.PaymentLink != nil {
			s.retireReplacedLink(ctx, res.PaymentLink.Replaced)
		}
		content = templates.BookingConfirmed(b, b.PaymentLink)
	} else {
		content = templates.BookingCancelled(b)
	}
	res.Email = s.notifier.SendCustomer(ctx, b, content)
	res.Booking = s.annotate(ctx, b, recordEmail(emailKey, res.Email))
	s.publish(ctx, res.Booking, "feedback_processed")
	return res, nil
}

type CancelInput struct {
	BookingID string
	Reason    string
}

type CancelResult struct {
	Booking     *models.Booking `json:"booking"`
	TotalBefore float64         `json:"totalBefore"`
	Email       EmailResult     `json:"email"`
}

// Cancel stops a booking from any non-terminal state.
func (s *BookingService) Cancel(ctx context.Context, in CancelInput, by models.Principal) (*CancelResult, error) {
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	before, err := b.ApplyCancellation(models.CancelPatch{Notes: in.Reason, CancelledBy: by.Label(), At: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"booking_id": b.ID, "total_before": before}).Info("Booking cancelled")

	b = s.deactivateLink(ctx, b, "booking_cancelled", by.Label())
	res := &CancelResult{TotalBefore: before}
	res.Email = s.notifier.SendCustomer(ctx, b, s.notifier.Templates().BookingCancelled(b))
	res.Booking = s.annotate(ctx, b, recordEmail(emailCancellation, res.Email))
	s.publish(ctx, res.Booking, "booking_cancelled")
	return res, nil
}

// deactivateLink switches off the booking's active link at the provider and
// then records it. The provider call is best effort.
func (s *BookingService) deactivateLink(ctx context.Context, b *models.Booking, reason, by string) *models.Booking {
	if !b.PaymentLinkActive || b.PaymentLinkID == "" {
		return b
	}
	if err := s.links.Deactivate(ctx, b.PaymentLinkID); err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Payment link deactivation failed")
		return s.annotate(ctx, b, func(current *models.Booking) bool {
			current.PaymentLinkError = err.Error()
			return true
		})
	}
	return s.annotate(ctx, b, func(current *models.Booking) bool {
		if !current.PaymentLinkActive {
			return false
		}
		current.DeactivatePaymentLink(reason, by)
		return true
	})
}

type ManualPaymentDetails struct {
	ReceivedAmount float64    `json:"receivedAmount"`
	Method         string     `json:"paymentMethod"`
	TransactionID  string     `json:"transactionId"`
	ReceiptURL     string     `json:"receiptUrl"`
	Notes          string     `json:"notes"`
	PaymentDate    *time.Time `json:"paymentDate"`
}

type ManualPaymentInput struct {
	BookingID             string
	RequestID             string
	CustomerEmail         string
	Details               ManualPaymentDetails
	SendConfirmationEmail *bool
	MarkAsFullyPaid       bool
}

type PaymentResult struct {
	Booking *models.Booking       `json:"booking"`
	Outcome models.PaymentOutcome `json:"outcome"`
	Email   *EmailResult          `json:"email,omitempty"`
}

// RecordManualPayment books a payment taken outside the checkout link, such as
// a bank transfer or cash.
func (s *BookingService) RecordManualPayment(ctx context.Context, in ManualPaymentInput, by models.Principal) (*PaymentResult, error) {
	amount := in.Details.ReceivedAmount
	if amount < 0 || (amount == 0 && !in.MarkAsFullyPaid) {
		return nil, models.NewValidationError("paymentDetails.receivedAmount", "received amount must be positive")
	}
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if in.RequestID != "" && in.RequestID != b.RequestID {
		return nil, models.NewValidationError("requestId", "does not match the booking")
	}
	if in.CustomerEmail != "" && !strings.EqualFold(in.CustomerEmail, b.Customer.Email) {
		return nil, models.NewValidationError("customerEmail", "does not match the booking")
	}
	if b.PaymentStatus == models.PaymentFullyPaid {
		return nil, fmt.Errorf("%w: booking is already fully paid", models.ErrAlreadyProcessed)
	}
	if b.Status != models.StatusConfirmed {
		return nil, models.NewStateError("record payment", b.Status, models.StatusConfirmed)
	}

	method := in.Details.Method
	if method == "" {
		method = "manual"
	}
	at := s.now().UTC()
	if in.Details.PaymentDate != nil {
		at = in.Details.PaymentDate.UTC()
	}
	out := b.ApplyPayment(models.PaymentPatch{
		Payment: models.Payment{
			Amount:        amount,
			Method:        method,
			TransactionID: in.Details.TransactionID,
			ReceiptURL:    in.Details.ReceiptURL,
			Notes:         in.Details.Notes,
			Timestamp:     at,
			ProcessedBy:   by.Label(),
		},
		MarkFullyPaid: in.MarkAsFullyPaid,
	})
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"amount":     amount,
		"paid":       out.PaidAfter,
		"fully_paid": out.FullyPaid,
	}).Info("Manual payment recorded")

	if out.FullyPaid {
		b = s.deactivateLink(ctx, b, "fully_paid", by.Label())
	} else {
		b = s.repriceLink(ctx, b, by.Label())
	}
	res := &PaymentResult{Outcome: out, Booking: b}
	if in.SendConfirmationEmail == nil || *in.SendConfirmationEmail {
		email := s.notifier.SendCustomer(ctx, b, s.notifier.Templates().PaymentConfirmation(b, amount))
		res.Email = &email
		res.Booking = s.annotate(ctx, b, recordEmail(emailPaymentConfirmation, email))
	}
	s.publish(ctx, res.Booking, "payment_received")
	return res, nil
}

type ScheduleInput struct {
	BookingID     string
	TourSchedules []models.TourScheduleInput
}

type ScheduleResult struct {
	Booking *models.Booking        `json:"booking"`
	Outcome models.ScheduleOutcome `json:"outcome"`
	Warning string                 `json:"warning,omitempty"`
	Email   EmailResult            `json:"email"`
}

func (s *BookingService) Schedule(ctx context.Context, in ScheduleInput, by models.Principal) (*ScheduleResult, error) {
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	out, err := b.ApplySchedule(models.SchedulePatch{
		Schedules:   in.TourSchedules,
		ScheduledBy: by.Label(),
		At:          s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"scheduled":  out.Summary.ScheduledTours,
		"confirmed":  out.Summary.ConfirmedTours,
	}).Info("Tours scheduled")

	res := &ScheduleResult{Outcome: out}
	if !out.FullyScheduled {
		res.Warning = fmt.Sprintf("%d of %d confirmed tours are scheduled; schedule the rest to complete the booking",
			out.Summary.ScheduledTours, out.Summary.ConfirmedTours)
	}
	res.Email = s.notifier.SendCustomer(ctx, b, s.notifier.Templates().ScheduleSummary(b))
	res.Booking = s.annotate(ctx, b, recordEmail(emailSchedule, res.Email))
	s.publish(ctx, res.Booking, "tours_scheduled")
	return res, nil
}

type CompleteResult struct {
	Booking *models.Booking `json:"booking"`
	Email   EmailResult     `json:"email"`
}

func (s *BookingService) Complete(ctx context.Context, bookingID, notes string, by models.Principal) (*CompleteResult, error) {
	b, err := s.repo.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := b.ApplyCompletion(by.Label(), notes, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	s.logger.WithField("booking_id", b.ID).Info("Booking completed")

	res := &CompleteResult{}
	res.Email = s.notifier.SendCustomer(ctx, b, s.notifier.Templates().Completion(b))
	res.Booking = s.annotate(ctx, b, recordEmail(emailCompletion, res.Email))
	s.publish(ctx, res.Booking, "booking_completed")
	return res, nil
}

type PaymentLinkInput struct {
	BookingID     string
	CustomerEmail string
	Amount        *float64
}

// IssuePaymentLink returns the booking's checkout link, creating it when none
// is usable.
func (s *BookingService) IssuePaymentLink(ctx context.Context, in PaymentLinkInput, by models.Principal) (*IssuedLink, error) {
	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusConfirmed {
		return nil, models.NewStateError("issue payment link", b.Status, models.StatusConfirmed)
	}
	if in.CustomerEmail != "" && !strings.EqualFold(in.CustomerEmail, b.Customer.Email) {
		return nil, models.NewValidationError("customerEmail", "does not match the booking")
	}
	if in.Amount != nil && math.Abs(*in.Amount-b.AmountDue()) >= 0.01 {
		return nil, models.NewValidationError("amount", fmt.Sprintf("amount must equal the outstanding balance %.2f", b.AmountDue()))
	}
	issued, err := s.links.CreateOrReuse(ctx, b)
	if err != nil {
		return nil, err
	}
	patch := issued.Patch(by.Label())
	if patch == nil {
		return issued, nil
	}
	b.AttachPaymentLink(*patch)
	if err := s.repo.Save(ctx, b); err != nil {
		// The link exists at the provider but is not recorded; switch it off.
		s.discardUnsavedLink(ctx, issued)
		return nil, err
	}
	s.retireReplacedLink(ctx, issued.Replaced)
	s.publish(ctx, b, "payment_link_generated")
	return issued, nil
}

// repriceLink replaces an active link after a partial payment so it charges
// only the remaining balance.
func (s *BookingService) repriceLink(ctx context.Context, b *models.Booking, by string) *models.Booking {
	if !b.PaymentLinkActive || b.AmountDue() <= 0 {
		return b
	}
	issued, err := s.links.CreateOrReuse(ctx, b)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Payment link could not be repriced")
		return s.annotate(ctx, b, func(current *models.Booking) bool {
			current.PaymentLinkError = err.Error()
			return true
		})
	}
	patch := issued.Patch(by)
	if patch == nil {
		return b
	}
	cents := utils.ToMinorUnits(issued.Amount)
	updated, stored := s.annotateCommitted(ctx, b, func(current *models.Booking) bool {
		if current.Status != models.StatusConfirmed || utils.ToMinorUnits(current.AmountDue()) != cents {
			return false
		}
		current.AttachPaymentLink(*patch)
		return true
	})
	if !stored {
		s.retireReplacedLink(ctx, issued.ID)
		if fresh, err := s.repo.Get(ctx, b.ID); err == nil {
			return fresh
		}
		return updated
	}
	s.retireReplacedLink(ctx, issued.Replaced)
	return updated
}

// PaymentSuccessView is what the checkout redirect page shows.
type PaymentSuccessView struct {
	RequestID     string               `json:"requestId"`
	CustomerName  string               `json:"customerName"`
	Status        models.Status        `json:"status"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	PaidAmount    float64              `json:"paidAmount"`
	Total         float64              `json:"total"`
	AmountDue     float64              `json:"amountDue"`
}

func (s *BookingService) VerifyPaymentSuccess(ctx context.Context, token string) (*PaymentSuccessView, error) {
	b, err := s.resolveLink(ctx, token, utils.PurposePaymentSuccess)
	if err != nil {
		return nil, err
	}
	return &PaymentSuccessView{
		RequestID:     b.RequestID,
		CustomerName:  b.Customer.Name,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		PaidAmount:    b.PaidAmount,
		Total:         b.Total,
		AmountDue:     b.AmountDue(),
	}, nil
}

func (s *BookingService) Get(ctx context.Context, id string) (*models.Booking, error) {
	return s.repo.Get(ctx, id)
}

func (s *BookingService) List(ctx context.Context, filter repository.ListFilter) ([]*models.Booking, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return s.repo.List(ctx, filter)
}

// SendEmail delivers a staff-composed message using the branded layout.
func (s *BookingService) SendEmail(ctx context.Context, to, cc []string, subject, title, htmlBody string) (EmailResult, error) {
	if len(to) == 0 {
		return EmailResult{}, models.NewValidationError("to", "at least one recipient is required")
	}
	for _, addr := range append(append([]string{}, to...), cc...) {
		if err := s.validate.Var(addr, "email"); err != nil {
			return EmailResult{}, models.NewValidationError("to", fmt.Sprintf("invalid address %q", addr))
		}
	}
	if strings.TrimSpace(subject) == "" {
		return EmailResult{}, models.NewValidationError("subject", "subject is required")
	}
	content := s.notifier.Templates().Custom(subject, title, htmlBody)
	res := s.notifier.Send(ctx, Email{To: to, Cc: cc, Subject: content.Subject, HTML: content.HTML})
	if !res.Sent {
		return res, fmt.Errorf("%w: %s", models.ErrNotificationFailed, res.Error)
	}
	return res, nil
}

// annotate applies a post-commit change such as a notification outcome. It
// reloads and retries on revision conflicts; a failure is logged and the last
// known aggregate is returned, since the transition itself has committed.
func (s *BookingService) annotate(ctx context.Context, b *models.Booking, mutate func(*models.Booking) bool) *models.Booking {
	current, _ := s.annotateCommitted(ctx, b, mutate)
	return current
}

// annotateCommitted is annotate that also reports whether the change was stored.
func (s *BookingService) annotateCommitted(ctx context.Context, b *models.Booking, mutate func(*models.Booking) bool) (*models.Booking, bool) {
	current := b
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		if !mutate(current) {
			return current, false
		}
		err := s.repo.Save(ctx, current)
		if err == nil {
			return current, true
		}
		if !errors.Is(err, models.ErrConcurrentUpdate) {
			s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to record side effect outcome")
			return b, false
		}
		reloaded, loadErr := s.repo.Get(ctx, b.ID)
		if loadErr != nil {
			s.logger.WithError(loadErr).WithField("booking_id", b.ID).Error("Failed to reload booking")
			return b, false
		}
		current = reloaded
	}
	s.logger.WithField("booking_id", b.ID).Warn("Gave up recording side effect outcome after repeated conflicts")
	return current, false
}

func recordEmail(key string, res EmailResult) func(*models.Booking) bool {
	return func(b *models.Booking) bool {
		if res.Sent {
			if _, recorded := b.EmailErrors[key]; !recorded {
				return false
			}
		}
		b.RecordEmailOutcome(key, res.Sent, res.Error)
		return true
	}
}

func (s *BookingService) publish(ctx context.Context, b *models.Booking, event string) {
	if s.events == nil || b == nil {
		return
	}
	update := BookingUpdate{
		BookingID: b.ID,
		RequestID: b.RequestID,
		Status:    b.Status,
		Step:      b.CurrentStep,
		Event:     event,
		At:        s.now().UTC(),
	}
	if err := s.events.PublishBookingUpdate(ctx, update); err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to publish booking update")
	}
}
