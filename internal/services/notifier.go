package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

// EmailResult is the recorded outcome of a best-effort notification.
type EmailResult struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

func failed(err error) EmailResult {
	return EmailResult{Sent: false, Error: err.Error()}
}

// StaffPusher sends push notifications to the staff devices.
type StaffPusher interface {
	PushToStaff(ctx context.Context, title, body string, data map[string]string) error
}

type Notifier struct {
	mailer     Mailer
	pusher     StaffPusher
	templates  *utils.EmailTemplates
	staffEmail string
	logger     *logrus.Logger
}

// NewNotifier builds a notifier. pusher may be nil when push is not configured.
func NewNotifier(mailer Mailer, pusher StaffPusher, templates *utils.EmailTemplates, staffEmail string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		mailer:     mailer,
		pusher:     pusher,
		templates:  templates,
		staffEmail: staffEmail,
		logger:     logger,
	}
}

func (n *Notifier) Templates() *utils.EmailTemplates {
	return n.templates
}

// Send delivers a message and reports the outcome instead of failing the caller.
func (n *Notifier) Send(ctx context.Context, email Email) EmailResult {
	if n.mailer == nil {
		return EmailResult{Error: "mailer not configured"}
	}
	if err := n.mailer.Send(ctx, email); err != nil {
		return failed(err)
	}
	return EmailResult{Sent: true}
}

func (n *Notifier) SendCustomer(ctx context.Context, b *models.Booking, content utils.EmailContent) EmailResult {
	res := n.Send(ctx, Email{To: []string{b.Customer.Email}, Subject: content.Subject, HTML: content.HTML})
	if !res.Sent {
		n.logger.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"request_id": b.RequestID,
			"subject":    content.Subject,
		}).Warn("Customer email not delivered: " + res.Error)
	}
	return res
}

// NotifyStaff emails the staff inbox and pushes to staff devices. Failures are
// logged and returned, never raised.
func (n *Notifier) NotifyStaff(ctx context.Context, b *models.Booking, content utils.EmailContent, pushTitle, pushBody string) EmailResult {
	res := EmailResult{Error: "staff notification email not configured"}
	if n.staffEmail != "" {
		res = n.Send(ctx, Email{To: []string{n.staffEmail}, Subject: content.Subject, HTML: content.HTML})
	}
	if !res.Sent {
		n.logger.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"request_id": b.RequestID,
		}).Warn("Staff email not delivered: " + res.Error)
	}

	if n.pusher != nil {
		data := map[string]string{
			"bookingId": b.ID,
			"requestId": b.RequestID,
			"status":    string(b.Status),
		}
		if err := n.pusher.PushToStaff(ctx, pushTitle, pushBody, data); err != nil {
			n.logger.WithError(err).WithField("booking_id", b.ID).Warn("Staff push notification failed")
		}
	}
	return res
}
