package utils

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/tourdesk/booking-backend/internal/models"
)

// EmailContent is a rendered message ready for a mailer.
type EmailContent struct {
	Subject string
	HTML    string
}

type EmailBrand struct {
	CompanyName  string
	SiteURL      string
	SupportEmail string
}

// EmailTemplates renders every customer and staff email. Rendering is pure.
type EmailTemplates struct {
	brand    EmailBrand
	currency string
}

func NewEmailTemplates(brand EmailBrand, currency string) *EmailTemplates {
	if brand.CompanyName == "" {
		brand.CompanyName = "TourDesk"
	}
	return &EmailTemplates{brand: brand, currency: strings.ToUpper(currency)}
}

// Common header template for all emails
const emailHeader = `
<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; margin: 0; padding: 0;">
	<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
		<div style="text-align: center; margin-bottom: 30px; background-color: #f4f7f6; padding: 20px;">
			<h2 style="color: #1f6f5c; margin: 0;">%s</h2>
		</div>
		<div style="background-color: #f9f9f9; padding: 20px; border-radius: 5px;">
`

// Common footer template for all emails
const emailFooter = `
		</div>
		<div style="text-align: center; margin-top: 20px; font-size: 12px; color: #666; border-top: 1px solid #eee; padding-top: 20px;">
			<p>Questions? Reply to %s or visit <a href="%s">%s</a>.</p>
			<p>&copy; %d %s. All rights reserved.</p>
		</div>
	</div>
</body>
</html>
`

const buttonStyle = `background-color: #1f6f5c; color: white; padding: 12px 25px; text-decoration: none; border-radius: 5px;`

func esc(s string) string {
	return html.EscapeString(s)
}

func (t *EmailTemplates) wrap(body string) string {
	name := esc(t.brand.CompanyName)
	site := esc(t.brand.SiteURL)
	return fmt.Sprintf(emailHeader, name) + body +
		fmt.Sprintf(emailFooter, esc(t.brand.SupportEmail), site, site, time.Now().Year(), name)
}

func (t *EmailTemplates) money(amount float64) string {
	return fmt.Sprintf("%s %.2f", t.currency, amount)
}

func button(url, label string) string {
	if url == "" {
		return ""
	}
	return fmt.Sprintf(`<div style="text-align: center; margin: 30px 0;"><a href="%s" style="%s">%s</a></div>`,
		esc(url), buttonStyle, esc(label))
}

func payBlock(paymentURL string) string {
	if paymentURL == "" {
		return "<p>We will send your payment link shortly.</p>"
	}
	return button(paymentURL, "Pay now")
}

// tourTable lists the lines accepted by include.
func (t *EmailTemplates) tourTable(b *models.Booking, include func(models.TourLine) bool) string {
	var rows strings.Builder
	for _, line := range b.Tours {
		if !include(line) {
			continue
		}
		fmt.Fprintf(&rows, `<tr><td style="padding: 6px; border-bottom: 1px solid #eee;">%s</td><td style="padding: 6px; border-bottom: 1px solid #eee;">%s</td><td style="padding: 6px; border-bottom: 1px solid #eee;">%d</td><td style="padding: 6px; border-bottom: 1px solid #eee; text-align: right;">%s</td></tr>`,
			esc(line.Tour.Title), esc(line.Date), line.Guests, t.money(line.CalculatedPrice))
	}
	return `<table style="width: 100%; border-collapse: collapse; margin: 15px 0;">` +
		`<tr><th align="left">Tour</th><th align="left">Date</th><th align="left">Guests</th><th align="right">Price</th></tr>` +
		rows.String() + `</table>`
}

func allLines(models.TourLine) bool { return true }

func billableLines(l models.TourLine) bool { return l.Billable() }

func availabilityLabel(a models.Availability) string {
	switch a {
	case models.AvailabilityAvailable:
		return "Available"
	case models.AvailabilityLimited:
		return "Limited places"
	case models.AvailabilityAlternative:
		return "Alternative date offered"
	case models.AvailabilityUnavailable:
		return "Not available"
	}
	return "Pending"
}

func (t *EmailTemplates) AvailabilityCheck(b *models.Booking) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">We received your booking request</h1>
			<p>Hello %s,</p>
			<p>Thank you for your request <strong>%s</strong>. Our team is now checking availability for the tours below and will get back to you shortly.</p>
			%s
			<p>Estimated total: <strong>%s</strong></p>
			<p>No payment is taken until availability is confirmed.</p>
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), t.tourTable(b, allLines), t.money(b.Total), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Booking request %s received - %s", b.RequestID, t.brand.CompanyName),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) StaffNewBooking(b *models.Booking) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50;">New booking request %s</h1>
			<p><strong>Customer:</strong> %s &lt;%s&gt; %s</p>
			<p><strong>Notes:</strong> %s</p>
			%s
			<p>Total: <strong>%s</strong></p>
			<p>Please confirm availability from the staff dashboard.</p>`,
		esc(b.RequestID), esc(b.Customer.Name), esc(b.Customer.Email), esc(b.Customer.Phone),
		esc(b.Customer.Notes), t.tourTable(b, allLines), t.money(b.Total))
	return EmailContent{
		Subject: fmt.Sprintf("New booking request %s from %s", b.RequestID, b.Customer.Name),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) AllAvailable(b *models.Booking, paymentURL string) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Great news, your tours are available!</h1>
			<p>Hello %s,</p>
			<p>Every tour in your request <strong>%s</strong> is available.</p>
			%s
			<p>Amount due: <strong>%s</strong></p>
			<p>Please complete your payment to secure your booking.</p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), t.tourTable(b, billableLines), t.money(b.AmountDue()),
		payBlock(paymentURL), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Your tours are available - complete your booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) PartialAvailability(b *models.Booking, feedbackURL string) EmailContent {
	var rows strings.Builder
	for _, line := range b.Tours {
		extra := ""
		if line.AlternativeDate != "" {
			extra = " - alternative date " + esc(line.AlternativeDate)
		}
		if line.AvailablePlaces != nil {
			extra += fmt.Sprintf(" - %d places left", *line.AvailablePlaces)
		}
		if line.AvailabilityNotes != "" {
			extra += " - " + esc(line.AvailabilityNotes)
		}
		fmt.Fprintf(&rows, `<li><strong>%s</strong> (%s, %d guests): %s%s</li>`,
			esc(line.Tour.Title), esc(line.Date), line.Guests, availabilityLabel(line.AvailabilityStatus), extra)
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">We need your input on your booking</h1>
			<p>Hello %s,</p>
			<p>We checked availability for request <strong>%s</strong>. Some tours need a decision from you:</p>
			<ul>%s</ul>
			<p>Let us know for each tour whether you want to keep it, change it or remove it.</p>
			%s
			<p>This link is personal and expires after a few days.</p>
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), rows.String(), button(feedbackURL, "Review my tours"), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Action needed: availability update for booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) NoAvailability(b *models.Booking) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Sorry, no availability</h1>
			<p>Hello %s,</p>
			<p>Unfortunately none of the tours in your request <strong>%s</strong> are available on the requested dates.</p>
			%s
			<p>We would love to help you find other dates. Simply reply to this email or browse our tours.</p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), t.tourTable(b, allLines), button(t.brand.SiteURL+"/tours", "Browse tours"),
		esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Update on your booking request %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) StaffFeedbackReceived(b *models.Booking, summary models.FeedbackSummary) EmailContent {
	var rows strings.Builder
	for _, line := range b.Tours {
		if line.ClientDecision == "" {
			continue
		}
		fmt.Fprintf(&rows, `<li><strong>%s</strong>: %s (%s, %d guests, %s)%s</li>`,
			esc(line.Tour.Title), esc(string(line.ClientDecision)), esc(line.Date), line.Guests,
			t.money(line.CalculatedPrice), optionalNote(line.ClientNotes))
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50;">Client feedback received for %s</h1>
			<p>%s replied: %d kept, %d modified, %d removed.</p>
			<ul>%s</ul>
			<p>Total before: %s, total now: <strong>%s</strong></p>
			<p>Please confirm or cancel the booking from the staff dashboard.</p>`,
		esc(b.RequestID), esc(b.Customer.Name), summary.Kept, summary.Modified, summary.Removed,
		rows.String(), t.money(summary.TotalBefore), t.money(summary.TotalAfter))
	return EmailContent{
		Subject: fmt.Sprintf("Client feedback for booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func optionalNote(note string) string {
	if note == "" {
		return ""
	}
	return " - \"" + esc(note) + "\""
}

func (t *EmailTemplates) BookingConfirmed(b *models.Booking, paymentURL string) EmailContent {
	var changes strings.Builder
	for _, line := range b.Tours {
		switch {
		case line.RemovedFromBooking:
			fmt.Fprintf(&changes, `<li>%s has been removed from your booking.</li>`, esc(line.Tour.Title))
		case line.DateChanged || line.GuestsChanged || line.PriceChanged:
			fmt.Fprintf(&changes, `<li>%s updated: %s, %d guests, %s.</li>`,
				esc(line.Tour.Title), esc(line.Date), line.Guests, t.money(line.CalculatedPrice))
		}
	}
	changeBlock := ""
	if changes.Len() > 0 {
		changeBlock = "<p>Changes to your request:</p><ul>" + changes.String() + "</ul>"
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Your booking is confirmed</h1>
			<p>Hello %s,</p>
			<p>Thanks for your feedback. We have confirmed booking <strong>%s</strong>.</p>
			%s
			%s
			<p>Amount due: <strong>%s</strong></p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), changeBlock, t.tourTable(b, billableLines),
		t.money(b.AmountDue()), payBlock(paymentURL), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Booking %s confirmed - payment details inside", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) BookingCancelled(b *models.Booking) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Your booking has been cancelled</h1>
			<p>Hello %s,</p>
			<p>Your booking <strong>%s</strong> has been cancelled.</p>
			<p><strong>Reason:</strong> %s</p>
			<p>If you have already made a payment our team will contact you about the refund.</p>
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), esc(b.CancellationNotes), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Booking %s cancelled", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) PaymentConfirmation(b *models.Booking, received float64) EmailContent {
	status := fmt.Sprintf("Remaining balance: <strong>%s</strong>", t.money(b.AmountDue()))
	balance := ""
	if b.PaymentLinkActive {
		balance = button(b.PaymentLink, "Pay the balance")
	}
	if b.PaymentStatus == models.PaymentFullyPaid {
		status = "Your booking is now <strong>fully paid</strong>. We will send your detailed schedule soon."
		balance = ""
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Payment received</h1>
			<p>Hello %s,</p>
			<p>We received your payment of <strong>%s</strong> for booking <strong>%s</strong>.</p>
			<p>Total paid so far: %s of %s.</p>
			<p>%s</p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), t.money(received), esc(b.RequestID), t.money(b.PaidAmount), t.money(b.Total),
		status, balance, esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Payment received for booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) PaymentFailed(b *models.Booking, reason string) EmailContent {
	retry := ""
	if b.PaymentLinkActive && b.PaymentLink != "" {
		retry = button(b.PaymentLink, "Try again")
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Your payment did not go through</h1>
			<p>Hello %s,</p>
			<p>We could not complete the payment for booking <strong>%s</strong>.</p>
			<p>%s</p>
			%s
			<p>No money has been taken. If the problem persists, contact us and we will help.</p>
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), esc(reason), retry, esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Payment issue for booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

// ScheduleSummary lists only lines that carry a schedule.
func (t *EmailTemplates) ScheduleSummary(b *models.Booking) EmailContent {
	var blocks strings.Builder
	for _, line := range b.Tours {
		if line.Schedule == nil || line.ScheduleStatus != models.ScheduleScheduled {
			continue
		}
		s := line.Schedule
		fmt.Fprintf(&blocks, `<div style="margin: 15px 0; padding: 10px; background: #fff; border-left: 4px solid #1f6f5c;">`)
		fmt.Fprintf(&blocks, `<h3 style="margin: 0;">%s - %s</h3>`, esc(line.Tour.Title), esc(line.Date))
		fmt.Fprintf(&blocks, `<p>Start: %s`, esc(s.StartTime))
		if s.EndTime != "" {
			fmt.Fprintf(&blocks, ` - End: %s`, esc(s.EndTime))
		}
		if s.PickupTime != "" {
			fmt.Fprintf(&blocks, ` - Pickup: %s`, esc(s.PickupTime))
		}
		blocks.WriteString(`</p>`)
		if s.MeetingPoint != "" {
			fmt.Fprintf(&blocks, `<p>Meeting point: %s</p>`, esc(s.MeetingPoint))
		}
		if s.DropoffPoint != "" {
			fmt.Fprintf(&blocks, `<p>Drop-off: %s</p>`, esc(s.DropoffPoint))
		}
		if s.Guide != nil {
			fmt.Fprintf(&blocks, `<p>Guide: %s %s</p>`, esc(s.Guide.Name), esc(s.Guide.Phone))
		}
		if s.Driver != nil {
			fmt.Fprintf(&blocks, `<p>Driver: %s %s %s</p>`, esc(s.Driver.Name), esc(s.Driver.Phone), esc(s.Driver.Vehicle))
		}
		if len(s.DayItinerary) > 0 {
			blocks.WriteString(`<ol>`)
			for _, day := range s.DayItinerary {
				fmt.Fprintf(&blocks, `<li><strong>Day %d %s</strong>: %s</li>`, day.Day, esc(day.Title), esc(strings.Join(day.Activities, ", ")))
			}
			blocks.WriteString(`</ol>`)
		} else if len(s.Itinerary) > 0 {
			blocks.WriteString(`<ul>`)
			for _, item := range s.Itinerary {
				fmt.Fprintf(&blocks, `<li>%s</li>`, esc(item))
			}
			blocks.WriteString(`</ul>`)
		}
		if len(s.Equipment) > 0 {
			fmt.Fprintf(&blocks, `<p>Please bring: %s</p>`, esc(strings.Join(s.Equipment, ", ")))
		}
		blocks.WriteString(`</div>`)
	}
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Your tour schedule</h1>
			<p>Hello %s,</p>
			<p>Here are the details for booking <strong>%s</strong>:</p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), blocks.String(), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Your schedule for booking %s", b.RequestID),
		HTML:    t.wrap(body),
	}
}

func (t *EmailTemplates) Completion(b *models.Booking) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">Thank you for touring with us</h1>
			<p>Hello %s,</p>
			<p>Your booking <strong>%s</strong> is complete. We hope you had a wonderful time.</p>
			<p>We would love to hear about your experience.</p>
			%s
			<p>Best regards,<br>The %s Team</p>`,
		esc(b.Customer.Name), esc(b.RequestID), button(t.brand.SiteURL+"/reviews", "Leave a review"), esc(t.brand.CompanyName))
	return EmailContent{
		Subject: fmt.Sprintf("Thank you from %s", t.brand.CompanyName),
		HTML:    t.wrap(body),
	}
}

// Custom wraps a staff-authored body in the shared layout. The body is trusted HTML.
func (t *EmailTemplates) Custom(subject, title, htmlBody string) EmailContent {
	body := fmt.Sprintf(`
			<h1 style="color: #2c3e50; text-align: center;">%s</h1>
			%s`, esc(title), htmlBody)
	return EmailContent{Subject: subject, HTML: t.wrap(body)}
}
