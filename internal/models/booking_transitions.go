package models

import (
	"fmt"
	"strings"
	"time"
)

// PriceFunc prices a tour for a guest count.
type PriceFunc func(tour TourRef, guests int) float64

// NewBooking builds a freshly submitted aggregate.
func NewBooking(requestID string, customer Customer, lines []TourLine, submittedAt time.Time) *Booking {
	now := time.Now().UTC()
	if submittedAt.IsZero() {
		submittedAt = now
	}
	b := &Booking{
		RequestID:     requestID,
		Status:        StatusAwaitingAvailability,
		CurrentStep:   StepAwaitingAvailability,
		Customer:      customer,
		PaymentStatus: PaymentUnpaid,
		SubmittedAt:   submittedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, line := range lines {
		line.Status = LinePending
		line.AvailabilityStatus = AvailabilityPending
		line.CalculatedPrice = RoundMoney(line.CalculatedPrice)
		b.Tours = append(b.Tours, line)
	}
	b.RecomputeTotal()
	b.AppendLog(LogEntry{
		Timestamp: now,
		Event:     "booking_submitted",
		Changes: map[string]interface{}{
			"tourCount": len(b.Tours),
			"total":     b.Total,
		},
	})
	return b
}

type AvailabilityVerdict struct {
	TourID          string       `json:"tourId"`
	Status          Availability `json:"status"`
	Notes           string       `json:"notes,omitempty"`
	AlternativeDate string       `json:"alternativeDate,omitempty"`
	AvailablePlaces *int         `json:"availablePlaces,omitempty"`
}

type AvailabilityPatch struct {
	Verdicts   []AvailabilityVerdict
	AdminNotes string
	CheckedBy  string
	CheckedAt  time.Time
}

type AvailabilityClassification struct {
	HasAlternativeDates bool `json:"hasAlternativeDates"`
	HasLimitedPlaces    bool `json:"hasLimitedPlaces"`
	HasUnavailableTours bool `json:"hasUnavailableTours"`
	AllToursAvailable   bool `json:"allToursAvailable"`
	NoToursAvailable    bool `json:"noToursAvailable"`
}

// Outcome names the branch taken by the classification.
func (c AvailabilityClassification) Outcome() string {
	switch {
	case c.NoToursAvailable:
		return "none_available"
	case c.AllToursAvailable:
		return "all_available"
	default:
		return "partial"
	}
}

// ApplyAvailability merges staff verdicts and moves the booking to confirmed,
// pending_feedback or cancelled. Verdicts for unknown line ids are ignored.
func (b *Booking) ApplyAvailability(p AvailabilityPatch) (AvailabilityClassification, error) {
	var c AvailabilityClassification
	if b.Status != StatusAwaitingAvailability {
		return c, NewStateError("confirm availability", b.Status, StatusAwaitingAvailability)
	}
	for _, v := range p.Verdicts {
		if !v.Status.IsVerdict() {
			return c, NewValidationError("availabilityResults", fmt.Sprintf("unknown availability %q", v.Status), v.TourID)
		}
	}

	for _, v := range p.Verdicts {
		i, ok := b.FindTour(v.TourID)
		if !ok {
			continue
		}
		line := &b.Tours[i]
		line.AvailabilityStatus = v.Status
		line.AvailabilityNotes = v.Notes
		line.AlternativeDate = v.AlternativeDate
		line.AvailablePlaces = v.AvailablePlaces
	}

	c = classify(b.Tours)
	at := p.CheckedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch {
	case c.NoToursAvailable:
		for i := range b.Tours {
			if !b.Tours[i].Frozen() {
				b.Tours[i].Status = LineCancelled
			}
		}
		b.Status = StatusCancelled
		b.CurrentStep = StepCancelled
		b.CancelledAt = &at
	case c.AllToursAvailable:
		for i := range b.Tours {
			if !b.Tours[i].Frozen() {
				b.Tours[i].Status = LineConfirmed
			}
		}
		b.Status = StatusConfirmed
		b.CurrentStep = StepAwaitingPayment
	default:
		for i := range b.Tours {
			if !b.Tours[i].Frozen() {
				b.Tours[i].Status = LinePending
			}
		}
		b.Status = StatusPendingFeedback
		b.CurrentStep = StepAwaitingFeedback
	}

	b.AvailabilityCheckedAt = &at
	if p.AdminNotes != "" {
		b.AdminNotes = p.AdminNotes
	}
	b.RecomputeTotal()
	b.UpdatedAt = at

	verdicts := make(map[string]interface{}, len(b.Tours))
	for _, line := range b.Tours {
		verdicts[line.ID] = string(line.AvailabilityStatus)
	}
	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       "availability_checked",
		ProcessedBy: p.CheckedBy,
		Changes: map[string]interface{}{
			"hasAlternativeDates": c.HasAlternativeDates,
			"hasLimitedPlaces":    c.HasLimitedPlaces,
			"hasUnavailableTours": c.HasUnavailableTours,
			"allToursAvailable":   c.AllToursAvailable,
			"noToursAvailable":    c.NoToursAvailable,
			"verdicts":            verdicts,
			"adminNotes":          p.AdminNotes,
			"status":              string(b.Status),
		},
	})
	return c, nil
}

func classify(lines []TourLine) AvailabilityClassification {
	c := AvailabilityClassification{AllToursAvailable: len(lines) > 0, NoToursAvailable: len(lines) > 0}
	for _, line := range lines {
		switch line.AvailabilityStatus {
		case AvailabilityAlternative:
			c.HasAlternativeDates = true
		case AvailabilityLimited:
			c.HasLimitedPlaces = true
		case AvailabilityUnavailable:
			c.HasUnavailableTours = true
		}
		if line.AvailabilityStatus != AvailabilityAvailable {
			c.AllToursAvailable = false
		}
		if line.AvailabilityStatus != AvailabilityUnavailable {
			c.NoToursAvailable = false
		}
	}
	return c
}

type TourFeedback struct {
	TourID    string     `json:"tourId"`
	Action    TourAction `json:"action"`
	NewGuests *int       `json:"newGuests,omitempty"`
	NewDate   string     `json:"newDate,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

type FeedbackPatch struct {
	Decisions  []TourFeedback
	ReceivedAt time.Time
}

type FeedbackSummary struct {
	Kept        int     `json:"kept"`
	Modified    int     `json:"modified"`
	Removed     int     `json:"removed"`
	TotalBefore float64 `json:"totalBefore"`
	TotalAfter  float64 `json:"totalAfter"`
}

// ApplyFeedback records the client's per-tour decisions. Lines the client
// removes stop counting toward the total but stay pending until staff confirm.
func (b *Booking) ApplyFeedback(p FeedbackPatch, price PriceFunc) (FeedbackSummary, error) {
	var sum FeedbackSummary
	if !b.AvailabilityConfirmed() || !b.PendingClientFeedback() {
		return sum, NewStateError("submit feedback", b.Status, StatusPendingFeedback)
	}

	byTour := make(map[string]TourFeedback, len(p.Decisions))
	for _, d := range p.Decisions {
		if !d.Action.IsValid() {
			return sum, NewValidationError("feedback", fmt.Sprintf("unknown action %q", d.Action), d.TourID)
		}
		if d.NewGuests != nil && *d.NewGuests < 1 {
			return sum, NewValidationError("feedback", "guest count must be at least 1", d.TourID)
		}
		byTour[d.TourID] = d
	}
	var missing []string
	for _, line := range b.Tours {
		if line.Frozen() {
			continue
		}
		if _, ok := byTour[line.ID]; !ok {
			missing = append(missing, line.ID)
		}
	}
	if len(missing) > 0 {
		return sum, NewValidationError("feedback", "every tour needs a decision", missing...)
	}

	sum.TotalBefore = b.Total
	decisions := make([]interface{}, 0, len(b.Tours))
	for i := range b.Tours {
		line := &b.Tours[i]
		if line.Frozen() {
			continue
		}
		d := byTour[line.ID]

		origPrice, origGuests, origDate := line.CalculatedPrice, line.Guests, line.Date
		line.OriginalPrice = &origPrice
		line.OriginalGuests = &origGuests
		line.OriginalDate = &origDate
		line.ClientDecision = d.Action
		line.ClientNotes = d.Notes

		switch d.Action {
		case ActionRemove:
			line.CalculatedPrice = 0
			sum.Removed++
		case ActionModify:
			if d.NewGuests != nil {
				line.Guests = *d.NewGuests
			} else if line.AvailabilityStatus == AvailabilityLimited && line.AvailablePlaces != nil && *line.AvailablePlaces > 0 && *line.AvailablePlaces < line.Guests {
				line.Guests = *line.AvailablePlaces
			}
			if d.NewDate != "" {
				line.Date = d.NewDate
			} else if line.AvailabilityStatus == AvailabilityAlternative && line.AlternativeDate != "" {
				line.Date = line.AlternativeDate
			}
			line.CalculatedPrice = RoundMoney(price(line.Tour, line.Guests))
			sum.Modified++
		default:
			line.CalculatedPrice = RoundMoney(price(line.Tour, line.Guests))
			sum.Kept++
		}
		decisions = append(decisions, map[string]interface{}{
			"tourId": line.ID,
			"action": string(d.Action),
			"guests": line.Guests,
			"date":   line.Date,
			"price":  line.CalculatedPrice,
		})
	}

	at := p.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	b.Status = StatusFeedbackReceived
	b.CurrentStep = StepReviewFeedback
	b.FeedbackReceivedAt = &at
	b.UpdatedAt = at
	sum.TotalAfter = b.RecomputeTotal()

	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       "client_feedback_received",
		ProcessedBy: "client",
		Changes: map[string]interface{}{
			"decisions":   decisions,
			"totalBefore": sum.TotalBefore,
			"totalAfter":  sum.TotalAfter,
		},
	})
	return sum, nil
}

type FinalTourDecision struct {
	TourID      string     `json:"tourId"`
	Action      TourAction `json:"action"`
	FinalPrice  *float64   `json:"finalPrice,omitempty"`
	FinalDate   string     `json:"finalDate,omitempty"`
	FinalGuests *int       `json:"finalGuests,omitempty"`
}

type ConfirmPatch struct {
	Decisions   []FinalTourDecision
	AdminNotes  string
	ConfirmedBy string
	At          time.Time
}

type ConfirmOutcome struct {
	TotalBefore    float64 `json:"totalBefore"`
	TotalAfter     float64 `json:"totalAfter"`
	ConfirmedTours int     `json:"confirmedTours"`
	RemovedTours   int     `json:"removedTours"`
	ModifiedTours  int     `json:"modifiedTours"`
}

// ApplyConfirmation finalises the booking after client feedback. Lines without
// an explicit staff decision follow the client's decision.
func (b *Booking) ApplyConfirmation(p ConfirmPatch, price PriceFunc) (ConfirmOutcome, error) {
	var out ConfirmOutcome
	if b.Status != StatusFeedbackReceived {
		return out, NewStateError("confirm booking", b.Status, StatusFeedbackReceived)
	}

	byTour := make(map[string]FinalTourDecision, len(p.Decisions))
	for _, d := range p.Decisions {
		if d.Action != "" && !d.Action.IsValid() {
			return out, NewValidationError("modifiedTours", fmt.Sprintf("unknown action %q", d.Action), d.TourID)
		}
		if d.FinalPrice != nil && *d.FinalPrice < 0 {
			return out, NewValidationError("modifiedTours", "price cannot be negative", d.TourID)
		}
		if d.FinalGuests != nil && *d.FinalGuests < 1 {
			return out, NewValidationError("modifiedTours", "guest count must be at least 1", d.TourID)
		}
		byTour[d.TourID] = d
	}

	resolved := make(map[string]FinalTourDecision, len(b.Tours))
	keeps := 0
	for _, line := range b.Tours {
		if line.Frozen() {
			continue
		}
		d, ok := byTour[line.ID]
		if !ok || d.Action == "" {
			d.TourID = line.ID
			d.Action = ActionKeep
			if line.ClientDecision == ActionRemove {
				d.Action = ActionRemove
			}
		}
		if d.Action != ActionRemove {
			keeps++
		}
		resolved[line.ID] = d
	}
	if keeps == 0 {
		return out, ErrNoConfirmedTours
	}

	out.TotalBefore = b.Total
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for i := range b.Tours {
		line := &b.Tours[i]
		d, ok := resolved[line.ID]
		if !ok {
			continue
		}
		if d.Action == ActionRemove {
			line.Status = LineCancelled
			line.CalculatedPrice = 0
			line.RemovedFromBooking = true
			out.RemovedTours++
			continue
		}

		baseGuests, baseDate, basePrice := line.Guests, line.Date, line.CalculatedPrice
		if line.OriginalGuests != nil {
			baseGuests = *line.OriginalGuests
		}
		if line.OriginalDate != nil {
			baseDate = *line.OriginalDate
		}
		if line.OriginalPrice != nil {
			basePrice = *line.OriginalPrice
		}

		if d.FinalGuests != nil {
			line.Guests = *d.FinalGuests
		}
		if d.FinalDate != "" {
			line.Date = d.FinalDate
		}
		if d.FinalPrice != nil {
			line.CalculatedPrice = RoundMoney(*d.FinalPrice)
		} else {
			line.CalculatedPrice = RoundMoney(price(line.Tour, line.Guests))
		}
		line.Status = LineConfirmed
		line.GuestsChanged = line.Guests != baseGuests
		line.DateChanged = line.Date != baseDate
		line.PriceChanged = line.CalculatedPrice != basePrice
		if line.GuestsChanged || line.DateChanged || line.PriceChanged {
			out.ModifiedTours++
		}
		out.ConfirmedTours++
	}

	b.Status = StatusConfirmed
	b.CurrentStep = StepAwaitingPayment
	if p.AdminNotes != "" {
		b.AdminNotes = p.AdminNotes
	}
	b.UpdatedAt = at
	out.TotalAfter = b.RecomputeTotal()

	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       "feedback_processed",
		ProcessedBy: p.ConfirmedBy,
		Changes: map[string]interface{}{
			"action":         "confirm",
			"totalBefore":    out.TotalBefore,
			"totalAfter":     out.TotalAfter,
			"confirmedTours": out.ConfirmedTours,
			"removedTours":   out.RemovedTours,
			"modifiedTours":  out.ModifiedTours,
			"adminNotes":     p.AdminNotes,
		},
	})
	return out, nil
}

type CancelPatch struct {
	Notes       string
	CancelledBy string
	At          time.Time
	// Event is the audit event name; confirm-or-cancel records feedback_processed.
	Event string
}

// ApplyCancellation cancels every open line and the booking itself.
func (b *Booking) ApplyCancellation(p CancelPatch) (float64, error) {
	if b.Status.IsTerminal() {
		return 0, NewStateError("cancel booking", b.Status,
			StatusAwaitingAvailability, StatusPendingFeedback, StatusFeedbackReceived,
			StatusConfirmed, StatusPaid, StatusPartiallyScheduled, StatusScheduled)
	}
	if strings.TrimSpace(p.Notes) == "" {
		return 0, NewValidationError("cancellationNotes", "cancellation notes are required")
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	totalBefore := b.Total
	cancelled := 0
	for i := range b.Tours {
		line := &b.Tours[i]
		if line.Frozen() {
			continue
		}
		line.Status = LineCancelled
		line.CalculatedPrice = 0
		line.Schedule = nil
		line.ScheduleStatus = ""
		cancelled++
	}
	b.Status = StatusCancelled
	b.CurrentStep = StepCancelled
	b.CancellationNotes = strings.TrimSpace(p.Notes)
	b.CancelledAt = &at
	b.UpdatedAt = at
	b.RecomputeTotal()

	event := p.Event
	if event == "" {
		event = "booking_cancelled"
	}
	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       event,
		ProcessedBy: p.CancelledBy,
		Changes: map[string]interface{}{
			"action":            "cancel",
			"totalBefore":       totalBefore,
			"totalAfter":        b.Total,
			"cancelledTours":    cancelled,
			"cancellationNotes": b.CancellationNotes,
		},
	})
	return totalBefore, nil
}

type PaymentLinkPatch struct {
	URL        string
	ID         string
	Amount     float64
	ExpiresAt  time.Time
	ReplacedID string
	IssuedBy   string
}

// AttachPaymentLink stores a newly issued link as the single active link.
func (b *Booking) AttachPaymentLink(p PaymentLinkPatch) {
	expires := p.ExpiresAt
	b.PaymentLink = p.URL
	b.PaymentLinkID = p.ID
	b.PaymentLinkAmount = p.Amount
	b.PaymentLinkExpiresAt = &expires
	b.PaymentLinkActive = true
	b.PaymentLinkDeactivatedAt = nil
	b.PaymentLinkError = ""
	changes := map[string]interface{}{
		"paymentLinkId": p.ID,
		"amount":        p.Amount,
		"expiresAt":     expires,
	}
	if p.ReplacedID != "" {
		changes["replacedPaymentLinkId"] = p.ReplacedID
	}
	b.AppendLog(LogEntry{Event: "payment_link_generated", ProcessedBy: p.IssuedBy, Changes: changes})
}

func (b *Booking) DeactivatePaymentLink(reason, by string) {
	if !b.PaymentLinkActive {
		return
	}
	now := time.Now().UTC()
	b.PaymentLinkActive = false
	b.PaymentLinkDeactivatedAt = &now
	b.AppendLog(LogEntry{
		Event:       "payment_link_deactivated",
		ProcessedBy: by,
		Changes: map[string]interface{}{
			"paymentLinkId": b.PaymentLinkID,
			"reason":        reason,
		},
	})
}

type PaymentPatch struct {
	Payment       Payment
	MarkFullyPaid bool
	SessionID     string
	EventID       string
	// LogID keys the audit entry; webhook deliveries use the provider event id.
	LogID string
}

type PaymentOutcome struct {
	PaidBefore   float64 `json:"paidBefore"`
	PaidAfter    float64 `json:"paidAfter"`
	AmountDue    float64 `json:"amountDue"`
	FullyPaid    bool    `json:"fullyPaid"`
	StatusBefore Status  `json:"statusBefore"`
	StatusAfter  Status  `json:"statusAfter"`
}

// ApplyPayment adds a received payment. paidAmount never decreases.
func (b *Booking) ApplyPayment(p PaymentPatch) PaymentOutcome {
	out := PaymentOutcome{PaidBefore: b.PaidAmount, StatusBefore: b.Status}
	pay := p.Payment
	if pay.Amount < 0 {
		pay.Amount = 0
	}
	pay.Amount = RoundMoney(pay.Amount)
	pay.State = PaymentSucceeded
	pay = b.AppendPayment(pay)

	b.PaidAmount = RoundMoney(b.PaidAmount + pay.Amount)
	fully := b.PaidAmount >= b.Total || p.MarkFullyPaid
	switch {
	case fully:
		b.PaymentStatus = PaymentFullyPaid
	case b.PaidAmount > 0:
		b.PaymentStatus = PaymentPartiallyPaid
	default:
		b.PaymentStatus = PaymentUnpaid
	}
	if b.Status == StatusConfirmed {
		if fully {
			b.Status = StatusPaid
			b.CurrentStep = StepAwaitingScheduling
		} else {
			b.CurrentStep = StepAwaitingPayment
		}
	}
	if p.SessionID != "" && !b.HasFulfilledSession(p.SessionID) {
		b.FulfilledSessions = append(b.FulfilledSessions, p.SessionID)
	}
	b.MarkEventProcessed(p.EventID)
	b.UpdatedAt = pay.Timestamp

	out.PaidAfter = b.PaidAmount
	out.AmountDue = b.AmountDue()
	out.FullyPaid = fully
	out.StatusAfter = b.Status

	changes := map[string]interface{}{
		"paymentId":      pay.ID,
		"method":         pay.Method,
		"receivedAmount": pay.Amount,
		"paidBefore":     out.PaidBefore,
		"paidAfter":      out.PaidAfter,
		"total":          b.Total,
		"fullyPaid":      fully,
		"statusBefore":   string(out.StatusBefore),
		"statusAfter":    string(out.StatusAfter),
	}
	if pay.TransactionID != "" {
		changes["transactionId"] = pay.TransactionID
	}
	if p.MarkFullyPaid && b.PaidAmount < b.Total {
		changes["balanceWaived"] = RoundMoney(b.Total - b.PaidAmount)
	}
	b.AppendLog(LogEntry{
		ID:          p.LogID,
		Timestamp:   pay.Timestamp,
		Event:       "payment_received",
		ProcessedBy: pay.ProcessedBy,
		Changes:     changes,
	})
	return out
}

// RecordFailedPayment keeps a failed attempt for the audit trail without
// touching paidAmount.
func (b *Booking) RecordFailedPayment(pay Payment, eventID, kind string) {
	pay.State = PaymentFailed
	pay = b.AppendPayment(pay)
	b.MarkEventProcessed(eventID)
	b.UpdatedAt = pay.Timestamp
	b.AppendLog(LogEntry{
		ID:          eventID,
		Timestamp:   pay.Timestamp,
		Event:       "payment_failed",
		ProcessedBy: pay.ProcessedBy,
		Changes: map[string]interface{}{
			"kind":          kind,
			"paymentId":     pay.ID,
			"transactionId": pay.TransactionID,
			"amount":        pay.Amount,
			"reason":        pay.FailureReason,
		},
	})
}

// RecordAdministrativeEvent persists provider events that need staff attention
// but do not change the booking state, such as refunds and disputes.
func (b *Booking) RecordAdministrativeEvent(eventID, event, by string, changes map[string]interface{}) {
	b.MarkEventProcessed(eventID)
	b.UpdatedAt = time.Now().UTC()
	b.AppendLog(LogEntry{ID: eventID, Event: event, ProcessedBy: by, Changes: changes})
}

type TourScheduleInput struct {
	TourID   string
	Schedule TourSchedule
}

type SchedulePatch struct {
	Schedules   []TourScheduleInput
	ScheduledBy string
	At          time.Time
}

type ScheduleOutcome struct {
	ScheduledTours   []string          `json:"scheduledTours"`
	UnscheduledTours []string          `json:"unscheduledTours"`
	FullyScheduled   bool              `json:"fullyScheduled"`
	Summary          SchedulingSummary `json:"summary"`
}

// ApplySchedule attaches schedules to confirmed lines. Referencing any line that
// is not confirmed rejects the whole request.
func (b *Booking) ApplySchedule(p SchedulePatch) (ScheduleOutcome, error) {
	var out ScheduleOutcome
	switch b.Status {
	case StatusPaid, StatusPartiallyScheduled, StatusScheduled:
	default:
		return out, NewStateError("schedule tours", b.Status, StatusPaid, StatusPartiallyScheduled, StatusScheduled)
	}
	if len(p.Schedules) == 0 {
		return out, NewValidationError("tourSchedules", "at least one tour schedule is required")
	}

	var offending []string
	for _, s := range p.Schedules {
		i, ok := b.FindTour(s.TourID)
		if !ok || b.Tours[i].Status != LineConfirmed || b.Tours[i].RemovedFromBooking {
			offending = append(offending, s.TourID)
			continue
		}
		if strings.TrimSpace(s.Schedule.StartTime) == "" {
			return out, NewValidationError("tourSchedules", "startTime is required", s.TourID)
		}
	}
	if len(offending) > 0 {
		return out, NewValidationError("tourSchedules", "only confirmed tours can be scheduled", offending...)
	}

	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, s := range p.Schedules {
		i, _ := b.FindTour(s.TourID)
		line := &b.Tours[i]
		sched := normalizeItinerary(line.Tour, s.Schedule)
		sched.ScheduledAt = at
		sched.ScheduledBy = p.ScheduledBy
		line.Schedule = &sched
		line.ScheduleStatus = ScheduleScheduled
	}

	summary := SchedulingSummary{TotalTours: len(b.Tours), ComputedAt: at}
	for i := range b.Tours {
		line := &b.Tours[i]
		switch {
		case line.RemovedFromBooking:
			summary.RemovedTours++
		case line.Status == LineCancelled:
			summary.CancelledTours++
		}
		if line.Status != LineConfirmed || line.RemovedFromBooking {
			line.Schedule = nil
			line.ScheduleStatus = ScheduleNotScheduled
			continue
		}
		summary.ConfirmedTours++
		if line.Schedule != nil {
			line.ScheduleStatus = ScheduleScheduled
			summary.ScheduledTours++
			out.ScheduledTours = append(out.ScheduledTours, line.ID)
		} else {
			line.ScheduleStatus = ScheduleNotScheduled
			out.UnscheduledTours = append(out.UnscheduledTours, line.ID)
		}
	}

	out.FullyScheduled = summary.ConfirmedTours > 0 && summary.ScheduledTours == summary.ConfirmedTours
	if out.FullyScheduled {
		b.Status = StatusScheduled
		b.CurrentStep = StepReadyForService
	} else {
		b.Status = StatusPartiallyScheduled
		b.CurrentStep = StepPartiallyScheduled
	}
	b.SchedulingSummary = &summary
	out.Summary = summary
	b.UpdatedAt = at

	scheduled := make([]string, 0, len(p.Schedules))
	for _, s := range p.Schedules {
		scheduled = append(scheduled, s.TourID)
	}
	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       "tours_scheduled",
		ProcessedBy: p.ScheduledBy,
		Changes: map[string]interface{}{
			"scheduledNow":   scheduled,
			"scheduledTours": summary.ScheduledTours,
			"confirmedTours": summary.ConfirmedTours,
			"fullyScheduled": out.FullyScheduled,
			"status":         string(b.Status),
		},
	})
	return out, nil
}

// normalizeItinerary keeps day-by-day itineraries for multi-day tours and a flat
// list for single-day ones.
func normalizeItinerary(tour TourRef, s TourSchedule) TourSchedule {
	if tour.IsMultiDay() {
		if len(s.DayItinerary) == 0 && len(s.Itinerary) > 0 {
			s.DayItinerary = []ItineraryDay{{Day: 1, Activities: s.Itinerary}}
		}
		s.Itinerary = nil
		return s
	}
	if len(s.Itinerary) == 0 {
		for _, day := range s.DayItinerary {
			s.Itinerary = append(s.Itinerary, day.Activities...)
		}
	}
	s.DayItinerary = nil
	return s
}

// ApplyCompletion closes a fully scheduled booking.
func (b *Booking) ApplyCompletion(by, notes string, at time.Time) error {
	if b.Status != StatusScheduled {
		return NewStateError("complete booking", b.Status, StatusScheduled)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	b.Status = StatusCompleted
	b.CurrentStep = StepCompleted
	b.CompletedAt = &at
	b.UpdatedAt = at
	b.AppendLog(LogEntry{
		Timestamp:   at,
		Event:       "booking_completed",
		ProcessedBy: by,
		Changes: map[string]interface{}{
			"notes":      notes,
			"paidAmount": b.PaidAmount,
			"total":      b.Total,
		},
	})
	return nil
}
