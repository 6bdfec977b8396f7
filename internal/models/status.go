package models

// Status is the single source of truth for where a booking sits in its lifecycle.
// The boolean gates exposed on Booking are projections of it.
type Status string

const (
	StatusPendingReview        Status = "pending_review"
	StatusAwaitingAvailability Status = "awaiting_availability_confirmation"
	StatusPendingFeedback      Status = "pending_feedback"
	StatusFeedbackReceived     Status = "feedback_received"
	StatusConfirmed            Status = "confirmed"
	StatusPaid                 Status = "paid"
	StatusPartiallyScheduled   Status = "partially_scheduled"
	StatusScheduled            Status = "scheduled"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusPendingReview:        {StatusAwaitingAvailability},
	StatusAwaitingAvailability: {StatusConfirmed, StatusPendingFeedback, StatusCancelled},
	StatusPendingFeedback:      {StatusFeedbackReceived, StatusCancelled},
	StatusFeedbackReceived:     {StatusConfirmed, StatusCancelled},
	StatusConfirmed:            {StatusConfirmed, StatusPaid, StatusCancelled},
	StatusPaid:                 {StatusPartiallyScheduled, StatusScheduled, StatusCancelled},
	StatusPartiallyScheduled:   {StatusPartiallyScheduled, StatusScheduled, StatusCancelled},
	StatusScheduled:            {StatusScheduled, StatusCompleted, StatusCancelled},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPendingReview, StatusAwaitingAvailability, StatusPendingFeedback,
		StatusFeedbackReceived, StatusConfirmed, StatusPaid, StatusPartiallyScheduled,
		StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// Step is the finer grained, informational phase label shown to staff.
type Step string

const (
	StepAwaitingAvailability Step = "awaiting_availability"
	StepAwaitingFeedback     Step = "awaiting_client_feedback"
	StepReviewFeedback       Step = "review_client_feedback"
	StepAwaitingPayment      Step = "awaiting_payment"
	StepAwaitingScheduling   Step = "awaiting_scheduling"
	StepPartiallyScheduled   Step = "partially_scheduled"
	StepReadyForService      Step = "ready_for_service"
	StepCompleted            Step = "completed"
	StepCancelled            Step = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "unpaid"
	PaymentPartiallyPaid PaymentStatus = "partially_paid"
	PaymentFullyPaid     PaymentStatus = "fully_paid"
)

// Availability is the staff verdict for a single tour line.
type Availability string

const (
	AvailabilityPending     Availability = "pending"
	AvailabilityAvailable   Availability = "available"
	AvailabilityLimited     Availability = "limited"
	AvailabilityAlternative Availability = "alternative"
	AvailabilityUnavailable Availability = "unavailable"
)

func (a Availability) IsVerdict() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityLimited, AvailabilityAlternative, AvailabilityUnavailable:
		return true
	}
	return false
}

type LineStatus string

const (
	LinePending   LineStatus = "pending"
	LineConfirmed LineStatus = "confirmed"
	LineCancelled LineStatus = "cancelled"
)

// TourAction is a client or staff decision about one tour line.
type TourAction string

const (
	ActionKeep   TourAction = "keep"
	ActionModify TourAction = "modify"
	ActionRemove TourAction = "remove"
)

func (a TourAction) IsValid() bool {
	return a == ActionKeep || a == ActionModify || a == ActionRemove
}

type ScheduleStatus string

const (
	ScheduleScheduled    ScheduleStatus = "scheduled"
	ScheduleNotScheduled ScheduleStatus = "not_scheduled"
)
