package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// TierGuests is either an exact guest count ("4") or an inclusive range ("1-4").
// Catalog data sends both numbers and strings, so it decodes either.
type TierGuests string

func (g *TierGuests) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*g = TierGuests(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*g = TierGuests(n.String())
	return nil
}

// Range returns the inclusive bounds described by the tier.
func (g TierGuests) Range() (lo, hi int, ok bool) {
	s := strings.TrimSpace(string(g))
	if from, to, found := strings.Cut(s, "-"); found {
		var errLo, errHi error
		lo, errLo = strconv.Atoi(strings.TrimSpace(from))
		hi, errHi = strconv.Atoi(strings.TrimSpace(to))
		if errLo != nil || errHi != nil || lo > hi {
			return 0, 0, false
		}
		return lo, hi, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return n, n, true
}

type GroupPriceTier struct {
	Guests    TierGuests `json:"guests"`
	Price     float64    `json:"price"`
	PerPerson *bool      `json:"perPerson,omitempty"`
}

// TourRef is the catalog snapshot carried on a line item.
type TourRef struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Slug         string           `json:"slug,omitempty"`
	DurationDays int              `json:"durationDays,omitempty"`
	Price        *float64         `json:"price,omitempty"`
	GroupPrices  []GroupPriceTier `json:"groupPrices,omitempty"`
}

func (t TourRef) IsMultiDay() bool {
	return t.DurationDays > 1
}

type Contact struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
}

type ItineraryDay struct {
	Day        int      `json:"day"`
	Title      string   `json:"title,omitempty"`
	Activities []string `json:"activities"`
}

type TourSchedule struct {
	StartTime    string         `json:"startTime"`
	EndTime      string         `json:"endTime,omitempty"`
	PickupTime   string         `json:"pickupTime,omitempty"`
	Guide        *Contact       `json:"guide,omitempty"`
	Driver       *Contact       `json:"driver,omitempty"`
	MeetingPoint string         `json:"meetingPoint,omitempty"`
	DropoffPoint string         `json:"dropoffPoint,omitempty"`
	Itinerary    []string       `json:"itinerary,omitempty"`
	DayItinerary []ItineraryDay `json:"dayItinerary,omitempty"`
	Equipment    []string       `json:"equipment,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	ScheduledAt  time.Time      `json:"scheduledAt"`
	ScheduledBy  string         `json:"scheduledBy,omitempty"`
}

type TourLine struct {
	ID                 string         `json:"id"`
	Tour               TourRef        `json:"tour"`
	Date               string         `json:"date"`
	Guests             int            `json:"guests"`
	CalculatedPrice    float64        `json:"calculatedPrice"`
	AvailabilityStatus Availability   `json:"availabilityStatus"`
	AvailabilityNotes  string         `json:"availabilityNotes,omitempty"`
	AlternativeDate    string         `json:"alternativeDate,omitempty"`
	AvailablePlaces    *int           `json:"availablePlaces,omitempty"`
	Status             LineStatus     `json:"status"`
	OriginalPrice      *float64       `json:"originalPrice,omitempty"`
	OriginalGuests     *int           `json:"originalGuests,omitempty"`
	OriginalDate       *string        `json:"originalDate,omitempty"`
	ClientDecision     TourAction     `json:"clientDecision,omitempty"`
	ClientNotes        string         `json:"clientNotes,omitempty"`
	RemovedFromBooking bool           `json:"removedFromBooking"`
	DateChanged        bool           `json:"dateChanged,omitempty"`
	GuestsChanged      bool           `json:"guestsChanged,omitempty"`
	PriceChanged       bool           `json:"priceChanged,omitempty"`
	Schedule           *TourSchedule  `json:"schedule,omitempty"`
	ScheduleStatus     ScheduleStatus `json:"scheduleStatus,omitempty"`
}

// Frozen reports whether the line can no longer change.
func (l TourLine) Frozen() bool {
	return l.Status == LineCancelled || l.RemovedFromBooking
}

// Billable reports whether the line counts toward the booking total.
func (l TourLine) Billable() bool {
	return l.Status != LineCancelled && !l.RemovedFromBooking
}

type PaymentState string

const (
	PaymentSucceeded PaymentState = "succeeded"
	PaymentFailed    PaymentState = "failed"
)

type Payment struct {
	ID            string       `json:"id"`
	Amount        float64      `json:"amount"`
	Method        string       `json:"method"`
	State         PaymentState `json:"state"`
	TransactionID string       `json:"transactionId,omitempty"`
	SessionID     string       `json:"sessionId,omitempty"`
	ReceiptURL    string       `json:"receiptUrl,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	ProcessedBy   string       `json:"processedBy"`
}

type LogEntry struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Event       string                 `json:"event"`
	Changes     map[string]interface{} `json:"changes,omitempty"`
	ProcessedBy string                 `json:"processedBy,omitempty"`
}

type SchedulingSummary struct {
	ConfirmedTours int       `json:"confirmedTours"`
	ScheduledTours int       `json:"scheduledTours"`
	CancelledTours int       `json:"cancelledTours"`
	RemovedTours   int       `json:"removedTours"`
	TotalTours     int       `json:"totalTours"`
	ComputedAt     time.Time `json:"computedAt"`
}

// Booking is the aggregate persisted as one document per customer request.
type Booking struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"requestId"`
	Revision    int64      `json:"revision"`
	Status      Status     `json:"status"`
	CurrentStep Step       `json:"currentStep"`
	Customer    Customer   `json:"customer"`
	Tours       []TourLine `json:"tours"`

	Total         float64       `json:"total"`
	PaidAmount    float64       `json:"paidAmount"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	Payments      []Payment     `json:"payments,omitempty"`

	PaymentLink              string     `json:"paymentLink,omitempty"`
	PaymentLinkID            string     `json:"paymentLinkId,omitempty"`
	PaymentLinkAmount        float64    `json:"paymentLinkAmount,omitempty"`
	PaymentLinkExpiresAt     *time.Time `json:"paymentLinkExpiresAt,omitempty"`
	PaymentLinkActive        bool       `json:"paymentLinkActive"`
	PaymentLinkDeactivatedAt *time.Time `json:"paymentLinkDeactivatedAt,omitempty"`
	PaymentLinkError         string     `json:"paymentLinkError,omitempty"`
	PaymentIntentIDs         []string   `json:"paymentIntentIds,omitempty"`

	AvailabilityCheckedAt *time.Time `json:"availabilityCheckedAt,omitempty"`
	AdminNotes            string     `json:"adminNotes,omitempty"`
	CancellationNotes     string     `json:"cancellationNotes,omitempty"`
	FeedbackReceivedAt    *time.Time `json:"feedbackReceivedAt,omitempty"`

	SchedulingSummary *SchedulingSummary `json:"schedulingSummary,omitempty"`
	EmailErrors       map[string]string  `json:"emailErrors,omitempty"`

	FulfilledSessions []string `json:"fulfilledSessions,omitempty"`
	ProcessedEvents   []string `json:"processedEvents,omitempty"`

	Log []LogEntry `json:"log,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	pendingLog      []LogEntry
	pendingPayments []Payment
}

// AvailabilityConfirmed reports whether staff has recorded availability verdicts.
func (b *Booking) AvailabilityConfirmed() bool {
	return b.AvailabilityCheckedAt != nil
}

func (b *Booking) PendingClientFeedback() bool {
	return b.Status == StatusPendingFeedback
}

func (b *Booking) PendingPayment() bool {
	if b.PaymentStatus == PaymentFullyPaid {
		return false
	}
	switch b.Status {
	case StatusAwaitingAvailability, StatusPendingFeedback, StatusFeedbackReceived, StatusConfirmed:
		return true
	}
	return false
}

type bookingDocument Booking

// MarshalJSON adds the derived gates so readers of the document see them,
// but they are never decoded back.
func (b Booking) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		bookingDocument
		AvailabilityConfirmed bool `json:"availabilityConfirmed"`
		PendingClientFeedback bool `json:"pendingClientFeedback"`
		PendingPayment        bool `json:"pendingPayment"`
	}{
		bookingDocument:       bookingDocument(b),
		AvailabilityConfirmed: b.AvailabilityConfirmed(),
		PendingClientFeedback: b.PendingClientFeedback(),
		PendingPayment:        b.PendingPayment(),
	})
}

// AppendLog records an audit entry. Entries are append-only and keyed by ID so a
// retried append of the same entry is absorbed by the store.
func (b *Booking) AppendLog(entry LogEntry) LogEntry {
	if entry.ID == "" {
		entry.ID = xid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	for _, existing := range b.Log {
		if existing.ID == entry.ID {
			return existing
		}
	}
	b.Log = append(b.Log, entry)
	b.pendingLog = append(b.pendingLog, entry)
	return entry
}

func (b *Booking) AppendPayment(p Payment) Payment {
	if p.ID == "" {
		p.ID = xid.New().String()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	b.Payments = append(b.Payments, p)
	b.pendingPayments = append(b.pendingPayments, p)
	return p
}

// PendingAppends returns log entries and payments added since the last load or save.
func (b *Booking) PendingAppends() ([]LogEntry, []Payment) {
	return b.pendingLog, b.pendingPayments
}

func (b *Booking) ClearPendingAppends() {
	b.pendingLog = nil
	b.pendingPayments = nil
}

// RecomputeTotal sums billable lines.
func (b *Booking) RecomputeTotal() float64 {
	var total float64
	for _, line := range b.Tours {
		if line.Billable() {
			total += line.CalculatedPrice
		}
	}
	b.Total = RoundMoney(total)
	return b.Total
}

// AmountDue is the outstanding balance, never negative.
func (b *Booking) AmountDue() float64 {
	due := RoundMoney(b.Total - b.PaidAmount)
	if due < 0 {
		return 0
	}
	return due
}

func (b *Booking) ConfirmedTours() []TourLine {
	var out []TourLine
	for _, line := range b.Tours {
		if line.Status == LineConfirmed && !line.RemovedFromBooking {
			out = append(out, line)
		}
	}
	return out
}

func (b *Booking) FindTour(id string) (int, bool) {
	for i := range b.Tours {
		if b.Tours[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (b *Booking) HasProcessedEvent(eventID string) bool {
	return contains(b.ProcessedEvents, eventID)
}

func (b *Booking) HasFulfilledSession(sessionID string) bool {
	return contains(b.FulfilledSessions, sessionID)
}

func (b *Booking) MarkEventProcessed(eventID string) {
	if eventID != "" && !contains(b.ProcessedEvents, eventID) {
		b.ProcessedEvents = append(b.ProcessedEvents, eventID)
	}
}

func (b *Booking) RecordPaymentIntent(id string) {
	if id != "" && !contains(b.PaymentIntentIDs, id) {
		b.PaymentIntentIDs = append(b.PaymentIntentIDs, id)
	}
}

// RecordEmailOutcome annotates the aggregate with a failed notification and
// clears a previous failure once a retry succeeds.
func (b *Booking) RecordEmailOutcome(key string, sent bool, errMsg string) {
	if sent {
		delete(b.EmailErrors, key)
		return
	}
	if b.EmailErrors == nil {
		b.EmailErrors = make(map[string]string)
	}
	b.EmailErrors[key] = errMsg
}

// RoundMoney rounds to cents.
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
