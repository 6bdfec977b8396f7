package models

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perGuest(rate float64) PriceFunc {
	return func(tour TourRef, guests int) float64 { return rate * float64(guests) }
}

func newTestBooking(t *testing.T) *Booking {
	t.Helper()
	lines := []TourLine{
		{ID: "t1", Tour: TourRef{ID: "safari", Title: "Safari"}, Date: "2025-03-01", Guests: 2, CalculatedPrice: 100},
		{ID: "t2", Tour: TourRef{ID: "reef", Title: "Reef dive"}, Date: "2025-03-02", Guests: 3, CalculatedPrice: 150},
	}
	b := NewBooking("REQ-20250101-ABCDEF", Customer{Name: "Ana", Email: "ana@example.com"}, lines, time.Time{})
	b.ID = "b1"
	return b
}

func verdicts(statuses ...Availability) []AvailabilityVerdict {
	out := make([]AvailabilityVerdict, len(statuses))
	for i, s := range statuses {
		out[i] = AvailabilityVerdict{TourID: []string{"t1", "t2"}[i], Status: s}
	}
	return out
}

func assertTotalMatchesLines(t *testing.T, b *Booking) {
	t.Helper()
	var sum float64
	for _, line := range b.Tours {
		if line.Billable() {
			sum += line.CalculatedPrice
		}
	}
	assert.InDelta(t, RoundMoney(sum), b.Total, 0.001)
}

func TestNewBooking(t *testing.T) {
	b := newTestBooking(t)

	assert.Equal(t, StatusAwaitingAvailability, b.Status)
	assert.Equal(t, PaymentUnpaid, b.PaymentStatus)
	assert.Equal(t, 250.0, b.Total)
	assert.False(t, b.AvailabilityConfirmed())
	assert.True(t, b.PendingPayment())
	for _, line := range b.Tours {
		assert.Equal(t, LinePending, line.Status)
		assert.Equal(t, AvailabilityPending, line.AvailabilityStatus)
	}
	require.Len(t, b.Log, 1)
	assert.Equal(t, "booking_submitted", b.Log[0].Event)
}

func TestApplyAvailability_AllAvailable(t *testing.T) {
	b := newTestBooking(t)

	c, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityAvailable), CheckedBy: "staff@example.com"})
	require.NoError(t, err)

	assert.True(t, c.AllToursAvailable)
	assert.Equal(t, "all_available", c.Outcome())
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, StepAwaitingPayment, b.CurrentStep)
	assert.True(t, b.AvailabilityConfirmed())
	assert.Len(t, b.ConfirmedTours(), 2)
	assert.Equal(t, 250.0, b.Total)
}

func TestApplyAvailability_Partial(t *testing.T) {
	b := newTestBooking(t)

	c, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityAlternative)})
	require.NoError(t, err)

	assert.True(t, c.HasAlternativeDates)
	assert.False(t, c.AllToursAvailable)
	assert.False(t, c.NoToursAvailable)
	assert.Equal(t, "partial", c.Outcome())
	assert.Equal(t, StatusPendingFeedback, b.Status)
	assert.True(t, b.PendingClientFeedback())
	for _, line := range b.Tours {
		assert.Equal(t, LinePending, line.Status)
	}
}

func TestApplyAvailability_NoneAvailable(t *testing.T) {
	b := newTestBooking(t)

	c, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityUnavailable, AvailabilityUnavailable)})
	require.NoError(t, err)

	assert.True(t, c.NoToursAvailable)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.NotNil(t, b.CancelledAt)
	assert.Equal(t, 0.0, b.Total)
	assert.False(t, b.PendingPayment())
}

func TestApplyAvailability_Guards(t *testing.T) {
	b := newTestBooking(t)

	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: []AvailabilityVerdict{{TourID: "t1", Status: "maybe"}}})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"t1"}, vErr.IDs)
	assert.Equal(t, StatusAwaitingAvailability, b.Status)

	_, err = b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityAvailable)})
	require.NoError(t, err)

	_, err = b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityAvailable)})
	assert.True(t, errors.Is(err, ErrInvalidState))
	var sErr *StateError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, StatusConfirmed, sErr.Actual)
}

func TestApplyFeedback(t *testing.T) {
	b := newTestBooking(t)
	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityUnavailable)})
	require.NoError(t, err)

	_, err = b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{{TourID: "t1", Action: ActionKeep}}}, perGuest(50))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"t2"}, vErr.IDs)

	sum, err := b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{
		{TourID: "t1", Action: ActionKeep},
		{TourID: "t2", Action: ActionRemove},
	}}, perGuest(50))
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Kept)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, 250.0, sum.TotalBefore)
	assert.Equal(t, 100.0, sum.TotalAfter)
	assert.Equal(t, StatusFeedbackReceived, b.Status)
	assert.NotNil(t, b.FeedbackReceivedAt)

	removed := b.Tours[1]
	assert.Equal(t, 0.0, removed.CalculatedPrice)
	assert.Equal(t, LinePending, removed.Status)
	assert.False(t, removed.RemovedFromBooking)
	require.NotNil(t, removed.OriginalPrice)
	assert.Equal(t, 150.0, *removed.OriginalPrice)
	assertTotalMatchesLines(t, b)

	_, err = b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{{TourID: "t1", Action: ActionKeep}}}, perGuest(50))
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestApplyFeedback_ModifyUsesSuggestedValues(t *testing.T) {
	b := newTestBooking(t)
	places := 2
	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: []AvailabilityVerdict{
		{TourID: "t1", Status: AvailabilityAlternative, AlternativeDate: "2025-03-05"},
		{TourID: "t2", Status: AvailabilityLimited, AvailablePlaces: &places},
	}})
	require.NoError(t, err)

	_, err = b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{
		{TourID: "t1", Action: ActionModify},
		{TourID: "t2", Action: ActionModify},
	}}, perGuest(50))
	require.NoError(t, err)

	assert.Equal(t, "2025-03-05", b.Tours[0].Date)
	assert.Equal(t, 2, b.Tours[1].Guests)
	assert.Equal(t, 100.0, b.Tours[1].CalculatedPrice)
	assert.Equal(t, 200.0, b.Total)
}

func feedbackReceived(t *testing.T, removeSecond bool) *Booking {
	t.Helper()
	b := newTestBooking(t)
	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityLimited)})
	require.NoError(t, err)
	second := ActionKeep
	if removeSecond {
		second = ActionRemove
	}
	_, err = b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{
		{TourID: "t1", Action: ActionKeep},
		{TourID: "t2", Action: second},
	}}, perGuest(50))
	require.NoError(t, err)
	return b
}

func TestApplyConfirmation_FollowsClientDecisions(t *testing.T) {
	b := feedbackReceived(t, true)

	out, err := b.ApplyConfirmation(ConfirmPatch{ConfirmedBy: "staff"}, perGuest(50))
	require.NoError(t, err)

	assert.Equal(t, 1, out.ConfirmedTours)
	assert.Equal(t, 1, out.RemovedTours)
	assert.Equal(t, 100.0, out.TotalAfter)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, LineCancelled, b.Tours[1].Status)
	assert.True(t, b.Tours[1].RemovedFromBooking)
	assertTotalMatchesLines(t, b)
}

func TestApplyConfirmation_StaffOverrides(t *testing.T) {
	b := feedbackReceived(t, false)
	price := 120.0
	guests := 4

	out, err := b.ApplyConfirmation(ConfirmPatch{Decisions: []FinalTourDecision{
		{TourID: "t1", Action: ActionModify, FinalPrice: &price},
		{TourID: "t2", Action: ActionModify, FinalGuests: &guests},
	}}, perGuest(50))
	require.NoError(t, err)

	assert.Equal(t, 2, out.ModifiedTours)
	assert.True(t, b.Tours[0].PriceChanged)
	assert.True(t, b.Tours[1].GuestsChanged)
	assert.Equal(t, 200.0, b.Tours[1].CalculatedPrice)
	assert.Equal(t, 320.0, b.Total)
}

func TestApplyConfirmation_NothingLeft(t *testing.T) {
	b := feedbackReceived(t, true)

	_, err := b.ApplyConfirmation(ConfirmPatch{Decisions: []FinalTourDecision{{TourID: "t1", Action: ActionRemove}}}, perGuest(50))
	assert.ErrorIs(t, err, ErrNoConfirmedTours)
	assert.Equal(t, StatusFeedbackReceived, b.Status)
}

func confirmedBooking(t *testing.T) *Booking {
	t.Helper()
	b := newTestBooking(t)
	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityAvailable)})
	require.NoError(t, err)
	return b
}

func TestApplyPayment(t *testing.T) {
	b := confirmedBooking(t)

	out := b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: 100, Method: "bank_transfer"}})
	assert.False(t, out.FullyPaid)
	assert.Equal(t, PaymentPartiallyPaid, b.PaymentStatus)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, 150.0, b.AmountDue())

	out = b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: 150, Method: "stripe"}, SessionID: "cs_1", EventID: "evt_1", LogID: "evt_1"})
	assert.True(t, out.FullyPaid)
	assert.Equal(t, StatusPaid, b.Status)
	assert.Equal(t, PaymentFullyPaid, b.PaymentStatus)
	assert.Equal(t, 250.0, b.PaidAmount)
	assert.Equal(t, 0.0, b.AmountDue())
	assert.True(t, b.HasFulfilledSession("cs_1"))
	assert.True(t, b.HasProcessedEvent("evt_1"))
	assert.False(t, b.PendingPayment())
	assert.Len(t, b.Payments, 2)
}

func TestApplyPayment_MarkFullyPaidWaivesBalance(t *testing.T) {
	b := confirmedBooking(t)

	out := b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: 200}, MarkFullyPaid: true})

	assert.True(t, out.FullyPaid)
	assert.Equal(t, 200.0, b.PaidAmount)
	assert.Equal(t, PaymentFullyPaid, b.PaymentStatus)
	assert.Equal(t, StatusPaid, b.Status)
	last := b.Log[len(b.Log)-1]
	assert.Equal(t, "payment_received", last.Event)
	assert.Equal(t, 50.0, last.Changes["balanceWaived"])
}

func TestRecordFailedPayment_LeavesPaidAmount(t *testing.T) {
	b := confirmedBooking(t)

	b.RecordFailedPayment(Payment{Amount: 250, FailureReason: "card declined"}, "evt_fail", "payment_intent.payment_failed")

	assert.Equal(t, 0.0, b.PaidAmount)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.True(t, b.HasProcessedEvent("evt_fail"))
	require.Len(t, b.Payments, 1)
	assert.Equal(t, PaymentFailed, b.Payments[0].State)
}

func paidBooking(t *testing.T) *Booking {
	t.Helper()
	b := confirmedBooking(t)
	b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: 250}})
	require.Equal(t, StatusPaid, b.Status)
	return b
}

func TestApplySchedule(t *testing.T) {
	b := paidBooking(t)

	_, err := b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{{TourID: "nope", Schedule: TourSchedule{StartTime: "08:00"}}}})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"nope"}, vErr.IDs)

	out, err := b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{
		{TourID: "t1", Schedule: TourSchedule{StartTime: "08:00", DayItinerary: []ItineraryDay{{Day: 1, Activities: []string{"game drive"}}}}},
	}})
	require.NoError(t, err)
	assert.False(t, out.FullyScheduled)
	assert.Equal(t, []string{"t2"}, out.UnscheduledTours)
	assert.Equal(t, StatusPartiallyScheduled, b.Status)
	assert.Equal(t, []string{"game drive"}, b.Tours[0].Schedule.Itinerary)
	assert.Nil(t, b.Tours[0].Schedule.DayItinerary)

	require.Error(t, b.ApplyCompletion("staff", "", time.Time{}))

	out, err = b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{{TourID: "t2", Schedule: TourSchedule{StartTime: "09:00"}}}})
	require.NoError(t, err)
	assert.True(t, out.FullyScheduled)
	assert.Equal(t, StatusScheduled, b.Status)
	assert.Equal(t, 2, b.SchedulingSummary.ScheduledTours)

	require.NoError(t, b.ApplyCompletion("staff", "all good", time.Time{}))
	assert.Equal(t, StatusCompleted, b.Status)
	assert.NotNil(t, b.CompletedAt)
}

func TestApplySchedule_RejectsRemovedTour(t *testing.T) {
	b := newTestBooking(t)
	_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(AvailabilityAvailable, AvailabilityUnavailable)})
	require.NoError(t, err)
	_, err = b.ApplyFeedback(FeedbackPatch{Decisions: []TourFeedback{
		{TourID: "t1", Action: ActionKeep},
		{TourID: "t2", Action: ActionRemove},
	}}, perGuest(50))
	require.NoError(t, err)
	_, err = b.ApplyConfirmation(ConfirmPatch{ConfirmedBy: "staff"}, perGuest(50))
	require.NoError(t, err)
	require.True(t, b.Tours[1].RemovedFromBooking)
	b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: b.Total}})
	require.Equal(t, StatusPaid, b.Status)

	_, err = b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{
		{TourID: "t1", Schedule: TourSchedule{StartTime: "08:00"}},
		{TourID: "t2", Schedule: TourSchedule{StartTime: "09:00"}},
	}})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"t2"}, vErr.IDs)
	assert.Equal(t, StatusPaid, b.Status)
	assert.Nil(t, b.Tours[0].Schedule)

	out, err := b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{{TourID: "t1", Schedule: TourSchedule{StartTime: "08:00"}}}})
	require.NoError(t, err)
	assert.True(t, out.FullyScheduled)
	assert.Equal(t, StatusScheduled, b.Status)
}

func TestApplySchedule_RejectsCancelledBookingLines(t *testing.T) {
	b := paidBooking(t)
	_, err := b.ApplyCancellation(CancelPatch{Notes: "weather", CancelledBy: "staff"})
	require.NoError(t, err)

	_, err = b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{{TourID: "t1", Schedule: TourSchedule{StartTime: "08:00"}}}})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApplySchedule_RequiresPayment(t *testing.T) {
	b := confirmedBooking(t)

	_, err := b.ApplySchedule(SchedulePatch{Schedules: []TourScheduleInput{{TourID: "t1", Schedule: TourSchedule{StartTime: "08:00"}}}})
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestApplyCancellation(t *testing.T) {
	b := paidBooking(t)

	_, err := b.ApplyCancellation(CancelPatch{Notes: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	before, err := b.ApplyCancellation(CancelPatch{Notes: "weather", CancelledBy: "staff"})
	require.NoError(t, err)
	assert.Equal(t, 250.0, before)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, 0.0, b.Total)
	assert.Equal(t, 250.0, b.PaidAmount)

	_, err = b.ApplyCancellation(CancelPatch{Notes: "again"})
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestDeactivatePaymentLink(t *testing.T) {
	b := confirmedBooking(t)
	b.AttachPaymentLink(PaymentLinkPatch{URL: "https://pay/1", ID: "plink_1", Amount: 250, ExpiresAt: time.Now().Add(time.Hour)})
	assert.True(t, b.PaymentLinkActive)
	entries := len(b.Log)

	b.DeactivatePaymentLink("fully_paid", "staff")
	b.DeactivatePaymentLink("fully_paid", "staff")

	assert.False(t, b.PaymentLinkActive)
	assert.NotNil(t, b.PaymentLinkDeactivatedAt)
	assert.Len(t, b.Log, entries+1)
}

func TestAppendLog_SameIDOnce(t *testing.T) {
	b := newTestBooking(t)
	b.AppendLog(LogEntry{ID: "evt_1", Event: "payment_received"})
	b.AppendLog(LogEntry{ID: "evt_1", Event: "payment_received"})

	assert.Len(t, b.Log, 2)
	logs, _ := b.PendingAppends()
	assert.Len(t, logs, 2)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusAwaitingAvailability, StatusConfirmed, true},
		{StatusAwaitingAvailability, StatusPaid, false},
		{StatusPendingFeedback, StatusFeedbackReceived, true},
		{StatusConfirmed, StatusPaid, true},
		{StatusPaid, StatusConfirmed, false},
		{StatusScheduled, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, Status("archived").IsValid())
}

// Every transition keeps the total equal to the sum of billable lines.
func TestTotalTracksBillableLines(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	availabilities := []Availability{AvailabilityAvailable, AvailabilityLimited, AvailabilityAlternative, AvailabilityUnavailable}
	actions := []TourAction{ActionKeep, ActionModify, ActionRemove}

	for i := 0; i < 200; i++ {
		b := newTestBooking(t)
		_, err := b.ApplyAvailability(AvailabilityPatch{Verdicts: verdicts(
			availabilities[rng.Intn(len(availabilities))],
			availabilities[rng.Intn(len(availabilities))],
		)})
		require.NoError(t, err)
		assertTotalMatchesLines(t, b)

		if b.Status == StatusPendingFeedback {
			var decisions []TourFeedback
			for _, line := range b.Tours {
				guests := 1 + rng.Intn(6)
				decisions = append(decisions, TourFeedback{TourID: line.ID, Action: actions[rng.Intn(len(actions))], NewGuests: &guests})
			}
			_, err := b.ApplyFeedback(FeedbackPatch{Decisions: decisions}, perGuest(45))
			require.NoError(t, err)
			assertTotalMatchesLines(t, b)

			_, err = b.ApplyConfirmation(ConfirmPatch{}, perGuest(45))
			if errors.Is(err, ErrNoConfirmedTours) {
				continue
			}
			require.NoError(t, err)
			assertTotalMatchesLines(t, b)
		}

		if b.Status == StatusConfirmed {
			b.ApplyPayment(PaymentPatch{Payment: Payment{Amount: float64(rng.Intn(400))}})
			assertTotalMatchesLines(t, b)
			assert.GreaterOrEqual(t, b.AmountDue(), 0.0)
		}
	}
}

func TestTierGuestsDecodesNumbersAndRanges(t *testing.T) {
	var tiers []GroupPriceTier
	require.NoError(t, json.Unmarshal([]byte(`[{"guests":4,"price":10},{"guests":"1-3","price":20}]`), &tiers))

	lo, hi, ok := tiers[0].Guests.Range()
	assert.True(t, ok)
	assert.Equal(t, 4, lo)
	assert.Equal(t, 4, hi)

	lo, hi, ok = tiers[1].Guests.Range()
	assert.True(t, ok)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 3, hi)

	_, _, ok = TierGuests("5-2").Range()
	assert.False(t, ok)
}

func TestBookingJSONCarriesDerivedGates(t *testing.T) {
	b := confirmedBooking(t)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, true, doc["availabilityConfirmed"])
	assert.Equal(t, false, doc["pendingClientFeedback"])
	assert.Equal(t, true, doc["pendingPayment"])
}
