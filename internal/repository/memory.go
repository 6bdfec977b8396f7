package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/tourdesk/booking-backend/internal/models"
)

// MemoryBookingRepository keeps bookings in process. It backs local development
// and tests and honours the same revision and append semantics as the real stores.
type MemoryBookingRepository struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[string]*models.Booking)}
}

func (r *MemoryBookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if booking.ID == "" {
		booking.ID = xid.New().String()
	}
	if _, exists := r.bookings[booking.ID]; exists {
		return models.ErrConcurrentUpdate
	}
	booking.Revision = 1
	stored, err := clone(booking)
	if err != nil {
		return err
	}
	r.bookings[booking.ID] = stored
	booking.ClearPendingAppends()
	return nil
}

func (r *MemoryBookingRepository) Get(ctx context.Context, id string) (*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.bookings[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	return clone(stored)
}

func (r *MemoryBookingRepository) FindByRequestID(ctx context.Context, requestID string) ([]*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Booking
	for _, stored := range r.bookings {
		if stored.RequestID == requestID {
			b, err := clone(stored)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *MemoryBookingRepository) FindByPaymentReference(ctx context.Context, ref string) (*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" {
		return nil, models.ErrBookingNotFound
	}
	for _, stored := range r.bookings {
		if stored.PaymentLinkID == ref {
			return clone(stored)
		}
		for _, pi := range stored.PaymentIntentIDs {
			if pi == ref {
				return clone(stored)
			}
		}
	}
	return nil, models.ErrBookingNotFound
}

func (r *MemoryBookingRepository) List(ctx context.Context, filter ListFilter) ([]*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Booking
	for _, stored := range r.bookings {
		if filter.Status != "" && stored.Status != filter.Status {
			continue
		}
		b, err := clone(stored)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (r *MemoryBookingRepository) Save(ctx context.Context, booking *models.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.bookings[booking.ID]
	if !ok {
		return models.ErrBookingNotFound
	}
	if stored.Revision != booking.Revision {
		return models.ErrConcurrentUpdate
	}

	next, err := clone(booking)
	if err != nil {
		return err
	}
	// Appends go on top of what is stored so the log is never rewritten.
	logEntries, payments := booking.PendingAppends()
	next.Log = appendLogOnce(stored.Log, logEntries)
	next.Payments = appendPaymentsOnce(stored.Payments, payments)
	next.Revision = stored.Revision + 1
	next.UpdatedAt = time.Now().UTC()

	r.bookings[booking.ID] = next
	booking.Revision = next.Revision
	booking.UpdatedAt = next.UpdatedAt
	booking.ClearPendingAppends()
	return nil
}

func appendLogOnce(existing, entries []models.LogEntry) []models.LogEntry {
	out := append([]models.LogEntry(nil), existing...)
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}
	for _, e := range entries {
		if !seen[e.ID] {
			out = append(out, e)
			seen[e.ID] = true
		}
	}
	return out
}

func appendPaymentsOnce(existing, payments []models.Payment) []models.Payment {
	out := append([]models.Payment(nil), existing...)
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.ID] = true
	}
	for _, p := range payments {
		if !seen[p.ID] {
			out = append(out, p)
			seen[p.ID] = true
		}
	}
	return out
}

func clone(b *models.Booking) (*models.Booking, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var out models.Booking
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sortOldestFirst(list []*models.Booking) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

// MemoryStaffRepository is the in-process staff store.
type MemoryStaffRepository struct {
	mu    sync.RWMutex
	users map[string]models.StaffUser
}

func NewMemoryStaffRepository(users ...models.StaffUser) *MemoryStaffRepository {
	r := &MemoryStaffRepository{users: make(map[string]models.StaffUser)}
	for _, u := range users {
		r.users[u.UID] = u
	}
	return r
}

func (r *MemoryStaffRepository) FindByUID(ctx context.Context, uid string) (*models.StaffUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uid]
	if !ok {
		return nil, models.ErrStaffNotFound
	}
	return &u, nil
}

func (r *MemoryStaffRepository) FindByEmail(ctx context.Context, email string) (*models.StaffUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			found := u
			return &found, nil
		}
	}
	return nil, models.ErrStaffNotFound
}

func (r *MemoryStaffRepository) Upsert(ctx context.Context, user *models.StaffUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UID] = *user
	return nil
}
