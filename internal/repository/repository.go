package repository

import (
	"context"

	"github.com/tourdesk/booking-backend/internal/models"
)

// BookingRepository stores Booking aggregates.
//
// Save is a compare-and-swap on Revision: it fails with models.ErrConcurrentUpdate
// when the stored revision differs from the one the caller loaded. Log entries and
// payments added through the aggregate are appended, never rewritten, and a
// repeated append of the same entry id is a no-op.
type BookingRepository interface {
	Create(ctx context.Context, booking *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	// FindByRequestID returns every booking carrying requestID, oldest first.
	FindByRequestID(ctx context.Context, requestID string) ([]*models.Booking, error)
	// FindByPaymentReference matches a payment link id or a payment intent id.
	FindByPaymentReference(ctx context.Context, ref string) (*models.Booking, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Booking, error)
	Save(ctx context.Context, booking *models.Booking) error
}

type ListFilter struct {
	Status models.Status
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 200 {
		return 50
	}
	return f.Limit
}

// StaffRepository holds the staff permission records.
type StaffRepository interface {
	FindByUID(ctx context.Context, uid string) (*models.StaffUser, error)
	FindByEmail(ctx context.Context, email string) (*models.StaffUser, error)
	Upsert(ctx context.Context, user *models.StaffUser) error
}
