package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tourdesk/booking-backend/internal/models"
)

// BookingRecord is the bookings table row. Document holds the aggregate without
// its log and payments, which live in their own jsonb arrays and are only ever
// appended to.
type BookingRecord struct {
	ID               string         `gorm:"primaryKey;size:40"`
	RequestID        string         `gorm:"size:64;index;not null"`
	Status           string         `gorm:"size:48;index;not null"`
	PaymentLinkID    string         `gorm:"size:128;index"`
	PaymentIntentIDs datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	Revision         int64          `gorm:"not null;default:1"`
	Document         datatypes.JSON `gorm:"type:jsonb;not null"`
	Log              datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	Payments         datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt        time.Time      `gorm:"index"`
	UpdatedAt        time.Time
}

func (BookingRecord) TableName() string {
	return "bookings"
}

type PostgresBookingRepository struct {
	db *gorm.DB
}

func NewPostgresBookingRepository(db *gorm.DB) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

func (r *PostgresBookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	if booking.ID == "" {
		booking.ID = xid.New().String()
	}
	booking.Revision = 1
	rec, err := toRecord(booking)
	if err != nil {
		return err
	}
	logEntries, payments := booking.PendingAppends()
	if rec.Log, err = json.Marshal(nonNilLog(logEntries)); err != nil {
		return err
	}
	if rec.Payments, err = json.Marshal(nonNilPayments(payments)); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	booking.ClearPendingAppends()
	return nil
}

func (r *PostgresBookingRepository) Get(ctx context.Context, id string) (*models.Booking, error) {
	var rec BookingRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return fromRecord(&rec)
}

func (r *PostgresBookingRepository) FindByRequestID(ctx context.Context, requestID string) ([]*models.Booking, error) {
	var recs []BookingRecord
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	return fromRecords(recs)
}

func (r *PostgresBookingRepository) FindByPaymentReference(ctx context.Context, ref string) (*models.Booking, error) {
	if ref == "" {
		return nil, models.ErrBookingNotFound
	}
	contains, err := json.Marshal([]string{ref})
	if err != nil {
		return nil, err
	}
	var rec BookingRecord
	err = r.db.WithContext(ctx).
		Where("payment_link_id = ? OR payment_intent_ids @> ?::jsonb", ref, string(contains)).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	return fromRecord(&rec)
}

func (r *PostgresBookingRepository) List(ctx context.Context, filter ListFilter) ([]*models.Booking, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(filter.limit())
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var recs []BookingRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return fromRecords(recs)
}

// Save writes the document only if the stored revision still matches, then
// appends pending log entries and payments in the same transaction. Each append
// skips entries whose id is already present, so retries are harmless.
func (r *PostgresBookingRepository) Save(ctx context.Context, booking *models.Booking) error {
	rec, err := toRecord(booking)
	if err != nil {
		return err
	}
	logEntries, payments := booking.PendingAppends()
	now := time.Now().UTC()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookingRecord{}).
			Where("id = ? AND revision = ?", booking.ID, booking.Revision).
			Updates(map[string]interface{}{
				"status":             rec.Status,
				"payment_link_id":    rec.PaymentLinkID,
				"payment_intent_ids": rec.PaymentIntentIDs,
				"document":           rec.Document,
				"revision":           gorm.Expr("revision + 1"),
				"updated_at":         now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update booking: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&BookingRecord{}).Where("id = ?", booking.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return models.ErrBookingNotFound
			}
			return models.ErrConcurrentUpdate
		}

		for _, entry := range logEntries {
			if err := appendJSON(tx, "log", booking.ID, entry.ID, entry); err != nil {
				return err
			}
		}
		for _, p := range payments {
			if err := appendJSON(tx, "payments", booking.ID, p.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	booking.Revision++
	booking.UpdatedAt = now
	booking.ClearPendingAppends()
	return nil
}

func appendJSON(tx *gorm.DB, column, bookingID, entryID string, value interface{}) error {
	element, err := json.Marshal([]interface{}{value})
	if err != nil {
		return err
	}
	marker, err := json.Marshal([]map[string]string{{"id": entryID}})
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("UPDATE bookings SET %[1]s = %[1]s || ?::jsonb WHERE id = ? AND NOT (%[1]s @> ?::jsonb)", column)
	if err := tx.Exec(sql, string(element), bookingID, string(marker)).Error; err != nil {
		return fmt.Errorf("failed to append to %s: %w", column, err)
	}
	return nil
}

func toRecord(b *models.Booking) (*BookingRecord, error) {
	doc := *b
	doc.Log = nil
	doc.Payments = nil
	document, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	intents, err := json.Marshal(nonNilStrings(b.PaymentIntentIDs))
	if err != nil {
		return nil, err
	}
	return &BookingRecord{
		ID:               b.ID,
		RequestID:        b.RequestID,
		Status:           string(b.Status),
		PaymentLinkID:    b.PaymentLinkID,
		PaymentIntentIDs: intents,
		Revision:         b.Revision,
		Document:         document,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}, nil
}

func fromRecord(rec *BookingRecord) (*models.Booking, error) {
	var b models.Booking
	if err := json.Unmarshal(rec.Document, &b); err != nil {
		return nil, fmt.Errorf("corrupt booking document %s: %w", rec.ID, err)
	}
	if len(rec.Log) > 0 {
		if err := json.Unmarshal(rec.Log, &b.Log); err != nil {
			return nil, fmt.Errorf("corrupt booking log %s: %w", rec.ID, err)
		}
	}
	if len(rec.Payments) > 0 {
		if err := json.Unmarshal(rec.Payments, &b.Payments); err != nil {
			return nil, fmt.Errorf("corrupt booking payments %s: %w", rec.ID, err)
		}
	}
	b.ID = rec.ID
	b.Revision = rec.Revision
	b.UpdatedAt = rec.UpdatedAt
	return &b, nil
}

func fromRecords(recs []BookingRecord) ([]*models.Booking, error) {
	out := make([]*models.Booking, 0, len(recs))
	for i := range recs {
		b, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func nonNilLog(entries []models.LogEntry) []models.LogEntry {
	if entries == nil {
		return []models.LogEntry{}
	}
	return entries
}

func nonNilPayments(p []models.Payment) []models.Payment {
	if p == nil {
		return []models.Payment{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// PostgresStaffRepository reads staff_users.
type PostgresStaffRepository struct {
	db *gorm.DB
}

func NewPostgresStaffRepository(db *gorm.DB) *PostgresStaffRepository {
	return &PostgresStaffRepository{db: db}
}

func (r *PostgresStaffRepository) FindByUID(ctx context.Context, uid string) (*models.StaffUser, error) {
	var u models.StaffUser
	if err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrStaffNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PostgresStaffRepository) FindByEmail(ctx context.Context, email string) (*models.StaffUser, error) {
	var u models.StaffUser
	if err := r.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrStaffNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PostgresStaffRepository) Upsert(ctx context.Context, user *models.StaffUser) error {
	var existing models.StaffUser
	err := r.db.WithContext(ctx).Where("uid = ?", user.UID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.db.WithContext(ctx).Create(user).Error
	case err != nil:
		return err
	}
	user.ID = existing.ID
	return r.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"email":        user.Email,
		"display_name": user.DisplayName,
		"role":         user.Role,
		"active":       user.Active,
	}).Error
}
