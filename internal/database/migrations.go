package database

import (
	"gorm.io/gorm"

	"github.com/tourdesk/booking-backend/internal/models"
	"github.com/tourdesk/booking-backend/internal/repository"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&repository.BookingRecord{},
		&models.StaffUser{},
	)
	if err != nil {
		return err
	}

	// Webhooks look bookings up by any payment intent they have seen.
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_bookings_payment_intent_ids ON bookings USING GIN (payment_intent_ids)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_created_at ON bookings (status, created_at DESC)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
