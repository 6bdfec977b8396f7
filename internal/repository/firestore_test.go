package repository

import (
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/booking-backend/internal/models"
)

func updatesByPath(updates []firestore.Update) map[string]interface{} {
	out := make(map[string]interface{}, len(updates))
	for _, u := range updates {
		out[u.Path] = u.Value
	}
	return out
}

func TestDocumentUpdates_DeletesClearedFields(t *testing.T) {
	b := newBooking("b1", "REQ-1", time.Now())
	deactivated := time.Now().UTC()
	b.PaymentLinkError = "stripe unavailable"
	b.PaymentLinkDeactivatedAt = &deactivated
	b.RecordEmailOutcome("availability", false, "mailbox unavailable")
	b.AdminNotes = "call before noon"

	stored, err := toFirestoreMap(b)
	require.NoError(t, err)
	stored["log"] = []interface{}{map[string]interface{}{"id": "l1"}}
	stored["payments"] = []interface{}{}
	require.Contains(t, stored, "paymentLinkError")
	require.Contains(t, stored, "emailErrors")

	b.AttachPaymentLink(models.PaymentLinkPatch{URL: "https://pay.example.com/plink_1", ID: "plink_1", Amount: 100, ExpiresAt: time.Now().Add(time.Hour)})
	b.RecordEmailOutcome("availability", true, "")
	b.AdminNotes = ""

	data, err := toFirestoreMap(b)
	require.NoError(t, err)
	byPath := updatesByPath(documentUpdates(stored, data, nil, nil))

	for _, key := range []string{"paymentLinkError", "paymentLinkDeactivatedAt", "emailErrors", "adminNotes"} {
		assert.Equal(t, firestore.Delete, byPath[key], key)
	}
	assert.Equal(t, "plink_1", byPath["paymentLinkId"])
	assert.Equal(t, true, byPath["paymentLinkActive"])
	assert.NotContains(t, byPath, "log")
	assert.NotContains(t, byPath, "payments")
}

func TestDocumentUpdates_AppendsLogAndPayments(t *testing.T) {
	b := newBooking("b1", "REQ-1", time.Now())
	stored, err := toFirestoreMap(b)
	require.NoError(t, err)
	data, err := toFirestoreMap(b)
	require.NoError(t, err)

	entry := []interface{}{map[string]interface{}{"id": "l2", "event": "payment_received"}}
	updates := documentUpdates(stored, data, entry, entry)

	byPath := updatesByPath(updates)
	assert.Contains(t, byPath, "log")
	assert.Contains(t, byPath, "payments")
	for path, value := range byPath {
		assert.NotEqual(t, firestore.Delete, value, path)
	}
	assert.Equal(t, "payments", updates[len(updates)-1].Path)
}
