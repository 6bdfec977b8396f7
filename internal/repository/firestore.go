package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tourdesk/booking-backend/internal/models"
)

const (
	bookingsCollection = "bookings"
	staffCollection    = "users"
)

// FirestoreBookingRepository keeps one document per booking in the bookings
// collection. Log and payments use ArrayUnion, which ignores elements already
// present, so a retried append cannot duplicate or reorder entries.
type FirestoreBookingRepository struct {
	client *firestore.Client
}

func NewFirestoreBookingRepository(client *firestore.Client) *FirestoreBookingRepository {
	return &FirestoreBookingRepository{client: client}
}

func (r *FirestoreBookingRepository) col() *firestore.CollectionRef {
	return r.client.Collection(bookingsCollection)
}

func (r *FirestoreBookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	ref := r.col().NewDoc()
	if booking.ID != "" {
		ref = r.col().Doc(booking.ID)
	}
	booking.ID = ref.ID
	booking.Revision = 1

	data, err := toFirestoreMap(booking)
	if err != nil {
		return err
	}
	logEntries, payments := booking.PendingAppends()
	if data["log"], err = toFirestoreList(logEntries); err != nil {
		return err
	}
	if data["payments"], err = toFirestoreList(payments); err != nil {
		return err
	}
	if _, err := ref.Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return models.ErrConcurrentUpdate
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	booking.ClearPendingAppends()
	return nil
}

func (r *FirestoreBookingRepository) Get(ctx context.Context, id string) (*models.Booking, error) {
	snap, err := r.col().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return fromSnapshot(snap)
}

func (r *FirestoreBookingRepository) FindByRequestID(ctx context.Context, requestID string) ([]*models.Booking, error) {
	out, err := r.query(ctx, r.col().Where("requestId", "==", requestID))
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *FirestoreBookingRepository) FindByPaymentReference(ctx context.Context, ref string) (*models.Booking, error) {
	if ref == "" {
		return nil, models.ErrBookingNotFound
	}
	queries := []firestore.Query{
		r.col().Where("paymentLinkId", "==", ref).Limit(1),
		r.col().Where("paymentIntentIds", "array-contains", ref).Limit(1),
	}
	for _, q := range queries {
		found, err := r.query(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, models.ErrBookingNotFound
}

func (r *FirestoreBookingRepository) List(ctx context.Context, filter ListFilter) ([]*models.Booking, error) {
	q := r.col().OrderBy("createdAt", firestore.Desc).Limit(filter.limit())
	if filter.Status != "" {
		q = r.col().Where("status", "==", string(filter.Status)).OrderBy("createdAt", firestore.Desc).Limit(filter.limit())
	}
	return r.query(ctx, q)
}

func (r *FirestoreBookingRepository) query(ctx context.Context, q firestore.Query) ([]*models.Booking, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*models.Booking
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query bookings: %w", err)
		}
		b, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Save checks the revision inside a transaction and updates every document
// field except log and payments, which only receive ArrayUnion appends.
func (r *FirestoreBookingRepository) Save(ctx context.Context, booking *models.Booking) error {
	ref := r.col().Doc(booking.ID)
	data, err := toFirestoreMap(booking)
	if err != nil {
		return err
	}
	logEntries, payments := booking.PendingAppends()
	newLog, err := toFirestoreList(logEntries)
	if err != nil {
		return err
	}
	newPayments, err := toFirestoreList(payments)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return models.ErrBookingNotFound
			}
			return err
		}
		current, err := snap.DataAt("revision")
		if err != nil {
			return err
		}
		if toInt64(current) != booking.Revision {
			return models.ErrConcurrentUpdate
		}

		data["revision"] = booking.Revision + 1
		data["updatedAt"] = now.Format(time.RFC3339Nano)
		return tx.Update(ref, documentUpdates(snap.Data(), data, newLog, newPayments))
	})
	if err != nil {
		if errors.Is(err, models.ErrConcurrentUpdate) || errors.Is(err, models.ErrBookingNotFound) {
			return err
		}
		if status.Code(err) == codes.Aborted {
			return models.ErrConcurrentUpdate
		}
		return fmt.Errorf("failed to save booking: %w", err)
	}
	booking.Revision++
	booking.UpdatedAt = now
	booking.ClearPendingAppends()
	return nil
}

// appendOnlyFields are never rewritten by Save.
var appendOnlyFields = map[string]bool{"log": true, "payments": true}

// documentUpdates rewrites every stored field from data. Fields the aggregate
// no longer carries (cleared errors, emptied maps) are deleted, since an
// Update leaves unnamed fields untouched.
func documentUpdates(stored, data map[string]interface{}, newLog, newPayments []interface{}) []firestore.Update {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	for key := range stored {
		if _, ok := data[key]; !ok && !appendOnlyFields[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	updates := make([]firestore.Update, 0, len(keys)+2)
	for _, key := range keys {
		value, ok := data[key]
		if !ok {
			value = firestore.Delete
		}
		updates = append(updates, firestore.Update{Path: key, Value: value})
	}
	if len(newLog) > 0 {
		updates = append(updates, firestore.Update{Path: "log", Value: firestore.ArrayUnion(newLog...)})
	}
	if len(newPayments) > 0 {
		updates = append(updates, firestore.Update{Path: "payments", Value: firestore.ArrayUnion(newPayments...)})
	}
	return updates
}

// toFirestoreMap encodes the aggregate through its JSON form so field names match
// the API representation. Derived gates are dropped; they are never stored.
func toFirestoreMap(b *models.Booking) (map[string]interface{}, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	for _, key := range []string{"log", "payments", "availabilityConfirmed", "pendingClientFeedback", "pendingPayment", "id"} {
		delete(data, key)
	}
	return data, nil
}

func toFirestoreList[T any](items []T) ([]interface{}, error) {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*models.Booking, error) {
	raw, err := json.Marshal(snap.Data())
	if err != nil {
		return nil, err
	}
	var b models.Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("corrupt booking document %s: %w", snap.Ref.ID, err)
	}
	b.ID = snap.Ref.ID
	return &b, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return -1
}

// FirestoreStaffRepository reads the users collection, keyed by identity uid.
type FirestoreStaffRepository struct {
	client *firestore.Client
}

func NewFirestoreStaffRepository(client *firestore.Client) *FirestoreStaffRepository {
	return &FirestoreStaffRepository{client: client}
}

func (r *FirestoreStaffRepository) FindByUID(ctx context.Context, uid string) (*models.StaffUser, error) {
	snap, err := r.client.Collection(staffCollection).Doc(uid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, models.ErrStaffNotFound
		}
		return nil, err
	}
	var u models.StaffUser
	if err := snap.DataTo(&u); err != nil {
		return nil, err
	}
	u.UID = snap.Ref.ID
	return &u, nil
}

func (r *FirestoreStaffRepository) FindByEmail(ctx context.Context, email string) (*models.StaffUser, error) {
	iter := r.client.Collection(staffCollection).Where("email", "==", strings.ToLower(email)).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, models.ErrStaffNotFound
	}
	if err != nil {
		return nil, err
	}
	var u models.StaffUser
	if err := snap.DataTo(&u); err != nil {
		return nil, err
	}
	u.UID = snap.Ref.ID
	return &u, nil
}

func (r *FirestoreStaffRepository) Upsert(ctx context.Context, user *models.StaffUser) error {
	user.Email = strings.ToLower(user.Email)
	_, err := r.client.Collection(staffCollection).Doc(user.UID).Set(ctx, user)
	return err
}
