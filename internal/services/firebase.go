package services

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NewFirebaseApp initializes the Admin SDK from a service account file, or from
// application default credentials when only the project id is set.
func NewFirebaseApp(ctx context.Context, serviceAccountPath, projectID string) (*firebase.App, error) {
	var opts []option.ClientOption
	if serviceAccountPath != "" {
		opts = append(opts, option.WithCredentialsFile(serviceAccountPath))
	}
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	return app, nil
}

// Identity is what the identity provider vouches for.
type Identity struct {
	UID   string
	Email string
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*Identity, error)
}

type FirebaseIdentityVerifier struct {
	client *auth.Client
}

func NewFirebaseIdentityVerifier(ctx context.Context, app *firebase.App) (*FirebaseIdentityVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting auth client: %w", err)
	}
	return &FirebaseIdentityVerifier{client: client}, nil
}

func (v *FirebaseIdentityVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	email, _ := token.Claims["email"].(string)
	return &Identity{UID: token.UID, Email: email}, nil
}

// FirebaseMessenger pushes staff notifications to an FCM topic the staff
// devices subscribe to.
type FirebaseMessenger struct {
	client *messaging.Client
	topic  string
	logger *logrus.Logger
}

func NewFirebaseMessenger(ctx context.Context, app *firebase.App, topic string, logger *logrus.Logger) (*FirebaseMessenger, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return &FirebaseMessenger{client: client, topic: topic, logger: logger}, nil
}

func (m *FirebaseMessenger) PushToStaff(ctx context.Context, title, body string, data map[string]string) error {
	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data:    data,
		Topic:   m.topic,
		Android: staffAndroidConfig(data["bookingId"]),
		APNS:    staffAPNSConfig(),
	}
	response, err := m.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"topic":      m.topic,
		"booking_id": data["bookingId"],
		"response":   response,
	}).Debug("Staff push notification sent")
	return nil
}

// staffAndroidConfig collapses notifications per booking so a device shows the
// latest state only.
func staffAndroidConfig(bookingID string) *messaging.AndroidConfig {
	return &messaging.AndroidConfig{
		Priority:    "high",
		CollapseKey: bookingID,
		Notification: &messaging.AndroidNotification{
			ChannelID:    "staff_bookings",
			Sound:        "default",
			DefaultSound: true,
			Tag:          bookingID,
			Priority:     messaging.PriorityHigh,
		},
	}
}

func staffAPNSConfig() *messaging.APNSConfig {
	return &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Sound:          "default",
				MutableContent: true,
			},
		},
	}
}
