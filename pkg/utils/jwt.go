package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// LinkPurpose scopes a signed link to one use.
type LinkPurpose string

const (
	PurposeFeedback       LinkPurpose = "feedback"
	PurposePaymentSuccess LinkPurpose = "payment_success"
)

const linkIssuer = "tourdesk-booking"

type linkClaims struct {
	RequestID string      `json:"requestId"`
	Purpose   LinkPurpose `json:"purpose"`
	jwt.RegisteredClaims
}

// LinkCodec signs and verifies the tokens embedded in customer-facing URLs.
type LinkCodec struct {
	secret []byte
	logger *logrus.Logger
	now    func() time.Time
}

func NewLinkCodec(secret string, logger *logrus.Logger) *LinkCodec {
	return &LinkCodec{secret: []byte(secret), logger: logger, now: time.Now}
}

// Sign binds requestID to purpose for ttl.
func (c *LinkCodec) Sign(requestID string, purpose LinkPurpose, ttl time.Duration) (string, error) {
	if requestID == "" {
		return "", errors.New("request id is required")
	}
	now := c.now()
	claims := linkClaims{
		RequestID: requestID,
		Purpose:   purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Subject:   requestID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify returns the request id bound to token, or false when the token is
// malformed, expired, tampered with or was issued for another purpose.
func (c *LinkCodec) Verify(tokenString string, purpose LinkPurpose) (string, bool) {
	if tokenString == "" {
		return "", false
	}
	claims := &linkClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(linkIssuer), jwt.WithTimeFunc(c.now))

	reason := ""
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		reason = "expired"
	case err != nil:
		reason = "malformed"
	case !token.Valid:
		reason = "invalid"
	case claims.Purpose != purpose:
		reason = "wrong_purpose"
	case claims.RequestID == "":
		reason = "missing_request_id"
	}
	if reason != "" {
		c.logger.WithFields(logrus.Fields{
			"reason":  reason,
			"purpose": purpose,
		}).WithError(err).Info("Rejected signed link")
		return "", false
	}
	return claims.RequestID, true
}
