package utils

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLinkCodec_RoundTrip(t *testing.T) {
	codec := NewLinkCodec("secret", quietLogger())

	token, err := codec.Sign("REQ-20250101-ABCDEF", PurposeFeedback, time.Hour)
	require.NoError(t, err)

	requestID, ok := codec.Verify(token, PurposeFeedback)
	assert.True(t, ok)
	assert.Equal(t, "REQ-20250101-ABCDEF", requestID)
}

func TestLinkCodec_PurposeIsolation(t *testing.T) {
	codec := NewLinkCodec("secret", quietLogger())

	token, err := codec.Sign("REQ-1", PurposePaymentSuccess, time.Hour)
	require.NoError(t, err)

	_, ok := codec.Verify(token, PurposeFeedback)
	assert.False(t, ok)
	_, ok = codec.Verify(token, PurposePaymentSuccess)
	assert.True(t, ok)
}

func TestLinkCodec_Expiry(t *testing.T) {
	codec := NewLinkCodec("secret", quietLogger())
	issued := time.Now()
	codec.now = func() time.Time { return issued }

	token, err := codec.Sign("REQ-1", PurposeFeedback, time.Hour)
	require.NoError(t, err)

	codec.now = func() time.Time { return issued.Add(59 * time.Minute) }
	_, ok := codec.Verify(token, PurposeFeedback)
	assert.True(t, ok)

	codec.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, ok = codec.Verify(token, PurposeFeedback)
	assert.False(t, ok)
}

func TestLinkCodec_RejectsForeignAndTamperedTokens(t *testing.T) {
	codec := NewLinkCodec("secret", quietLogger())
	other := NewLinkCodec("other-secret", quietLogger())

	token, err := other.Sign("REQ-1", PurposeFeedback, time.Hour)
	require.NoError(t, err)
	_, ok := codec.Verify(token, PurposeFeedback)
	assert.False(t, ok)

	token, err = codec.Sign("REQ-1", PurposeFeedback, time.Hour)
	require.NoError(t, err)
	_, ok = codec.Verify(token[:len(token)-2]+"xx", PurposeFeedback)
	assert.False(t, ok)

	_, ok = codec.Verify("", PurposeFeedback)
	assert.False(t, ok)
	_, ok = codec.Verify("not-a-token", PurposeFeedback)
	assert.False(t, ok)

	_, err = codec.Sign("", PurposeFeedback, time.Hour)
	assert.Error(t, err)
}
