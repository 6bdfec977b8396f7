package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LINK_SIGNING_SECRET", "secret")
	t.Setenv("STORE_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreBackendPostgres, cfg.StoreBackend)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "eur", cfg.Stripe.Currency)
	assert.Equal(t, 72*time.Hour, cfg.Stripe.PaymentLinkTTL)
	assert.Equal(t, 168*time.Hour, cfg.Links.FeedbackTTL)
	assert.Equal(t, 5, cfg.SubmitRateLimit)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.SMTP.Enabled())
	assert.False(t, cfg.Firebase.Enabled())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("LINK_SIGNING_SECRET", "secret")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("SITE_URL", "https://tours.example.com/")
	t.Setenv("STRIPE_CURRENCY", "USD")
	t.Setenv("FEEDBACK_LINK_TTL", "48h")
	t.Setenv("RATE_LIMIT_SUBMIT", "20")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_FROM", "bookings@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "https://tours.example.com", cfg.SiteURL)
	assert.Equal(t, "usd", cfg.Stripe.Currency)
	assert.Equal(t, 48*time.Hour, cfg.Links.FeedbackTTL)
	assert.Equal(t, 20, cfg.SubmitRateLimit)
	assert.True(t, cfg.SMTP.Enabled())
}

func TestLoad_RequiresSigningSecret(t *testing.T) {
	t.Setenv("LINK_SIGNING_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LINK_SIGNING_SECRET")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:  "development",
			StoreBackend: StoreBackendPostgres,
			Stripe:       StripeConfig{PaymentLinkTTL: time.Hour},
			Links:        LinkConfig{SigningSecret: "s", FeedbackTTL: time.Hour, PaymentSuccessTTL: time.Hour},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.StoreBackend = "mongo" }, "unknown STORE_BACKEND"},
		{"firestore without firebase", func(c *Config) { c.StoreBackend = StoreBackendFirestore }, "firestore backend requires"},
		{"firestore with project", func(c *Config) {
			c.StoreBackend = StoreBackendFirestore
			c.Firebase.ProjectID = "tours"
		}, ""},
		{"production without stripe", func(c *Config) { c.Environment = "production" }, "STRIPE_SECRET_KEY"},
		{"production memory store", func(c *Config) {
			c.Environment = "Production"
			c.Stripe.SecretKey = "sk"
			c.Stripe.WebhookSecret = "whsec"
			c.StoreBackend = StoreBackendMemory
		}, "memory store is not allowed"},
		{"zero ttl", func(c *Config) { c.Links.FeedbackTTL = 0 }, "TTLs must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "bookings", SSLMode: "disable"}
	assert.Equal(t, "host=db user=u password=p dbname=bookings port=5432 sslmode=disable", d.DSN())
}
