package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreBackendPostgres  = "postgres"
	StoreBackendFirestore = "firestore"
	StoreBackendMemory    = "memory"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	CORSOrigins []string

	StoreBackend string
	Database     DatabaseConfig

	RedisURL string

	Firebase FirebaseConfig
	Stripe   StripeConfig
	Links    LinkConfig
	SMTP     SMTPConfig
	Storage  StorageConfig

	CompanyName            string
	SiteURL                string
	StaffNotificationEmail string

	SubmitRateLimit int
	EmailRateLimit  int
	RateLimitWindow time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the lib/pq style connection string gorm's postgres driver accepts.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type FirebaseConfig struct {
	ServiceAccountPath string
	ProjectID          string
	StaffTopic         string
}

func (f FirebaseConfig) Enabled() bool {
	return f.ServiceAccountPath != "" || f.ProjectID != ""
}

type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	Currency       string
	PaymentLinkTTL time.Duration
}

type LinkConfig struct {
	SigningSecret     string
	FeedbackTTL       time.Duration
	PaymentSuccessTTL time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.Port != "" && s.From != ""
}

type StorageConfig struct {
	AWSRegion string
	S3Bucket  string
	UploadDir string
	PublicURL string
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("STORE_BACKEND", StoreBackendPostgres)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "bookings")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("FCM_STAFF_TOPIC", "staff-bookings")
	v.SetDefault("STRIPE_CURRENCY", "eur")
	v.SetDefault("PAYMENT_LINK_TTL", "72h")
	v.SetDefault("FEEDBACK_LINK_TTL", "168h")
	v.SetDefault("PAYMENT_SUCCESS_LINK_TTL", "720h")
	v.SetDefault("SITE_URL", "http://localhost:3000")
	v.SetDefault("COMPANY_NAME", "TourDesk")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("RATE_LIMIT_SUBMIT", 5)
	v.SetDefault("RATE_LIMIT_EMAIL", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:         v.GetString("PORT"),
		Environment:  v.GetString("ENVIRONMENT"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		CORSOrigins:  splitList(v.GetString("CORS_ORIGINS")),
		StoreBackend: strings.ToLower(v.GetString("STORE_BACKEND")),
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		RedisURL: v.GetString("REDIS_URL"),
		Firebase: FirebaseConfig{
			ServiceAccountPath: v.GetString("FIREBASE_SERVICE_ACCOUNT_PATH"),
			ProjectID:          v.GetString("FIREBASE_PROJECT_ID"),
			StaffTopic:         v.GetString("FCM_STAFF_TOPIC"),
		},
		Stripe: StripeConfig{
			SecretKey:      v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret:  v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:       strings.ToLower(v.GetString("STRIPE_CURRENCY")),
			PaymentLinkTTL: v.GetDuration("PAYMENT_LINK_TTL"),
		},
		Links: LinkConfig{
			SigningSecret:     v.GetString("LINK_SIGNING_SECRET"),
			FeedbackTTL:       v.GetDuration("FEEDBACK_LINK_TTL"),
			PaymentSuccessTTL: v.GetDuration("PAYMENT_SUCCESS_LINK_TTL"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetString("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
		},
		Storage: StorageConfig{
			AWSRegion: v.GetString("AWS_REGION"),
			S3Bucket:  v.GetString("AWS_S3_BUCKET"),
			UploadDir: v.GetString("UPLOAD_DIR"),
			PublicURL: v.GetString("PUBLIC_BASE_URL"),
		},
		CompanyName:            v.GetString("COMPANY_NAME"),
		SiteURL:                strings.TrimRight(v.GetString("SITE_URL"), "/"),
		StaffNotificationEmail: v.GetString("STAFF_NOTIFICATION_EMAIL"),
		SubmitRateLimit:        v.GetInt("RATE_LIMIT_SUBMIT"),
		EmailRateLimit:         v.GetInt("RATE_LIMIT_EMAIL"),
		RateLimitWindow:        v.GetDuration("RATE_LIMIT_WINDOW"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Links.SigningSecret == "" {
		errs = append(errs, errors.New("LINK_SIGNING_SECRET is required"))
	}
	switch c.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	case StoreBackendFirestore:
		if !c.Firebase.Enabled() {
			errs = append(errs, errors.New("firestore backend requires FIREBASE_SERVICE_ACCOUNT_PATH or FIREBASE_PROJECT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.IsProduction() {
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if c.StoreBackend == StoreBackendMemory {
			errs = append(errs, errors.New("memory store is not allowed in production"))
		}
	}
	if c.Stripe.PaymentLinkTTL <= 0 || c.Links.FeedbackTTL <= 0 || c.Links.PaymentSuccessTTL <= 0 {
		errs = append(errs, errors.New("link TTLs must be positive durations"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
