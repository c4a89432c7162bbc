package config

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the accounts API and webappsctl.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	RedisAddrs     []string `env:"REDIS_ADDR"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	RedisCluster   bool     `env:"REDIS_CLUSTER,default=false"`
	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	LoginURL       string   `env:"LOGIN_URL,default=/login"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL,default=http://localhost:8080"`
	AdminToken     string   `env:"ADMIN_TOKEN"`
	CSRFRequired   bool     `env:"CSRF_REQUIRED,default=false"`
	LogFormat      string   `env:"LOG_FORMAT,default=console"`
	PolicyFile     string   `env:"POLICY_FILE"`

	InvitationTTL   time.Duration `env:"INVITATION_TTL,default=72h"`
	CodeTTL         time.Duration `env:"CODE_TTL,default=10m"`
	CodeLength      int           `env:"CODE_LENGTH,default=6"`
	CodeMaxAttempts int           `env:"CODE_MAX_ATTEMPTS,default=5"`
	PasswordCost    int           `env:"PASSWORD_COST,default=12"`

	ResendLimit       int           `env:"RESEND_LIMIT,default=3"`
	ResendWindow      time.Duration `env:"RESEND_WINDOW,default=15m"`
	VerifyLimit       int           `env:"VERIFY_LIMIT,default=10"`
	VerifyWindow      time.Duration `env:"VERIFY_WINDOW,default=15m"`
	CredentialLimit   int           `env:"CREDENTIAL_LIMIT,default=3"`
	CredentialWindow  time.Duration `env:"CREDENTIAL_WINDOW,default=15m"`
	CredentialLockout time.Duration `env:"CREDENTIAL_LOCKOUT,default=30m"`

	StoreTimeout  time.Duration `env:"STORE_TIMEOUT,default=5s"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT,default=5s"`

	Retention           time.Duration `env:"RETENTION,default=720h"`
	ArchiveBucket       string        `env:"ARCHIVE_BUCKET"`
	ArchiveAgeRecipient string        `env:"ARCHIVE_AGE_RECIPIENT"`
	ArchiveSigningKey   string        `env:"ARCHIVE_SIGNING_KEY"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.CodeLength <= 0:
		return errors.New("CODE_LENGTH must be positive")
	case c.CodeMaxAttempts <= 0:
		return errors.New("CODE_MAX_ATTEMPTS must be positive")
	case c.ResendLimit <= 0 || c.VerifyLimit <= 0 || c.CredentialLimit <= 0:
		return errors.New("throttle limits must be positive")
	case c.InvitationTTL <= 0 || c.CodeTTL <= 0:
		return errors.New("INVITATION_TTL and CODE_TTL must be positive")
	}
	return nil
}
